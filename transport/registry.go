package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

type entry struct {
	build Builder
	caps  Capabilities
}

// Registry maps PubSubSystem names to builders and their capabilities. Names
// are matched case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry receives the registrations of the transport sub-packages.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces the builder for name, keeping any capabilities
// registered earlier.
func (r *Registry) Register(name string, builder Builder) {
	key := normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	e.build = builder
	if e.caps.Name == "" {
		e.caps.Name = key
	}
	r.entries[key] = e
}

// RegisterWithCapabilities adds a builder together with its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := normalize(name)
	if caps.Name == "" {
		caps.Name = key
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = entry{build: builder, caps: caps}
}

// GetCapabilities returns the capabilities for name, or a zero value carrying
// only the name when none were registered.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := normalize(name)
	if e, ok := r.entries[key]; ok {
		return e.caps
	}
	return Capabilities{Name: key}
}

// Build runs the builder selected by cfg.GetPubSubSystem(). Unknown names
// fail with KindConfig. Builder failures without a kind are wrapped as
// KindTransport.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errspkg.New(errspkg.KindConfig, "transport", errspkg.ErrConfigRequired)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := normalize(cfg.GetPubSubSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok || e.build == nil {
		return Transport{}, errspkg.New(errspkg.KindConfig, "transport",
			fmt.Errorf("unknown transport %q (registered: %v)", name, r.Names()))
	}
	tr, err := e.build(ctx, cfg, logger)
	if err != nil {
		if errspkg.KindOf(err) != errspkg.KindUnknown {
			return Transport{}, err
		}
		return Transport{}, errspkg.New(errspkg.KindTransport, "transport "+name, err)
	}
	return tr, nil
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalize(name)]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default
// registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
