// Package transport selects the service bus transport for a runtime Service.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/conduit/internal/runtime/config"
	errspkg "github.com/drblury/conduit/internal/runtime/errors"
	pubtransport "github.com/drblury/conduit/transport"
	_ "github.com/drblury/conduit/transport/transports"
)

// Transport is the publisher and subscriber pair backing a bus.
type Transport = pubtransport.Transport

// Factory abstracts how a Service obtains its transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds transports from the default registry, where every
// built-in transport is registered.
func DefaultFactory() Factory {
	return registryFactory{registry: pubtransport.DefaultRegistry}
}

// RegistryFactory builds transports from r.
func RegistryFactory(r *pubtransport.Registry) Factory {
	return registryFactory{registry: r}
}

type registryFactory struct {
	registry *pubtransport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.New(errspkg.KindConfig, "transport", errspkg.ErrConfigRequired)
	}
	return f.registry.Build(ctx, conf, logger)
}
