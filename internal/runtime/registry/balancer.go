package registry

import (
	"sync"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

// LoadBalancer picks the next service instance to call.
type LoadBalancer interface {
	Add(name string, weight int)
	Remove(name string)
	Next() (string, error)
}

// RoundRobin rotates through names in insertion order.
type RoundRobin struct {
	mu     sync.Mutex
	names  []string
	cursor int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Add appends name. The weight is ignored and duplicates are no-ops.
func (r *RoundRobin) Add(name string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return
		}
	}
	r.names = append(r.names, name)
}

// Remove drops name and keeps the cursor on the entry that would have been
// returned next.
func (r *RoundRobin) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.names {
		if n != name {
			continue
		}
		r.names = append(r.names[:i], r.names[i+1:]...)
		if i < r.cursor {
			r.cursor--
		}
		if r.cursor >= len(r.names) {
			r.cursor = 0
		}
		return
	}
}

func (r *RoundRobin) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.names) == 0 {
		return "", errspkg.New(errspkg.KindServiceNotFound, "balance", nil)
	}
	name := r.names[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.names)
	return name, nil
}

// WeightedRoundRobin is smooth weighted round-robin: a name with weight w is
// returned w times per cycle of the total weight, interleaved with the rest.
type WeightedRoundRobin struct {
	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	name    string
	weight  int
	current int
}

func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{}
}

// Add registers name, or updates its weight when already present. Weights
// below 1 become 1.
func (w *WeightedRoundRobin) Add(name string, weight int) {
	if weight < 1 {
		weight = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.peers {
		if p.name == name {
			p.weight = weight
			return
		}
	}
	w.peers = append(w.peers, &peer{name: name, weight: weight})
}

func (w *WeightedRoundRobin) Remove(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range w.peers {
		if p.name == name {
			w.peers = append(w.peers[:i], w.peers[i+1:]...)
			return
		}
	}
}

func (w *WeightedRoundRobin) Next() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.peers) == 0 {
		return "", errspkg.New(errspkg.KindServiceNotFound, "balance", nil)
	}

	var best *peer
	total := 0
	for _, p := range w.peers {
		p.current += p.weight
		total += p.weight
		// strict greater keeps the first peer in scan order on ties
		if best == nil || p.current > best.current {
			best = p
		}
	}
	best.current -= total
	return best.name, nil
}
