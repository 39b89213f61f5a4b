package runtime

import (
	"net/http"
	"time"

	"github.com/drblury/conduit/internal/runtime/bus"
	"github.com/drblury/conduit/internal/runtime/codec"
	"github.com/drblury/conduit/internal/runtime/metrics"
	"github.com/drblury/conduit/internal/runtime/model"
	"github.com/drblury/conduit/internal/runtime/processor"
	"github.com/drblury/conduit/internal/runtime/registry"
)

// Status is the operational snapshot served on /status.
type Status struct {
	Service     string                               `json:"service"`
	Transport   string                               `json:"transport"`
	CollectedAt time.Time                            `json:"collected_at"`
	Queues      map[string]QueueStatus               `json:"queues"`
	Processors  []ProcessorStatus                    `json:"processors"`
	Bus         map[string]bus.TopicStats            `json:"bus"`
	Breakers    map[string]model.CircuitBreakerState `json:"breakers"`
	Health      map[string]registry.HealthStatus     `json:"health"`
	DeadLetters metrics.DeadLetterSnapshot           `json:"dead_letters"`
	Resources   ResourceUsage                        `json:"resources"`
}

// QueueStatus reports the depth of one queue per priority tier.
type QueueStatus struct {
	Size  int            `json:"size"`
	Tiers map[string]int `json:"tiers"`
}

// ProcessorStatus pairs processor counters with the queue they drain.
type ProcessorStatus struct {
	Queue string `json:"queue"`
	processor.Stats
}

// Status collects the current snapshot.
func (s *Service) Status() Status {
	st := Status{
		Service:     s.Conf.ServiceName,
		Transport:   s.Conf.GetPubSubSystem(),
		CollectedAt: time.Now().UTC(),
		Queues:      make(map[string]QueueStatus),
		Bus:         make(map[string]bus.TopicStats),
		Breakers:    make(map[string]model.CircuitBreakerState),
		Health:      s.registry.HealthStatuses(),
		DeadLetters: s.archive.Snapshot(),
		Resources:   s.resources.Snapshot(),
	}

	s.mu.Lock()
	for name, q := range s.queues {
		qs := QueueStatus{Size: q.Size(), Tiers: make(map[string]int, len(model.Priorities))}
		for _, p := range model.Priorities {
			qs.Tiers[p.String()] = q.TierSize(p)
		}
		st.Queues[name] = qs
	}
	for _, mp := range s.processors {
		st.Processors = append(st.Processors, ProcessorStatus{Queue: mp.queue, Stats: mp.processor.Stats()})
	}
	for name, c := range s.communicators {
		st.Breakers[name] = c.BreakerState()
	}
	s.mu.Unlock()

	for _, topic := range s.bus.Topics() {
		st.Bus[topic] = s.bus.Stats(topic)
	}
	return st
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := codec.EncodeJSON(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
