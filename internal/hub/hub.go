package hub

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mcpanel/internal/logging"
	"mcpanel/internal/metrics"
	"mcpanel/internal/protocol"
)

// Replay is what a new observer receives before any live event.
type Replay struct {
	Status  protocol.ServerStatus
	History []protocol.ConsoleRecord
}

// Hub owns the observer set and fans events out to it. Publishing never
// blocks on an observer and never reports per-observer failures.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]Observer

	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		observers: make(map[string]Observer),
		log:       logging.OrNop(logger).Named("hub"),
		metrics:   m,
	}
}

// Subscribe sends the replay and registers the observer in one step under
// the hub lock, so no publish can fall between the replay and the first live
// event. If either replay send fails the observer is not registered.
func (h *Hub) Subscribe(obs Observer, replay Replay) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.observers[obs.ID()]; exists {
		return fmt.Errorf("observer %s already subscribed", obs.ID())
	}

	history := replay.History
	if history == nil {
		history = []protocol.ConsoleRecord{}
	}
	if err := obs.Send(replay.Status.Clone()); err != nil {
		return fmt.Errorf("replay status: %w", err)
	}
	if err := obs.Send(protocol.ConsoleHistory{Records: history}); err != nil {
		return fmt.Errorf("replay history: %w", err)
	}

	h.observers[obs.ID()] = obs
	h.metrics.SetObservers(len(h.observers))
	h.log.Debug("observer subscribed",
		zap.String("observer", obs.ID()),
		zap.String("identity", obs.Identity()),
		zap.Int("replayed", len(history)))
	return nil
}

// Publish delivers ev to every registered observer and drops the ones whose
// Send fails. It returns how many observers accepted the event.
func (h *Hub) Publish(ev protocol.Event) int {
	h.mu.RLock()
	snapshot := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		snapshot = append(snapshot, o)
	}
	h.mu.RUnlock()

	h.metrics.IncEventPublished(ev.EventType())

	delivered := 0
	var failed []Observer
	for _, o := range snapshot {
		if err := o.Send(ev); err != nil {
			failed = append(failed, o)
			h.log.Debug("dropping observer",
				zap.String("observer", o.ID()),
				zap.String("event", ev.EventType()),
				zap.Error(err))
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, o := range failed {
			// Only remove the instance that failed; the id may have been
			// re-registered meanwhile.
			if cur, ok := h.observers[o.ID()]; ok && cur == o {
				delete(h.observers, o.ID())
				h.metrics.IncObserverDropped()
			}
		}
		h.metrics.SetObservers(len(h.observers))
		h.mu.Unlock()
	}
	return delivered
}

// RelayExternal publishes an event produced outside the core, such as a
// forced logout notice. It is delivered exactly like any other event.
func (h *Hub) RelayExternal(ev protocol.Event) int {
	return h.Publish(ev)
}

// Unsubscribe removes an observer. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.observers[id]; !ok {
		return false
	}
	delete(h.observers, id)
	h.metrics.SetObservers(len(h.observers))
	return true
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Observers returns the registered observers with the given identity.
func (h *Hub) Observers(identity string) []Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Observer
	for _, o := range h.observers {
		if o.Identity() == identity {
			out = append(out, o)
		}
	}
	return out
}
