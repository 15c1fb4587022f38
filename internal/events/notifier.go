package events

import "sync"

// Dispatch transition event types.
const (
	TypeDispatchRequested = "dispatch.requested"
	TypeDispatchCompleted = "dispatch.completed"
	TypeDispatchFailed    = "dispatch.failed"
)

// DispatchEvent describes one orchestrator state transition for in-process subscribers.
type DispatchEvent struct {
	Type           string         `json:"type"`
	EnvelopeID     string         `json:"envelope_id"`
	DistributionID string         `json:"distribution_id,omitempty"`
	Target         string         `json:"target,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// Notifier fans dispatch events out to subscribers. Publishing is best-effort:
// a subscriber whose buffer is full misses the event rather than blocking a
// dispatch pass. The durable record lives in the audit log, not here.
type Notifier struct {
	mu   sync.Mutex
	subs []chan DispatchEvent
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe returns a buffered channel receiving future dispatch events.
func (n *Notifier) Subscribe() <-chan DispatchEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan DispatchEvent, 64)
	n.subs = append(n.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (n *Notifier) Publish(evt DispatchEvent) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
