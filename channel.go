package linkup

import (
	"context"
	"encoding/json"
	"sync"
)

// ============================================================================
// Channel
// ============================================================================

// Channel is a connection to a hierarchical realtime data tree. Paths are
// slash separated, e.g. "messages/{roomId}/{messageId}".
type Channel interface {
	// SubscribeLastN delivers an EventSnapshot of the last q.Limit children of
	// path ordered by q.OrderBy, followed by child deltas for that window.
	SubscribeLastN(ctx context.Context, path string, q Query) (*Subscription, error)
	// SubscribeValue delivers EventValue each time the value at path changes,
	// starting with its current value.
	SubscribeValue(ctx context.Context, path string) (*Subscription, error)
	// QueryRange returns up to q.Limit children strictly before q.EndBefore,
	// in ascending order.
	QueryRange(ctx context.Context, path string, q RangeQuery) ([]Child, error)
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)

	Write(ctx context.Context, path string, value any) error
	// Update applies every path in updates atomically. A nil value removes.
	Update(ctx context.Context, updates map[string]any) error
	Remove(ctx context.Context, path string) error
	// Push returns a new chronologically ordered child key under path.
	Push(path string) string

	// OnDisconnect registers value to be written at path when this connection
	// is lost. A nil value removes the path instead.
	OnDisconnect(ctx context.Context, path string, value any) error
	CancelOnDisconnect(ctx context.Context, path string) error

	Close() error
}

// ServerTimestamp is replaced by the backend's clock (unix millis) when written.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	return ok && len(m) == 1 && m[".sv"] == "timestamp"
}

// Query selects the last Limit children ordered by OrderBy. An empty OrderBy
// orders by key.
type Query struct {
	OrderBy string `json:"orderBy,omitempty"`
	Limit   int    `json:"limit"`
}

// Cursor is a position in an ordered child list.
type Cursor struct {
	Value any    `json:"value"`
	Key   string `json:"key"`
}

// RangeQuery is a one-shot backwards page query.
type RangeQuery struct {
	OrderBy   string  `json:"orderBy,omitempty"`
	EndBefore *Cursor `json:"endBefore,omitempty"`
	Limit     int     `json:"limit"`
}

// Child is one keyed child of a tree node.
type Child struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// EventKind identifies a ChannelEvent.
type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventChildAdded   EventKind = "child_added"
	EventChildChanged EventKind = "child_changed"
	EventChildRemoved EventKind = "child_removed"
	EventValue        EventKind = "value"
)

// ChannelEvent is delivered on a Subscription.
type ChannelEvent struct {
	Kind     EventKind       `json:"kind"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"` // nil for removals and absent values
	Children []Child         `json:"children,omitempty"`
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is a live query handle. Events are queued without bound, so a
// slow reader never stalls the transport. Close is idempotent; the Events
// channel is closed once the subscription is closed.
type Subscription struct {
	events chan ChannelEvent
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []ChannelEvent
	closed bool

	closeOnce sync.Once
	onClose   func()
}

func newSubscription(onClose func()) *Subscription {
	s := &Subscription{
		events:  make(chan ChannelEvent),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan ChannelEvent {
	return s.events
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery and releases the remote listener.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription) push(ev ChannelEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
