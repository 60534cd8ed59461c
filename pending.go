package linkup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Pending-Operation Queue
// ============================================================================

// DefaultPendingKind is the kind used for like toggles.
const DefaultPendingKind = "likes"

// PendingOperation is a user action recorded locally and not yet confirmed by
// the backend.
type PendingOperation struct {
	ActorUID  string `json:"actorUid"`
	Kind      string `json:"kind"`
	TargetID  string `json:"targetId"`
	CreatedAt int64  `json:"createdAt"`
}

// PendingQueue is an actor-scoped, de-duplicated set of pending operations of
// one kind, persisted through the cache.
type PendingQueue struct {
	cache *Cache
	kind  string
	now   func() time.Time

	mu sync.Mutex // serializes read-modify-write on the set keys
}

// NewPendingQueue creates a queue for kind. An empty kind means likes.
func NewPendingQueue(cache *Cache, kind string) *PendingQueue {
	if kind == "" {
		kind = DefaultPendingKind
	}
	return &PendingQueue{cache: cache, kind: kind, now: time.Now}
}

// Kind returns the operation kind this queue holds.
func (q *PendingQueue) Kind() string { return q.kind }

// PendingKey returns the store key of the actor's pending set.
func PendingKey(kind, actorUID string) string {
	return fmt.Sprintf("pending_%s_%s", kind, actorUID)
}

// Toggle flips targetID's membership in the actor's set and reports whether it
// is present afterwards. Two toggles of the same target cancel out.
func (q *PendingQueue) Toggle(actorUID, targetID string) (bool, error) {
	if actorUID == "" || targetID == "" {
		return false, errors.New("pending: actor and target are required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(actorUID)
	if err != nil {
		return false, err
	}
	for i, op := range ops {
		if op.TargetID == targetID {
			ops = append(ops[:i], ops[i+1:]...)
			return false, q.save(actorUID, ops)
		}
	}
	ops = append(ops, PendingOperation{
		ActorUID:  actorUID,
		Kind:      q.kind,
		TargetID:  targetID,
		CreatedAt: q.now().UnixMilli(),
	})
	return true, q.save(actorUID, ops)
}

// Clear removes exactly the confirmed targets. Anything added since the caller
// took its snapshot is left in place.
func (q *PendingQueue) Clear(actorUID string, confirmedIDs []string) error {
	if len(confirmedIDs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(actorUID)
	if err != nil {
		return err
	}
	confirmed := make(map[string]bool, len(confirmedIDs))
	for _, id := range confirmedIDs {
		confirmed[id] = true
	}
	kept := ops[:0]
	for _, op := range ops {
		if !confirmed[op.TargetID] {
			kept = append(kept, op)
		}
	}
	return q.save(actorUID, kept)
}

// List returns the actor's pending operations in the order they were added.
func (q *PendingQueue) List(actorUID string) ([]PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(actorUID)
}

// Len returns the number of pending operations for the actor.
func (q *PendingQueue) Len(actorUID string) (int, error) {
	ops, err := q.List(actorUID)
	return len(ops), err
}

// Contains reports whether targetID is pending for the actor.
func (q *PendingQueue) Contains(actorUID, targetID string) (bool, error) {
	ops, err := q.List(actorUID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.TargetID == targetID {
			return true, nil
		}
	}
	return false, nil
}

func (q *PendingQueue) load(actorUID string) ([]PendingOperation, error) {
	var ops []PendingOperation
	if _, err := q.cache.Get(PendingKey(q.kind, actorUID), &ops); err != nil {
		return nil, fmt.Errorf("pending: load %s: %w", actorUID, err)
	}
	return ops, nil
}

func (q *PendingQueue) save(actorUID string, ops []PendingOperation) error {
	key := PendingKey(q.kind, actorUID)
	if len(ops) == 0 {
		return q.cache.Remove(key)
	}
	return q.cache.Set(key, ops)
}

// ============================================================================
// Sync Flusher
// ============================================================================

// SyncEndpoint confirms pending operations against the backend. It returns
// the target ids the backend has accepted.
type SyncEndpoint interface {
	SyncPending(ctx context.Context, actorUID string, ops []PendingOperation) ([]string, error)
}

// LifecycleEvent is an app lifecycle transition that triggers a flush.
type LifecycleEvent string

const (
	LifecycleMount      LifecycleEvent = "mount"
	LifecycleForeground LifecycleEvent = "foreground"
	LifecycleBackground LifecycleEvent = "background"
)

// FlushResult describes one Flush call.
type FlushResult struct {
	Skipped   bool // another flush for the actor was in flight
	Sent      int
	Confirmed int
}

// Flusher drains a PendingQueue against a SyncEndpoint.
type Flusher struct {
	queue    *PendingQueue
	endpoint SyncEndpoint
	timeout  time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	flushing map[string]bool
}

// NewFlusher creates a flusher. A non-positive timeout uses DefaultTimeout.
func NewFlusher(queue *PendingQueue, endpoint SyncEndpoint, timeout time.Duration, log *zap.Logger) *Flusher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Flusher{
		queue:    queue,
		endpoint: endpoint,
		timeout:  timeout,
		log:      log,
		flushing: make(map[string]bool),
	}
}

// Flush sends the actor's pending set and clears what the backend confirmed.
// A call made while another flush for the same actor is running returns
// immediately with Skipped set. On failure the set is left untouched.
func (f *Flusher) Flush(ctx context.Context, actorUID string) (FlushResult, error) {
	f.mu.Lock()
	if f.flushing[actorUID] {
		f.mu.Unlock()
		return FlushResult{Skipped: true}, nil
	}
	f.flushing[actorUID] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.flushing, actorUID)
		f.mu.Unlock()
	}()

	batch, err := f.queue.List(actorUID)
	if err != nil {
		return FlushResult{}, err
	}
	if len(batch) == 0 {
		return FlushResult{}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	confirmed, err := f.endpoint.SyncPending(callCtx, actorUID, batch)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return FlushResult{Sent: len(batch)}, fmt.Errorf("pending: sync %s: %w", actorUID, err)
	}

	// Only ids that were both sent and confirmed are removed.
	sent := make(map[string]bool, len(batch))
	for _, op := range batch {
		sent[op.TargetID] = true
	}
	var cleared []string
	for _, id := range confirmed {
		if sent[id] {
			cleared = append(cleared, id)
		}
	}
	if err := f.queue.Clear(actorUID, cleared); err != nil {
		return FlushResult{Sent: len(batch)}, err
	}
	f.log.Debug("pending: flushed",
		zap.String("actor", actorUID), zap.String("kind", f.queue.Kind()),
		zap.Int("sent", len(batch)), zap.Int("confirmed", len(cleared)))
	return FlushResult{Sent: len(batch), Confirmed: len(cleared)}, nil
}

// HandleLifecycle flushes the actor's queue on any lifecycle transition.
// Transient failures are swallowed; they are retried on the next trigger.
func (f *Flusher) HandleLifecycle(ctx context.Context, actorUID string, ev LifecycleEvent) error {
	_, err := f.Flush(ctx, actorUID)
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		f.log.Debug("pending: flush deferred", zap.String("event", string(ev)), zap.Error(err))
		return nil
	}
	f.log.Error("pending: flush failed", zap.String("event", string(ev)), zap.Error(err))
	return err
}

// Run flushes on every event until ctx is done or events is closed.
func (f *Flusher) Run(ctx context.Context, actorUID string, events <-chan LifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.HandleLifecycle(ctx, actorUID, ev)
		}
	}
}
