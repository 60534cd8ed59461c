package linkup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEndpoint struct {
	mock.Mock
}

func (m *mockEndpoint) SyncPending(ctx context.Context, actorUID string, ops []PendingOperation) ([]string, error) {
	args := m.Called(ctx, actorUID, ops)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

// syncFunc adapts a function to SyncEndpoint.
type syncFunc func(ctx context.Context, actorUID string, ops []PendingOperation) ([]string, error)

func (f syncFunc) SyncPending(ctx context.Context, actorUID string, ops []PendingOperation) ([]string, error) {
	return f(ctx, actorUID, ops)
}

func targets(ops []PendingOperation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.TargetID
	}
	return ids
}

// ============================================================================
// PendingQueue
// ============================================================================

func TestPendingQueue_Toggle(t *testing.T) {
	c := NewCache(NewMemoryStore())
	q := NewPendingQueue(c, "")
	assert.Equal(t, DefaultPendingKind, q.Kind())

	on, err := q.Toggle("alice", "post1")
	require.NoError(t, err)
	assert.True(t, on)

	ok, err := q.Contains("alice", "post1")
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("double toggle cancels out", func(t *testing.T) {
		on, err := q.Toggle("alice", "post1")
		require.NoError(t, err)
		assert.False(t, on)

		n, err := q.Len("alice")
		require.NoError(t, err)
		assert.Zero(t, n)

		_, present, _ := c.Store().Get(PendingKey("likes", "alice"))
		assert.False(t, present, "empty set removes the key")
	})

	t.Run("actors are isolated", func(t *testing.T) {
		_, err := q.Toggle("alice", "post2")
		require.NoError(t, err)
		_, err = q.Toggle("bob", "post2")
		require.NoError(t, err)
		_, err = q.Toggle("bob", "post3")
		require.NoError(t, err)

		a, _ := q.List("alice")
		b, _ := q.List("bob")
		assert.Equal(t, []string{"post2"}, targets(a))
		assert.Equal(t, []string{"post2", "post3"}, targets(b))
		assert.Equal(t, "bob", b[0].ActorUID)
		assert.Equal(t, "likes", b[0].Kind)
	})

	t.Run("rejects empty ids", func(t *testing.T) {
		_, err := q.Toggle("", "x")
		assert.Error(t, err)
		_, err = q.Toggle("alice", "")
		assert.Error(t, err)
	})
}

func TestPendingQueue_Persistence(t *testing.T) {
	store := NewMemoryStore()
	q := NewPendingQueue(NewCache(store), "likes")
	_, err := q.Toggle("alice", "post1")
	require.NoError(t, err)

	// A fresh queue over the same store sees the set.
	q2 := NewPendingQueue(NewCache(store), "likes")
	ok, err := q2.Contains("alice", "post1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPendingQueue_ClearOnlyConfirmed(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Toggle("alice", id)
		require.NoError(t, err)
	}
	require.NoError(t, q.Clear("alice", []string{"a", "c", "zzz"}))
	ops, _ := q.List("alice")
	assert.Equal(t, []string{"b"}, targets(ops))

	require.NoError(t, q.Clear("alice", nil))
	n, _ := q.Len("alice")
	assert.Equal(t, 1, n)
}

// ============================================================================
// Flusher
// ============================================================================

func TestFlusher_Flush(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")
	_, _ = q.Toggle("alice", "p2")

	ep := new(mockEndpoint)
	ep.On("SyncPending", mock.Anything, "alice", mock.MatchedBy(func(ops []PendingOperation) bool {
		return len(ops) == 2
	})).Return([]string{"p1", "p2"}, nil).Once()

	f := NewFlusher(q, ep, time.Second, nil)
	res, err := f.Flush(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Sent: 2, Confirmed: 2}, res)

	n, _ := q.Len("alice")
	assert.Zero(t, n)
	ep.AssertExpectations(t)
}

func TestFlusher_EmptyQueueSkipsRequest(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	ep := new(mockEndpoint)
	f := NewFlusher(q, ep, time.Second, nil)

	res, err := f.Flush(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, FlushResult{}, res)
	ep.AssertNotCalled(t, "SyncPending", mock.Anything, mock.Anything, mock.Anything)
}

func TestFlusher_PartialConfirmation(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")
	_, _ = q.Toggle("alice", "p2")

	ep := new(mockEndpoint)
	ep.On("SyncPending", mock.Anything, "alice", mock.Anything).Return([]string{"p2", "unknown"}, nil)

	f := NewFlusher(q, ep, time.Second, nil)
	res, err := f.Flush(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)

	ops, _ := q.List("alice")
	assert.Equal(t, []string{"p1"}, targets(ops))
}

func TestFlusher_FailureLeavesSet(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")

	ep := new(mockEndpoint)
	ep.On("SyncPending", mock.Anything, "alice", mock.Anything).
		Return(nil, &APIError{Code: "INTERNAL", Message: "down", Status: 503})

	f := NewFlusher(q, ep, time.Second, nil)
	_, err := f.Flush(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	ok, _ := q.Contains("alice", "p1")
	assert.True(t, ok)

	t.Run("lifecycle swallows transient errors", func(t *testing.T) {
		assert.NoError(t, f.HandleLifecycle(context.Background(), "alice", LifecycleForeground))
	})
}

func TestFlusher_LifecycleReturnsPermanentErrors(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")

	ep := new(mockEndpoint)
	ep.On("SyncPending", mock.Anything, "alice", mock.Anything).
		Return(nil, &APIError{Code: "UNAUTHORIZED", Message: "bad token", Status: 401})

	f := NewFlusher(q, ep, time.Second, nil)
	err := f.HandleLifecycle(context.Background(), "alice", LifecycleMount)
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

func TestFlusher_Timeout(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")

	ep := syncFunc(func(ctx context.Context, _ string, _ []PendingOperation) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := NewFlusher(q, ep, 20*time.Millisecond, nil)
	_, err := f.Flush(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	n, _ := q.Len("alice")
	assert.Equal(t, 1, n)
}

func TestFlusher_ReentrantFlushIsSkipped(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")

	entered := make(chan struct{})
	release := make(chan struct{})
	ep := syncFunc(func(ctx context.Context, _ string, ops []PendingOperation) ([]string, error) {
		close(entered)
		<-release
		return targets(ops), nil
	})
	f := NewFlusher(q, ep, time.Second, nil)

	var wg sync.WaitGroup
	var first FlushResult
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = f.Flush(context.Background(), "alice")
	}()
	<-entered

	res, err := f.Flush(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, 1, first.Confirmed)
}

func TestFlusher_ToggleDuringFlushSurvives(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")

	ep := syncFunc(func(ctx context.Context, _ string, ops []PendingOperation) ([]string, error) {
		// The user likes another post while the request is in flight.
		if _, err := q.Toggle("alice", "p2"); err != nil {
			return nil, err
		}
		return targets(ops), nil
	})
	f := NewFlusher(q, ep, time.Second, nil)

	res, err := f.Flush(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	ops, _ := q.List("alice")
	assert.Equal(t, []string{"p2"}, targets(ops))
}

func TestFlusher_Run(t *testing.T) {
	q := NewPendingQueue(NewCache(NewMemoryStore()), "likes")
	_, _ = q.Toggle("alice", "p1")

	calls := make(chan []PendingOperation, 4)
	ep := syncFunc(func(_ context.Context, _ string, ops []PendingOperation) ([]string, error) {
		calls <- ops
		return nil, errors.New("rejected")
	})
	f := NewFlusher(q, ep, time.Second, nil)

	events := make(chan LifecycleEvent)
	done := make(chan struct{})
	go func() {
		f.Run(context.Background(), "alice", events)
		close(done)
	}()

	events <- LifecycleMount
	events <- LifecycleBackground
	close(events)
	<-done

	assert.Len(t, calls, 2)
}
