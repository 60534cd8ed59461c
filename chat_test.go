package linkup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	alice = Profile{UID: "alice", DisplayName: "Alice"}
	bob   = Profile{UID: "bob", DisplayName: "Bob"}
)

// recordingChannel counts calls made through it.
type recordingChannel struct {
	Channel

	mu      sync.Mutex
	queries int
	updates int
	writes  map[string]int
	removes map[string]int
}

func newRecordingChannel(ch Channel) *recordingChannel {
	return &recordingChannel{Channel: ch, writes: map[string]int{}, removes: map[string]int{}}
}

func (c *recordingChannel) QueryRange(ctx context.Context, path string, q RangeQuery) ([]Child, error) {
	c.mu.Lock()
	c.queries++
	c.mu.Unlock()
	return c.Channel.QueryRange(ctx, path, q)
}

func (c *recordingChannel) Update(ctx context.Context, updates map[string]any) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Channel.Update(ctx, updates)
}

func (c *recordingChannel) Write(ctx context.Context, path string, value any) error {
	c.mu.Lock()
	c.writes[path]++
	c.mu.Unlock()
	return c.Channel.Write(ctx, path, value)
}

func (c *recordingChannel) Remove(ctx context.Context, path string) error {
	c.mu.Lock()
	c.removes[path]++
	c.mu.Unlock()
	return c.Channel.Remove(ctx, path)
}

func (c *recordingChannel) counts() (queries, updates int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries, c.updates
}

func seedWire(t *testing.T, ch Channel, room, id, sender, text string, ts int64, read bool) {
	t.Helper()
	require.NoError(t, ch.Write(context.Background(), MessagePath(room, id),
		map[string]any{"s": sender, "t": text, "ts": ts, "r": read}))
}

func openSession(t *testing.T, ch Channel, cache *Cache, cfg SessionConfig) *Session {
	t.Helper()
	s := NewSession(ch, cache, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Open(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

// waitEvent reads events until one of type T satisfies match.
func waitEvent[T ChatEvent](t *testing.T, s *Session, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "events closed")
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func drainEvents(s *Session) {
	for {
		select {
		case <-s.Events():
		default:
			return
		}
	}
}

// ============================================================================
// Open
// ============================================================================

func TestSession_OpenEmptyRoom(t *testing.T) {
	b := NewMemoryBackend()
	s := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob})

	assert.Equal(t, "alice_bob", s.RoomID())
	assert.Equal(t, SessionLive, s.State())
	assert.Empty(t, s.Messages())
	assert.False(t, s.HasMore())

	v, ok := b.Value(StatusPath("alice") + "/state")
	require.True(t, ok)
	assert.Equal(t, PresenceOnline, v)

	msgs, err := s.LoadEarlier(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestSession_OpenErrors(t *testing.T) {
	ch := NewMemoryBackend().Connect()

	s := NewSession(ch, nil, SessionConfig{Self: alice})
	assert.ErrorIs(t, s.Open(context.Background()), ErrNoRoom)
	_, err := s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoRoom)

	s = NewSession(ch, nil, SessionConfig{Self: alice, Peer: bob})
	_, err = s.LoadEarlier(context.Background())
	assert.ErrorIs(t, err, ErrNotLive)
	_, err = s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotLive)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Open(context.Background()), ErrSessionClosed)
}

func TestSession_OpenLoadsNewestPage(t *testing.T) {
	b := NewMemoryBackend()
	seeder := b.Connect()
	room := RoomID("alice", "bob")
	for i := 0; i < 8; i++ {
		seedWire(t, seeder, room, fmt.Sprintf("m%03d", i), "alice", fmt.Sprintf("msg %d", i), int64(1000+i), false)
	}

	s := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob, PageSize: 5})
	msgs := s.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "m003", msgs[0].ID)
	assert.Equal(t, "m007", msgs[4].ID)
	assert.True(t, s.HasMore())
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i-1].Before(msgs[i]))
	}
}

func TestSession_OpenMergesCachedTail(t *testing.T) {
	b := NewMemoryBackend()
	cache := NewCache(NewMemoryStore())
	room := RoomID("alice", "bob")
	seedWire(t, b.Connect(), room, "m002", "bob", "server", 2000, true)
	require.NoError(t, cache.Set(messageCacheKey(room, "m001"),
		Message{ID: "m001", RoomID: room, SenderID: "alice", Text: "cached", TimestampMillis: 1000}))

	s := openSession(t, b.Connect(), cache, SessionConfig{Self: alice, Peer: bob})
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "cached", msgs[0].Text)
	assert.Equal(t, "server", msgs[1].Text)

	_, ok, _ := CacheGet[Message](cache, messageCacheKey(room, "m002"))
	assert.True(t, ok, "server messages are written through to the cache")
}

// ============================================================================
// Send
// ============================================================================

func TestSession_SendFirstMessageCreatesRoom(t *testing.T) {
	b := NewMemoryBackend()
	cache := NewCache(NewMemoryStore())
	s := openSession(t, b.Connect(), cache, SessionConfig{Self: alice, Peer: bob})

	m, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.False(t, m.Pending)
	assert.Len(t, m.ID, PushIDLength)

	room := s.RoomID()
	_, ok := b.Value(RoomPath(room))
	assert.True(t, ok)
	v, _ := b.Value(MessagePath(room, m.ID) + "/t")
	assert.Equal(t, "hello", v)
	v, _ = b.Value(InboxEntryPath("bob", room) + "/unreadCount")
	assert.Equal(t, float64(1), v)
	v, _ = b.Value(InboxEntryPath("alice", room) + "/otherUser/uid")
	assert.Equal(t, "bob", v)

	cached, ok, err := CacheGet[Message](cache, messageCacheKey(room, m.ID))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, cached.Pending)

	t.Run("later messages update metadata only", func(t *testing.T) {
		m2, err := s.Send(context.Background(), "again")
		require.NoError(t, err)
		v, _ := b.Value(InboxEntryPath("bob", room) + "/lastMessage")
		assert.Equal(t, "again", v)
		v, _ = b.Value(InboxEntryPath("bob", room) + "/unreadCount")
		assert.Equal(t, float64(2), v)
		v, _ = b.Value(RoomPath(room) + "/updatedAt")
		assert.Equal(t, float64(m2.TimestampMillis), v)
		v, _ = b.Value(RoomPath(room) + "/createdAt")
		assert.Equal(t, float64(m.TimestampMillis), v)
	})

	_, err = s.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSession_SendIsOptimistic(t *testing.T) {
	b := NewMemoryBackend()
	ch := b.Connect()
	s := openSession(t, ch, nil, SessionConfig{Self: alice, Peer: bob})
	drainEvents(s)

	ch.SetOnline(false)
	type result struct {
		m   Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := s.Send(context.Background(), "queued")
		done <- result{m, err}
	}()

	added := waitEvent(t, s, func(e NewMessage) bool { return e.Message.Text == "queued" })
	assert.True(t, added.Message.Pending)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)

	ch.SetOnline(true)
	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.m.Pending)

	updated := waitEvent(t, s, func(e MessageUpdated) bool { return e.Message.ID == added.Message.ID })
	assert.False(t, updated.Message.Pending)
	assert.False(t, s.Messages()[0].Pending)
}

func TestSession_SendFailureRollsBack(t *testing.T) {
	b := NewMemoryBackend()
	ch := b.Connect()
	cache := NewCache(NewMemoryStore())
	s := openSession(t, ch, cache, SessionConfig{Self: alice, Peer: bob})
	drainEvents(s)

	ch.SetOnline(false)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	m, err := s.Send(ctx, "lost")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	waitEvent[NewMessage](t, s, nil)
	failed := waitEvent[SendFailed](t, s, nil)
	assert.Equal(t, m.ID, failed.Message.ID)
	assert.Equal(t, "lost", failed.Message.Text)

	assert.Empty(t, s.Messages())
	_, ok, _ := CacheGet[Message](cache, messageCacheKey(s.RoomID(), m.ID))
	assert.False(t, ok)
	_, ok = b.Value(RoomPath(s.RoomID()))
	assert.False(t, ok, "nothing reached the backend")
}

// updateGate records the keys of every Update and holds the first one until
// release is closed.
type updateGate struct {
	Channel
	mu      sync.Mutex
	keys    [][]string
	entered chan struct{}
	release chan struct{}
}

func (c *updateGate) Update(ctx context.Context, updates map[string]any) error {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	c.mu.Lock()
	c.keys = append(c.keys, keys)
	n := len(c.keys)
	c.mu.Unlock()
	if n == 1 {
		c.entered <- struct{}{}
		<-c.release
	}
	return c.Channel.Update(ctx, updates)
}

func TestSession_ConcurrentFirstSendsCreateRoomOnce(t *testing.T) {
	b := NewMemoryBackend()
	ch := &updateGate{Channel: b.Connect(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := openSession(t, ch, nil, SessionConfig{Self: alice, Peer: bob})
	drainEvents(s)
	room := s.RoomID()

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "one")
		done <- err
	}()
	<-ch.entered

	_, err := s.Send(context.Background(), "two")
	require.NoError(t, err)
	close(ch.release)
	require.NoError(t, <-done)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.keys, 2)
	assert.Contains(t, ch.keys[0], RoomPath(room))
	assert.NotContains(t, ch.keys[1], RoomPath(room))
	assert.Contains(t, ch.keys[1], RoomPath(room)+"/updatedAt")
}

func TestSession_FailedFirstSendReleasesRoomCreation(t *testing.T) {
	b := NewMemoryBackend()
	ch := b.Connect()
	s := openSession(t, ch, nil, SessionConfig{Self: alice, Peer: bob})
	drainEvents(s)

	ch.SetOnline(false)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err := s.Send(ctx, "lost")
	cancel()
	require.Error(t, err)

	ch.SetOnline(true)
	_, err = s.Send(context.Background(), "retry")
	require.NoError(t, err)
	created, ok := b.Value(RoomPath(s.RoomID()) + "/createdAt")
	require.True(t, ok, "the retry creates the room")
	assert.NotNil(t, created)
	_, ok = b.Value(InboxEntryPath("bob", s.RoomID()) + "/otherUser")
	assert.True(t, ok)
}

func TestSession_TwoParticipants(t *testing.T) {
	b := NewMemoryBackend()
	a := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob})
	bb := openSession(t, b.Connect(), nil, SessionConfig{Self: bob, Peer: alice, AutoRead: true})
	drainEvents(a)

	sent, err := a.Send(context.Background(), "hi bob")
	require.NoError(t, err)

	got := waitEvent(t, bb, func(e NewMessage) bool { return e.Message.ID == sent.ID })
	assert.Equal(t, "alice", got.Message.SenderID)
	assert.False(t, got.Message.Pending)

	// Bob reads it automatically; Alice sees the receipt.
	receipt := waitEvent(t, a, func(e MessageUpdated) bool { return e.Message.ID == sent.ID && e.Message.Read })
	assert.True(t, receipt.Message.Read)

	v, _ := b.Value(InboxEntryPath("bob", a.RoomID()) + "/unreadCount")
	assert.Equal(t, float64(0), v)
}

// ============================================================================
// History
// ============================================================================

func TestSession_LoadEarlier(t *testing.T) {
	b := NewMemoryBackend()
	seeder := b.Connect()
	room := RoomID("alice", "bob")
	for i := 0; i < 12; i++ {
		seedWire(t, seeder, room, fmt.Sprintf("m%03d", i), "alice", "x", int64(1000+i), false)
	}

	ch := newRecordingChannel(b.Connect())
	s := openSession(t, ch, nil, SessionConfig{Self: alice, Peer: bob, PageSize: 5})
	drainEvents(s)
	require.True(t, s.HasMore())

	ctx := context.Background()
	page, err := s.LoadEarlier(ctx)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, "m002", page[0].ID)
	assert.Equal(t, "m006", page[4].ID)
	assert.True(t, s.HasMore())

	hist := waitEvent[HistoryPage](t, s, nil)
	assert.Len(t, hist.Messages, 5)
	assert.True(t, hist.HasMore)

	page, err = s.LoadEarlier(ctx)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m000", page[0].ID)
	assert.False(t, s.HasMore())
	assert.Len(t, s.Messages(), 12)

	page, err = s.LoadEarlier(ctx)
	require.NoError(t, err)
	assert.Nil(t, page)
	queries, _ := ch.counts()
	assert.Equal(t, 2, queries, "no query once history is exhausted")
}

// gatedChannel holds QueryRange until release is closed.
type gatedChannel struct {
	*recordingChannel
	entered chan struct{}
	release chan struct{}
}

func (c *gatedChannel) QueryRange(ctx context.Context, path string, q RangeQuery) ([]Child, error) {
	c.entered <- struct{}{}
	<-c.release
	return c.recordingChannel.QueryRange(ctx, path, q)
}

func TestSession_LoadEarlierConcurrentCallsCollapse(t *testing.T) {
	b := NewMemoryBackend()
	seeder := b.Connect()
	room := RoomID("alice", "bob")
	for i := 0; i < 10; i++ {
		seedWire(t, seeder, room, fmt.Sprintf("m%03d", i), "alice", "x", int64(1000+i), false)
	}

	ch := &gatedChannel{
		recordingChannel: newRecordingChannel(b.Connect()),
		entered:          make(chan struct{}, 2),
		release:          make(chan struct{}),
	}
	s := openSession(t, ch, nil, SessionConfig{Self: alice, Peer: bob, PageSize: 5})
	require.True(t, s.HasMore())

	ctx := context.Background()
	first := make(chan []Message, 1)
	go func() {
		page, err := s.LoadEarlier(ctx)
		assert.NoError(t, err)
		first <- page
	}()

	select {
	case <-ch.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first load never queried")
	}

	// The first load is in flight: a second call returns without querying.
	page, err := s.LoadEarlier(ctx)
	require.NoError(t, err)
	assert.Nil(t, page)

	close(ch.release)
	select {
	case page = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first load did not finish")
	}
	assert.Len(t, page, 5)

	queries, _ := ch.counts()
	assert.Equal(t, 1, queries)
}

func TestSession_LoadEarlierTiesOnTimestamp(t *testing.T) {
	b := NewMemoryBackend()
	seeder := b.Connect()
	room := RoomID("alice", "bob")
	for _, id := range []string{"a", "b", "c", "d"} {
		seedWire(t, seeder, room, id, "bob", id, 5000, true)
	}

	s := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob, PageSize: 2})
	page, err := s.LoadEarlier(context.Background())
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)
	assert.Equal(t, "b", page[1].ID)
	assert.Len(t, s.Messages(), 4)
}

// ============================================================================
// Typing / presence / read receipts
// ============================================================================

func TestSession_SetTyping(t *testing.T) {
	b := NewMemoryBackend()
	ch := newRecordingChannel(b.Connect())
	s := openSession(t, ch, nil, SessionConfig{Self: alice, Peer: bob})
	ctx := context.Background()
	path := TypingPath(s.RoomID(), "alice")

	require.NoError(t, s.SetTyping(ctx, true))
	require.NoError(t, s.SetTyping(ctx, true))
	require.NoError(t, s.SetTyping(ctx, true))
	ch.mu.Lock()
	assert.Equal(t, 1, ch.writes[path], "repeated typing=true is a single write")
	ch.mu.Unlock()

	v, ok := b.Value(path)
	require.True(t, ok)
	assert.Equal(t, true, v)

	require.NoError(t, s.SetTyping(ctx, false))
	require.NoError(t, s.SetTyping(ctx, false))
	ch.mu.Lock()
	assert.Equal(t, 1, ch.removes[path])
	ch.mu.Unlock()
	_, ok = b.Value(path)
	assert.False(t, ok)

	t.Run("close clears typing", func(t *testing.T) {
		require.NoError(t, s.SetTyping(ctx, true))
		require.NoError(t, s.Close())
		_, ok := b.Value(path)
		assert.False(t, ok)
	})
}

func TestSession_PeerTypingAndPresence(t *testing.T) {
	b := NewMemoryBackend()
	peer := b.Connect()
	s := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob})
	ctx := context.Background()

	require.NoError(t, peer.Write(ctx, TypingPath(s.RoomID(), "bob"), true))
	typing := waitEvent(t, s, func(e TypingChanged) bool { return e.State.IsTyping })
	assert.Equal(t, "bob", typing.State.UID)
	assert.True(t, s.PeerTyping())

	require.NoError(t, peer.Write(ctx, StatusPath("bob"), map[string]any{"state": "online", "lastChanged": 42}))
	p := waitEvent(t, s, func(e PresenceChanged) bool { return e.Presence.State == PresenceOnline })
	assert.Equal(t, int64(42), p.Presence.LastChanged)
	assert.Equal(t, "bob", s.PeerPresence().UID)

	require.NoError(t, peer.OnDisconnect(ctx, TypingPath(s.RoomID(), "bob"), nil))
	peer.SetOnline(false)
	waitEvent(t, s, func(e TypingChanged) bool { return !e.State.IsTyping })
	assert.False(t, s.PeerTyping())
}

func TestSession_MalformedTypingIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := NewMemoryBackend()
	peer := b.Connect()
	s := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob, Logger: zap.New(core)})
	ctx := context.Background()

	require.NoError(t, peer.Write(ctx, TypingPath(s.RoomID(), "bob"), map[string]any{"not": "a bool"}))
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("chat: malformed typing state").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.PeerTyping())

	// The listener keeps going after a bad payload.
	require.NoError(t, peer.Write(ctx, TypingPath(s.RoomID(), "bob"), true))
	waitEvent(t, s, func(e TypingChanged) bool { return e.State.IsTyping })
}

func TestSession_MarkReadBatches(t *testing.T) {
	b := NewMemoryBackend()
	seeder := b.Connect()
	room := RoomID("alice", "bob")
	seedWire(t, seeder, room, "m1", "bob", "one", 1000, false)
	seedWire(t, seeder, room, "m2", "alice", "two", 2000, false)
	seedWire(t, seeder, room, "m3", "bob", "three", 3000, false)
	seedWire(t, seeder, room, "m4", "bob", "four", 4000, false)

	ch := newRecordingChannel(b.Connect())
	s := openSession(t, ch, nil, SessionConfig{Self: alice, Peer: bob})

	_, updates := ch.counts()
	assert.Equal(t, 1, updates, "open marks every unread peer message in one update")
	for _, id := range []string{"m1", "m3", "m4"} {
		v, _ := b.Value(MessagePath(room, id) + "/r")
		assert.Equal(t, true, v, id)
	}
	v, _ := b.Value(MessagePath(room, "m2") + "/r")
	assert.Equal(t, false, v, "own messages are untouched")
	v, _ = b.Value(InboxEntryPath("alice", room) + "/unreadCount")
	assert.Equal(t, float64(0), v)

	for _, m := range s.Messages() {
		if m.SenderID == "bob" {
			assert.True(t, m.Read)
		}
	}

	t.Run("nothing to do when newest is read", func(t *testing.T) {
		require.NoError(t, s.MarkRead(context.Background()))
		_, updates := ch.counts()
		assert.Equal(t, 1, updates)
	})

	t.Run("read flag never goes back", func(t *testing.T) {
		drainEvents(s)
		require.NoError(t, seeder.Write(context.Background(), MessagePath(room, "m3")+"/r", false))
		seedWire(t, seeder, room, "m5", "alice", "five", 5000, false)
		waitEvent(t, s, func(e NewMessage) bool { return e.Message.ID == "m5" })

		for _, m := range s.Messages() {
			if m.ID == "m3" {
				assert.True(t, m.Read)
			}
		}
	})
}

func TestSession_AutoReadOff(t *testing.T) {
	b := NewMemoryBackend()
	peer := b.Connect()
	s := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob})
	room := s.RoomID()

	seedWire(t, peer, room, "m1", "bob", "hey", 1000, false)
	got := waitEvent(t, s, func(e NewMessage) bool { return e.Message.ID == "m1" })
	assert.False(t, got.Message.Read)

	v, _ := b.Value(MessagePath(room, "m1") + "/r")
	assert.Equal(t, false, v)

	require.NoError(t, s.MarkRead(context.Background()))
	v, _ = b.Value(MessagePath(room, "m1") + "/r")
	assert.Equal(t, true, v)
}

// ============================================================================
// Close
// ============================================================================

func TestSession_Close(t *testing.T) {
	b := NewMemoryBackend()
	s := openSession(t, b.Connect(), nil, SessionConfig{Self: alice, Peer: bob})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())

	for range s.Events() {
	}

	_, err := s.Send(context.Background(), "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.SetTyping(context.Background(), true), ErrSessionClosed)
	assert.ErrorIs(t, s.MarkRead(context.Background()), ErrSessionClosed)
	_, err = s.LoadEarlier(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
