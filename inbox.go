package linkup

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultInboxSize is the number of rooms an inbox keeps.
const DefaultInboxSize = 20

// Inbox builds per-user room lists from the realtime tree.
type Inbox struct {
	ch    Channel
	cache *Cache
	topK  int
	log   *zap.Logger
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxSize caps the list at k rooms.
func WithInboxSize(k int) InboxOption {
	return func(i *Inbox) {
		if k > 0 {
			i.topK = k
		}
	}
}

// WithInboxLogger sets the inbox logger.
func WithInboxLogger(l *zap.Logger) InboxOption {
	return func(i *Inbox) { i.log = l }
}

// NewInbox creates an inbox aggregator. cache may be nil.
func NewInbox(ch Channel, cache *Cache, opts ...InboxOption) *Inbox {
	i := &Inbox{ch: ch, cache: cache, topK: DefaultInboxSize, log: zap.NewNop()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Watch returns a watcher for uid. Nothing is subscribed until Focus.
func (i *Inbox) Watch(uid string) *InboxWatcher {
	return &InboxWatcher{
		inbox:   i,
		uid:     uid,
		log:     i.log.With(zap.String("uid", uid)),
		updates: make(chan []InboxEntry, 1),
	}
}

// Cached returns the last list written to the cache for uid, newest first.
func (i *Inbox) Cached(uid string) ([]InboxEntry, error) {
	if i.cache == nil {
		return nil, nil
	}
	entries, err := i.cache.Scan(inboxCachePrefix(uid))
	if err != nil {
		return nil, err
	}
	out := make([]InboxEntry, 0, len(entries))
	for _, e := range entries {
		var entry InboxEntry
		if err := e.Decode(&entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	sortInbox(out)
	if len(out) > i.topK {
		out = out[:i.topK]
	}
	return out, nil
}

// unread counts cached peer messages not yet read. It reports false when the
// room has no cached tail.
func (i *Inbox) unread(uid, roomID string) (int, bool) {
	if i.cache == nil {
		return 0, false
	}
	entries, err := i.cache.Scan(messageCachePrefix(roomID))
	if err != nil || len(entries) == 0 {
		return 0, false
	}
	n := 0
	for _, e := range entries {
		var m Message
		if e.Decode(&m) != nil {
			continue
		}
		if m.SenderID != uid && !m.Read {
			n++
		}
	}
	return n, true
}

func sortInbox(list []InboxEntry) {
	sort.Slice(list, func(a, b int) bool {
		if list[a].UpdatedAt != list[b].UpdatedAt {
			return list[a].UpdatedAt > list[b].UpdatedAt
		}
		return list[a].RoomID < list[b].RoomID
	})
}

// ============================================================================
// InboxWatcher
// ============================================================================

// InboxWatcher keeps one user's inbox current while focused. Updates only
// ever holds the latest list; intermediate lists are dropped.
type InboxWatcher struct {
	inbox   *Inbox
	uid     string
	log     *zap.Logger
	updates chan []InboxEntry

	mu      sync.Mutex
	sub     *Subscription
	done    chan struct{}
	entries map[string]InboxEntry
	latest  []InboxEntry
}

// Updates returns the channel of published lists. It stays the same across
// Focus and Blur.
func (w *InboxWatcher) Updates() <-chan []InboxEntry { return w.updates }

// Latest returns the most recently published list.
func (w *InboxWatcher) Latest() []InboxEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]InboxEntry(nil), w.latest...)
}

// Focus subscribes to the user's inbox. Focusing an already focused watcher
// does nothing.
func (w *InboxWatcher) Focus(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return nil
	}
	sub, err := w.inbox.ch.SubscribeLastN(ctx, InboxPath(w.uid), Query{OrderBy: "updatedAt", Limit: w.inbox.topK})
	if err != nil {
		return err
	}
	w.sub = sub
	w.done = make(chan struct{})
	if w.entries == nil {
		w.entries = make(map[string]InboxEntry)
	}
	go w.loop(sub, w.done)
	return nil
}

// Blur tears the subscription down. It is safe to call repeatedly.
func (w *InboxWatcher) Blur() {
	w.mu.Lock()
	sub, done := w.sub, w.done
	w.sub, w.done = nil, nil
	w.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Close()
	<-done
}

func (w *InboxWatcher) loop(sub *Subscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		w.mu.Lock()
		if w.apply(ev) {
			w.publishLocked()
		}
		w.mu.Unlock()
	}
}

// apply merges one delta. Malformed payloads are logged and skipped so the
// last good list survives.
func (w *InboxWatcher) apply(ev ChannelEvent) bool {
	switch ev.Kind {
	case EventSnapshot:
		next := make(map[string]InboxEntry, len(ev.Children))
		for _, c := range ev.Children {
			if e, ok := w.decode(c.Key, c.Value); ok {
				next[e.RoomID] = e
			}
		}
		w.entries = next
		return true
	case EventChildAdded, EventChildChanged:
		e, ok := w.decode(ev.Key, ev.Value)
		if !ok {
			return false
		}
		if cur, exists := w.entries[e.RoomID]; exists && cur.UpdatedAt > e.UpdatedAt {
			return false
		}
		w.entries[e.RoomID] = e
		return true
	case EventChildRemoved:
		if _, ok := w.entries[ev.Key]; !ok {
			return false
		}
		delete(w.entries, ev.Key)
		return true
	}
	return false
}

func (w *InboxWatcher) decode(key string, raw json.RawMessage) (InboxEntry, bool) {
	var e InboxEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		w.log.Warn("inbox: malformed entry", zap.String("room", key), zap.Error(err))
		return InboxEntry{}, false
	}
	if e.RoomID == "" {
		e.RoomID = key
	}
	return e, true
}

func (w *InboxWatcher) publishLocked() {
	list := make([]InboxEntry, 0, len(w.entries))
	for _, e := range w.entries {
		if n, ok := w.inbox.unread(w.uid, e.RoomID); ok {
			e.UnreadCount = n
		}
		list = append(list, e)
	}
	sortInbox(list)
	if len(list) > w.inbox.topK {
		list = list[:w.inbox.topK]
	}
	w.latest = list

	if c := w.inbox.cache; c != nil {
		for _, e := range list {
			if err := c.Set(inboxCacheKey(w.uid, e.RoomID), e); err != nil {
				w.log.Warn("inbox: cache write failed", zap.String("room", e.RoomID), zap.Error(err))
			}
		}
	}

	out := append([]InboxEntry(nil), list...)
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- out:
	default:
	}
}
