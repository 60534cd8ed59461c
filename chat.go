package linkup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages per subscription window and
// history page.
const DefaultPageSize = 50

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionLoading SessionState = "loading"
	SessionLive    SessionState = "live"
	SessionClosed  SessionState = "closed"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Self Profile
	Peer Profile

	PageSize    int  // default DefaultPageSize
	EventBuffer int  // default 256
	AutoRead    bool // mark incoming peer messages read while live

	Logger *zap.Logger
	Now    func() time.Time
}

// Session controls one open one-to-one chat.
type Session struct {
	ch       Channel
	cache    *Cache
	log      *zap.Logger
	now      func() time.Time
	self     Profile
	peer     Profile
	roomID   string
	pageSize int
	autoRead bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events       chan ChatEvent
	emitMu       sync.RWMutex
	eventsClosed bool

	mu             sync.Mutex
	state          SessionState
	messages       []Message // ascending by (TimestampMillis, ID)
	hasMore        bool
	loadingEarlier bool
	oldest         *Cursor
	roomExists     bool
	typing         bool
	peerTyping     bool
	presence       PresenceState
	subs           []*Subscription
}

// NewSession creates an idle session. cache may be nil.
func NewSession(ch Channel, cache *Cache, cfg SessionConfig) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var room string
	if cfg.Self.UID != "" && cfg.Peer.UID != "" {
		room = RoomID(cfg.Self.UID, cfg.Peer.UID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ch:       ch,
		cache:    cache,
		log:      cfg.Logger.With(zap.String("room", room)),
		now:      cfg.Now,
		self:     cfg.Self,
		peer:     cfg.Peer,
		roomID:   room,
		pageSize: cfg.PageSize,
		autoRead: cfg.AutoRead,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan ChatEvent, cfg.EventBuffer),
		state:    SessionIdle,
		presence: PresenceState{UID: cfg.Peer.UID, State: PresenceOffline},
	}
}

// RoomID returns the room this session is bound to.
func (s *Session) RoomID() string { return s.roomID }

// Events returns the event stream. It is closed by Close.
func (s *Session) Events() <-chan ChatEvent { return s.events }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the ordered message list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// HasMore reports whether older history may exist on the server.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

func (s *Session) PeerPresence() PresenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// ============================================================================
// Open / Close
// ============================================================================

// Open loads the cached tail, announces presence, subscribes to the newest
// page of messages plus the peer's presence and typing state, and waits for
// the first message snapshot. The session is Live when Open returns nil.
func (s *Session) Open(ctx context.Context) error {
	if s.roomID == "" {
		return ErrNoRoom
	}
	s.mu.Lock()
	switch s.state {
	case SessionClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case SessionIdle:
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = SessionLoading
	s.mu.Unlock()

	if err := s.open(ctx); err != nil {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		if s.state == SessionLoading {
			s.state = SessionIdle
		}
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		return err
	}

	if err := s.MarkRead(ctx); err != nil {
		s.log.Warn("chat: mark read on open failed", zap.Error(err))
	}
	return nil
}

func (s *Session) open(ctx context.Context) error {
	s.loadCached()

	_, exists, err := s.ch.Get(ctx, RoomPath(s.roomID))
	if err != nil {
		return fmt.Errorf("open room: %w", err)
	}
	s.mu.Lock()
	s.roomExists = exists
	s.mu.Unlock()

	s.announcePresence(ctx)

	msgSub, err := s.subscribe(func() (*Subscription, error) {
		return s.ch.SubscribeLastN(ctx, MessagesPath(s.roomID), Query{OrderBy: "ts", Limit: s.pageSize})
	})
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}

	var first ChannelEvent
	select {
	case ev, ok := <-msgSub.Events():
		if !ok {
			return ErrNotConnected
		}
		first = ev
	case <-ctx.Done():
		return ctx.Err()
	}
	if first.Kind != EventSnapshot {
		return fmt.Errorf("subscribe messages: expected snapshot, got %s", first.Kind)
	}

	presenceSub, err := s.subscribe(func() (*Subscription, error) {
		return s.ch.SubscribeValue(ctx, StatusPath(s.peer.UID))
	})
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	typingSub, err := s.subscribe(func() (*Subscription, error) {
		return s.ch.SubscribeValue(ctx, TypingPath(s.roomID, s.peer.UID))
	})
	if err != nil {
		return fmt.Errorf("subscribe typing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	page := s.decodeChildren(first.Children)
	for _, m := range page {
		s.applyRemoteLocked(m, false)
	}
	s.hasMore = len(first.Children) >= s.pageSize
	if len(page) > 0 {
		s.oldest = &Cursor{Value: page[0].TimestampMillis, Key: page[0].ID}
	}
	s.state = SessionLive

	s.wg.Add(3)
	go s.consumeMessages(msgSub)
	go s.consumePresence(presenceSub)
	go s.consumeTyping(typingSub)

	s.log.Debug("chat: live", zap.Int("messages", len(s.messages)), zap.Bool("hasMore", s.hasMore))
	return nil
}

// subscribe opens a subscription and tracks it for Close.
func (s *Session) subscribe(open func() (*Subscription, error)) (*Subscription, error) {
	sub, err := open()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		sub.Close()
		return nil, ErrSessionClosed
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

// announcePresence marks self online and arranges for offline on disconnect.
// Failures only degrade presence, so they are logged.
func (s *Session) announcePresence(ctx context.Context) {
	path := StatusPath(s.self.UID)
	offline := map[string]any{"state": PresenceOffline, "lastChanged": ServerTimestamp}
	if err := s.ch.OnDisconnect(ctx, path, offline); err != nil {
		s.log.Warn("chat: presence cleanup not registered", zap.Error(err))
		return
	}
	online := map[string]any{"state": PresenceOnline, "lastChanged": ServerTimestamp}
	if err := s.ch.Write(ctx, path, online); err != nil {
		s.log.Warn("chat: presence not written", zap.Error(err))
	}
}

func (s *Session) loadCached() {
	if s.cache == nil {
		return
	}
	entries, err := s.cache.Scan(messageCachePrefix(s.roomID))
	if err != nil {
		s.log.Warn("chat: cached tail unavailable", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		var m Message
		if err := e.Decode(&m); err != nil || m.ID == "" {
			continue
		}
		if s.indexLocked(m.ID) < 0 {
			s.insertLocked(m)
		}
	}
}

// Close releases every subscription and clears local typing state. The
// remote typing flag is removed best-effort.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosed
	subs := s.subs
	s.subs = nil
	typing := s.typing
	s.typing = false
	s.peerTyping = false
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	s.wg.Wait()

	if typing {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		path := TypingPath(s.roomID, s.self.UID)
		if err := s.ch.Remove(ctx, path); err != nil {
			s.log.Debug("chat: typing flag not cleared", zap.Error(err))
		}
		if err := s.ch.CancelOnDisconnect(ctx, path); err != nil {
			s.log.Debug("chat: typing cleanup not cancelled", zap.Error(err))
		}
		cancel()
	}

	s.emitMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.emitMu.Unlock()
	return nil
}

// ============================================================================
// Incoming
// ============================================================================

func (s *Session) consumeMessages(sub *Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		switch ev.Kind {
		case EventSnapshot:
			// re-sent after a reconnect
			for _, c := range ev.Children {
				s.applyRemote(c)
			}
		case EventChildAdded, EventChildChanged:
			s.applyRemote(Child{Key: ev.Key, Value: ev.Value})
		case EventChildRemoved:
			// The window slid past an older message; history is kept.
		}
	}
}

func (s *Session) applyRemote(c Child) {
	m, err := decodeWireMessage(s.roomID, c.Key, c.Value)
	if err != nil {
		s.log.Warn("chat: malformed message", zap.String("id", c.Key), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	unreadFromPeer := s.applyRemoteLocked(m, true)
	live := s.state == SessionLive
	s.mu.Unlock()

	if unreadFromPeer && live && s.autoRead {
		if err := s.MarkRead(s.ctx); err != nil {
			s.log.Debug("chat: auto mark read failed", zap.Error(err))
		}
	}
}

// applyRemoteLocked merges a server copy of m. It reports whether m is a new
// unread message from the peer.
func (s *Session) applyRemoteLocked(m Message, emit bool) bool {
	s.roomExists = true
	if i := s.indexLocked(m.ID); i >= 0 {
		cur := s.messages[i]
		changed := false
		if cur.Pending {
			cur.Pending = false
			changed = true
		}
		if m.Read && !cur.Read {
			cur.Read = true
			changed = true
		}
		if changed {
			s.messages[i] = cur
			s.cacheMessage(cur)
			s.emit(MessageUpdated{Message: cur})
		}
		return false
	}
	s.insertLocked(m)
	s.cacheMessage(m)
	if emit {
		s.emit(NewMessage{Message: m})
	}
	return m.SenderID == s.peer.UID && !m.Read
}

func (s *Session) consumePresence(sub *Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		if ev.Kind != EventValue {
			continue
		}
		p := PresenceState{State: PresenceOffline}
		if ev.Value != nil {
			if err := json.Unmarshal(ev.Value, &p); err != nil {
				s.log.Warn("chat: malformed presence", zap.Error(err))
				continue
			}
			if p.State == "" {
				p.State = PresenceOffline
			}
		}
		p.UID = s.peer.UID
		s.mu.Lock()
		if s.state != SessionClosed {
			s.presence = p
			s.emit(PresenceChanged{Presence: p})
		}
		s.mu.Unlock()
	}
}

func (s *Session) consumeTyping(sub *Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		if ev.Kind != EventValue {
			continue
		}
		typing := false
		if ev.Value != nil {
			if err := json.Unmarshal(ev.Value, &typing); err != nil {
				s.log.Warn("chat: malformed typing state", zap.Error(err))
				continue
			}
		}
		s.mu.Lock()
		if s.state != SessionClosed && typing != s.peerTyping {
			s.peerTyping = typing
			s.emit(TypingChanged{State: TypingState{RoomID: s.roomID, UID: s.peer.UID, IsTyping: typing}})
		}
		s.mu.Unlock()
	}
}

// ============================================================================
// History
// ============================================================================

// LoadEarlier fetches the page of messages before the oldest one loaded. It
// is a no-op returning nil when there is no more history or another load is
// in flight. A failed load leaves HasMore unchanged.
func (s *Session) LoadEarlier(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !s.hasMore || s.loadingEarlier || s.oldest == nil {
		s.mu.Unlock()
		return nil, nil
	}
	s.loadingEarlier = true
	cursor := *s.oldest
	s.mu.Unlock()

	kids, err := s.ch.QueryRange(ctx, MessagesPath(s.roomID), RangeQuery{
		OrderBy:   "ts",
		EndBefore: &cursor,
		Limit:     s.pageSize,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingEarlier = false
	if err != nil {
		return nil, fmt.Errorf("load earlier: %w", err)
	}
	if s.state == SessionClosed {
		return nil, ErrSessionClosed
	}

	page := s.decodeChildren(kids)
	for _, m := range page {
		if s.indexLocked(m.ID) < 0 {
			s.insertLocked(m)
			s.cacheMessage(m)
		}
	}
	if len(kids) < s.pageSize {
		s.hasMore = false
	}
	if len(page) > 0 {
		s.oldest = &Cursor{Value: page[0].TimestampMillis, Key: page[0].ID}
	}
	s.emit(HistoryPage{Messages: page, HasMore: s.hasMore})
	return page, nil
}

func (s *Session) decodeChildren(kids []Child) []Message {
	out := make([]Message, 0, len(kids))
	for _, c := range kids {
		m, err := decodeWireMessage(s.roomID, c.Key, c.Value)
		if err != nil {
			s.log.Warn("chat: malformed message", zap.String("id", c.Key), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ============================================================================
// Send
// ============================================================================

// txn is an undo log for optimistic local changes.
type txn struct {
	undo []func()
}

func (t *txn) record(f func()) { t.undo = append(t.undo, f) }

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Send shows text immediately as a pending message and writes it, together
// with the room and inbox metadata, in one atomic update. On failure the
// optimistic message is rolled back and a SendFailed event is emitted.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	if s.roomID == "" {
		return Message{}, ErrNoRoom
	}

	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	m := Message{
		ID:              s.ch.Push(MessagesPath(s.roomID)),
		RoomID:          s.roomID,
		SenderID:        s.self.UID,
		Text:            text,
		TimestampMillis: s.now().UnixMilli(),
		Pending:         true,
	}
	var tx txn
	s.insertLocked(m)
	s.cacheMessage(m)
	tx.record(func() {
		// Already confirmed by the subscription: the server has it.
		if i := s.indexLocked(m.ID); i >= 0 && s.messages[i].Pending {
			s.removeLocked(i)
			s.uncacheMessage(m.ID)
		}
	})
	// Claimed now so a concurrent Send does not create the room again.
	first := !s.roomExists
	if first {
		s.roomExists = true
		tx.record(func() {
			if !s.hasConfirmedLocked() {
				s.roomExists = false
			}
		})
	}
	peerUnread := s.unreadByPeerLocked()
	s.emit(NewMessage{Message: m})
	s.mu.Unlock()

	if err := s.ch.Update(ctx, s.sendUpdates(m, first, peerUnread)); err != nil {
		s.mu.Lock()
		tx.rollback()
		s.emit(SendFailed{Message: m, Err: err})
		s.mu.Unlock()
		s.log.Info("chat: send failed", zap.String("id", m.ID), zap.Error(err))
		return m, fmt.Errorf("send: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomExists = true
	if i := s.indexLocked(m.ID); i >= 0 {
		if s.messages[i].Pending {
			s.messages[i].Pending = false
			s.cacheMessage(s.messages[i])
			s.emit(MessageUpdated{Message: s.messages[i]})
		}
		m = s.messages[i]
	} else {
		m.Pending = false
	}
	return m, nil
}

// sendUpdates builds the atomic write for m. peerUnread becomes the peer's
// inbox counter: the number of own messages the peer has not read yet.
func (s *Session) sendUpdates(m Message, first bool, peerUnread int) map[string]any {
	u := map[string]any{
		MessagePath(s.roomID, m.ID): m.wire(),
	}
	ts := m.TimestampMillis
	if first {
		a, b := s.self.UID, s.peer.UID
		if b < a {
			a, b = b, a
		}
		u[RoomPath(s.roomID)] = Room{
			RoomID:       s.roomID,
			Participants: [2]string{a, b},
			CreatedAt:    ts,
			UpdatedAt:    ts,
			Display:      map[string]Profile{s.self.UID: s.self, s.peer.UID: s.peer},
		}
		u[InboxEntryPath(s.self.UID, s.roomID)] = InboxEntry{
			RoomID: s.roomID, OtherUser: s.peer, LastMessage: m.Text, UpdatedAt: ts,
		}
		u[InboxEntryPath(s.peer.UID, s.roomID)] = InboxEntry{
			RoomID: s.roomID, OtherUser: s.self, LastMessage: m.Text, UpdatedAt: ts, UnreadCount: peerUnread,
		}
		return u
	}
	for _, uid := range []string{s.self.UID, s.peer.UID} {
		entry := InboxEntryPath(uid, s.roomID)
		u[entry+"/lastMessage"] = m.Text
		u[entry+"/updatedAt"] = ts
	}
	u[InboxEntryPath(s.peer.UID, s.roomID)+"/unreadCount"] = peerUnread
	u[RoomPath(s.roomID)+"/updatedAt"] = ts
	return u
}

// ============================================================================
// Typing / Read receipts
// ============================================================================

// SetTyping broadcasts the local typing flag. Repeating the current value is
// a no-op. While typing, the flag is removed automatically on disconnect.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.typing == typing {
		s.mu.Unlock()
		return nil
	}
	s.typing = typing
	s.mu.Unlock()

	path := TypingPath(s.roomID, s.self.UID)
	var err error
	if typing {
		err = s.ch.OnDisconnect(ctx, path, nil)
		if err == nil {
			err = s.ch.Write(ctx, path, true)
		}
	} else {
		err = s.ch.Remove(ctx, path)
		if err == nil {
			err = s.ch.CancelOnDisconnect(ctx, path)
		}
	}
	if err != nil {
		s.mu.Lock()
		if s.typing == typing {
			s.typing = !typing
		}
		s.mu.Unlock()
		return fmt.Errorf("typing: %w", err)
	}
	return nil
}

// MarkRead marks every unread peer message read in one update, provided the
// newest message is an unread one from the peer. It also zeroes the own
// inbox unread counter.
func (s *Session) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(s.messages) == 0 {
		s.mu.Unlock()
		return nil
	}
	newest := s.messages[len(s.messages)-1]
	if newest.SenderID != s.peer.UID || newest.Read {
		s.mu.Unlock()
		return nil
	}
	var ids []string
	for _, m := range s.messages {
		if m.SenderID == s.peer.UID && !m.Read {
			ids = append(ids, m.ID)
		}
	}
	s.mu.Unlock()

	updates := make(map[string]any, len(ids)+1)
	for _, id := range ids {
		updates[MessagePath(s.roomID, id)+"/r"] = true
	}
	updates[InboxEntryPath(s.self.UID, s.roomID)+"/unreadCount"] = 0
	if err := s.ch.Update(ctx, updates); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if i := s.indexLocked(id); i >= 0 && !s.messages[i].Read {
			s.messages[i].Read = true
			s.cacheMessage(s.messages[i])
			s.emit(MessageUpdated{Message: s.messages[i]})
		}
	}
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func (s *Session) liveLocked() error {
	switch s.state {
	case SessionLive:
		return nil
	case SessionClosed:
		return ErrSessionClosed
	}
	return ErrNotLive
}

// hasConfirmedLocked reports whether any message is known to be on the server.
func (s *Session) hasConfirmedLocked() bool {
	for _, m := range s.messages {
		if !m.Pending {
			return true
		}
	}
	return false
}

func (s *Session) unreadByPeerLocked() int {
	n := 0
	for _, m := range s.messages {
		if m.SenderID == s.self.UID && !m.Read {
			n++
		}
	}
	return n
}

func (s *Session) indexLocked(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) insertLocked(m Message) {
	i := sort.Search(len(s.messages), func(i int) bool { return m.Before(s.messages[i]) })
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *Session) removeLocked(i int) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *Session) cacheMessage(m Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(messageCacheKey(m.RoomID, m.ID), m); err != nil {
		s.log.Warn("chat: cache write failed", zap.String("id", m.ID), zap.Error(err))
	}
}

func (s *Session) uncacheMessage(id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remove(messageCacheKey(s.roomID, id)); err != nil {
		s.log.Warn("chat: cache remove failed", zap.String("id", id), zap.Error(err))
	}
}

func (s *Session) emit(ev ChatEvent) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("chat: event dropped, reader too slow", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}
