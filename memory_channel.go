package linkup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is an in-process realtime tree shared by any number of
// MemoryChannel connections. It backs tests and the CLI's offline mode.
type MemoryBackend struct {
	now func() time.Time
	log *zap.Logger
	ids *PushIDGenerator

	mu     sync.Mutex
	root   map[string]any
	subs   map[*memSub]struct{}
	nextID int
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryClock overrides the clock used to resolve ServerTimestamp.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.now = now }
}

// WithMemoryLogger sets the backend logger.
func WithMemoryLogger(l *zap.Logger) MemoryOption {
	return func(b *MemoryBackend) { b.log = l }
}

// NewMemoryBackend creates an empty tree.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		now:  time.Now,
		log:  zap.NewNop(),
		ids:  NewPushIDGenerator(),
		root: make(map[string]any),
		subs: make(map[*memSub]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect opens a new connection. Each connection has its own disconnect
// cleanups and online state.
func (b *MemoryBackend) Connect() *MemoryChannel {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	return &MemoryChannel{
		backend:  b,
		id:       id,
		online:   true,
		onlineCh: closedChan(),
		ondisc:   make(map[string]any),
		subs:     make(map[*memSub]struct{}),
	}
}

// Value returns the decoded value stored at path.
func (b *MemoryBackend) Value(path string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getNode(b.root, splitPath(path))
}

// apply writes every update atomically and notifies listeners.
func (b *MemoryBackend) apply(updates map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UnixMilli()
	type write struct {
		parts []string
		value any
	}
	writes := make([]write, 0, len(updates))
	for p, v := range updates {
		nv, err := normalizeValue(v, now)
		if err != nil {
			return fmt.Errorf("memory: %s: %w", p, err)
		}
		writes = append(writes, write{parts: splitPath(p), value: nv})
	}
	// parents first so nested updates land on top of a replaced subtree
	sort.Slice(writes, func(i, j int) bool {
		return len(writes[i].parts) < len(writes[j].parts)
	})
	for _, w := range writes {
		if len(w.parts) == 0 {
			return fmt.Errorf("memory: cannot write the root")
		}
	}
	for _, w := range writes {
		setNode(b.root, w.parts, w.value)
	}
	b.notifyLocked()
	return nil
}

func (b *MemoryBackend) notifyLocked() {
	for s := range b.subs {
		s.refresh(b.root)
	}
}

func (b *MemoryBackend) addSub(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	s.refresh(b.root)
}

func (b *MemoryBackend) removeSub(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// ============================================================================
// memSub
// ============================================================================

type memSub struct {
	sub   *Subscription
	parts []string
	value bool // value listener rather than a child window
	query Query

	primed  bool
	last    map[string]string // child window: key -> encoded value
	lastVal string
	hasVal  bool
}

// refresh diffs the current tree against what was last delivered. Must be
// called with the backend lock held.
func (s *memSub) refresh(root map[string]any) {
	node, ok := getNode(root, s.parts)
	if s.value {
		var raw json.RawMessage
		if ok {
			raw, _ = json.Marshal(node)
		}
		if s.primed && ok == s.hasVal && string(raw) == s.lastVal {
			return
		}
		s.primed, s.hasVal, s.lastVal = true, ok, string(raw)
		s.sub.push(ChannelEvent{Kind: EventValue, Value: raw})
		return
	}

	window := lastN(orderedChildren(node, s.query.OrderBy), s.query.Limit)
	current := make(map[string]string, len(window))
	for _, c := range window {
		current[c.Key] = string(c.Value)
	}
	if !s.primed {
		s.primed, s.last = true, current
		s.sub.push(ChannelEvent{Kind: EventSnapshot, Children: window})
		return
	}

	var removed []string
	for k := range s.last {
		if _, ok := current[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	for _, k := range removed {
		s.sub.push(ChannelEvent{Kind: EventChildRemoved, Key: k})
	}
	for _, c := range window {
		prev, ok := s.last[c.Key]
		switch {
		case !ok:
			s.sub.push(ChannelEvent{Kind: EventChildAdded, Key: c.Key, Value: c.Value})
		case prev != string(c.Value):
			s.sub.push(ChannelEvent{Kind: EventChildChanged, Key: c.Key, Value: c.Value})
		}
	}
	s.last = current
}

// ============================================================================
// MemoryChannel
// ============================================================================

// MemoryChannel is one connection to a MemoryBackend. While offline, writes
// are held until the connection comes back or their context ends. Going
// offline fires the connection's disconnect cleanups; they stay registered
// and fire again on the next disconnect.
type MemoryChannel struct {
	backend *MemoryBackend
	id      int

	mu       sync.Mutex
	online   bool
	onlineCh chan struct{} // closed while online
	closed   bool
	ondisc   map[string]any
	subs     map[*memSub]struct{}
}

var _ Channel = (*MemoryChannel)(nil)

// Online reports the connection state.
func (c *MemoryChannel) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline simulates losing or regaining the connection.
func (c *MemoryChannel) SetOnline(online bool) {
	c.mu.Lock()
	if c.closed || c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	if online {
		close(c.onlineCh)
		c.mu.Unlock()
		return
	}
	c.onlineCh = make(chan struct{})
	cleanups := c.cleanupsLocked()
	c.mu.Unlock()

	c.fire(cleanups)
}

func (c *MemoryChannel) cleanupsLocked() map[string]any {
	out := make(map[string]any, len(c.ondisc))
	for k, v := range c.ondisc {
		out[k] = v
	}
	return out
}

func (c *MemoryChannel) fire(cleanups map[string]any) {
	if len(cleanups) == 0 {
		return
	}
	if err := c.backend.apply(cleanups); err != nil {
		c.backend.log.Warn("memory: disconnect cleanup failed", zap.Int("conn", c.id), zap.Error(err))
		return
	}
	c.backend.log.Debug("memory: disconnect cleanups fired", zap.Int("conn", c.id), zap.Int("paths", len(cleanups)))
}

func (c *MemoryChannel) waitWritable(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrNotConnected
		}
		if c.online {
			c.mu.Unlock()
			return nil
		}
		ch := c.onlineCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *MemoryChannel) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return nil
}

func (c *MemoryChannel) subscribe(path string, value bool, q Query) (*Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	ms := &memSub{parts: splitPath(path), value: value, query: q}
	ms.sub = newSubscription(func() {
		c.backend.removeSub(ms)
		c.mu.Lock()
		delete(c.subs, ms)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.subs[ms] = struct{}{}
	c.mu.Unlock()
	c.backend.addSub(ms)
	return ms.sub, nil
}

func (c *MemoryChannel) SubscribeLastN(ctx context.Context, path string, q Query) (*Subscription, error) {
	return c.subscribe(path, false, q)
}

func (c *MemoryChannel) SubscribeValue(ctx context.Context, path string) (*Subscription, error) {
	return c.subscribe(path, true, Query{})
}

func (c *MemoryChannel) QueryRange(ctx context.Context, path string, q RangeQuery) ([]Child, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	b := c.backend
	b.mu.Lock()
	node, _ := getNode(b.root, splitPath(path))
	kids := orderedChildren(node, q.OrderBy)
	b.mu.Unlock()

	if q.EndBefore != nil {
		n := sort.Search(len(kids), func(i int) bool {
			return compareCursor(kids[i], q.OrderBy, *q.EndBefore) >= 0
		})
		kids = kids[:n]
	}
	return lastN(kids, q.Limit), nil
}

func (c *MemoryChannel) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	v, ok := c.backend.Value(path)
	if !ok {
		return nil, false, nil
	}
	raw, err := json.Marshal(v)
	return raw, err == nil, err
}

func (c *MemoryChannel) Write(ctx context.Context, path string, value any) error {
	return c.Update(ctx, map[string]any{path: value})
}

func (c *MemoryChannel) Update(ctx context.Context, updates map[string]any) error {
	if err := c.waitWritable(ctx); err != nil {
		return err
	}
	return c.backend.apply(updates)
}

func (c *MemoryChannel) Remove(ctx context.Context, path string) error {
	return c.Update(ctx, map[string]any{path: nil})
}

func (c *MemoryChannel) Push(path string) string {
	return c.backend.ids.Next()
}

func (c *MemoryChannel) OnDisconnect(ctx context.Context, path string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.ondisc[path] = value
	return nil
}

func (c *MemoryChannel) CancelOnDisconnect(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	delete(c.ondisc, path)
	return nil
}

// Close disconnects for good: cleanups fire and every subscription closes.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasOnline := c.online
	if !wasOnline {
		close(c.onlineCh)
	}
	cleanups := c.cleanupsLocked()
	subs := make([]*memSub, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	if wasOnline {
		c.fire(cleanups)
	}
	for _, s := range subs {
		s.sub.Close()
	}
	return nil
}

// ============================================================================
// Tree helpers
// ============================================================================

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// normalizeValue round-trips v through JSON so the tree only holds plain
// decoded values, and resolves ServerTimestamp placeholders.
func normalizeValue(v any, now int64) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return resolveTimestamps(out, now), nil
}

func resolveTimestamps(v any, now int64) any {
	if isServerTimestamp(v) {
		return float64(now)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if child == nil {
			delete(m, k)
			continue
		}
		m[k] = resolveTimestamps(child, now)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func getNode(root map[string]any, parts []string) (any, bool) {
	var cur any = root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil, false
	}
	return cur, true
}

func setNode(root map[string]any, parts []string, v any) {
	if v == nil {
		deleteNode(root, parts)
		return
	}
	m := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// deleteNode removes the node and prunes parents left empty.
func deleteNode(m map[string]any, parts []string) bool {
	if len(parts) == 1 {
		delete(m, parts[0])
		return len(m) == 0
	}
	child, ok := m[parts[0]].(map[string]any)
	if !ok {
		return len(m) == 0
	}
	if deleteNode(child, parts[1:]) {
		delete(m, parts[0])
	}
	return len(m) == 0
}

type orderedChild struct {
	key   string
	order any
	value any
}

func orderedChildren(node any, orderBy string) []Child {
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	kids := make([]orderedChild, 0, len(m))
	for k, v := range m {
		oc := orderedChild{key: k, value: v}
		if orderBy != "" {
			if vm, ok := v.(map[string]any); ok {
				oc.order = vm[orderBy]
			}
		}
		kids = append(kids, oc)
	}
	sort.Slice(kids, func(i, j int) bool {
		if c := compareValues(kids[i].order, kids[j].order); c != 0 {
			return c < 0
		}
		return kids[i].key < kids[j].key
	})
	out := make([]Child, len(kids))
	for i, k := range kids {
		raw, _ := json.Marshal(k.value)
		out[i] = Child{Key: k.key, Value: raw}
	}
	return out
}

func lastN(kids []Child, n int) []Child {
	if n > 0 && len(kids) > n {
		return kids[len(kids)-n:]
	}
	return kids
}

func compareCursor(c Child, orderBy string, cur Cursor) int {
	if orderBy != "" {
		var v map[string]any
		_ = json.Unmarshal(c.Value, &v)
		if r := compareValues(v[orderBy], cur.Value); r != 0 {
			return r
		}
	}
	switch {
	case c.Key < cur.Key:
		return -1
	case c.Key > cur.Key:
		return 1
	}
	return 0
}

// compareValues orders null < false < true < numbers < strings < others.
func compareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		ba, bb := a.(bool), b.(bool)
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case 2:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	case 3:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
	}
	return 0
}

func valueRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := v.(bool); ok {
		return 1
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
