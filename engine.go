package linkup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Engine wires the store, cache, pruner, pending queue, REST client and
// realtime channel for one signed-in user.
type Engine struct {
	cfg  *Config
	log  *zap.Logger
	self Profile

	store   Store
	cache   *Cache
	pruner  *Pruner
	likes   *PendingQueue
	flusher *Flusher
	client  *Client
	channel Channel
	backend *MemoryBackend
	inbox   *Inbox
}

type engineOptions struct {
	log      *zap.Logger
	store    Store
	channel  Channel
	endpoint SyncEndpoint
	backend  *MemoryBackend
}

// EngineOption overrides a component NewEngine would otherwise build from
// the configuration.
type EngineOption func(*engineOptions)

func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(o *engineOptions) { o.log = l }
}

func WithStore(s Store) EngineOption {
	return func(o *engineOptions) { o.store = s }
}

func WithChannel(ch Channel) EngineOption {
	return func(o *engineOptions) { o.channel = ch }
}

// WithMemoryBackend connects the engine to an existing in-process backend.
func WithMemoryBackend(b *MemoryBackend) EngineOption {
	return func(o *engineOptions) { o.backend = b }
}

func WithSyncEndpoint(ep SyncEndpoint) EngineOption {
	return func(o *engineOptions) { o.endpoint = ep }
}

// NewEngine builds an engine from cfg. Unless overridden, the realtime
// channel is a WSChannel to cfg.Realtime.URL, or an in-process backend when
// offline mode is set or no URL is configured.
func NewEngine(ctx context.Context, cfg *Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		l, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		log = l
	}

	store := o.store
	if store == nil {
		s, err := openStore(cfg.Cache)
		if err != nil {
			return nil, err
		}
		store = s
	}

	e := &Engine{
		cfg:   cfg,
		log:   log,
		self:  Profile{UID: cfg.Auth.UID, DisplayName: cfg.Auth.DisplayName},
		store: store,
	}
	e.cache = NewCache(store, WithCacheLogger(log))

	e.pruner = NewPruner(e.cache, cfg.Cache.PruneInterval.Duration, log)
	for _, rule := range cfg.Cache.Collections {
		if err := e.pruner.RegisterCollection(rule); err != nil {
			store.Close()
			return nil, err
		}
	}

	clientOpts := []ClientOption{WithLogger(log)}
	if cfg.API.BaseURL != "" {
		clientOpts = append(clientOpts, WithBaseURL(cfg.API.BaseURL))
	}
	if cfg.API.Timeout.Duration > 0 {
		clientOpts = append(clientOpts, WithTimeout(cfg.API.Timeout.Duration))
	}
	e.client = NewClient(cfg.Auth.Token, clientOpts...)

	endpoint := o.endpoint
	if endpoint == nil {
		endpoint = e.client
	}
	e.likes = NewPendingQueue(e.cache, DefaultPendingKind)
	e.flusher = NewFlusher(e.likes, endpoint, cfg.API.Timeout.Duration, log)

	ch, err := e.openChannel(ctx, o)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.channel = ch
	e.inbox = NewInbox(ch, e.cache, WithInboxSize(cfg.Chat.InboxSize), WithInboxLogger(log))
	return e, nil
}

func (e *Engine) openChannel(ctx context.Context, o engineOptions) (Channel, error) {
	if o.channel != nil {
		return o.channel, nil
	}
	rt := e.cfg.Realtime
	if o.backend != nil || rt.Offline || rt.URL == "" {
		b := o.backend
		if b == nil {
			b = NewMemoryBackend(WithMemoryLogger(e.log))
		}
		e.backend = b
		e.log.Info("engine: using in-process realtime backend")
		return b.Connect(), nil
	}

	ws := NewWSChannel(rt.URL, &RealtimeConfig{
		Token:                e.cfg.Auth.Token,
		AutoReconnect:        rt.AutoReconnect,
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
		HeartbeatInterval:    rt.HeartbeatInterval.Duration,
		RequestTimeout:       rt.RequestTimeout.Duration,
		Logger:               e.log,
	})
	if err := ws.Connect(ctx); err != nil {
		if IsAuth(err) || !rt.AutoReconnect {
			return nil, fmt.Errorf("realtime connect: %w", err)
		}
		// Offline-first: keep going and let the reconnector catch up.
		e.log.Warn("engine: realtime unavailable, retrying in background", zap.Error(err))
		go ws.scheduleReconnect()
	}
	return ws, nil
}

func openStore(cfg CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		ns := cfg.Namespace
		if ns == "" {
			ns = "linkup"
		}
		return NewRedisStore(cfg.RedisAddr, cfg.RedisDB, ns)
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("cannot determine home directory: %w", err)
			}
			path = filepath.Join(home, ".linkup", "cache.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("cannot create cache directory: %w", err)
		}
		return NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

func (e *Engine) Config() *Config         { return e.cfg }
func (e *Engine) Logger() *zap.Logger     { return e.log }
func (e *Engine) Self() Profile           { return e.self }
func (e *Engine) Cache() *Cache           { return e.cache }
func (e *Engine) Pruner() *Pruner         { return e.pruner }
func (e *Engine) Likes() *PendingQueue    { return e.likes }
func (e *Engine) Flusher() *Flusher       { return e.flusher }
func (e *Engine) Client() *Client         { return e.client }
func (e *Engine) Channel() Channel        { return e.channel }
func (e *Engine) Inbox() *Inbox           { return e.inbox }
func (e *Engine) Backend() *MemoryBackend { return e.backend }

// OpenChat opens a live session with peer.
func (e *Engine) OpenChat(ctx context.Context, peer Profile) (*Session, error) {
	s := NewSession(e.channel, e.cache, SessionConfig{
		Self:     e.self,
		Peer:     peer,
		PageSize: e.cfg.Chat.PageSize,
		AutoRead: e.cfg.Chat.AutoRead,
		Logger:   e.log,
	})
	if err := s.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// ToggleLike records a like toggle for the signed-in user. It reports whether
// the target is pending afterwards.
func (e *Engine) ToggleLike(targetID string) (bool, error) {
	return e.likes.Toggle(e.self.UID, targetID)
}

// Feed returns a pager over the signed-in user's feed.
func (e *Engine) Feed() *FeedPager {
	return NewFeedPager(e.client, e.cache, e.self.UID, e.cfg.Chat.FeedPageSize, e.log)
}

// HandleLifecycle flushes pending likes and runs cache maintenance. The
// pruner only does work once per interval.
func (e *Engine) HandleLifecycle(ctx context.Context, ev LifecycleEvent) error {
	var errs []error
	if e.self.UID != "" {
		if err := e.flusher.HandleLifecycle(ctx, e.self.UID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := e.pruner.RunMaintenance(ctx, time.Now()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close disconnects the channel and closes the store.
func (e *Engine) Close() error {
	var errs []error
	if err := e.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = e.log.Sync()
	return errors.Join(errs...)
}
