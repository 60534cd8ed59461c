package linkup

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultFeedPageSize is the number of posts requested per page.
const DefaultFeedPageSize = 20

// FeedSource serves feed pages. *Client implements it.
type FeedSource interface {
	Feed(ctx context.Context, cursor FeedCursor, limit int) (*FeedPage, error)
}

// FeedIndexKey is the store key of uid's feed cursor.
func FeedIndexKey(uid string) string {
	return "feed_index_" + uid
}

// FeedPager walks the feed page by page, persisting its cursor so paging
// resumes where it left off after a restart.
type FeedPager struct {
	src   FeedSource
	cache *Cache
	uid   string
	limit int
	log   *zap.Logger

	mu      sync.Mutex
	loading bool
}

// NewFeedPager creates a pager for uid. A non-positive limit uses
// DefaultFeedPageSize.
func NewFeedPager(src FeedSource, cache *Cache, uid string, limit int, log *zap.Logger) *FeedPager {
	if limit <= 0 {
		limit = DefaultFeedPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FeedPager{src: src, cache: cache, uid: uid, limit: limit, log: log}
}

// Cursor returns the persisted cursor.
func (p *FeedPager) Cursor() (FeedCursor, error) {
	var cur FeedCursor
	_, err := p.cache.Get(FeedIndexKey(p.uid), &cur)
	return cur, err
}

// Done reports whether the feed has been exhausted.
func (p *FeedPager) Done() bool {
	cur, err := p.Cursor()
	return err == nil && cur.Done
}

// Next fetches the next page. It returns nil without a request once the
// backend reported done, or while another Next is in flight.
func (p *FeedPager) Next(ctx context.Context) ([]FeedItem, error) {
	p.mu.Lock()
	if p.loading {
		p.mu.Unlock()
		return nil, nil
	}
	p.loading = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.loading = false
		p.mu.Unlock()
	}()

	cur, err := p.Cursor()
	if err != nil {
		return nil, err
	}
	if cur.Done {
		return nil, nil
	}

	page, err := p.src.Feed(ctx, cur, p.limit)
	if err != nil {
		return nil, err
	}
	for _, item := range page.Items {
		if err := p.cache.Set(feedCacheKey(p.uid, item.ID), item); err != nil {
			p.log.Warn("feed: cache write failed", zap.String("id", item.ID), zap.Error(err))
		}
	}
	if n := len(page.Items); n > 0 {
		last := page.Items[n-1]
		cur.LastCreatedAt, cur.LastID = last.CreatedAt, last.ID
	}
	cur.Done = page.Done
	if err := p.cache.Set(FeedIndexKey(p.uid), cur); err != nil {
		return page.Items, err
	}
	return page.Items, nil
}

// Reset forgets the cursor so the next page starts from the newest post.
func (p *FeedPager) Reset() error {
	return p.cache.Remove(FeedIndexKey(p.uid))
}

// Items returns the cached posts, newest first.
func (p *FeedPager) Items() ([]FeedItem, error) {
	entries, err := p.cache.Scan("feed:" + p.uid + ":")
	if err != nil {
		return nil, err
	}
	items := make([]FeedItem, 0, len(entries))
	for _, e := range entries {
		var it FeedItem
		if e.Decode(&it) == nil {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}
