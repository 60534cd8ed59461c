package linkup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// LastPruneKey is the store key holding the time of the last maintenance run.
const LastPruneKey = "lastPruneAt"

// DefaultPruneInterval bounds how often maintenance actually runs.
const DefaultPruneInterval = 24 * time.Hour

// Direction is a sort direction for pruning.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// CollectionRule bounds one cached collection.
type CollectionRule struct {
	Prefix    string    `toml:"prefix"`
	MaxSize   int       `toml:"max"`
	SortField string    `toml:"sort_field"`
	Direction Direction `toml:"direction"`

	// OrderKey orders collections without a SortField; the entries with the
	// largest keys are kept. Defaults to insertion order.
	OrderKey func(CacheEntry) int64 `toml:"-"`
}

// Pruner trims registered cache collections to their configured sizes, at most
// once per interval.
type Pruner struct {
	cache    *Cache
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	rules []CollectionRule
}

// NewPruner creates a pruner over cache. A non-positive interval uses
// DefaultPruneInterval.
func NewPruner(cache *Cache, interval time.Duration, log *zap.Logger) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pruner{cache: cache, interval: interval, log: log}
}

// RegisterCollection adds or replaces the rule for rule.Prefix.
func (p *Pruner) RegisterCollection(rule CollectionRule) error {
	if rule.Prefix == "" {
		return errors.New("pruner: collection prefix is required")
	}
	if rule.MaxSize < 0 {
		return fmt.Errorf("pruner: negative max size for %q", rule.Prefix)
	}
	if rule.Direction == "" {
		rule.Direction = Desc
	}
	if rule.Direction != Asc && rule.Direction != Desc {
		return fmt.Errorf("pruner: unknown direction %q for %q", rule.Direction, rule.Prefix)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.rules {
		if r.Prefix == rule.Prefix {
			p.rules[i] = rule
			return nil
		}
	}
	p.rules = append(p.rules, rule)
	return nil
}

// Rules returns a copy of the registered rules.
func (p *Pruner) Rules() []CollectionRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CollectionRule(nil), p.rules...)
}

// RunMaintenance prunes every registered collection unless the previous run
// happened less than one interval before now. It reports whether work was
// done. A failing collection is logged and skipped; the joined failures are
// returned after the remaining collections have been processed.
func (p *Pruner) RunMaintenance(ctx context.Context, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var last int64
	ok, err := p.cache.Get(LastPruneKey, &last)
	if err != nil {
		p.log.Warn("pruner: unreadable last run marker, running anyway", zap.Error(err))
	}
	// A marker in the future (clock skew, restored store) counts as due.
	if since := now.Sub(time.UnixMilli(last)); ok && since >= 0 && since < p.interval {
		return false, nil
	}

	var errs []error
	for _, rule := range p.rules {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		removed, err := p.pruneSafe(rule)
		if err != nil {
			p.log.Error("pruner: collection failed", zap.String("prefix", rule.Prefix), zap.Error(err))
			errs = append(errs, fmt.Errorf("prune %s: %w", rule.Prefix, err))
			continue
		}
		if removed > 0 {
			p.log.Debug("pruner: trimmed collection",
				zap.String("prefix", rule.Prefix), zap.Int("removed", removed), zap.Int("max", rule.MaxSize))
		}
	}

	if err := p.cache.Set(LastPruneKey, now.UnixMilli()); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

func (p *Pruner) pruneSafe(rule CollectionRule) (removed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.prune(rule)
}

func (p *Pruner) prune(rule CollectionRule) (int, error) {
	entries, err := p.cache.Scan(rule.Prefix)
	if err != nil {
		return 0, err
	}
	if len(entries) <= rule.MaxSize {
		return 0, nil
	}

	if rule.SortField != "" {
		sortByField(entries, rule.SortField, rule.Direction)
	} else {
		orderKey := rule.OrderKey
		if orderKey == nil {
			orderKey = func(e CacheEntry) int64 { return e.InsertedOrder }
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return orderKey(entries[i]) > orderKey(entries[j])
		})
	}

	removed := 0
	for _, e := range entries[rule.MaxSize:] {
		if err := p.cache.Remove(e.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// sortByField puts the entries to keep first. Entries missing the field sort
// last in either direction.
func sortByField(entries []CacheEntry, field string, dir Direction) {
	vals := make([]gjson.Result, len(entries))
	for i, e := range entries {
		vals[i] = gjson.GetBytes(e.Value, field)
	}
	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := vals[idx[a]], vals[idx[b]]
		if va.Exists() != vb.Exists() {
			return va.Exists()
		}
		c := compareResults(va, vb)
		if c == 0 {
			return entries[idx[a]].Key < entries[idx[b]].Key
		}
		if dir == Asc {
			return c < 0
		}
		return c > 0
	})
	sorted := make([]CacheEntry, len(entries))
	for i, j := range idx {
		sorted[i] = entries[j]
	}
	copy(entries, sorted)
}

func compareResults(a, b gjson.Result) int {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	}
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
