package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// CachedProvider wraps a Provider with an optional on-disk memoization of
// PlayoutPlanNow results, keyed by channel id and the query instant in whole
// UTC seconds.
// The underlying provider must be pure and idempotent (it already is, by
// contract); the cache is purely a performance optimization and is never
// required for correctness, so a disabled or failed cache silently falls
// back to calling through.
type CachedProvider struct {
	inner Provider
	db    *badger.DB
	ttl   time.Duration
}

// OpenCachedProvider opens (creating if absent) a Badger store at dir and
// wraps inner with it. If dir is empty, caching is disabled and
// PlayoutPlanNow always calls through to inner.
func OpenCachedProvider(inner Provider, dir string, ttl time.Duration) (*CachedProvider, error) {
	cp := &CachedProvider{inner: inner, ttl: ttl}
	if dir == "" {
		return cp, nil
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open grid cache: %w", err)
	}
	cp.db = db
	return cp, nil
}

// Close releases the underlying Badger store, if one is open.
func (c *CachedProvider) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func cacheKey(channelID string, atTimeUTC time.Time) []byte {
	return []byte(fmt.Sprintf("plan:%s:%d", channelID, atTimeUTC.Unix()))
}

func (c *CachedProvider) PlayoutPlanNow(ctx context.Context, channelID string, atTimeUTC time.Time) ([]Segment, error) {
	if c.db == nil {
		return c.inner.PlayoutPlanNow(ctx, channelID, atTimeUTC)
	}
	key := cacheKey(channelID, atTimeUTC)
	var cached []Segment
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cached)
		})
	})
	if err == nil {
		return cached, nil
	}
	if err != badger.ErrKeyNotFound {
		return c.inner.PlayoutPlanNow(ctx, channelID, atTimeUTC)
	}

	segs, err := c.inner.PlayoutPlanNow(ctx, channelID, atTimeUTC)
	if err != nil {
		return nil, err
	}
	buf, merr := json.Marshal(segs)
	if merr == nil {
		_ = c.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry(key, buf).WithTTL(c.ttl)
			return txn.SetEntry(entry)
		})
	}
	return segs, nil
}

// ChannelIDs delegates to the wrapped provider if it supports listing.
func (c *CachedProvider) ChannelIDs() []string {
	if lister, ok := c.inner.(ChannelLister); ok {
		return lister.ChannelIDs()
	}
	return nil
}

var _ Provider = (*CachedProvider)(nil)
var _ ChannelLister = (*CachedProvider)(nil)
