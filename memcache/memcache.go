// Package memcache provides an in-process response cache backed by
// ristretto, with byte-cost accounting and native TTL expiry.
package memcache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"

	"github.com/regorov/imgload"
)

// DefaultMaxBytes bounds the cache when no size is given.
const DefaultMaxBytes = 256 << 20

// Cache is safe for concurrent use by any number of goroutines. Writes
// are applied asynchronously; Wait flushes them when a caller needs
// read-your-write behavior.
type Cache struct {
	log zerolog.Logger
	c   *ristretto.Cache[string, *imgload.CachedResponse]
}

// New returns a cache bounded to maxBytes of estimated response cost.
func New(l zerolog.Logger, maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	// Counter space sized for roughly 10x the expected entry count,
	// assuming few-kilobyte responses at the small end.
	counters := maxBytes / (32 * 1024) * 10
	if counters < 10_000 {
		counters = 10_000
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, *imgload.CachedResponse]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		log: l.With().Str("component", "memcache").Logger(),
		c:   c,
	}, nil
}

func (mc *Cache) Lookup(key *imgload.RequestKey) *imgload.CachedResponse {
	if key == nil {
		return nil
	}
	resp, ok := mc.c.Get(key.Digest())
	if !ok {
		return nil
	}
	return resp
}

func (mc *Cache) Store(resp *imgload.CachedResponse, key *imgload.RequestKey) {
	if resp == nil || resp.Artifact == nil || key == nil {
		return
	}
	if resp.ExpiresAt.IsZero() {
		mc.c.Set(key.Digest(), resp, cost(resp))
		return
	}
	ttl := time.Until(resp.ExpiresAt)
	if ttl <= 0 {
		return
	}
	mc.c.SetWithTTL(key.Digest(), resp, cost(resp), ttl)
}

// Wait blocks until pending writes are applied.
func (mc *Cache) Wait() { mc.c.Wait() }

func (mc *Cache) Close() { mc.c.Close() }

// cost estimates the resident size of a response: raw bytes plus decoded
// pixels plus a little bookkeeping.
func cost(resp *imgload.CachedResponse) int64 {
	n := int64(256)
	a := resp.Artifact
	n += int64(len(a.Data))
	if a.Image != nil {
		b := a.Image.Bounds()
		n += int64(b.Dx()) * int64(b.Dy()) * 4
	}
	return n
}
