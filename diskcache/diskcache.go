// Package diskcache provides a persistent response cache backed by
// badger. Entries survive restarts; artifacts are stored as their
// original encoded bytes when available, re-encoded as png otherwise, and
// decoded again on lookup.
package diskcache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/regorov/imgload"
)

const (
	writeQueueDepth = 64
	gcInterval      = 10 * time.Minute
	gcDiscardRatio  = 0.5
)

var errCorruptEntry = errors.New("corrupt cache entry")

// envelope prefixes every stored value, json encoded behind a 4 byte
// big-endian length.
type envelope struct {
	Meta      imgload.Metadata `json:"meta"`
	ExpiresAt time.Time        `json:"expires_at"`
}

type write struct {
	resp *imgload.CachedResponse
	key  string
}

// Cache is safe for concurrent use. Store is asynchronous: entries pass
// through a bounded queue to a single writer goroutine, and are dropped
// when the queue is full, caching being best effort.
type Cache struct {
	log    zerolog.Logger
	db     *badger.DB
	dec    imgload.Decoder
	writes chan write
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Open opens or creates the cache database under dir. The decoder must
// match the one the coordinator uses, lookups rebuild artifacts with it.
func Open(l zerolog.Logger, dir string, dec imgload.Decoder) (*Cache, error) {
	if dec == nil {
		dec = imgload.StdDecoder{}
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	dc := &Cache{
		log:    l.With().Str("component", "diskcache").Logger(),
		db:     db,
		dec:    dec,
		writes: make(chan write, writeQueueDepth),
		quit:   make(chan struct{}),
	}
	dc.wg.Add(2)
	go dc.writer()
	go dc.gc()
	return dc, nil
}

// Close stops the background goroutines and closes the database. Queued
// writes that have not reached the writer yet are discarded.
func (dc *Cache) Close() error {
	dc.once.Do(func() { close(dc.quit) })
	dc.wg.Wait()
	return dc.db.Close()
}

func (dc *Cache) Lookup(key *imgload.RequestKey) *imgload.CachedResponse {
	if key == nil {
		return nil
	}
	var raw []byte
	err := dc.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.Digest()))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err != badger.ErrKeyNotFound {
			dc.log.Error().Str("key", key.Digest()).Str("errmsg", err.Error()).Msg("lookup failed")
		}
		return nil
	}

	resp, err := dc.decodeEntry(raw)
	if err != nil {
		dc.log.Error().Str("key", key.Digest()).Str("errmsg", err.Error()).Msg("stored entry unreadable")
		return nil
	}
	return resp
}

func (dc *Cache) Store(resp *imgload.CachedResponse, key *imgload.RequestKey) {
	if resp == nil || resp.Artifact == nil || key == nil {
		return
	}
	select {
	case dc.writes <- write{resp: resp, key: key.Digest()}:
	default:
		dc.log.Debug().Str("key", key.Digest()).Msg("write queue full, entry dropped")
	}
}

func (dc *Cache) writer() {
	defer dc.wg.Done()
	for {
		select {
		case <-dc.quit:
			return
		case w := <-dc.writes:
			if err := dc.put(w.resp, w.key); err != nil {
				dc.log.Error().Str("key", w.key).Str("errmsg", err.Error()).Msg("store failed")
			}
		}
	}
}

// gc reclaims value log space in the background.
func (dc *Cache) gc() {
	defer dc.wg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-dc.quit:
			return
		case <-ticker.C:
			for dc.db.RunValueLogGC(gcDiscardRatio) == nil {
			}
		}
	}
}

func (dc *Cache) put(resp *imgload.CachedResponse, key string) error {
	payload, err := encodePayload(resp.Artifact)
	if err != nil {
		return err
	}
	hdr, err := json.Marshal(envelope{Meta: resp.Meta, ExpiresAt: resp.ExpiresAt})
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(hdr)+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(hdr)))
	copy(buf[4:], hdr)
	copy(buf[4+len(hdr):], payload)

	ttl := time.Duration(0)
	if !resp.ExpiresAt.IsZero() {
		if ttl = time.Until(resp.ExpiresAt); ttl <= 0 {
			return nil
		}
	}

	return dc.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), buf)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (dc *Cache) decodeEntry(raw []byte) (*imgload.CachedResponse, error) {
	if len(raw) < 4 {
		return nil, errCorruptEntry
	}
	n := int(binary.BigEndian.Uint32(raw[:4]))
	if n > len(raw)-4 {
		return nil, errCorruptEntry
	}
	var env envelope
	if err := json.Unmarshal(raw[4:4+n], &env); err != nil {
		return nil, err
	}
	a, err := dc.dec.Decode(raw[4+n:], false)
	if err != nil {
		return nil, err
	}
	return &imgload.CachedResponse{Artifact: a, Meta: env.Meta, ExpiresAt: env.ExpiresAt}, nil
}

// encodePayload picks the bytes to persist: the original encoded image
// when the artifact still carries it, a png rendition of the pixels
// otherwise (processed artifacts lose their source encoding).
func encodePayload(a *imgload.Artifact) ([]byte, error) {
	if len(a.Data) > 0 {
		return a.Data, nil
	}
	if a.Image == nil {
		return nil, errors.New("artifact carries no payload")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, a.Image); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
