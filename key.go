package imgload

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// RequestKey identifies an equivalence class of requests. Equality is not
// structural: it is delegated to the strategies of the owning coordinator
// (transport fetch/cache equivalence, processor equivalence), so two keys
// built from different requests may still be equal. Keys from different
// coordinators, or a fetch-identity key and a cache-identity key, are never
// equal.
//
// The hash is a cheap xxhash of the canonical URL. It is coarser than
// equality: equal keys always hash alike (transports uphold this through
// Canonical), unequal keys may collide. Keys are built per lookup and not
// kept around.
type RequestKey struct {
	req      Request
	cacheKey bool
	owner    *Coordinator
	hash     uint64
}

func newRequestKey(owner *Coordinator, req Request, cacheKey bool) *RequestKey {
	return &RequestKey{
		req:      req,
		cacheKey: cacheKey,
		owner:    owner,
		hash:     xxhash.Sum64String(req.URL),
	}
}

// Request returns the canonical request the key was built from.
func (k *RequestKey) Request() Request {
	return k.req
}

// IsCacheKey reports whether the key carries cache identity (stricter than
// fetch identity when a processor is configured).
func (k *RequestKey) IsCacheKey() bool {
	return k.cacheKey
}

// Hash returns the coarse hash of the key.
func (k *RequestKey) Hash() uint64 {
	return k.hash
}

// Equal reports whether two keys identify the same equivalence class.
//
// Fetch-identity keys compare with Transport.FetchEquivalent. Cache-identity
// keys compare with Transport.CacheEquivalent and, when a processor is
// configured, Processor.Equivalent on top: requests may share a fetch yet
// occupy distinct cache entries per processing variant.
func (k *RequestKey) Equal(o *RequestKey) bool {
	if k == nil || o == nil {
		return k == o
	}
	if k.owner != o.owner || k.cacheKey != o.cacheKey {
		return false
	}
	t := k.owner.transport
	if k.cacheKey {
		if !t.CacheEquivalent(k.req, o.req) {
			return false
		}
		if p := k.owner.processor; p != nil && !p.Equivalent(k.req, o.req) {
			return false
		}
		return true
	}
	return t.FetchEquivalent(k.req, o.req)
}

// Digest returns a stable storage identifier for cache implementations:
// the canonical URL, suffixed with the target box for cache-identity keys
// when a processor is configured. Custom processors keyed on other request
// fields should derive their own storage keys from Request instead.
func (k *RequestKey) Digest() string {
	if !k.cacheKey || k.owner.processor == nil {
		return k.req.URL
	}
	if k.req.TargetWidth == 0 && k.req.TargetHeight == 0 {
		return k.req.URL
	}
	return k.req.URL + "#" +
		strconv.Itoa(k.req.TargetWidth) + "x" + strconv.Itoa(k.req.TargetHeight)
}
