// Package imgload provides coalescing fetch and decode of images.
//
// Concurrent requests for the same resource are merged onto a single
// underlying fetch; every caller gets its own progress and completion
// callbacks, the shared fetch runs at the maximum priority among its
// waiters, partially downloaded data can be decoded progressively, and
// finished artifacts feed a pluggable cache. The transport, decoder,
// post-processor and cache are all narrow interfaces, so the coordinator
// stays a pure coordination component.
package imgload

import (
	"context"
	"errors"
)

// ErrMissingTransport is returned by New when no transport is supplied.
var ErrMissingTransport = errors.New("imgload: transport is required")

// ErrEmptyMedia is reported when a fetch succeeds but carries zero bytes.
var ErrEmptyMedia = errors.New("url refers to an empty file")

// ProgressFunc is invoked by a Transport while a fetch is running. data is
// the freshly received chunk (may be nil when the transport reports bare
// counters) and becomes property of the callee. completed and total are in
// transfer units, usually bytes; total is 0 when unknown.
type ProgressFunc func(data []byte, completed, total int64)

// DoneFunc terminates a fetch. Exactly one call per started fetch: either
// data with metadata, or a non-nil error. Ownership of data passes to the
// callee.
type DoneFunc func(data []byte, meta Metadata, err error)

// FetchHandle controls one underlying fetch operation.
//
// Cancel requests the fetch to stop. Cancellation is best effort: the
// transport may still invoke callbacks that were already on their way.
//
// SetPriority updates the urgency of the running fetch. Transports without
// a wire-level priority signal may simply record the value.
type FetchHandle interface {
	Cancel()
	SetPriority(Priority)
}

// Transport is the interface that fetches raw image bytes.
//
// StartFetch begins an asynchronous transfer and returns a cancellable
// handle. Progress and completion are reported through the callbacks from
// the transport's own goroutines; implementations must never call them
// synchronously from StartFetch.
//
// Canonical normalizes a request before the coordinator builds equivalence
// keys from it. Implementations with no normalization return the request
// unchanged.
//
// FetchEquivalent reports whether two requests can share one underlying
// transfer. CacheEquivalent reports whether two requests resolve to the
// same cached bytes; it may be looser than FetchEquivalent (e.g. ignoring
// credentials) but never the other way around.
type Transport interface {
	StartFetch(ctx context.Context, req Request, onProgress ProgressFunc, onDone DoneFunc) FetchHandle
	Canonical(req Request) Request
	FetchEquivalent(a, b Request) bool
	CacheEquivalent(a, b Request) bool
}

// Decoder is the interface that turns raw bytes into an Artifact.
//
// Decode with partial=true receives an incomplete prefix of the data and
// is expected to fail often; such failures are swallowed by the
// coordinator. A failure with partial=false is terminal for the fetch.
type Decoder interface {
	Decode(data []byte, partial bool) (*Artifact, error)
}

// Processor is the interface that transforms a decoded artifact per
// request, e.g. scaling it to a target box.
//
// Process returns the transformed artifact, or nil when there is nothing
// useful to do; the coordinator then falls back to the unprocessed
// artifact. Equivalent reports whether two requests ask for the same
// transformation, which decides whether they share a cache entry.
type Processor interface {
	Process(a *Artifact, req Request) *Artifact
	Equivalent(a, b Request) bool
}

// Cache is the interface to response storage. Implementations must be safe
// for concurrent use: processing completions read and write the cache from
// independent goroutines.
//
// Lookup returns the stored response for the key or nil. Expired entries
// count as absent; expiry enforcement belongs to the implementation.
//
// Store saves the response under the key. Ownership of the response passes
// to the cache.
type Cache interface {
	Lookup(key *RequestKey) *CachedResponse
	Store(resp *CachedResponse, key *RequestKey)
}

// ProgressCallback receives transfer counters for one task. Invoked from
// the coordinator's serialized context; implementations must not block.
type ProgressCallback func(completed, total int64)

// CompletionCallback receives the terminal result for one task, exactly
// once unless the task was cancelled first. Invoked from the coordinator's
// serialized context; implementations must not block.
type CompletionCallback func(res Result)

// PartialCallback receives progressive (partial) artifacts for one task.
// Only tasks that registered it get partial images. Invoked from the
// coordinator's serialized context; implementations must not block.
type PartialCallback func(a *Artifact)
