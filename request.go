package imgload

import (
	"image"
	"time"
)

// Priority defines the urgency of a fetch. Values are ordered: a larger
// value means more urgent. The effective priority of a shared fetch is the
// maximum priority among all tasks attached to it.
type Priority int8

const (
	// PriorityVeryLow suits speculative prefetches.
	PriorityVeryLow Priority = iota - 2
	// PriorityLow suits offscreen work.
	PriorityLow
	// PriorityNormal is the default and the zero value of Request.
	PriorityNormal
	// PriorityHigh suits visible content.
	PriorityHigh
	// PriorityVeryHigh suits content the user is waiting for.
	PriorityVeryHigh
)

// String returns a string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "very-low"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very-high"
	default:
		return "unknown"
	}
}

// CachePolicy defines how a request interacts with the configured cache.
type CachePolicy uint8

const (
	// CacheDefault reads the cache before fetching and stores results after.
	CacheDefault CachePolicy = iota

	// CacheRefresh skips the cache lookup but still stores the fresh result.
	CacheRefresh

	// CacheBypass never touches the cache. CachedResponse always returns nil
	// for bypassing requests. Bypass transfers are treated as raw: partial
	// (progressive) decoding is disabled for them.
	CacheBypass
)

// String returns a string representation of the cache policy.
func (cp CachePolicy) String() string {
	switch cp {
	case CacheDefault:
		return "default"
	case CacheRefresh:
		return "refresh"
	case CacheBypass:
		return "bypass"
	default:
		return "unknown"
	}
}

// Request describes what to fetch and how. It is a plain value owned by the
// caller; the coordinator never mutates it. Two requests with the same URL
// share one underlying fetch even if their processing options differ.
type Request struct {
	// URL addresses the image. Remote (http/https) for HTTPTransport,
	// anything a custom Transport understands otherwise.
	URL string

	// Priority is the initial urgency. The task handle returned by Fetch
	// can change it later without touching the request.
	Priority Priority

	// CachePolicy selects cache interaction. Zero value is CacheDefault.
	CachePolicy CachePolicy

	// TTL limits how long a stored response stays valid. Zero means the
	// coordinator default.
	TTL time.Duration

	// Progressive opts the request into partial decodes of incomplete data.
	// A task still has to register a progressive callback to receive them.
	Progressive bool

	// TargetWidth and TargetHeight are hints for the configured Processor.
	// Zero keeps the original dimension. Requests that differ only here
	// share a fetch but occupy distinct cache entries.
	TargetWidth  int
	TargetHeight int
}

// Metadata describes the origin of a fetched artifact. It travels with the
// result even when the fetch failed, carrying whatever is known.
type Metadata struct {
	// URL is the canonical resource identifier.
	URL string

	// ContentType is the media type reported by the transport, if any.
	ContentType string

	// Size is the amount of bytes fetched, -1 if unknown.
	Size int64

	// FetchedAt is when the transport finished the transfer.
	FetchedAt time.Time
}

// Artifact is a decoded image ready for use. Partial artifacts come from
// progressive decodes of incomplete data and are lower fidelity.
type Artifact struct {
	// Image holds the decoded pixels. Nil when NopDecoder is in use.
	Image image.Image

	// Data keeps the original encoded bytes when they are still available.
	// Processed artifacts usually carry no Data.
	Data []byte

	// Format is the registered image format name ("jpeg", "png", ...).
	Format string

	// Width and Height are pixel dimensions.
	Width  int
	Height int

	// Frames is the frame count. Values above 1 mark an animated image,
	// which the coordinator never routes through the Processor.
	Frames int

	// Partial marks an artifact produced from incomplete data.
	Partial bool
}

// Animated reports whether the artifact carries more than one frame.
func (a *Artifact) Animated() bool {
	return a != nil && a.Frames > 1
}

// CachedResponse is what the coordinator stores into and reads from the
// cache collaborator. Once stored, it belongs to the cache.
type CachedResponse struct {
	// Artifact is the decoded (and possibly processed) image.
	Artifact *Artifact

	// Meta describes the fetch that produced the artifact.
	Meta Metadata

	// ExpiresAt is the moment the entry stops being valid. Enforcement
	// belongs to the cache implementation (both bundled caches use native
	// TTL support).
	ExpiresAt time.Time
}

// Result is delivered to the completion callback of every task attached to
// a fetch. There is no separate error channel: failures arrive here with a
// nil Artifact and whatever Meta is known.
type Result struct {
	// Artifact is the final image, nil if the fetch or final decode failed.
	Artifact *Artifact

	// Meta describes the transfer.
	Meta Metadata

	// FromCache is set when the artifact was satisfied by the cache recheck
	// instead of fresh processing.
	FromCache bool

	// Err is the terminal failure, nil on success.
	Err error
}
