package imgload

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const (
	// DefaultMaxConnsPerHost defines default value of maximum parallel http
	// connections to the host. To prevent DDoS.
	DefaultMaxConnsPerHost = 32

	// DefaultReadTimeout defines maximum duration for a single body read.
	DefaultReadTimeout = 8 * time.Second

	// DefaultChunkSize defines the granularity of progress events while a
	// body streams in.
	DefaultChunkSize = 32 * 1024

	// DefaultMaxBodySize caps the accepted response body.
	DefaultMaxBodySize = 16 * 1024 * 1024

	freeConnRetryDelay = 25 * time.Millisecond
)

// HTTPTransport fetches images over http(s). Supports limiting connections
// per host, streams bodies in chunks for progress reporting, uses
// fasthttp.Client to reduce garbage generation.
type HTTPTransport struct {
	log    zerolog.Logger
	client fasthttp.Client
	chunk  int
}

// NewHTTPTransport returns a transport with default read timeout and
// MaxConnsPerHost (32) parameters.
func NewHTTPTransport(l zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		log: l.With().Str("component", "transport").Logger(),
		client: fasthttp.Client{
			ReadTimeout:         DefaultReadTimeout,
			MaxConnsPerHost:     DefaultMaxConnsPerHost,
			ReadBufferSize:      64 * 1024,
			MaxResponseBodySize: DefaultMaxBodySize,
			StreamResponseBody:  true,
		},
		chunk: DefaultChunkSize,
	}
}

// SetMaxConnsPerHost set maximum parallel http connections to the host.
func (tr *HTTPTransport) SetMaxConnsPerHost(n int) {
	tr.client.MaxConnsPerHost = n
}

// SetReadTimeout set maximum duration for a single body read.
func (tr *HTTPTransport) SetReadTimeout(d time.Duration) {
	tr.client.ReadTimeout = d
}

// SetChunkSize set the body read granularity and with it the progress
// event rate.
func (tr *HTTPTransport) SetChunkSize(n int) {
	if n > 0 {
		tr.chunk = n
	}
}

// httpFetch implements FetchHandle for a single in-flight download.
// Priority has no wire effect over plain http, the handle just records the
// latest value pushed by the coordinator.
type httpFetch struct {
	cancel context.CancelFunc
	prio   atomic.Int32
}

func (f *httpFetch) Cancel() { f.cancel() }

func (f *httpFetch) SetPriority(p Priority) { f.prio.Store(int32(p)) }

// StartFetch launches the download goroutine and returns its handle. Both
// callbacks fire from that goroutine, never synchronously from here; a
// fetch cancelled through the handle or ctx reports nothing at all.
func (tr *HTTPTransport) StartFetch(ctx context.Context, req Request, onProgress ProgressFunc, onDone DoneFunc) FetchHandle {
	fctx, cancel := context.WithCancel(ctx)
	f := &httpFetch{cancel: cancel}
	f.prio.Store(int32(req.Priority))

	go func() {
		defer cancel()

		t := time.Now()
		data, meta, err := tr.download(fctx, req, onProgress)
		if fctx.Err() != nil {
			tr.log.Debug().Str("url", req.URL).Msg("download cancelled")
			return
		}
		if err != nil {
			tr.log.Error().Str("url", req.URL).Str("errmsg", err.Error()).Msg("image download failed")
		} else {
			tr.log.Debug().Str("url", req.URL).Int("size", len(data)).
				Str("dur", time.Since(t).String()).Msg("downloaded")
		}
		onDone(data, meta, err)
	}()
	return f
}

func (tr *HTTPTransport) download(ctx context.Context, r Request, onProgress ProgressFunc) ([]byte, Metadata, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.URL)
	meta := Metadata{URL: r.URL}

	if err := tr.do(ctx, req, resp); err != nil {
		return nil, meta, err
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, meta, fmt.Errorf("http code %d", code)
	}

	meta.ContentType = string(resp.Header.ContentType())
	total := int64(resp.Header.ContentLength())
	if total < 0 {
		// Chunked encoding, length unknown until EOF.
		total = 0
	}

	var body []byte
	stream := resp.BodyStream()
	if stream == nil {
		body = append(body, resp.Body()...)
		if len(body) > 0 {
			piece := make([]byte, len(body))
			copy(piece, body)
			onProgress(piece, int64(len(body)), total)
		}
	} else {
		chunk := make([]byte, tr.chunk)
		var completed int64
		for {
			if err := ctx.Err(); err != nil {
				return nil, meta, err
			}
			n, err := stream.Read(chunk)
			if n > 0 {
				body = append(body, chunk[:n]...)
				completed += int64(n)
				// The receiver owns progress payloads, hand over a copy.
				piece := make([]byte, n)
				copy(piece, chunk[:n])
				onProgress(piece, completed, total)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, meta, fmt.Errorf("read body: %w", err)
			}
		}
	}

	if len(body) == 0 {
		return nil, meta, ErrEmptyMedia
	}
	meta.Size = int64(len(body))
	meta.FetchedAt = time.Now()
	return body, meta, nil
}

// do executes the request, polling while every connection slot to the host
// is busy.
func (tr *HTTPTransport) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	err := tr.client.Do(req, resp)
	if err == nil {
		return nil
	}
	if err != fasthttp.ErrNoFreeConns {
		return err
	}

	// can be replaced with a delay derived from observed per-host
	// throughput.
	ticker := time.NewTicker(freeConnRetryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err = tr.client.Do(req, resp); err == nil {
				return nil
			}
			if err != fasthttp.ErrNoFreeConns {
				return err
			}
		}
	}
}

// Canonical normalizes the URL: whitespace trimmed, scheme and host
// lowercased, the fragment dropped since it never reaches the server.
// Unparseable URLs pass through untouched and fail later, at fetch time.
func (tr *HTTPTransport) Canonical(r Request) Request {
	u := fasthttp.AcquireURI()
	defer fasthttp.ReleaseURI(u)

	if err := u.Parse(nil, []byte(strings.TrimSpace(r.URL))); err != nil {
		return r
	}
	u.SetHash("")
	r.URL = string(u.FullURI())
	return r
}

// FetchEquivalent reports whether two requests can share one download,
// which over plain http holds exactly for equal canonical URLs.
func (tr *HTTPTransport) FetchEquivalent(a, b Request) bool {
	return a.URL == b.URL
}

// CacheEquivalent reports whether two requests name the same stored
// response. Same rule as fetch equivalence here; transports with content
// negotiation would differ.
func (tr *HTTPTransport) CacheEquivalent(a, b Request) bool {
	return a.URL == b.URL
}
