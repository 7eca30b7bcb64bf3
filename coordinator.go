package imgload

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultProgressiveThreshold is the minimum completion-ratio advance
	// between two partial decode attempts.
	DefaultProgressiveThreshold = 0.10

	// DefaultTTL is applied to stored responses when the request carries no
	// expiration age of its own.
	DefaultTTL = 30 * time.Minute

	// DefaultQueueDepth bounds the backlog of pending coordinator
	// operations before callers start to feel backpressure.
	DefaultQueueDepth = 256
)

// Option configures a Coordinator during construction.
type Option func(*Coordinator)

// WithDecoder sets the decoder. Without it raw bytes pass through
// undecoded (NopDecoder).
func WithDecoder(d Decoder) Option {
	return func(c *Coordinator) { c.decoder = d }
}

// WithProcessor sets the optional post-decode processor.
func WithProcessor(p Processor) Option {
	return func(c *Coordinator) { c.processor = p }
}

// WithCache sets the optional response cache.
func WithCache(cache Cache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithMetrics sets the optional Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithProgressiveThreshold overrides the partial decode hysteresis gate.
func WithProgressiveThreshold(v float64) Option {
	return func(c *Coordinator) { c.threshold = v }
}

// WithDecodeWorkers bounds the parallel decode/process goroutines.
// Defaults to the number of cores, decoding being CPU bound.
func WithDecodeWorkers(n int) Option {
	return func(c *Coordinator) { c.workers = n }
}

// WithDefaultTTL overrides the expiration age applied to stored responses
// when the request does not set one.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.defaultTTL = d }
}

// WithQueueDepth overrides the pending operation backlog size.
func WithQueueDepth(n int) Option {
	return func(c *Coordinator) { c.depth = n }
}

// Coordinator coalesces equivalent concurrent requests onto single
// underlying fetches and drives their lifecycle: attachment, priority
// propagation, progressive decoding, post-processing, caching and result
// fan-out.
//
// All mutable state lives behind one serialized context: a single
// goroutine draining a queue of closures. Public operations enqueue and
// return; the transport and the decode pool re-enter the same queue
// through asynchronous hops, never directly. No locks are involved.
type Coordinator struct {
	log       zerolog.Logger
	transport Transport
	decoder   Decoder
	processor Processor
	cache     Cache
	metrics   *Metrics

	threshold  float64
	defaultTTL time.Duration
	workers    int
	depth      int

	work    chan func()
	stopped chan struct{}
	ctx     context.Context
	started atomic.Bool

	// sem bounds CPU-heavy decode and process work outside the serialized
	// context.
	sem *semaphore.Weighted

	// records buckets in-flight fetches by coarse key hash; equality inside
	// a bucket is delegated through RequestKey.Equal. Owned by the
	// serialized context.
	records map[uint64][]*fetchRecord

	nextID atomic.Uint64
}

// New returns a Coordinator wired to the given transport. A nil transport
// is a construction error; every other collaborator is optional and
// supplied through options.
func New(l zerolog.Logger, t Transport, opts ...Option) (*Coordinator, error) {
	if t == nil {
		return nil, ErrMissingTransport
	}

	c := &Coordinator{
		log:        l.With().Str("component", "coordinator").Logger(),
		transport:  t,
		threshold:  DefaultProgressiveThreshold,
		defaultTTL: DefaultTTL,
		depth:      DefaultQueueDepth,
		stopped:    make(chan struct{}),
		records:    make(map[uint64][]*fetchRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decoder == nil {
		c.decoder = NopDecoder{}
	}
	if c.workers <= 0 {
		c.workers = runtime.NumCPU()
	}
	if c.threshold <= 0 {
		c.threshold = DefaultProgressiveThreshold
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.depth <= 0 {
		c.depth = DefaultQueueDepth
	}
	c.work = make(chan func(), c.depth)
	c.sem = semaphore.NewWeighted(int64(c.workers))
	return c, nil
}

// Start launches the serialized context. Operations enqueued before Start
// wait in the queue. Cancelling ctx stops the coordinator; operations
// enqueued afterwards are dropped silently.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.ctx = ctx
	go c.run()
}

// run is the serialized context: the only goroutine that ever touches the
// record table and task state.
func (c *Coordinator) run() {
	defer close(c.stopped)
	c.log.Debug().Int("workers", c.workers).Msg("coordinator started")
	for {
		select {
		case <-c.ctx.Done():
			c.log.Debug().Msg("coordinator stopped")
			return
		case fn := <-c.work:
			fn()
		}
	}
}

// enqueue hands a closure to the serialized context. After shutdown the
// closure is dropped.
func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.work <- fn:
	case <-c.stopped:
	}
}

// Fetch requests an image. The task handle returns synchronously; the
// attachment to a new or in-flight fetch happens asynchronously on the
// serialized context, and any Cancel or SetPriority issued in between is
// queued behind it rather than raced or dropped. Callbacks may be nil.
func (c *Coordinator) Fetch(req Request, onProgress ProgressCallback, onDone CompletionCallback) *Task {
	canon := c.transport.Canonical(req)
	t := &Task{
		id:         c.nextID.Add(1),
		coord:      c,
		req:        canon,
		priority:   canon.Priority,
		onProgress: onProgress,
		onDone:     onDone,
		state:      taskPending,
	}
	c.enqueue(func() { c.attachTask(t) })
	return t
}

// CachedResponse is a synchronous cache passthrough honoring the request's
// cache policy: only CacheDefault requests read, everything else gets nil.
// Safe from any goroutine.
func (c *Coordinator) CachedResponse(req Request) *CachedResponse {
	if c.cache == nil || req.CachePolicy != CacheDefault {
		return nil
	}
	canon := c.transport.Canonical(req)
	resp := c.cache.Lookup(newRequestKey(c, canon, true))
	if resp == nil {
		c.metrics.cacheMiss()
		return nil
	}
	c.metrics.cacheHit()
	return resp
}

// FetchKey builds the fetch-identity key for a request. Mostly useful for
// diagnostics and tests.
func (c *Coordinator) FetchKey(req Request) *RequestKey {
	return newRequestKey(c, c.transport.Canonical(req), false)
}

// CacheKey builds the cache-identity key for a request, the one bundled
// cache implementations derive their storage identifiers from.
func (c *Coordinator) CacheKey(req Request) *RequestKey {
	return newRequestKey(c, c.transport.Canonical(req), true)
}

// ----------------------------------------------------------------------
// Everything below runs on the serialized context only.
// ----------------------------------------------------------------------

// attachTask joins the task to the record of its fetch-equivalence class,
// creating the record and starting the underlying transfer when the class
// has none in flight.
func (c *Coordinator) attachTask(t *Task) {
	key := newRequestKey(c, t.req, false)

	if rec := c.lookupRecord(key); rec != nil {
		rec.attach(t)
		t.rec = rec
		t.state = taskAttached
		c.metrics.coalesced()
		// Replay current counters so the joiner is not left uninformed
		// until the next transport event.
		if t.onProgress != nil {
			t.onProgress(rec.completed, rec.total)
		}
		c.pushPriority(rec)
		c.log.Debug().Uint64("task", t.id).Str("url", t.req.URL).
			Int("tasks", len(rec.tasks)).Msg("joined in-flight fetch")
		return
	}

	rec := &fetchRecord{
		key:         key,
		req:         t.req,
		priority:    t.priority,
		progressive: t.req.Progressive && t.req.CachePolicy != CacheBypass,
		started:     time.Now(),
	}
	rec.attach(t)
	t.rec = rec
	t.state = taskAttached
	c.records[key.hash] = append(c.records[key.hash], rec)
	c.metrics.fetchStarted()

	rec.handle = c.transport.StartFetch(c.ctx, rec.req,
		func(data []byte, completed, total int64) {
			c.enqueue(func() { c.fetchProgress(rec, data, completed, total) })
		},
		func(data []byte, meta Metadata, err error) {
			c.enqueue(func() { c.fetchDone(rec, data, meta, err) })
		})

	c.log.Debug().Uint64("task", t.id).Str("url", t.req.URL).
		Str("prio", t.priority.String()).Msg("fetch started")
}

// lookupRecord resolves the record of the key's equivalence class, probing
// the hash bucket with delegated equality.
func (c *Coordinator) lookupRecord(key *RequestKey) *fetchRecord {
	for _, rec := range c.records[key.hash] {
		if rec.key.Equal(key) {
			return rec
		}
	}
	return nil
}

// removeRecord takes the record out of the table. The equivalence slot is
// free again: a later lookup under the same key builds a fresh record.
func (c *Coordinator) removeRecord(rec *fetchRecord) {
	rec.removed = true
	bucket := c.records[rec.key.hash]
	for i, r := range bucket {
		if r == rec {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.records, rec.key.hash)
	} else {
		c.records[rec.key.hash] = bucket
	}
}

// pushPriority recomputes the effective (max) priority of the record and
// pushes it to the transport handle only when it actually changed.
func (c *Coordinator) pushPriority(rec *fetchRecord) {
	p := rec.effectivePriority()
	if p == rec.priority {
		return
	}
	rec.priority = p
	rec.handle.SetPriority(p)
	c.log.Debug().Str("url", rec.req.URL).Str("prio", p.String()).Msg("fetch reprioritized")
}

// fetchProgress updates the record counters, broadcasts them to every
// attached task in attachment order and drives the progressive gate.
func (c *Coordinator) fetchProgress(rec *fetchRecord, data []byte, completed, total int64) {
	if rec.removed {
		return
	}
	rec.completed, rec.total = completed, total

	for _, t := range rec.tasks {
		if t.onProgress != nil {
			t.onProgress(completed, total)
		}
	}

	if !rec.progressive || !rec.wantsPartial() {
		return
	}
	if len(data) > 0 {
		rec.buf = append(rec.buf, data...)
	}
	if rec.total > 0 && rec.completed >= rec.total {
		// The final decode consumes the complete body, the accumulation
		// served its purpose.
		rec.buf = nil
		return
	}
	if !rec.crossedThreshold(c.threshold) {
		return
	}
	if !c.sem.TryAcquire(1) {
		// Pool is saturated, a stale partial is not worth waiting for.
		return
	}
	snapshot := make([]byte, len(rec.buf))
	copy(snapshot, rec.buf)
	go c.partialDecode(rec, snapshot)
}

// partialDecode attempts a decode of an incomplete prefix on the pool.
// Failures are expected and swallowed.
func (c *Coordinator) partialDecode(rec *fetchRecord, data []byte) {
	defer c.sem.Release(1)
	a, err := c.decoder.Decode(data, true)
	if err != nil || a == nil {
		c.log.Debug().Str("url", rec.req.URL).Int("bytes", len(data)).Msg("partial decode failed")
		return
	}
	a.Partial = true
	c.metrics.progressiveDecode()
	c.enqueue(func() { c.broadcastPartial(rec, a) })
}

// broadcastPartial hands a partial artifact to every attached task that
// registered a progressive callback.
func (c *Coordinator) broadcastPartial(rec *fetchRecord, a *Artifact) {
	if rec.removed {
		return
	}
	for _, t := range rec.tasks {
		if t.onPartial != nil {
			t.onPartial(a)
		}
	}
}

// fetchDone receives the terminal transport event and hops the CPU-heavy
// final decode onto the pool before re-entering for the fan-out.
func (c *Coordinator) fetchDone(rec *fetchRecord, data []byte, meta Metadata, err error) {
	if rec.removed {
		return
	}
	rec.buf = nil
	if err != nil {
		c.finishFetch(rec, nil, meta, err)
		return
	}
	go c.finalDecode(rec, data, meta)
}

// finalDecode decodes the complete body on the pool. A failure here is
// terminal for the fetch and delivered like a transport failure.
func (c *Coordinator) finalDecode(rec *fetchRecord, data []byte, meta Metadata) {
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return // shutting down
	}
	a, err := c.decoder.Decode(data, false)
	c.sem.Release(1)
	if err != nil {
		a = nil
		err = fmt.Errorf("decode %s: %w", rec.req.URL, err)
	}
	c.enqueue(func() { c.finishFetch(rec, a, meta, err) })
}

// finishFetch fans the terminal result out to every attached task in
// attachment order, then clears the task list and frees the equivalence
// slot. Tasks whose artifact is eligible for processing get an own
// processing unit; everyone else is delivered right here.
func (c *Coordinator) finishFetch(rec *fetchRecord, a *Artifact, meta Metadata, err error) {
	if rec.removed {
		// Every task was cancelled while the decode was in flight.
		return
	}

	if err != nil {
		c.metrics.fetchFailed()
		c.log.Error().Str("url", rec.req.URL).Str("errmsg", err.Error()).Msg("fetch failed")
	} else {
		c.metrics.fetchCompleted(time.Since(rec.started))
		c.log.Debug().Str("url", rec.req.URL).Int("tasks", len(rec.tasks)).
			Str("dur", time.Since(rec.started).String()).Msg("fetch completed")
	}

	for _, t := range rec.tasks {
		if t.terminal() {
			continue
		}
		t.rec = nil
		switch {
		case err != nil || a == nil:
			c.deliver(t, Result{Meta: meta, Err: err})
		case c.processor != nil && !a.Animated():
			t.state = taskCompleting
			c.dispatchProcess(t, a, meta)
		default:
			// Not eligible for processing: store the raw artifact under the
			// cache identity and deliver immediately.
			c.storeRaw(t, a, meta)
			c.deliver(t, Result{Artifact: a, Meta: meta})
		}
	}
	rec.tasks = nil
	c.removeRecord(rec)
}

// deliver finishes a task. No-op for tasks that already left the
// lifecycle, so late completions for cancelled tasks die here.
func (c *Coordinator) deliver(t *Task, res Result) {
	if t.terminal() {
		return
	}
	t.state = taskDelivered
	t.procCancel = nil
	if t.onDone != nil {
		t.onDone(res)
	}
}

// storeRaw stores an unprocessed artifact under the task's cache identity.
func (c *Coordinator) storeRaw(t *Task, a *Artifact, meta Metadata) {
	if c.cache == nil || t.req.CachePolicy == CacheBypass {
		return
	}
	c.cache.Store(&CachedResponse{
		Artifact:  a,
		Meta:      meta,
		ExpiresAt: time.Now().Add(c.ttlFor(t.req)),
	}, newRequestKey(c, t.req, true))
}

// dispatchProcess launches the per-task processing unit. The unit is
// cancellable through the task handle.
func (c *Coordinator) dispatchProcess(t *Task, a *Artifact, meta Metadata) {
	ctx, cancel := context.WithCancel(c.ctx)
	t.procCancel = cancel
	go c.processUnit(ctx, t, a, meta)
}

// processUnit runs off the serialized context: recheck the cache for an
// already-processed identical result, otherwise process on the pool, store
// the outcome and hand the delivery back to the serialized context.
func (c *Coordinator) processUnit(ctx context.Context, t *Task, a *Artifact, meta Metadata) {
	key := newRequestKey(c, t.req, true)

	// A sibling task differing only by attachment timing may have finished
	// the identical processing already.
	if c.cache != nil && t.req.CachePolicy == CacheDefault {
		if hit := c.cache.Lookup(key); hit != nil {
			c.metrics.cacheHit()
			c.enqueue(func() {
				c.deliver(t, Result{Artifact: hit.Artifact, Meta: hit.Meta, FromCache: true})
			})
			return
		}
		c.metrics.cacheMiss()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return // cancelled or shutting down
	}
	processed := c.processor.Process(a, t.req)
	c.sem.Release(1)
	if processed == nil {
		// Nothing useful produced: fall back to the unprocessed artifact.
		processed = a
	}
	if ctx.Err() != nil {
		return
	}

	if c.cache != nil && t.req.CachePolicy != CacheBypass {
		c.cache.Store(&CachedResponse{
			Artifact:  processed,
			Meta:      meta,
			ExpiresAt: time.Now().Add(c.ttlFor(t.req)),
		}, key)
	}
	res := Result{Artifact: processed, Meta: meta}
	c.enqueue(func() { c.deliver(t, res) })
}

// cancelTask detaches the task, cancels its processing unit and, when the
// record runs out of tasks, cancels the underlying fetch and frees the
// slot. Cancelling after delivery is a no-op.
func (c *Coordinator) cancelTask(t *Task) {
	if t.terminal() {
		return
	}
	t.state = taskCancelled
	c.metrics.taskCancelled()

	if t.procCancel != nil {
		t.procCancel()
		t.procCancel = nil
	}

	rec := t.rec
	t.rec = nil
	if rec == nil || rec.removed || !rec.detach(t) {
		return
	}
	if len(rec.tasks) == 0 {
		rec.handle.Cancel()
		c.removeRecord(rec)
		c.log.Debug().Str("url", rec.req.URL).Msg("fetch cancelled, no tasks left")
		return
	}
	c.pushPriority(rec)
}

// reprioritizeTask updates the task priority and propagates the new
// effective maximum to the shared fetch.
func (c *Coordinator) reprioritizeTask(t *Task, p Priority) {
	if t.terminal() {
		return
	}
	t.priority = p
	if rec := t.rec; rec != nil && !rec.removed {
		c.pushPriority(rec)
	}
}

// ttlFor derives the expiration age for stored responses.
func (c *Coordinator) ttlFor(req Request) time.Duration {
	if req.TTL > 0 {
		return req.TTL
	}
	return c.defaultTTL
}
