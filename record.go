package imgload

import "time"

// fetchRecord represents one in-flight underlying fetch. Exactly one
// record exists per fetch-equivalence class; it owns the cancellable
// transport handle, the attachment-ordered task list, the running progress
// counters and the progressive accumulation buffer. All access happens on
// the coordinator's serialized context.
type fetchRecord struct {
	key    *RequestKey
	req    Request // canonical request the transport was started with
	handle FetchHandle

	tasks []*Task // attachment order, broadcast order

	completed int64
	total     int64

	// priority is the level last pushed to the transport handle, so
	// recomputations can skip redundant pushes.
	priority Priority

	// progressive is fixed at record creation from the originating
	// request: opted in and not a bypass transfer.
	progressive bool
	buf         []byte  // accumulated body for partial decodes
	lastRatio   float64 // last accepted threshold crossing

	// removed marks a record that left the coordinator table. A removed
	// record accepts no attachments; late transport callbacks for it are
	// dropped.
	removed bool

	started time.Time
}

// attach appends the task, keeping attachment order.
func (r *fetchRecord) attach(t *Task) {
	r.tasks = append(r.tasks, t)
}

// detach removes the task from the record. Order of the remaining tasks is
// preserved. Reports whether the task was attached.
func (r *fetchRecord) detach(t *Task) bool {
	for i, at := range r.tasks {
		if at == t {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// effectivePriority returns the maximum priority among attached tasks.
// With no tasks attached the last pushed level is kept.
func (r *fetchRecord) effectivePriority() Priority {
	if len(r.tasks) == 0 {
		return r.priority
	}
	max := r.tasks[0].priority
	for _, t := range r.tasks[1:] {
		if t.priority > max {
			max = t.priority
		}
	}
	return max
}

// wantsPartial reports whether any attached task registered a progressive
// callback.
func (r *fetchRecord) wantsPartial() bool {
	for _, t := range r.tasks {
		if t.onPartial != nil {
			return true
		}
	}
	return false
}

// crossedThreshold applies the hysteresis gate: it reports whether the
// current completion ratio advanced at least threshold beyond the last
// accepted crossing, and records the new crossing when it did. With an
// unknown total there is no ratio and the gate stays shut.
func (r *fetchRecord) crossedThreshold(threshold float64) bool {
	if r.total <= 0 {
		return false
	}
	ratio := float64(r.completed) / float64(r.total)
	if ratio-r.lastRatio < threshold {
		return false
	}
	r.lastRatio = ratio
	return true
}
