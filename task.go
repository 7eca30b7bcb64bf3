package imgload

import "context"

// taskState tracks where a task is in its lifecycle. Transitions happen
// only on the coordinator's serialized context.
type taskState uint8

const (
	taskPending taskState = iota
	taskAttached
	taskCompleting
	taskDelivered
	taskCancelled
)

func (s taskState) String() string {
	switch s {
	case taskPending:
		return "pending"
	case taskAttached:
		return "attached"
	case taskCompleting:
		return "completing"
	case taskDelivered:
		return "delivered"
	case taskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is the handle for one caller-visible request. Fetch returns it
// synchronously; Cancel and SetPriority may be called right away from any
// goroutine, they are queued behind the pending attachment and never raced
// against it.
//
// A Task carries the caller's callbacks and its own priority, which is
// mutable independently of the originating request. The coordinator owns
// every other aspect of its lifetime.
type Task struct {
	id    uint64
	coord *Coordinator
	req   Request // canonical form

	// All fields below are owned by the serialized context.
	priority   Priority
	onProgress ProgressCallback
	onDone     CompletionCallback
	onPartial  PartialCallback
	rec        *fetchRecord
	procCancel context.CancelFunc // in-flight processing unit, if any
	state      taskState
}

// ID returns the opaque task identifier, useful for log correlation.
func (t *Task) ID() uint64 {
	return t.id
}

// Cancel detaches the task from its fetch. The underlying transfer is
// cancelled only when no other task remains attached. Cancelling an
// already delivered or cancelled task is a no-op. Fire and forget: the
// call returns before the cancellation is applied.
func (t *Task) Cancel() {
	t.coord.enqueue(func() { t.coord.cancelTask(t) })
}

// SetPriority changes the task's urgency and recomputes the effective
// priority of the shared fetch. Fire and forget.
func (t *Task) SetPriority(p Priority) {
	t.coord.enqueue(func() { t.coord.reprioritizeTask(t, p) })
}

// SetProgressive registers a callback for partial artifacts decoded from
// incomplete data. Effective only for requests that opted into progressive
// handling; register it right after Fetch so the accumulation buffer does
// not miss leading bytes.
func (t *Task) SetProgressive(fn PartialCallback) {
	t.coord.enqueue(func() { t.onPartial = fn })
}

// terminal reports whether the task already left the lifecycle.
func (t *Task) terminal() bool {
	return t.state == taskDelivered || t.state == taskCancelled
}
