package opensway

import "context"

// Transition describes one conditional lifecycle write. The write applies
// only if the stored status still equals From; a stale precondition is a
// harmless no-op, which guarantees exactly-once application even when two
// reporting paths race (e.g. a heartbeat timeout against a late success).
type Transition struct {
	TaskID string
	From   Status
	To     Status
	// Output is stored only on a transition into SUCCEEDED.
	Output []string
	// Error is stored only on a transition into FAILED.
	Error string
	// NowMs stamps startedAt/endedAt depending on the target state.
	NowMs int64
}

// TaskStore is the durable record of every task. Tasks are independent, so
// implementations serialize per task id, never globally. All lifecycle writes
// go through Transition; nothing else may mutate status or terminal fields.
type TaskStore interface {
	// Create persists a brand-new task record. ErrDuplicateTask if the id exists.
	Create(ctx context.Context, t *Task) error
	// Get returns a copy of the task record by id.
	Get(ctx context.Context, id string) (*Task, error)
	// Transition applies a conditional status write. It returns (false, nil)
	// when the expected prior status did not match, (true, nil) when applied.
	Transition(ctx context.Context, tr Transition) (bool, error)
	// SetProgress records worker progress (0..100) for a RUNNING task.
	// Values below the stored progress are ignored; progress never decreases.
	// It returns the task's cooperative-cancellation flag.
	SetProgress(ctx context.Context, id string, progress int) (cancelRequested bool, err error)
	// RequestCancel marks a task for cooperative cancellation. It is only
	// meaningful while the task is RUNNING and is a no-op on terminal tasks.
	RequestCancel(ctx context.Context, id string) error
	// BumpRedispatch increments the worker-loss requeue counter and returns
	// the new value. A requeued task keeps its RUNNING status (startedAt is
	// stamped once), so redispatch is not a lifecycle edge.
	BumpRedispatch(ctx context.Context, id string) (int, error)
	// ListByStatus returns copies of all tasks currently in the given status.
	// Used by maintenance sweeps (queue-wait expiry, execution timeout).
	ListByStatus(ctx context.Context, s Status) ([]*Task, error)
}
