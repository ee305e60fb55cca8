package opensway

import (
	"context"
	"time"

	"github.com/opensway/opensway-go/metrics"
)

// Notifier receives terminal-state task snapshots for out-of-band delivery.
// The call must not block on network I/O.
type Notifier interface {
	Notify(t *Task)
}

// StateMachine is the authoritative lifecycle controller. Every status write
// flows through it, and it alone owns the side effects of a terminal
// transition (credit commit or release, slot release, webhook notification),
// so each of them fires exactly once per task no matter how many reporting
// paths race.
type StateMachine struct {
	store  TaskStore
	ledger CreditLedger
	router *Router
	notify Notifier
	log    Logger
	now    func() time.Time
}

// NewStateMachine wires the lifecycle controller. notify may be nil for
// deployments without webhook delivery.
func NewStateMachine(store TaskStore, ledger CreditLedger, router *Router, notify Notifier, log Logger) *StateMachine {
	if log == nil {
		log = noopLogger{}
	}
	return &StateMachine{store: store, ledger: ledger, router: router, notify: notify, log: log, now: time.Now}
}

// Create persists a freshly admitted task in PENDING.
func (m *StateMachine) Create(ctx context.Context, t *Task) error {
	t.Status = StatusPending
	t.CreatedAt = m.now().UnixMilli()
	if err := m.store.Create(ctx, t); err != nil {
		return err
	}
	metrics.TasksSubmitted.WithLabelValues(string(t.Category), t.Operation).Inc()
	return nil
}

// Throttle applies the PENDING -> THROTTLED rate-limit gate.
func (m *StateMachine) Throttle(ctx context.Context, id string) (bool, error) {
	return m.store.Transition(ctx, Transition{
		TaskID: id, From: StatusPending, To: StatusThrottled, NowMs: m.now().UnixMilli(),
	})
}

// Promote applies THROTTLED -> PENDING once the limiting window clears.
func (m *StateMachine) Promote(ctx context.Context, id string) (bool, error) {
	return m.store.Transition(ctx, Transition{
		TaskID: id, From: StatusThrottled, To: StatusPending, NowMs: m.now().UnixMilli(),
	})
}

// MarkRunning applies PENDING -> RUNNING when a worker claims the task.
func (m *StateMachine) MarkRunning(ctx context.Context, id string) (bool, error) {
	return m.store.Transition(ctx, Transition{
		TaskID: id, From: StatusPending, To: StatusRunning, NowMs: m.now().UnixMilli(),
	})
}

// Succeed applies RUNNING -> SUCCEEDED with the worker-reported artifacts,
// commits the credit reservation and frees the queue slot.
func (m *StateMachine) Succeed(ctx context.Context, id string, outputs []string) (bool, error) {
	applied, err := m.store.Transition(ctx, Transition{
		TaskID: id, From: StatusRunning, To: StatusSucceeded, Output: outputs, NowMs: m.now().UnixMilli(),
	})
	if err != nil || !applied {
		return applied, err
	}
	m.settle(ctx, id, true)
	return true, nil
}

// FailRunning applies RUNNING -> FAILED with the reported reason. Execution
// was attempted, so the reservation is still committed.
func (m *StateMachine) FailRunning(ctx context.Context, id, reason string) (bool, error) {
	applied, err := m.store.Transition(ctx, Transition{
		TaskID: id, From: StatusRunning, To: StatusFailed, Error: reason, NowMs: m.now().UnixMilli(),
	})
	if err != nil || !applied {
		return applied, err
	}
	m.settle(ctx, id, true)
	return true, nil
}

// FailWaiting applies PENDING|THROTTLED -> FAILED (queue-wait timeout or
// cancellation). The task never executed, so its reservation is released.
func (m *StateMachine) FailWaiting(ctx context.Context, id string, from Status, reason string) (bool, error) {
	applied, err := m.store.Transition(ctx, Transition{
		TaskID: id, From: from, To: StatusFailed, Error: reason, NowMs: m.now().UnixMilli(),
	})
	if err != nil || !applied {
		return applied, err
	}
	m.settle(ctx, id, false)
	return true, nil
}

// settle runs the exactly-once terminal side effects. It executes only on the
// single path that won the conditional write.
func (m *StateMachine) settle(ctx context.Context, id string, executed bool) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		m.log.Errorf("settle: task %s vanished after terminal write: %v", id, err)
		return
	}

	if t.ReservationID != "" {
		if executed {
			if err := m.ledger.Commit(ctx, t.ReservationID); err != nil {
				m.log.Errorf("settle: commit reservation %s: %v", t.ReservationID, err)
			} else {
				metrics.CreditsCommitted.Add(float64(t.Cost))
			}
		} else {
			if err := m.ledger.Release(ctx, t.ReservationID); err != nil {
				m.log.Errorf("settle: release reservation %s: %v", t.ReservationID, err)
			}
		}
	}

	// Free whichever slot the task still occupies; both calls are idempotent.
	m.router.Release(t.Category, t.ID)
	m.router.Remove(t.Category, t.ID)

	metrics.TasksCompleted.WithLabelValues(string(t.Category), string(t.Status)).Inc()
	if t.StartedAt > 0 && t.EndedAt >= t.StartedAt {
		metrics.TaskDuration.WithLabelValues(string(t.Category)).
			Observe(float64(t.EndedAt-t.StartedAt) / 1000.0)
	}

	if m.notify != nil && t.WebhookURL != "" {
		m.notify.Notify(t)
	}
	m.log.Debugf("terminal: id=%s status=%s category=%s", t.ID, t.Status, t.Category)
}

// Cancel is best-effort per the external contract: a waiting task is removed
// from its backlog and failed with the cancellation reason; a RUNNING task is
// only flagged for cooperative cancellation.
func (m *StateMachine) Cancel(ctx context.Context, id string) error {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusPending, StatusThrottled:
		applied, err := m.FailWaiting(ctx, id, t.Status, "Cancelled by user")
		if err != nil {
			return err
		}
		if !applied {
			// Raced with a claim or another terminal path; fall back to the
			// cooperative flag.
			return m.store.RequestCancel(ctx, id)
		}
		return nil
	case StatusRunning:
		return m.store.RequestCancel(ctx, id)
	default:
		return ErrNotCancellable
	}
}
