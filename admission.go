package opensway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensway/opensway-go/metrics"
)

// RateLimiter gates submissions per principal. TryAcquire consumes one slot
// of the window if available.
type RateLimiter interface {
	TryAcquire(principalID string) bool
}

// slidingWindow is a per-principal sliding-window rate limiter. Each
// principal's window has its own lock; the outer map lock is held only for
// lookup/insert.
type slidingWindow struct {
	mu      sync.Mutex
	buckets map[string]*windowBucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

type windowBucket struct {
	mu   sync.Mutex
	hits []time.Time
}

// NewSlidingWindowLimiter allows limit submissions per principal per window.
// A non-positive limit disables rate limiting.
func NewSlidingWindowLimiter(limit int, window time.Duration) RateLimiter {
	return &slidingWindow{
		buckets: make(map[string]*windowBucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *slidingWindow) TryAcquire(principalID string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[principalID]
	if !ok {
		b = &windowBucket{}
		l.buckets[principalID] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	keep := b.hits[:0]
	for _, h := range b.hits {
		if h.After(cutoff) {
			keep = append(keep, h)
		}
	}
	b.hits = keep
	if len(b.hits) >= l.limit {
		return false
	}
	b.hits = append(b.hits, l.now())
	return true
}

// Admission validates a job request against the credit ledger and the
// per-principal rate limit before it is queued. Hard rejections
// (ErrInvalidInput, ErrInsufficientCredit) create no task; rate-limit and
// queue-depth pressure instead yield a THROTTLED task id so polling semantics
// stay uniform for the caller.
type Admission struct {
	ledger  CreditLedger
	machine *StateMachine
	router  *Router
	limiter RateLimiter
	encoder Encoder
	log     Logger
}

// NewAdmission wires the admission controller.
func NewAdmission(ledger CreditLedger, machine *StateMachine, router *Router, limiter RateLimiter, log Logger) *Admission {
	if log == nil {
		log = noopLogger{}
	}
	return &Admission{
		ledger:  ledger,
		machine: machine,
		router:  router,
		limiter: limiter,
		encoder: &JSONEncoder{},
		log:     log,
	}
}

// Submit admits one generation request for a principal and returns the task.
// The returned task is PENDING (already enqueued) or THROTTLED (held for
// automatic promotion); the HTTP connection never waits for completion.
func (a *Admission) Submit(ctx context.Context, principalID, operation string, req *GenerationRequest, opts ...Option) (*Task, error) {
	op, ok := Operations[operation]
	if !ok {
		return nil, ErrUnknownOperation
	}

	// Validation first: a malformed descriptor must have no side effects.
	cost, err := CheckRequest(op, req)
	if err != nil {
		return nil, err
	}

	cfg := &submitOptions{}
	for _, opt := range opts {
		opt(cfg)
	}
	webhook := req.WebhookURL
	if cfg.webhookURL != "" {
		webhook = cfg.webhookURL
	}

	// Rate gate before the reservation to avoid wasted ledger contention.
	throttled := !a.limiter.TryAcquire(principalID)

	rid, err := a.ledger.Reserve(ctx, principalID, cost)
	if err != nil {
		return nil, err
	}

	input, err := a.encoder.Encode(req)
	if err != nil {
		_ = a.ledger.Release(ctx, rid)
		return nil, errors.Join(ErrInvalidInput, err)
	}

	id := cfg.taskID
	if id == "" {
		id = uuid.NewString()
	}
	t := &Task{
		ID:            id,
		PrincipalID:   principalID,
		Operation:     operation,
		Model:         req.Model,
		Category:      op.Category,
		Input:         input,
		Cost:          cost,
		ReservationID: rid,
		WebhookURL:    webhook,
	}
	if err := a.machine.Create(ctx, t); err != nil {
		_ = a.ledger.Release(ctx, rid)
		return nil, err
	}

	// Queue-depth overflow is surfaced the same way as rate limiting.
	if !throttled {
		if err := a.router.Enqueue(t.Category, t.ID); err != nil {
			throttled = true
		}
	}
	if throttled {
		if _, err := a.machine.Throttle(ctx, t.ID); err != nil {
			return nil, err
		}
		t.Status = StatusThrottled
		metrics.TasksThrottled.WithLabelValues(string(t.Category)).Inc()
		a.log.Debugf("admitted throttled: id=%s principal=%s op=%s", t.ID, principalID, operation)
	} else {
		a.log.Debugf("admitted: id=%s principal=%s op=%s cost=%d", t.ID, principalID, operation, cost)
	}
	metrics.QueueDepth.WithLabelValues(string(t.Category)).Set(float64(a.router.Depth(t.Category)))
	return t, nil
}
