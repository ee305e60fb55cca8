package opensway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensway/opensway-go/metrics"
)

// Config defines the orchestration core's knobs. Zero values get documented
// defaults applied by NewEngine.
type Config struct {
	// Queues bounds each execution lane; missing categories get defaults.
	Queues map[Category]QueueLimits
	// RateLimit allows this many submissions per principal per RateWindow.
	// Zero disables the gate.
	RateLimit int
	// RateWindow is the sliding rate-limit window (default 1m).
	RateWindow time.Duration
	// HeartbeatTTL is how long a worker may go silent before it is presumed
	// dead (default 30s).
	HeartbeatTTL time.Duration
	// MaxRedispatch bounds worker-loss requeues per task (default 1).
	MaxRedispatch int
	// MaxQueueWait force-fails tasks stuck in PENDING/THROTTLED (default 15m).
	MaxQueueWait time.Duration
	// MaxExecutionTime force-fails stalled RUNNING tasks. Zero disables it.
	MaxExecutionTime time.Duration
	// PromoteInterval is the THROTTLED promotion sweep period (default 500ms).
	PromoteInterval time.Duration
	// ReclaimInterval is the dead-worker sweep period (default 200ms).
	ReclaimInterval time.Duration
	// Webhook bounds the notification dispatcher.
	Webhook DispatcherConfig
	// Logger is used for engine events.
	Logger Logger
}

func (c *Config) defaults() {
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
	if c.MaxRedispatch <= 0 {
		c.MaxRedispatch = 1
	}
	if c.MaxQueueWait <= 0 {
		c.MaxQueueWait = 15 * time.Minute
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 500 * time.Millisecond
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = NewFmtLogger()
	}
}

// Engine wires the orchestration core: admission, queue router, worker pool
// coordinator, state machine and webhook dispatcher, plus the background
// maintenance loops that keep every non-terminal task on a bounded path to a
// terminal state.
type Engine struct {
	cfg         Config
	store       TaskStore
	ledger      CreditLedger
	router      *Router
	machine     *StateMachine
	admission   *Admission
	coordinator *Coordinator
	dispatcher  *Dispatcher
	limiter     RateLimiter
	log         Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine assembles the core on top of the given store and ledger.
func NewEngine(store TaskStore, ledger CreditLedger, cfg Config) *Engine {
	cfg.defaults()
	log := cfg.Logger

	router := NewRouter(cfg.Queues)
	if cfg.Webhook.Logger == nil {
		cfg.Webhook.Logger = log
	}
	dispatcher := NewDispatcher(cfg.Webhook)
	machine := NewStateMachine(store, ledger, router, dispatcher, log)
	limiter := NewSlidingWindowLimiter(cfg.RateLimit, cfg.RateWindow)
	admission := NewAdmission(ledger, machine, router, limiter, log)
	coordinator := NewCoordinator(store, machine, router, cfg.HeartbeatTTL, cfg.MaxRedispatch, log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		store:       store,
		ledger:      ledger,
		router:      router,
		machine:     machine,
		admission:   admission,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		limiter:     limiter,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the dispatcher and maintenance loops. It is idempotent and
// non-blocking.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.log.Warnf("engine already started; ignoring Start()")
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	e.log.Infof("engine starting: queues=%d rate=%d/%s", len(AllCategories), e.cfg.RateLimit, e.cfg.RateWindow)

	e.dispatcher.Start()

	e.loop(e.cfg.PromoteInterval, e.promoteThrottled)
	e.loop(time.Second, e.expireWaiting)
	e.loop(e.cfg.ReclaimInterval, func(ctx context.Context) { e.coordinator.Reclaim(ctx) })
	if e.cfg.MaxExecutionTime > 0 {
		e.loop(time.Second, e.expireRunning)
	}
}

// Stop cancels the maintenance loops and drains the dispatcher.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.log.Warnf("engine not started; ignoring Stop()")
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()
	e.log.Infof("engine stopping")

	e.cancel()
	e.wg.Wait()
	e.dispatcher.Stop()
}

// loop runs fn on a ticker until the engine context is cancelled.
func (e *Engine) loop(period time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				fn(e.ctx)
			}
		}
	}()
}

// promoteThrottled re-evaluates the rate and depth gates for THROTTLED tasks,
// oldest first, and moves the eligible ones to the tail of their backlog so
// earlier PENDING submitters are never starved.
func (e *Engine) promoteThrottled(ctx context.Context) {
	held, err := e.store.ListByStatus(ctx, StatusThrottled)
	if err != nil {
		e.log.Warnf("promoter: list throttled: %v", err)
		return
	}
	sort.Slice(held, func(i, j int) bool { return held[i].CreatedAt < held[j].CreatedAt })

	for _, t := range held {
		if !e.router.HasRoom(t.Category) {
			continue
		}
		if !e.limiter.TryAcquire(t.PrincipalID) {
			continue
		}
		applied, err := e.machine.Promote(ctx, t.ID)
		if err != nil {
			e.log.Warnf("promoter: promote id=%s: %v", t.ID, err)
			continue
		}
		if !applied {
			continue
		}
		if err := e.router.Enqueue(t.Category, t.ID); err != nil {
			// Depth filled up between the room check and the enqueue.
			if _, terr := e.machine.Throttle(ctx, t.ID); terr != nil {
				e.log.Errorf("promoter: re-throttle id=%s: %v", t.ID, terr)
			}
			continue
		}
		metrics.QueueDepth.WithLabelValues(string(t.Category)).Set(float64(e.router.Depth(t.Category)))
		e.log.Debugf("promoted: id=%s queue=%s", t.ID, t.Category)
	}
}

// expireWaiting fails tasks stuck past MaxQueueWait so abandoned backlog
// entries cannot hold credit reservations forever.
func (e *Engine) expireWaiting(ctx context.Context) {
	cutoff := time.Now().Add(-e.cfg.MaxQueueWait).UnixMilli()
	for _, s := range []Status{StatusPending, StatusThrottled} {
		waiting, err := e.store.ListByStatus(ctx, s)
		if err != nil {
			e.log.Warnf("expirer: list %s: %v", s, err)
			continue
		}
		for _, t := range waiting {
			if t.CreatedAt > cutoff {
				continue
			}
			applied, err := e.machine.FailWaiting(ctx, t.ID, s, "queue wait timeout")
			if err != nil {
				e.log.Warnf("expirer: fail id=%s: %v", t.ID, err)
				continue
			}
			if applied {
				e.log.Warnf("queue wait expired: id=%s queue=%s", t.ID, t.Category)
			}
		}
	}
}

// expireRunning fails RUNNING tasks that exceeded MaxExecutionTime, freeing
// their worker slot.
func (e *Engine) expireRunning(ctx context.Context) {
	cutoff := time.Now().Add(-e.cfg.MaxExecutionTime).UnixMilli()
	running, err := e.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		e.log.Warnf("exec-expirer: list running: %v", err)
		return
	}
	for _, t := range running {
		if t.StartedAt == 0 || t.StartedAt > cutoff {
			continue
		}
		applied, err := e.machine.FailRunning(ctx, t.ID, "execution timeout")
		if err != nil {
			e.log.Warnf("exec-expirer: fail id=%s: %v", t.ID, err)
			continue
		}
		if applied {
			e.log.Warnf("execution expired: id=%s queue=%s", t.ID, t.Category)
		}
	}
}

// Submit admits one generation request. See Admission.Submit.
func (e *Engine) Submit(ctx context.Context, principalID, operation string, req *GenerationRequest, opts ...Option) (*Task, error) {
	return e.admission.Submit(ctx, principalID, operation, req, opts...)
}

// GetTask fetches a task record by id (read path, bypasses the write pipeline).
func (e *Engine) GetTask(ctx context.Context, id string) (*Task, error) {
	return e.store.Get(ctx, id)
}

// Cancel requests best-effort cancellation of a task.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.machine.Cancel(ctx, id)
}

// Account returns the principal's credit snapshot.
func (e *Engine) Account(ctx context.Context, principalID string) (*AccountInfo, error) {
	return e.ledger.Account(ctx, principalID)
}

// Claim hands a dispatchable job of the queue to a worker, if any.
func (e *Engine) Claim(ctx context.Context, queue Category, workerID string) (*Job, error) {
	return e.coordinator.Claim(ctx, queue, workerID)
}

// Heartbeat extends a worker's liveness deadline.
func (e *Engine) Heartbeat(workerID string) {
	e.coordinator.Heartbeat(workerID)
}

// ReportProgress records worker progress and returns the cancellation flag.
func (e *Engine) ReportProgress(ctx context.Context, taskID string, fraction float64) (bool, error) {
	return e.coordinator.ReportProgress(ctx, taskID, fraction)
}

// ReportSuccess finishes a task with its output artifacts.
func (e *Engine) ReportSuccess(ctx context.Context, taskID string, outputs []string) error {
	return e.coordinator.ReportSuccess(ctx, taskID, outputs)
}

// ReportFailure finishes a task with a worker-reported error.
func (e *Engine) ReportFailure(ctx context.Context, taskID, reason string) error {
	return e.coordinator.ReportFailure(ctx, taskID, reason)
}
