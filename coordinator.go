package opensway

import (
	"context"
	"sync"
	"time"

	"github.com/opensway/opensway-go/metrics"
)

// workerEntry tracks one registered worker and its current lease.
type workerEntry struct {
	id       string
	queue    Category
	deadline time.Time
	taskID   string // leased task, empty when idle
}

// Coordinator is the worker-facing side of the core. Workers are opaque
// external processes that claim jobs, report progress/outcome and heartbeat;
// a worker that misses its heartbeat deadline is presumed dead and its task
// is returned to the head of its queue for redispatch. Execution is
// at-least-once: the worker contract must tolerate seeing a task id twice.
type Coordinator struct {
	store   TaskStore
	machine *StateMachine
	router  *Router

	mu      sync.Mutex
	workers map[string]*workerEntry
	byTask  map[string]string // taskID -> workerID

	heartbeatTTL  time.Duration
	maxRedispatch int
	log           Logger
	now           func() time.Time
}

// NewCoordinator wires the worker pool coordinator.
func NewCoordinator(store TaskStore, machine *StateMachine, router *Router, heartbeatTTL time.Duration, maxRedispatch int, log Logger) *Coordinator {
	if log == nil {
		log = noopLogger{}
	}
	if heartbeatTTL <= 0 {
		heartbeatTTL = 30 * time.Second
	}
	return &Coordinator{
		store:         store,
		machine:       machine,
		router:        router,
		workers:       make(map[string]*workerEntry),
		byTask:        make(map[string]string),
		heartbeatTTL:  heartbeatTTL,
		maxRedispatch: maxRedispatch,
		log:           log,
		now:           time.Now,
	}
}

// Claim hands the oldest dispatchable task of the queue to the worker, or
// returns (nil, nil) when nothing is dispatchable. Workers register
// implicitly on their first claim.
func (c *Coordinator) Claim(ctx context.Context, queue Category, workerID string) (*Job, error) {
	c.touch(workerID, queue)

	for {
		id, ok := c.router.Pop(queue)
		if !ok {
			return nil, nil
		}
		t, err := c.store.Get(ctx, id)
		if err != nil {
			c.router.Release(queue, id)
			c.log.Warnf("claim: backlog entry %s not in store: %v", id, err)
			continue
		}

		switch t.Status {
		case StatusPending:
			applied, err := c.machine.MarkRunning(ctx, id)
			if err != nil {
				c.router.Release(queue, id)
				return nil, err
			}
			if !applied {
				// Lost a race with cancellation or queue-wait expiry.
				c.router.Release(queue, id)
				continue
			}
		case StatusRunning:
			// Reclaimed from a lost worker; redispatch without a new edge.
		default:
			c.router.Release(queue, id)
			continue
		}

		c.lease(workerID, queue, id)
		metrics.QueueDepth.WithLabelValues(string(queue)).Set(float64(c.router.Depth(queue)))
		metrics.QueueRunning.WithLabelValues(string(queue)).Set(float64(c.router.Running(queue)))
		c.log.Debugf("claimed: id=%s worker=%s queue=%s", id, workerID, queue)
		return &Job{TaskID: t.ID, Category: t.Category, Model: t.Model, Input: t.Input}, nil
	}
}

// Heartbeat extends the worker's deadline. Unknown workers are registered on
// the spot so a worker restarted with the same id keeps working.
func (c *Coordinator) Heartbeat(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerID]
	if !ok {
		w = &workerEntry{id: workerID}
		c.workers[workerID] = w
	}
	w.deadline = c.now().Add(c.heartbeatTTL)
}

// ReportProgress records worker progress as a fraction in [0,1] and returns
// whether cooperative cancellation has been requested for the task. Progress
// reports also count as heartbeats.
func (c *Coordinator) ReportProgress(ctx context.Context, taskID string, fraction float64) (cancelRequested bool, err error) {
	c.mu.Lock()
	if wid, ok := c.byTask[taskID]; ok {
		if w, ok := c.workers[wid]; ok {
			w.deadline = c.now().Add(c.heartbeatTTL)
		}
	}
	c.mu.Unlock()
	return c.store.SetProgress(ctx, taskID, int(fraction*100))
}

// ReportSuccess finishes a task with its output artifacts.
func (c *Coordinator) ReportSuccess(ctx context.Context, taskID string, outputs []string) error {
	applied, err := c.machine.Succeed(ctx, taskID, outputs)
	if err != nil {
		return err
	}
	if !applied {
		c.log.Warnf("stale success report dropped: id=%s", taskID)
	}
	c.unlease(taskID)
	return nil
}

// ReportFailure finishes a task with a worker-reported error.
func (c *Coordinator) ReportFailure(ctx context.Context, taskID, reason string) error {
	applied, err := c.machine.FailRunning(ctx, taskID, reason)
	if err != nil {
		return err
	}
	if !applied {
		c.log.Warnf("stale failure report dropped: id=%s", taskID)
	}
	c.unlease(taskID)
	return nil
}

// Reclaim sweeps the worker registry for missed heartbeat deadlines. An
// orphaned task goes back to the head of its queue once; past the redispatch
// bound it is failed as worker-lost.
func (c *Coordinator) Reclaim(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var dead []*workerEntry
	for id, w := range c.workers {
		if now.After(w.deadline) {
			dead = append(dead, w)
			delete(c.workers, id)
			if w.taskID != "" {
				delete(c.byTask, w.taskID)
			}
		}
	}
	c.mu.Unlock()

	for _, w := range dead {
		metrics.WorkersReclaimed.Inc()
		if w.taskID == "" {
			c.log.Infof("worker expired idle: worker=%s", w.id)
			continue
		}
		n, err := c.store.BumpRedispatch(ctx, w.taskID)
		if err != nil {
			c.log.Errorf("reclaim: bump redispatch id=%s: %v", w.taskID, err)
			continue
		}
		if n > c.maxRedispatch {
			c.log.Warnf("worker lost, retries exhausted: id=%s worker=%s", w.taskID, w.id)
			if _, err := c.machine.FailRunning(ctx, w.taskID, "worker lost"); err != nil {
				c.log.Errorf("reclaim: fail id=%s: %v", w.taskID, err)
			}
			continue
		}
		c.log.Warnf("worker lost, requeueing: id=%s worker=%s attempt=%d", w.taskID, w.id, n)
		c.router.Requeue(w.queue, w.taskID)
	}
}

// touch registers or refreshes a worker for the given queue.
func (c *Coordinator) touch(workerID string, queue Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerID]
	if !ok {
		w = &workerEntry{id: workerID}
		c.workers[workerID] = w
	}
	w.queue = queue
	w.deadline = c.now().Add(c.heartbeatTTL)
}

func (c *Coordinator) lease(workerID string, queue Category, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerID]
	if !ok {
		w = &workerEntry{id: workerID, queue: queue}
		c.workers[workerID] = w
	}
	w.taskID = taskID
	w.deadline = c.now().Add(c.heartbeatTTL)
	c.byTask[taskID] = workerID
}

func (c *Coordinator) unlease(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wid, ok := c.byTask[taskID]; ok {
		delete(c.byTask, taskID)
		if w, ok := c.workers[wid]; ok && w.taskID == taskID {
			w.taskID = ""
		}
	}
}
