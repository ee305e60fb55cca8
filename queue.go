package opensway

import "sync"

// QueueLimits bounds one execution lane.
type QueueLimits struct {
	// MaxConcurrency caps simultaneously RUNNING tasks dispatched from this queue.
	MaxConcurrency int
	// MaxDepth caps the backlog length; admission past it is throttled.
	MaxDepth int
}

// queueState is one capacity-isolated lane. Each lane has its own lock so
// categories never contend with each other.
type queueState struct {
	mu      sync.Mutex
	limits  QueueLimits
	backlog []string            // task ids, FIFO by admission time
	running map[string]struct{} // task ids currently leased to workers
}

// Router assigns admitted tasks to exactly one of the capacity-isolated
// execution queues and enforces each queue's depth and concurrency budgets.
type Router struct {
	queues map[Category]*queueState
}

// NewRouter creates a router with one lane per category.
func NewRouter(limits map[Category]QueueLimits) *Router {
	r := &Router{queues: make(map[Category]*queueState, len(AllCategories))}
	for _, c := range AllCategories {
		l := limits[c]
		if l.MaxConcurrency <= 0 {
			l.MaxConcurrency = 1
		}
		if l.MaxDepth <= 0 {
			l.MaxDepth = 100
		}
		r.queues[c] = &queueState{limits: l, running: make(map[string]struct{})}
	}
	return r
}

// Enqueue appends a task id to the lane's backlog tail.
// ErrQueueFull when the backlog is at MaxDepth.
func (r *Router) Enqueue(c Category, id string) error {
	q := r.queues[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) >= q.limits.MaxDepth {
		return ErrQueueFull
	}
	q.backlog = append(q.backlog, id)
	return nil
}

// Requeue returns a reclaimed task to the head of its lane so redispatch does
// not lose its original admission position. Depth is not enforced here; the
// slot was already accounted for when the task first entered the backlog.
func (r *Router) Requeue(c Category, id string) {
	q := r.queues[c]
	q.mu.Lock()
	delete(q.running, id)
	q.backlog = append([]string{id}, q.backlog...)
	q.mu.Unlock()
}

// Pop dispatches the oldest waiting task if the lane has a free concurrency
// slot, moving it into the running set. It returns ("", false) when the
// backlog is empty or the lane is saturated.
func (r *Router) Pop(c Category) (string, bool) {
	q := r.queues[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 || len(q.running) >= q.limits.MaxConcurrency {
		return "", false
	}
	id := q.backlog[0]
	q.backlog = q.backlog[1:]
	q.running[id] = struct{}{}
	return id, true
}

// Release frees the concurrency slot held by a dispatched task.
func (r *Router) Release(c Category, id string) {
	q := r.queues[c]
	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()
}

// Remove deletes a task id from the backlog (cancellation, queue-wait expiry).
// It reports whether the id was present.
func (r *Router) Remove(c Category, id string) bool {
	q := r.queues[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, v := range q.backlog {
		if v == id {
			q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
			return true
		}
	}
	return false
}

// Depth returns the current backlog length of a lane.
func (r *Router) Depth(c Category) int {
	q := r.queues[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Running returns the number of leased concurrency slots in a lane.
func (r *Router) Running(c Category) int {
	q := r.queues[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// HasRoom reports whether the lane can accept another backlog entry.
func (r *Router) HasRoom(c Category) bool {
	q := r.queues[c]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) < q.limits.MaxDepth
}
