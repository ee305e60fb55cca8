package opensway

import (
	"context"
	"sync"
)

// memTask wraps a task record with its own lock so unrelated tasks never
// contend. The outer map lock is held only for lookup/insert.
type memTask struct {
	mu sync.Mutex
	t  Task
}

// MemStore is an in-memory TaskStore. It is the default backend for tests and
// single-process deployments; RedisStore provides the durable equivalent.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]*memTask
}

// NewMemStore creates an empty in-memory task store.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*memTask)}
}

func (s *MemStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrDuplicateTask
	}
	s.tasks[t.ID] = &memTask{t: *t}
	return nil
}

func (s *MemStore) lookup(id string) (*memTask, error) {
	s.mu.RLock()
	mt, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return mt, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	mt, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	mt.mu.Lock()
	cp := cloneTask(&mt.t)
	mt.mu.Unlock()
	return cp, nil
}

func (s *MemStore) Transition(_ context.Context, tr Transition) (bool, error) {
	mt, err := s.lookup(tr.TaskID)
	if err != nil {
		return false, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.t.Status != tr.From {
		return false, nil
	}
	if !CanTransition(tr.From, tr.To) {
		return false, nil
	}
	applyTransition(&mt.t, tr)
	return true, nil
}

func (s *MemStore) SetProgress(_ context.Context, id string, progress int) (bool, error) {
	mt, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.t.Status == StatusRunning && progress > mt.t.Progress {
		mt.t.Progress = clampProgress(progress)
	}
	return mt.t.CancelRequested, nil
}

func (s *MemStore) RequestCancel(_ context.Context, id string) error {
	mt, err := s.lookup(id)
	if err != nil {
		return err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.t.Status.Terminal() {
		mt.t.CancelRequested = true
	}
	return nil
}

func (s *MemStore) BumpRedispatch(_ context.Context, id string) (int, error) {
	mt, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.t.Redispatches++
	return mt.t.Redispatches, nil
}

func (s *MemStore) ListByStatus(_ context.Context, status Status) ([]*Task, error) {
	s.mu.RLock()
	all := make([]*memTask, 0, len(s.tasks))
	for _, mt := range s.tasks {
		all = append(all, mt)
	}
	s.mu.RUnlock()

	var out []*Task
	for _, mt := range all {
		mt.mu.Lock()
		if mt.t.Status == status {
			out = append(out, cloneTask(&mt.t))
		}
		mt.mu.Unlock()
	}
	return out, nil
}

// applyTransition mutates the record for a validated edge. Shared between
// store implementations so timestamp/field rules stay identical.
func applyTransition(t *Task, tr Transition) {
	t.Status = tr.To
	switch tr.To {
	case StatusRunning:
		if t.StartedAt == 0 {
			t.StartedAt = tr.NowMs
		}
	case StatusSucceeded:
		t.Output = tr.Output
		t.Progress = 100
		t.EndedAt = tr.NowMs
	case StatusFailed:
		t.Error = tr.Error
		t.EndedAt = tr.NowMs
	}
}

func cloneTask(t *Task) *Task {
	cp := *t
	if t.Output != nil {
		cp.Output = append([]string(nil), t.Output...)
	}
	if t.Input != nil {
		cp.Input = append([]byte(nil), t.Input...)
	}
	return &cp
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
