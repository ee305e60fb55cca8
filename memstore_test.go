package opensway

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newPendingTask(id string) *Task {
	return &Task{
		ID:          id,
		PrincipalID: "p1",
		Operation:   "text_to_image",
		Category:    CategoryImage,
		Status:      StatusPending,
		CreatedAt:   1000,
	}
}

func TestMemStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Create(ctx, newPendingTask("t1")))
	require.ErrorIs(t, s.Create(ctx, newPendingTask("t1")), ErrDuplicateTask)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	// Get returns a copy; mutating it must not leak into the store.
	got.Status = StatusFailed
	again, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, again.Status)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemStore_TransitionCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Create(ctx, newPendingTask("t1")))

	applied, err := s.Transition(ctx, Transition{TaskID: "t1", From: StatusPending, To: StatusRunning, NowMs: 2000})
	require.NoError(t, err)
	require.True(t, applied)

	// Stale expectation: harmless no-op.
	applied, err = s.Transition(ctx, Transition{TaskID: "t1", From: StatusPending, To: StatusRunning, NowMs: 2500})
	require.NoError(t, err)
	require.False(t, applied)

	// Illegal edge is refused even when From matches.
	applied, err = s.Transition(ctx, Transition{TaskID: "t1", From: StatusRunning, To: StatusPending, NowMs: 2500})
	require.NoError(t, err)
	require.False(t, applied)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
	require.Equal(t, int64(2000), got.StartedAt)
}

func TestMemStore_TerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Create(ctx, newPendingTask("t1")))

	mustApply(t, s, Transition{TaskID: "t1", From: StatusPending, To: StatusRunning, NowMs: 2000})
	mustApply(t, s, Transition{TaskID: "t1", From: StatusRunning, To: StatusSucceeded, Output: []string{"https://cdn/out.png"}, NowMs: 3000})

	for _, to := range AllStatuses {
		applied, err := s.Transition(ctx, Transition{TaskID: "t1", From: StatusSucceeded, To: to, NowMs: 4000})
		require.NoError(t, err)
		require.False(t, applied, "terminal task accepted edge to %s", to)
	}

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Equal(t, []string{"https://cdn/out.png"}, got.Output)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, int64(3000), got.EndedAt)
}

func TestMemStore_ProgressMonotonicAndCancelFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Create(ctx, newPendingTask("t1")))

	// Progress before RUNNING is ignored.
	cancelled, err := s.SetProgress(ctx, "t1", 50)
	require.NoError(t, err)
	require.False(t, cancelled)
	got, _ := s.Get(ctx, "t1")
	require.Equal(t, 0, got.Progress)

	mustApply(t, s, Transition{TaskID: "t1", From: StatusPending, To: StatusRunning, NowMs: 2000})

	_, err = s.SetProgress(ctx, "t1", 40)
	require.NoError(t, err)
	_, err = s.SetProgress(ctx, "t1", 20) // regression, dropped
	require.NoError(t, err)
	got, _ = s.Get(ctx, "t1")
	require.Equal(t, 40, got.Progress)

	require.NoError(t, s.RequestCancel(ctx, "t1"))
	cancelled, err = s.SetProgress(ctx, "t1", 60)
	require.NoError(t, err)
	require.True(t, cancelled)

	_, err = s.SetProgress(ctx, "missing", 10)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemStore_BumpRedispatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Create(ctx, newPendingTask("t1")))

	n, err := s.BumpRedispatch(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s.BumpRedispatch(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = s.BumpRedispatch(ctx, "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemStore_ListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, newPendingTask(id)))
	}
	mustApply(t, s, Transition{TaskID: "b", From: StatusPending, To: StatusThrottled, NowMs: 2000})

	pending, err := s.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	throttled, err := s.ListByStatus(ctx, StatusThrottled)
	require.NoError(t, err)
	require.Len(t, throttled, 1)
	require.Equal(t, "b", throttled[0].ID)
}

func TestMemStore_ConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Create(ctx, newPendingTask("t1")))

	const n = 16
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			applied, err := s.Transition(ctx, Transition{
				TaskID: "t1", From: StatusPending, To: StatusRunning, NowMs: 2000,
			})
			require.NoError(t, err)
			wins[i] = applied
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	require.Equal(t, 1, won)
}

func mustApply(t *testing.T, s TaskStore, tr Transition) {
	t.Helper()
	applied, err := s.Transition(context.Background(), tr)
	require.NoError(t, err)
	require.True(t, applied)
}
