package opensway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskSnapshot(t *testing.T) {
	pending := &Task{ID: "t1", Status: StatusPending, CreatedAt: 1700000000000}
	s := pending.Snapshot()
	require.Equal(t, "t1", s.ID)
	require.Equal(t, StatusPending, s.Status)
	require.Equal(t, "2023-11-14T22:13:20Z", s.CreatedAt)
	require.Empty(t, s.StartedAt)
	require.Nil(t, s.Progress, "progress hidden until execution starts")
	require.Nil(t, s.Output)

	running := &Task{ID: "t1", Status: StatusRunning, CreatedAt: 1700000000000, StartedAt: 1700000001000, Progress: 40}
	s = running.Snapshot()
	require.NotNil(t, s.Progress)
	require.InDelta(t, 0.4, *s.Progress, 1e-9, "progress reported as a fraction")

	done := &Task{
		ID: "t1", Status: StatusSucceeded,
		CreatedAt: 1700000000000, StartedAt: 1700000001000, EndedAt: 1700000005000,
		Progress: 100, Output: []string{"https://cdn/out.png"},
	}
	s = done.Snapshot()
	require.Equal(t, []string{"https://cdn/out.png"}, s.Output)
	require.InDelta(t, 1.0, *s.Progress, 1e-9)
	require.Equal(t, "2023-11-14T22:13:25Z", s.EndedAt)

	failed := &Task{ID: "t1", Status: StatusFailed, Error: "worker lost", Output: []string{"partial"}}
	s = failed.Snapshot()
	require.Equal(t, "worker lost", s.Error)
	require.Nil(t, s.Output, "output exposed only on success")
}
