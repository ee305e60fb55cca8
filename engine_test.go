package opensway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// captureNotifier records terminal notifications in-process.
type captureNotifier struct {
	mu    sync.Mutex
	tasks []*Task
}

func (n *captureNotifier) Notify(t *Task) {
	n.mu.Lock()
	n.tasks = append(n.tasks, t)
	n.mu.Unlock()
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tasks)
}

func TestEngine_SuccessCommitsCredits(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 25, 0))

	// voice_dubbing costs 20 of the 25 available.
	task, err := e.Submit(ctx, "p1", "voice_dubbing", &GenerationRequest{AudioURI: "https://a/v.wav", TargetLang: "es"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)

	job, err := e.Claim(ctx, CategoryAudio, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, task.ID, job.TaskID)

	require.NoError(t, e.ReportSuccess(ctx, task.ID, []string{"https://cdn/dub.wav"}))

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Equal(t, []string{"https://cdn/dub.wav"}, got.Output)
	require.Equal(t, 100, got.Progress)

	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Balance)
	require.Equal(t, int64(0), info.Reserved)
	require.Equal(t, 0, e.router.Running(CategoryAudio), "slot freed on terminal")

	// Remaining 5 credits cannot cover another dubbing job.
	_, err = e.Submit(ctx, "p1", "voice_dubbing", &GenerationRequest{AudioURI: "https://a/v.wav", TargetLang: "es"})
	require.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestEngine_WorkerFailureStillCommits(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)
	_, err = e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)

	require.NoError(t, e.ReportFailure(ctx, task.ID, "model OOM"))

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "model OOM", got.Error)

	// Execution was attempted: the reservation is committed, not refunded.
	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(98), info.Balance)
	require.Equal(t, int64(0), info.Reserved)
}

func TestEngine_ConcurrencyIsolationPerQueue(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	// Video lane has MaxConcurrency 1; two admitted jobs dispatch one at a time.
	first, err := e.Submit(ctx, "p1", "text_to_video", &GenerationRequest{PromptText: "a"})
	require.NoError(t, err)
	second, err := e.Submit(ctx, "p1", "text_to_video", &GenerationRequest{PromptText: "b"})
	require.NoError(t, err)

	job, err := e.Claim(ctx, CategoryVideo, "w1")
	require.NoError(t, err)
	require.Equal(t, first.ID, job.TaskID)

	job, err = e.Claim(ctx, CategoryVideo, "w2")
	require.NoError(t, err)
	require.Nil(t, job, "lane saturated, second job must wait")

	// The image lane is unaffected by video saturation.
	img, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "c"})
	require.NoError(t, err)
	job, err = e.Claim(ctx, CategoryImage, "w3")
	require.NoError(t, err)
	require.Equal(t, img.ID, job.TaskID)

	require.NoError(t, e.ReportSuccess(ctx, first.ID, []string{"u"}))
	job, err = e.Claim(ctx, CategoryVideo, "w2")
	require.NoError(t, err)
	require.Equal(t, second.ID, job.TaskID)
}

func TestEngine_WorkerLossRequeuesThenSecondWorkerFinishes(t *testing.T) {
	ctx := context.Background()
	e, store, ledger := newTestEngine(t, Config{HeartbeatTTL: time.Minute})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	notes := &captureNotifier{}
	e.machine.notify = notes

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox", WebhookURL: "https://hook/cb"})
	require.NoError(t, err)

	clock := time.Unix(1000, 0)
	e.coordinator.now = func() time.Time { return clock }

	job, err := e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)
	require.Equal(t, task.ID, job.TaskID)

	// w1 goes silent past its heartbeat deadline.
	clock = clock.Add(2 * time.Minute)
	e.coordinator.Reclaim(ctx)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status, "reclaimed task keeps its status")
	require.Equal(t, 1, got.Redispatches)
	require.Equal(t, 1, e.router.Depth(CategoryImage), "task back at queue head")
	require.Equal(t, 0, e.router.Running(CategoryImage))

	// A healthy worker picks it up again and finishes.
	job, err = e.Claim(ctx, CategoryImage, "w2")
	require.NoError(t, err)
	require.Equal(t, task.ID, job.TaskID, "redispatch hands out the same task id")
	require.NoError(t, e.ReportSuccess(ctx, task.ID, []string{"https://cdn/out.png"}))

	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Equal(t, 1, notes.count(), "exactly one terminal notification")

	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(98), info.Balance)
	require.Equal(t, int64(0), info.Reserved)
}

func TestEngine_WorkerLossPastRedispatchBoundFails(t *testing.T) {
	ctx := context.Background()
	e, store, ledger := newTestEngine(t, Config{HeartbeatTTL: time.Minute, MaxRedispatch: 1})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)

	clock := time.Unix(1000, 0)
	e.coordinator.now = func() time.Time { return clock }

	_, err = e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)
	clock = clock.Add(2 * time.Minute)
	e.coordinator.Reclaim(ctx)

	_, err = e.Claim(ctx, CategoryImage, "w2")
	require.NoError(t, err)
	clock = clock.Add(2 * time.Minute)
	e.coordinator.Reclaim(ctx)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "worker lost", got.Error)

	// The task ran; its credits are committed.
	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(98), info.Balance)
	require.Equal(t, int64(0), info.Reserved)
}

func TestEngine_StaleReportIsDropped(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	notes := &captureNotifier{}
	e.machine.notify = notes

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox", WebhookURL: "https://hook/cb"})
	require.NoError(t, err)
	_, err = e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)

	require.NoError(t, e.ReportSuccess(ctx, task.ID, []string{"u"}))
	// A racing failure report arrives after the terminal write: no-op.
	require.NoError(t, e.ReportFailure(ctx, task.ID, "late timeout"))

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Empty(t, got.Error)
	require.Equal(t, 1, notes.count(), "stale report must not re-notify")

	// Credits settled exactly once.
	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(98), info.Balance)
	require.Equal(t, int64(0), info.Reserved)
}

func TestEngine_ThrottledPromotion(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{RateLimit: 1, RateWindow: time.Minute})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	clock := time.Unix(1000, 0)
	e.limiter.(*slidingWindow).now = func() time.Time { return clock }

	_, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "one"})
	require.NoError(t, err)
	held, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "two"})
	require.NoError(t, err)
	require.Equal(t, StatusThrottled, held.Status)

	// Inside the window the sweep leaves the task parked.
	e.promoteThrottled(ctx)
	got, err := e.GetTask(ctx, held.ID)
	require.NoError(t, err)
	require.Equal(t, StatusThrottled, got.Status)

	// Once the window clears, the sweep promotes and enqueues it.
	clock = clock.Add(2 * time.Minute)
	e.promoteThrottled(ctx)
	got, err = e.GetTask(ctx, held.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 2, e.router.Depth(CategoryImage))
}

func TestEngine_QueueWaitTimeoutReleasesReservation(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{MaxQueueWait: time.Nanosecond})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	e.expireWaiting(ctx)

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "queue wait timeout", got.Error)
	require.Equal(t, 0, e.router.Depth(CategoryImage), "expired task leaves the backlog")

	// Never executed: the hold is refunded in full.
	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(100), info.Balance)
	require.Equal(t, int64(0), info.Reserved)
}

func TestEngine_ExecutionTimeout(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{MaxExecutionTime: time.Nanosecond})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)
	_, err = e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	e.expireRunning(ctx)

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "execution timeout", got.Error)
	require.Equal(t, 0, e.router.Running(CategoryImage))

	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(98), info.Balance, "attempted execution commits the hold")
}

func TestEngine_CancelWaitingTask(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, task.ID))

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "Cancelled by user", got.Error)
	require.Equal(t, 0, e.router.Depth(CategoryImage))

	info, err := ledger.Account(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(100), info.Balance)
	require.Equal(t, int64(0), info.Reserved)
}

func TestEngine_CancelRunningIsCooperative(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)
	_, err = e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, task.ID))

	// The task keeps running; the worker sees the flag on its next report.
	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)

	cancelled, err := e.ReportProgress(ctx, task.ID, 0.5)
	require.NoError(t, err)
	require.True(t, cancelled)

	require.NoError(t, e.ReportFailure(ctx, task.ID, "Cancelled by user"))
	got, err = e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
}

func TestEngine_CancelTerminalIsRejected(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)
	_, err = e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)
	require.NoError(t, e.ReportSuccess(ctx, task.ID, []string{"u"}))

	require.ErrorIs(t, e.Cancel(ctx, task.ID), ErrNotCancellable)
}

func TestEngine_ProgressReporting(t *testing.T) {
	ctx := context.Background()
	e, _, ledger := newTestEngine(t, Config{})
	require.NoError(t, ledger.CreateAccount(ctx, "p1", 100, 0))

	task, err := e.Submit(ctx, "p1", "text_to_image", &GenerationRequest{PromptText: "a fox"})
	require.NoError(t, err)
	_, err = e.Claim(ctx, CategoryImage, "w1")
	require.NoError(t, err)

	_, err = e.ReportProgress(ctx, task.ID, 0.35)
	require.NoError(t, err)
	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 35, got.Progress)

	// Regressions are dropped.
	_, err = e.ReportProgress(ctx, task.ID, 0.1)
	require.NoError(t, err)
	got, err = e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 35, got.Progress)
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	e.Start()
	e.Start()
	e.Stop()
	e.Stop()
}
