package opensway

import "time"

// Category identifies a capacity-isolated execution lane. Every model routes
// to exactly one category, and each category has its own queue.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryAudio Category = "audio"
)

// AllCategories lists every execution lane in a stable order.
var AllCategories = []Category{CategoryImage, CategoryVideo, CategoryAudio}

// ParseCategory converts a string into a Category, returning an error for unknown values.
func ParseCategory(s string) (Category, error) {
	switch s {
	case string(CategoryImage):
		return CategoryImage, nil
	case string(CategoryVideo):
		return CategoryVideo, nil
	case string(CategoryAudio):
		return CategoryAudio, nil
	default:
		return "", ErrUnknownCategory
	}
}

// Task is one unit of submitted generation work with its own lifecycle.
// It is serialized to JSON and stored by the TaskStore.
type Task struct {
	// ID is the unique identifier for the task, assigned at creation.
	ID string `json:"id"`
	// PrincipalID is the credit-ledger account that owns the task.
	PrincipalID string `json:"principal_id"`
	// Operation is the API operation that created the task (e.g. "text_to_image").
	Operation string `json:"operation"`
	// Model is the generation model requested in the job descriptor.
	Model string `json:"model"`
	// Category determines which queue the task executes on.
	Category Category `json:"category"`
	// Status is the current lifecycle state. Only the state machine mutates it.
	Status Status `json:"status"`
	// Input is the opaque job descriptor, immutable once admitted.
	Input []byte `json:"input"`
	// Output holds artifact references, set exactly once on SUCCEEDED.
	Output []string `json:"output,omitempty"`
	// Error is the failure reason, set exactly once on FAILED.
	Error string `json:"error,omitempty"`
	// Progress is the reported completion percentage (0..100), meaningful
	// only while RUNNING and monotonically non-decreasing.
	Progress int `json:"progress,omitempty"`
	// Cost is the number of credits reserved at admission.
	Cost int64 `json:"cost"`
	// ReservationID links the task to its credit hold.
	ReservationID string `json:"reservation_id,omitempty"`
	// WebhookURL, if set, receives a terminal-state snapshot of the task.
	WebhookURL string `json:"webhook_url,omitempty"`
	// CreatedAt is the timestamp (ms) when the task was admitted.
	CreatedAt int64 `json:"created_at"`
	// StartedAt is the timestamp (ms) when a worker claimed the task.
	StartedAt int64 `json:"started_at,omitempty"`
	// EndedAt is the timestamp (ms) when the task reached a terminal state.
	EndedAt int64 `json:"ended_at,omitempty"`
	// Redispatches counts how many times the task was reclaimed from a lost
	// worker and returned to its backlog.
	Redispatches int `json:"redispatches,omitempty"`
	// CancelRequested marks a RUNNING task for cooperative cancellation.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// TaskSnapshot is the externally visible view of a task, returned by the
// query API and delivered to webhooks on terminal transitions. Timestamps are
// RFC3339; progress is a fraction in [0,1].
type TaskSnapshot struct {
	ID        string   `json:"id"`
	Status    Status   `json:"status"`
	CreatedAt string   `json:"createdAt,omitempty"`
	StartedAt string   `json:"startedAt,omitempty"`
	EndedAt   string   `json:"endedAt,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`
	Output    []string `json:"output,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Snapshot renders the external view of the task.
func (t *Task) Snapshot() *TaskSnapshot {
	s := &TaskSnapshot{
		ID:        t.ID,
		Status:    t.Status,
		CreatedAt: msToRFC3339(t.CreatedAt),
		StartedAt: msToRFC3339(t.StartedAt),
		EndedAt:   msToRFC3339(t.EndedAt),
		Error:     t.Error,
	}
	if t.StartedAt > 0 {
		p := float64(t.Progress) / 100.0
		s.Progress = &p
	}
	if t.Status == StatusSucceeded {
		s.Output = t.Output
	}
	return s
}

func msToRFC3339(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Job is the view of a task handed to a worker on claim. Workers treat the
// descriptor as opaque and must tolerate receiving the same task id twice.
type Job struct {
	TaskID   string   `json:"taskId"`
	Category Category `json:"category"`
	Model    string   `json:"model"`
	Input    []byte   `json:"input"`
}
