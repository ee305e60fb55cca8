package opensway

// Status represents a task lifecycle state. Use the exported constants
// (StatusPending, StatusRunning, etc.) instead of raw strings to avoid typos.
type Status string

const (
	// StatusPending means the task is admitted and waiting in its queue backlog.
	StatusPending Status = "PENDING"
	// StatusThrottled means the task is held back by the rate-limit gate and
	// will be promoted to PENDING once the limiting window clears.
	StatusThrottled Status = "THROTTLED"
	// StatusRunning means a worker has claimed the task and is executing it.
	StatusRunning Status = "RUNNING"
	// StatusSucceeded is a terminal state; output artifacts are set.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed is a terminal state; the error reason is set.
	StatusFailed Status = "FAILED"
)

// AllStatuses lists every valid task status in a stable order.
var AllStatuses = []Status{StatusPending, StatusThrottled, StatusRunning, StatusSucceeded, StatusFailed}

// transitions is the closed set of legal lifecycle edges. Anything not listed
// here is rejected, which keeps terminal records immutable by construction.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusThrottled, StatusFailed},
	StatusThrottled: {StatusPending, StatusFailed},
	StatusRunning:   {StatusSucceeded, StatusFailed},
}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether the status is a lifecycle sink.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// CanTransition reports whether the edge from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusThrottled):
		return StatusThrottled, nil
	case string(StatusRunning):
		return StatusRunning, nil
	case string(StatusSucceeded):
		return StatusSucceeded, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return "", ErrUnknownStatus
	}
}
