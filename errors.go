package opensway

import "errors"

// ErrInvalidInput is returned when a job descriptor is malformed or out of
// range. It is rejected before any credit reservation, so it has no side effects.
var ErrInvalidInput = errors.New("opensway: invalid input")

// ErrInsufficientCredit is returned when a reservation would overdraw the
// account balance or exceed its monthly spend ceiling.
var ErrInsufficientCredit = errors.New("opensway: insufficient credit")

// ErrTaskNotFound is returned when a task with the specified ID does not exist.
var ErrTaskNotFound = errors.New("opensway: task not found")

// ErrReservationNotFound is returned when a reservation ID is unknown or
// already settled.
var ErrReservationNotFound = errors.New("opensway: reservation not found")

// ErrAccountNotFound is returned when a principal has no credit account.
var ErrAccountNotFound = errors.New("opensway: account not found")

// ErrUnknownStatus is returned when an invalid task status is used.
var ErrUnknownStatus = errors.New("opensway: unknown status")

// ErrUnknownCategory is returned when an invalid queue category is used.
var ErrUnknownCategory = errors.New("opensway: unknown category")

// ErrUnknownOperation is returned when a submission names an operation that
// is not registered.
var ErrUnknownOperation = errors.New("opensway: unknown operation")

// ErrDuplicateTask is returned when a task is created with an ID that already exists.
var ErrDuplicateTask = errors.New("opensway: duplicate task id")

// ErrQueueFull is returned by the router when a backlog is at maxDepth.
var ErrQueueFull = errors.New("opensway: queue backlog full")

// ErrNotCancellable is returned when cancellation is requested for a task
// that already reached a terminal state.
var ErrNotCancellable = errors.New("opensway: task already terminal")
