package perkey

import "errors"

var (
	// ErrSchedulerClosed is returned when a task is submitted to a closed scheduler.
	ErrSchedulerClosed = &SchedulerError{"scheduler is closed"}

	ErrArenaClosed = errors.New("arena is closed")
	ErrArenaFull   = errors.New("arena is full")
	ErrPanic       = errors.New("panic")
)

// SchedulerError is returned by Scheduler operations.
type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string { return e.msg }
