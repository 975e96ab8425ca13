package invoke

import (
	"context"
	"fmt"
	"time"
)

// SpawnError means the executable could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError means the tool exceeded its bounded wait and was terminated.
// Result holds whatever output was captured before termination.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Result  Result
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q timed out after %v", e.Command, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// CanceledError means the caller cancelled the run while the tool was
// executing; the tool has been terminated.
type CanceledError struct {
	Command string
	Result  Result
	Err     error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("%q cancelled: %v", e.Command, e.Err)
}

func (e *CanceledError) Unwrap() error { return e.Err }
