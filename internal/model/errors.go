package model

import (
	"errors"
	"fmt"
)

var (
	// ErrHighCPU denies admission while system load is above the throttle
	// threshold. The caller decides when to resubmit; the supervisor never
	// retries.
	ErrHighCPU = errors.New("cpu utilization above throttle threshold")

	// ErrConcurrencyCeiling denies admission when every registry slot is
	// taken.
	ErrConcurrencyCeiling = errors.New("concurrency ceiling reached")

	// ErrTimedOut reports a process terminated by the watchdog after its
	// classified runtime budget expired.
	ErrTimedOut = errors.New("process exceeded its runtime budget")

	// ErrCancelled reports a process terminated because the caller cancelled
	// the launch context.
	ErrCancelled = errors.New("launch cancelled by caller")
)

// HighCPUError carries the utilization that caused the denial.
// errors.Is(err, ErrHighCPU) matches it.
type HighCPUError struct {
	Utilization float64
}

func (e HighCPUError) Error() string {
	return fmt.Sprintf("cpu utilization %.1f%% above throttle threshold", e.Utilization)
}

func (e HighCPUError) Unwrap() error { return ErrHighCPU }

// LaunchError reports that the OS process could not be started at all.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
