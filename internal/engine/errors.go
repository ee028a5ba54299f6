package engine

import "errors"

var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrStageTimeout and ErrStageExecutor are retryable and never leave the engine.
	ErrStageTimeout  = errors.New("stage timed out")
	ErrStageExecutor = errors.New("stage executor failed")

	// ErrStageExhausted is recorded on the job when a stage runs out of attempts.
	ErrStageExhausted = errors.New("stage retries exhausted")

	ErrAlreadyTerminal   = errors.New("job already terminal")
	ErrInvalidTransition = errors.New("invalid job transition")

	ErrNotReady        = errors.New("job output not ready")
	ErrPaymentRequired = errors.New("payment required")
)

// errStale marks a write that no longer applies, such as a progress report
// from an attempt that has since timed out. It is swallowed, never surfaced.
var errStale = errors.New("stale update")
