package executor

import "errors"

// Sentinel errors for stage executor failures.
var (
	ErrExecutorUnreachable = errors.New("stage worker unreachable")
	ErrExecutorRejected    = errors.New("stage worker rejected request")
	ErrExecutorTimeout     = errors.New("stage worker timeout")
	ErrInvalidResponse     = errors.New("stage worker returned invalid response")
)
