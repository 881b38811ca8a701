package dist

import "errors"

// Backpressure errors. The caller may retry once the queues drain.
var (
	ErrInvalid        = errors.New("invalid input")
	ErrOverflow       = errors.New("output queue overflow")
	ErrOverflowMulti  = errors.New("multi packet exceeds maximum size")
	ErrOverflowWindow = errors.New("packet delta exceeds window")
	ErrBadSetup       = errors.New("operation requires a two-player setup")
)

// Connection-fatal errors. Once set they stay set until ResetErr.
var (
	ErrQueueFull   = errors.New("input queue full")
	ErrQueueMemory = errors.New("input queue out of memory")
	ErrSendFailed  = errors.New("link send failed")
)
