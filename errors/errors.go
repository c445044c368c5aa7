package errors

import (
	"errors"
)

var (
	ErrInvalidWriteQueue   = errors.New("write queue size must be greater than 0")
	ErrInvalidEventsBuffer = errors.New("events buffer must be greater than 0")
	ErrScanTooOften        = errors.New("scan interval must be at least one second")
	ErrInvalidScanRandom   = errors.New("scan random factor must not be negative")

	ErrAlreadyConnected = errors.New("server is already connected")
	ErrServerClosed     = errors.New("server has been closed")
	ErrConnectFailed    = errors.New("failed to connect to server")
	ErrWriteFailed      = errors.New("failed to write to server")
	ErrIncompleteFrame  = errors.New("connection closed mid-frame")
	ErrBadVersion       = errors.New("unexpected protocol version")
	ErrOversizedPayload = errors.New("reply payload exceeds protocol limit")

	// ErrServerBusy is internal to the connection engine; chat callers
	// never observe it.
	ErrServerBusy = errors.New("server busy")
	// ErrRetry completes a superseded slot after resubmission; waiters
	// loop on the replacement slot.
	ErrRetry = errors.New("request resubmitted")
	// ErrCancelled completes the slot of an abandoned request.
	ErrCancelled = errors.New("request cancelled")

	ErrReplyTimeout = errors.New("no reply within message timeout")

	ErrNoLocation   = errors.New("device has no known bus")
	ErrNotADevice   = errors.New("directory entry is not a device id")
	ErrNoServer     = errors.New("no server available")
	ErrObserverBusy = errors.New("an event observer is already subscribed")

	ErrBadStructField = errors.New("broken structure descriptor")
	ErrUnknownField   = errors.New("field not present in device schema")
	ErrNotReadable    = errors.New("field is not readable")
	ErrNotWritable    = errors.New("field is not writable")
	ErrNotArray       = errors.New("field is not an array")
)

var (
	As  = errors.As
	Is  = errors.Is
	New = errors.New
)
