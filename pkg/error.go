package pkg

import "errors"

// Medium and mount errors.
var (
	// ErrMediaAbsent indicates no card is inserted, or the card reported
	// a zero sector size or sector count.
	ErrMediaAbsent = errors.New("media absent")

	// ErrIO indicates a sector read or write failed at the medium.
	ErrIO = errors.New("medium I/O error")

	// ErrAlreadyInState indicates a mount or unmount found the lifecycle
	// already in the requested state. Callers treat it as success.
	ErrAlreadyInState = errors.New("already in requested state")

	// ErrClassStart indicates the mass-storage class refused to start
	// with the queried geometry.
	ErrClassStart = errors.New("mass-storage class start failed")

	// ErrNotMounted indicates a block operation arrived while unmounted,
	// or the medium was unmounted during the request.
	ErrNotMounted = errors.New("medium not mounted")

	// ErrOutOfRange indicates a sector index beyond the medium's end.
	ErrOutOfRange = errors.New("sector out of range")

	// ErrMediumClosed indicates a sector operation on a closed medium.
	ErrMediumClosed = errors.New("medium closed")

	// ErrReadOnly indicates a write to a read-only medium.
	ErrReadOnly = errors.New("medium is read-only")
)

// Stack and protocol errors.
var (
	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNotConfigured indicates the class or HAL is not configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is in use elsewhere.
	ErrBusy = errors.New("resource busy")

	// ErrAlreadyRunning indicates the HAL was initialized twice.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the device stack is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)
