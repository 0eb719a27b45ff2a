package consts

import "errors"

var (
	// ErrNoPoolAvailable is returned when routing cannot find any pool,
	// registered or fallback, for the requested query class.
	ErrNoPoolAvailable = errors.New("no pool available")

	// ErrShuttingDown is returned for any operation started after
	// shutdown has begun.
	ErrShuttingDown = errors.New("pool manager is shutting down")

	ErrPoolClosed        = errors.New("pool is closed")
	ErrResizeUnsupported = errors.New("pool does not support resizing")
)
