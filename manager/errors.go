package manager

import (
	"fmt"
	"time"
)

// QueryError annotates a driver-level failure with the pool that
// served the query and the elapsed time, so failures can be triaged
// without reproducing the query.
type QueryError struct {
	Pool     string
	Duration time.Duration
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed on pool %s after %s: %v", e.Pool, e.Duration, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// TxError is the final error of an exhausted transaction retry loop.
type TxError struct {
	Attempts int
	Pool     string
	Err      error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempt(s) (last pool %s): %v", e.Attempts, e.Pool, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}
