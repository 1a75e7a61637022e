package chain

import (
	"errors"
	"fmt"
)

// QueryError wraps a failed point-in-time chain query. A QueryError for one
// stash never aborts the transition; the caller keeps that stash's previous
// snapshot and continues with the others.
type QueryError struct {
	What string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.What, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// NewQueryError wraps err as a query failure for the named field.
func NewQueryError(what string, err error) *QueryError {
	return &QueryError{What: what, Err: err}
}

// ConnectionError wraps a lost or unreachable subscription transport. It is
// retried with bounded backoff and becomes fatal once retries are exhausted.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chain connection: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
