package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by transfers on a closed connector
	ErrClosed = errors.New("connector closed")

	// ErrRetryNotConverging is wrapped by the fatal error raised when the
	// retry queue does not shrink within its time budget
	ErrRetryNotConverging = errors.New("retry queue is not converging")
)

// PipeError is a transfer failure attributed to a pipe. Fatal errors stop the
// pipe task; other errors may be retried by the caller.
type PipeError struct {
	Pipe   string
	Region int32
	Fatal  bool
	Err    error
}

func (e *PipeError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	if e.Pipe == "" {
		return fmt.Sprintf("%s pipe error: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s pipe error (pipe=%s, region=%d): %v", kind, e.Pipe, e.Region, e.Err)
}

func (e *PipeError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err requires stopping the pipe
func IsFatal(err error) bool {
	var pe *PipeError
	return errors.As(err, &pe) && pe.Fatal
}
