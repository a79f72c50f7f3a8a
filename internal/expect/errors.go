package expect

import (
	"errors"
	"fmt"
	"time"
)

// maxBeforeInMessage caps how much before text Error() prints.
// The full text is always available on the error value.
const maxBeforeInMessage = 2048

var (
	// ErrTimeout is matched by errors.Is for every expectation that ran out of time.
	ErrTimeout = errors.New("expect: timeout")

	// ErrEOF is matched by errors.Is when the output stream ended before a match.
	ErrEOF = errors.New("expect: end of stream")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("expect: session closed")
)

// TimeoutError reports that a pattern did not appear within its bound.
type TimeoutError struct {
	Pattern string
	Timeout time.Duration
	Before  string // Unconsumed output at the time of the failure
	Cause   error  // Set when a context deadline fired first
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("expect %s: timed out after %s; output so far: %s",
		e.Pattern, e.Timeout, quoteTail(e.Before))
}

func (e *TimeoutError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrTimeout, e.Cause}
	}
	return []error{ErrTimeout}
}

// IOError reports that the output stream closed before the pattern appeared.
type IOError struct {
	Pattern string
	Before  string // Everything the process wrote that was not consumed
	Err     error  // The terminal read error, io.EOF for a clean exit
}

func (e *IOError) Error() string {
	return fmt.Sprintf("expect %s: output closed (%v); output so far: %s",
		e.Pattern, e.Err, quoteTail(e.Before))
}

func (e *IOError) Unwrap() []error {
	return []error{ErrEOF, e.Err}
}

// BeforeText returns the diagnostic text carried by err, if any.
func BeforeText(err error) (string, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Before, true
	}
	var ie *IOError
	if errors.As(err, &ie) {
		return ie.Before, true
	}
	var ce *canceledError
	if errors.As(err, &ce) {
		return ce.before, true
	}
	return "", false
}

// canceledError wraps a context cancellation that interrupted a wait.
type canceledError struct {
	pattern string
	before  string
	err     error
}

func (e *canceledError) Error() string {
	return fmt.Sprintf("expect %s: %v; output so far: %s", e.pattern, e.err, quoteTail(e.before))
}

func (e *canceledError) Unwrap() error {
	return e.err
}

func quoteTail(s string) string {
	if len(s) <= maxBeforeInMessage {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("...%q", s[len(s)-maxBeforeInMessage:])
}
