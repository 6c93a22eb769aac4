package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrInterrupted is returned when the caller's context ends while a task is outstanding.
	ErrInterrupted = errors.New("cluster task interrupted")
	// ErrNoMember is returned when no member advertises the requested capability.
	ErrNoMember = errors.New("no cluster member with capability")
	// ErrUnknownTask is returned by members that have no handler for a task name.
	ErrUnknownTask = errors.New("unknown cluster task")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a task outcome that retrying cannot change. The dispatcher returns
// the wrapped error unchanged instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

func interrupted(cause error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// ErrorCode names a sentinel error so that task failures keep their identity across the wire.
type ErrorCode struct {
	Code string
	Err  error
}

func codeOf(codes []ErrorCode, err error) string {
	for _, c := range codes {
		if errors.Is(err, c.Err) {
			return c.Code
		}
	}
	return ""
}

func sentinelFor(codes []ErrorCode, code string) error {
	if code == "" {
		return nil
	}
	for _, c := range codes {
		if c.Code == code {
			return c.Err
		}
	}
	return nil
}

// RemoteError is a task failure reported by a remote member. It matches the sentinel
// registered for its code with errors.Is.
type RemoteError struct {
	Member  string
	Task    string
	Code    string
	Message string

	sentinel error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("task %s on member %s: %s", e.Task, e.Member, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.sentinel }
