package corproto

import (
	"errors"
	"fmt"
)

// ErrCommunication is matched by every error produced while encoding,
// decoding or exchanging protocol frames, including version mismatches.
var ErrCommunication = errors.New("communication error")

// ErrRejected is returned to a registering client when the master refused it.
var ErrRejected = errors.New("registration rejected")

// CommunicationError reports a malformed or undecodable payload or a broken
// frame exchange. The connection it happened on should be dropped.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrCommunication, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrCommunication, e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

func (e *CommunicationError) Is(target error) bool {
	return target == ErrCommunication
}

// VersionMismatchError is raised when a worker speaks a protocol version the
// master does not accept.
type VersionMismatchError struct {
	Expected string
	Actual   string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol version mismatch: expected %q, got %q", e.Expected, e.Actual)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrCommunication
}

func commErr(op string, format string, args ...interface{}) error {
	return &CommunicationError{Op: op, Err: fmt.Errorf(format, args...)}
}
