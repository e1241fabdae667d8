package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies bridge failures.
type ErrorKind string

const (
	// KindTimeout indicates no reply arrived before the deadline.
	KindTimeout ErrorKind = "timeout"
	// KindTransport indicates the worker pipes failed or the worker exited.
	KindTransport ErrorKind = "transport"
	// KindDropped indicates the request was abandoned during shutdown.
	KindDropped ErrorKind = "dropped"
	// KindCanceled indicates the caller context ended first.
	KindCanceled ErrorKind = "canceled"
	// KindDuplicateID indicates the id was already awaiting a reply.
	KindDuplicateID ErrorKind = "duplicate_id"
	// KindEncode indicates the request could not be serialized.
	KindEncode ErrorKind = "encode"
)

var (
	// ErrTimeout matches timeout errors.
	ErrTimeout = errors.New("request timed out")
	// ErrTransport matches transport errors.
	ErrTransport = errors.New("worker transport failed")
	// ErrDropped matches requests dropped during shutdown.
	ErrDropped = errors.New("request dropped")
	// ErrExited is wrapped by transport errors caused by worker exit.
	ErrExited = errors.New("worker exited")
	// ErrStalled is wrapped by transport errors caused by a worker that
	// stopped reading its stdin.
	ErrStalled = errors.New("worker stdin stalled")
	// ErrDuplicateID matches duplicate id rejections.
	ErrDuplicateID = errors.New("request id already pending")
)

// Error wraps bridge failures with a stable classification.
type Error struct {
	Kind   ErrorKind
	Op     string
	ID     string
	Method string
	Err    error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) withCall(id, method string) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.ID = id
	clone.Method = method
	return &clone
}

func (e *Error) Error() string {
	if e == nil {
		return "bridge error"
	}
	msg := "bridge " + string(e.Kind)
	if e.Op != "" {
		msg = "bridge " + e.Op + " " + string(e.Kind)
	}
	if e.Method != "" {
		msg += fmt.Sprintf(" (method %s)", e.Method)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match the sentinel for the error kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrDropped:
		return e.Kind == KindDropped
	case ErrDuplicateID:
		return e.Kind == KindDuplicateID
	}
	return false
}

// KindOf returns the kind of a bridge error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Kind
	}
	return ""
}

var (
	errNotObject     = errors.New("message is not a JSON object")
	errInvalidParams = errors.New("params are not valid JSON")
	errInvalidID     = errors.New("id is not valid JSON")
	errNullID        = errors.New("id must not be null")
)
