package core

import (
	"errors"
	"strings"
)

var (
	ErrTransport     = errors.New("transport error")
	ErrProtocol      = errors.New("protocol error")
	ErrAuthRequired  = errors.New("authentication required")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrPairingFailed = errors.New("pairing failed")
	ErrDecode        = errors.New("decode error")
	ErrTimeout       = errors.New("timeout")
)

// OpError binds one of the error kinds above to an operation name and the underlying cause.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	sb.WriteString(": ")
	sb.WriteString(e.Kind.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Is(target error) bool {
	return e.Kind == target
}

func Wrap(kind error, op string, err error) error {
	return &OpError{Kind: kind, Op: op, Err: err}
}

// Errorf - shortcut for an OpError without cause
func Errorf(kind error, op string, msg string) error {
	return &OpError{Kind: kind, Op: op, Err: errors.New(msg)}
}
