package model

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// #region kind

// Kind classifies why a model call failed.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindMalformed   Kind = "malformed"
	KindRejected    Kind = "rejected"
)

// #endregion kind

// #region error

// Error is returned by every Client method that fails.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("model %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind of err. Errors that did not come from
// the model client are reported as unavailable.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// classify maps a transport error onto a Kind.
func classify(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindTimeout, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return &Error{Op: op, Kind: KindTimeout, Err: err}
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied:
			return &Error{Op: op, Kind: KindRejected, Err: err}
		case codes.Internal, codes.DataLoss:
			return &Error{Op: op, Kind: KindMalformed, Err: err}
		}
	}
	return &Error{Op: op, Kind: KindUnavailable, Err: err}
}

func malformed(op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// #endregion error
