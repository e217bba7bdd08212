package errcode

import (
	"context"
	"errors"
	"fmt"

	"github.com/hangar-io/hangar/internal/dcontext"
)

// Error wraps an underlying cause with the Code that classifies it. It is
// the concrete type every core operation returns for a recognized failure;
// spec §7's propagation rule requires kinds to surface unaltered, so
// nothing in this module is expected to strip or replace an Error once
// raised.
type Error struct {
	Code  Code
	Cause error
}

// New builds an Error for code wrapping a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

// Wrap builds an Error for code wrapping an existing error.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Cause: err}
}

func (e *Error) Error() string {
	if d, ok := Descriptor(e.Code); ok {
		return fmt.Sprintf("%s: %v", d.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ExitStatus walks err's chain for the first *Error and returns its
// registered exit status (spec §6). An err with no *Error in its chain
// maps to exit status 1, the generic-failure status.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		if d, ok := Descriptor(e.Code); ok {
			return d.ExitStatus
		}
	}
	return 1
}

// Is reports whether err's chain contains an *Error of the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// ReportCorruption emits a corruption-risk observability event for err
// without altering it, satisfying spec §7's requirement that corruption
// always be reported "in addition to" the raised failure — the caller
// still returns err to its own caller after calling this.
func ReportCorruption(ctx context.Context, err error) {
	dcontext.GetLogger(ctx).WithError(err).Error("corruption risk detected")
}
