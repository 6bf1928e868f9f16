// Package corralerrors contains the error values returned by controller, agent and client code.
// Every error crossing the wire is reduced to a single numeric Code carried by a return-code
// message; CodeFromError performs that reduction by walking the chain of wrapped errors.
//
// Where several independent failures occur in one operation (e.g., revoking a credential on
// many nodes) the function should return a multierror.Error from
// github.com/hashicorp/go-multierror encapsulating the individual errors.
package corralerrors

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Error is an error carrying an explicit return code.
type Error struct {
	Code    Code
	Message string
}

func (err *Error) Error() string {
	if err.Message == "" {
		return err.Code.String()
	}
	return fmt.Sprintf("%s: %s", err.Code, err.Message)
}

// New returns an error with the given code and a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(&Error{Code: code, Message: message})
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// ErrNoPermission represents an error that occurs when a client tries to perform some action
// for which it does not have permissions.
type ErrNoPermission struct {
	// Uid that attempted the action
	Uid uint32
	// The attempted action
	Action string
	// Optional message included with the error message
	Message string
}

func (err *ErrNoPermission) Error() (s string) {
	s = fmt.Sprintf("uid %d is not permitted to %s", err.Uid, err.Action)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job" or "step"
	Value   string // Resource name, e.g., "1234.0"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "MinNodes"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// CodeFromError maps errors to return codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func CodeFromError(err error) Code {
	if err == nil {
		return Success
	}
	{
		var e *Error
		if errors.As(err, &e) {
			return e.Code
		}
	}
	{
		var e *multierror.Error
		if errors.As(err, &e) && len(e.Errors) > 0 {
			return CodeFromError(e.Errors[0])
		}
	}
	{
		var e *ErrNoPermission
		if errors.As(err, &e) {
			return CodeAccessDenied
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return CodeDuplicateJobId
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			switch e.Type {
			case "node":
				return CodeInvalidNodeName
			case "partition":
				return CodeInvalidPartitionName
			case "step":
				return CodeInvalidStepId
			default:
				return CodeInvalidJobId
			}
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return CodeInvalidArgument
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CodeTimeout
	}
	{
		var e net.Error
		if errors.As(err, &e) {
			if e.Timeout() {
				return CodeTimeout
			}
			return CodeConnectionError
		}
	}
	return CodeInternal
}

// KindOf classifies an arbitrary error.
func KindOf(err error) ErrorKind {
	return CodeFromError(err).Kind()
}

// IsCode returns true if err reduces to the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeFromError(err) == code
}
