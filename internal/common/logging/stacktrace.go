package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stacktrace is the log field holding the stack of the innermost error that recorded one.
const Stacktrace = "stacktrace"

// WithStacktrace adds err, and where pkg/errors recorded one its stack, to logger.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the first stack trace found unwrapping err, or nil.
func ExtractStack(err error) errors.StackTrace {
	var tracer interface{ StackTrace() errors.StackTrace }
	if errors.As(err, &tracer) {
		return tracer.StackTrace()
	}
	return nil
}
