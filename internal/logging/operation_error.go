package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// OperationError annotates an error with the operation that produced it and
// the subject (user, pose, connection or request id) it was working on.
type OperationError struct {
	Operation string
	Subject   string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.Subject != "" {
		return fmt.Sprintf("%s (subject=%s): %v", e.Operation, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
// A nil err yields a nil error.
func NewOperationError(operation, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Subject: subject, Err: err}
}

// ErrorFields returns zap fields for err, lifting the operation and subject
// of the outermost OperationError in its chain.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		fields = append(fields, zap.String("operation", opErr.Operation))
		if opErr.Subject != "" {
			fields = append(fields, zap.String("subject", opErr.Subject))
		}
	}
	return fields
}
