package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// OperationError annotates an error with the operation and request it belongs to.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
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

// NewOperationError wraps err; a nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// ErrorFields renders err as zap fields, expanding OperationError metadata so
// log lines stay queryable by operation and request.
func ErrorFields(err error) []zap.Field {
	return ErrorFieldsFor("", err)
}

// ErrorFieldsFor is ErrorFields for a logger already scoped to
// boundRequestID by WithOperation; a matching request_id is not repeated.
func ErrorFieldsFor(boundRequestID string, err error) []zap.Field {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		fields := []zap.Field{zap.String("failed_operation", opErr.Operation), zap.Error(opErr.Err)}
		if opErr.RequestID != "" && opErr.RequestID != boundRequestID {
			fields = append(fields, zap.String("request_id", opErr.RequestID))
		}
		return fields
	}
	return []zap.Field{zap.Error(err)}
}
