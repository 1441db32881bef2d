// Package dorkerr defines the stable error code taxonomy surfaced by the
// HTTP API and used across subsystems.
package dorkerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. These are wire-stable: clients match on them.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeNotFound     = "NOT_FOUND"

	CodeAlreadyRegistered = "ALREADY_REGISTERED"
	CodeDenied            = "DENIED"
	CodeOutOfBoundary     = "OUT_OF_BOUNDARY"
	CodeInvalidManifest   = "INVALID_MANIFEST"

	CodeScheduleConflict  = "SCHEDULE_CONFLICT"
	CodeRunNotCancellable = "RUN_NOT_CANCELLABLE"
	CodeNoReceiver        = "NO_RECEIVER"

	CodeBudgetExceeded         = "BUDGET_EXCEEDED"
	CodeNoSubscribers          = "NO_SUBSCRIBERS"
	CodeSubscriberBackpressure = "SUBSCRIBER_BACKPRESSURE"
	CodeCycleDetected          = "CYCLE_DETECTED"

	CodeAdapterAtCapacity   = "ADAPTER_AT_CAPACITY"
	CodeUnknownAdapterType  = "UNKNOWN_ADAPTER_TYPE"
	CodeDuplicateID         = "DUPLICATE_ID"
	CodeRemoveBuiltinDenied = "REMOVE_BUILTIN_DENIED"

	CodeFeatureDisabled = "FEATURE_DISABLED"

	CodeInternal = "INTERNAL_ERROR"
	CodeIO       = "IO_ERROR"
)

// Error carries a stable code alongside a human-readable message.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// CodeOf extracts the code from err, or INTERNAL_ERROR when it carries none.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidInput, CodeAlreadyRegistered, CodeInvalidManifest,
		CodeScheduleConflict, CodeRunNotCancellable, CodeNoReceiver,
		CodeBudgetExceeded, CodeNoSubscribers, CodeSubscriberBackpressure,
		CodeCycleDetected, CodeAdapterAtCapacity, CodeUnknownAdapterType,
		CodeDuplicateID:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDenied, CodeOutOfBoundary, CodeFeatureDisabled, CodeRemoveBuiltinDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
