package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorCode string

const (
	CodeValidation      ErrorCode = "validation_error"
	CodeInvalidState    ErrorCode = "invalid_state"
	CodeNotFound        ErrorCode = "not_found"
	CodeConflict        ErrorCode = "conflict"
	CodeInFlight        ErrorCode = "in_flight"
	CodeTooLateToCancel ErrorCode = "too_late_to_cancel"
	CodeNotSubmitted    ErrorCode = "not_submitted"
	CodeInternal        ErrorCode = "internal_error"
)

// Offender points at one rejected input of a request.
type Offender struct {
	SelectionID   string `json:"selectionId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Field         string `json:"field"`
	Reason        string `json:"reason"`
}

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details []Offender
}

func (se ServiceError) Error() string {
	return se.Message
}

func (se ServiceError) Unwrap() error {
	return se.Err
}

func New(code ErrorCode, format string, args ...any) ServiceError {
	return ServiceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code ErrorCode, err error, format string, args ...any) ServiceError {
	return ServiceError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(message string, offenders ...Offender) ServiceError {
	return ServiceError{Code: CodeValidation, Message: message, Details: offenders}
}

// CodeOf returns the code of the first ServiceError in the chain, or
// CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var se ServiceError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given service error code.
func Is(err error, code ErrorCode) bool {
	var se ServiceError
	return stderrors.As(err, &se) && se.Code == code
}
