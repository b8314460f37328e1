package services

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalid     ErrorCode = "invalid"
	ErrorForbidden   ErrorCode = "forbidden"
	ErrorNotFound    ErrorCode = "not_found"
	ErrorConflict    ErrorCode = "conflict"
	ErrorBadGateway  ErrorCode = "bad_gateway"
	ErrorUnavailable ErrorCode = "unavailable"
	ErrorTimeout     ErrorCode = "timeout"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }

func NewBadGatewayError(msg string, err error) error {
	return &ServiceError{Code: ErrorBadGateway, Message: msg, Err: err}
}

func NewUnavailableError(msg string, err error) error {
	return &ServiceError{Code: ErrorUnavailable, Message: msg, Err: err}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

var (
	// ErrSessionNotFound is returned when no live session matches the request.
	ErrSessionNotFound = &ServiceError{Code: ErrorNotFound, Message: "session not found"}
	// ErrNoConsent is returned when the consent form was not fully accepted.
	ErrNoConsent = &ServiceError{Code: ErrorForbidden, Message: "consent not given"}
	// ErrGenerationFailed is returned when the chat model could not produce a message.
	ErrGenerationFailed = errors.New("message generation failed")
	// ErrRecordFailed is returned when the results row could not be written.
	ErrRecordFailed = errors.New("record participant response")
)

// TransitionError is returned when an operation is attempted in the wrong
// lifecycle state.
type TransitionError struct {
	Op   string
	From string
	Want []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %q (want %v)", e.Op, e.From, e.Want)
}

// ErrInvalidTransition matches any *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid session transition")

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
