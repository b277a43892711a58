package attendance

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable rejection reason.
type Code string

const (
	CodeCodeNotFound         Code = "CODE_NOT_FOUND"
	CodeEventNotOpen         Code = "EVENT_NOT_OPEN"
	CodeParticipantNotFound  Code = "PARTICIPANT_NOT_FOUND"
	CodeAlreadyRegistered    Code = "ALREADY_REGISTERED"
	CodeCapacityExceeded     Code = "CAPACITY_EXCEEDED"
	CodeTransient            Code = "TRANSIENT_STORE_ERROR"
	CodeEventNotFound        Code = "EVENT_NOT_FOUND"
	CodeRegistrationNotFound Code = "REGISTRATION_NOT_FOUND"
	CodeValidation           Code = "VALIDATION"
	CodeNotInGroup           Code = "EVENT_NOT_IN_GROUP"
)

// Error is a domain error carrying a Code. Two *Error values match with
// errors.Is when their codes are equal.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinel errors for use with errors.Is.
var (
	ErrCodeNotFound         = &Error{Code: CodeCodeNotFound, Message: "invalid event code"}
	ErrEventNotOpen         = &Error{Code: CodeEventNotOpen, Message: "event is not open"}
	ErrParticipantNotFound  = &Error{Code: CodeParticipantNotFound, Message: "participant not found"}
	ErrAlreadyRegistered    = &Error{Code: CodeAlreadyRegistered, Message: "already registered for this event"}
	ErrCapacityExceeded     = &Error{Code: CodeCapacityExceeded, Message: "event is full"}
	ErrTransient            = &Error{Code: CodeTransient, Message: "temporarily unavailable"}
	ErrEventNotFound        = &Error{Code: CodeEventNotFound, Message: "event not found"}
	ErrRegistrationNotFound = &Error{Code: CodeRegistrationNotFound, Message: "registration not found"}
	ErrValidation           = &Error{Code: CodeValidation, Message: "validation error"}
	ErrNotInGroup           = &Error{Code: CodeNotInGroup, Message: "event not found in this group"}
)

func validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// transient wraps a collaborator failure as a retryable error. Domain errors
// pass through unchanged.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var domain *Error
	if errors.As(err, &domain) {
		return err
	}
	return &Error{Code: CodeTransient, Message: op, cause: err}
}

// CodeOf returns the Code carried by err, or "" for non-domain errors.
func CodeOf(err error) Code {
	var domain *Error
	if errors.As(err, &domain) {
		return domain.Code
	}
	return ""
}
