package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("insufficient capacity")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateEvent    = errors.New("duplicate payment event")
	ErrReviewInProgress  = errors.New("payment is under manual review")
	ErrSessionClosed     = errors.New("payment session is closed")
	ErrNotUnderReview    = errors.New("payment is not under review")
	ErrUnauthorized      = errors.New("actor is not allowed to perform this action")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
)

// UnavailableError reports how much of a unit is still free for the
// requested window.
type UnavailableError struct {
	UnitID    string
	Requested int
	Remaining int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("unit %s: requested %d, only %d left", e.UnitID, e.Requested, e.Remaining)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// ValidationError names the offending input field
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}
