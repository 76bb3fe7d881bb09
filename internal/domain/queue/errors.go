package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrTicketAllocationFailed wraps the last ConflictError when booking or
	// allocation could not win the race within the retry budget.
	ErrTicketAllocationFailed = errors.New("ticket allocation failed")
	// ErrMultipleCurrent means the store already holds more than one current
	// entry for a doctor. The postgres schema makes this unreachable.
	ErrMultipleCurrent = errors.New("more than one current entry for doctor")
)

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError means a write lost a race with a concurrent one. The atomic
// operations retry it before surfacing it.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: conflicting concurrent update: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: conflicting concurrent update", e.Op)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// InvalidStateError is returned when a transition is not permitted from the
// record's current state.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// StoreUnavailableError wraps a failure to reach the backing store.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("queue store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// ValidationError reports bad caller input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsUnavailable(err error) bool {
	var e *StoreUnavailableError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
