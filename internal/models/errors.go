package models

import "github.com/pkg/errors"

// Ошибки доменного уровня. Проверяются через errors.Is.
var (
	// ErrValidation: required field missing or malformed.
	ErrValidation = errors.New("validation failed")
	// ErrRange: coordinate outside the valid geographic range.
	ErrRange = errors.New("coordinate out of range")
	// ErrNotFound: no waybill with the requested number.
	ErrNotFound = errors.New("waybill not found")
	// ErrConflict: waybillNo already taken on create.
	ErrConflict = errors.New("waybill already exists")
	// ErrInvalidTransition: requested status change is not legal from the
	// current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminalState: the waybill is in a terminal status and accepts no
	// further transitions.
	ErrTerminalState = errors.New("waybill in terminal state")
	// ErrWriteConflict: lost an optimistic-version race; retryable.
	ErrWriteConflict = errors.New("concurrent write conflict")
	// ErrConcurrencyExhausted: bounded retries on write conflicts ran out.
	ErrConcurrencyExhausted = errors.New("write conflict retries exhausted")
)
