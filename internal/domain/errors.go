package domain

import "errors"

// Sentinel errors for the position lifecycle. Callers match with errors.Is.
var (
	// ErrNotFound indicates an unknown position id or asset symbol.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClosed indicates an operation on a CLOSED position.
	ErrAlreadyClosed = errors.New("position already closed")

	// ErrInvalidLevel indicates a take-profit level above the configured
	// maximum or one that was already executed.
	ErrInvalidLevel = errors.New("invalid take-profit level")

	// ErrNoQuantity indicates the quantity left for an operation is zero
	// after clamping to the remaining quantity.
	ErrNoQuantity = errors.New("no quantity available")

	// ErrZeroQuantity indicates the computed order quantity is zero or
	// below the exchange minimum.
	ErrZeroQuantity = errors.New("computed quantity is zero")

	// ErrValidation indicates bad or missing signal fields.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownCommand indicates an unrecognized signal command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNoMatchingPosition indicates no open position matched a signal.
	// This is an expected outcome for duplicate or late signals.
	ErrNoMatchingPosition = errors.New("no matching open position")

	// ErrLockTimeout indicates a bounded file-lock wait expired.
	ErrLockTimeout = errors.New("file lock timeout")

	// ErrCorruptStore indicates a partition failed to deserialize.
	ErrCorruptStore = errors.New("corrupt position store")

	// ErrExchange wraps adapter-layer failures.
	ErrExchange = errors.New("exchange error")
)
