package fairness

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the fairness engine.
var (
	ErrEntropySourceUnavailable = errors.New("entropy source unavailable")
	ErrCommitmentMismatch       = errors.New("commitment mismatch")
	ErrOutcomeMismatch          = errors.New("outcome mismatch")
	ErrInvalidServerSeed        = errors.New("invalid server seed")
	ErrInvalidClientSeed        = errors.New("invalid client seed")
	ErrInvalidCommitment        = errors.New("invalid commitment hash")
	ErrInvalidNonce             = errors.New("invalid nonce")
	ErrInvalidMaxValue          = errors.New("invalid max value")
	ErrInvalidSessionID         = errors.New("invalid session id")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrSessionNotFound          = errors.New("session not found")
	ErrSessionExists            = errors.New("session already exists")
	ErrSessionRevealed          = errors.New("session revealed")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
