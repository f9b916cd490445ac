package deposit

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
)

// Domain-level error values returned by the settlement service.
var (
	ErrDepositNotFound        = errors.New("deposit not found")
	ErrAlreadySettled         = errors.New("deposit already settled")
	ErrExpired                = errors.New("deposit expired")
	ErrDepositClosed          = errors.New("deposit not in expected status")
	ErrPaymentIDExists        = errors.New("payment id already exists")
	ErrAmountMismatch         = errors.New("amount mismatch")
	ErrTokenMismatch          = errors.New("token mismatch")
	ErrTransactionAlreadyUsed = errors.New("transaction already used")
	ErrVerificationFailed     = errors.New("transfer verification failed")
	ErrInvalidPaymentID       = errors.New("invalid payment id")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidStatus          = errors.New("invalid deposit status")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// AlreadySettledError reports the terminal status a deposit already reached.
type AlreadySettledError struct {
	Status Status
}

// Error returns the formatted error message.
func (settledError AlreadySettledError) Error() string {
	return fmt.Sprintf("%v: status %s", ErrAlreadySettled, settledError.Status)
}

// Is matches ErrAlreadySettled, and ErrExpired when the deposit expired.
func (settledError AlreadySettledError) Is(target error) bool {
	if target == ErrAlreadySettled {
		return true
	}
	return target == ErrExpired && settledError.Status == StatusExpired
}

// Reason codes returned to callers. They are stable and machine readable.
const (
	ReasonNotFound               = "not_found"
	ReasonAlreadySettled         = "already_settled"
	ReasonExpired                = "expired"
	ReasonTransactionNotFound    = "transaction_not_found"
	ReasonTransactionFailed      = "transaction_failed"
	ReasonNoValidTransfer        = "no_valid_transfer"
	ReasonUnknownToken           = "unknown_token"
	ReasonAmountMismatch         = "amount_mismatch"
	ReasonTokenMismatch          = "token_mismatch"
	ReasonTransactionAlreadyUsed = "transaction_already_used"
	ReasonRPCTimeout             = "rpc_timeout"
	ReasonRPCUnreachable         = "rpc_unreachable"
	ReasonInvalidTxHash          = "invalid_tx_hash"
	ReasonInvalidPaymentID       = "invalid_payment_id"
	ReasonInvalidUserID          = "invalid_user_id"
	ReasonInvalidAmount          = "invalid_amount"
	ReasonInvalidToken           = "invalid_token"
	ReasonVerificationFailed     = "verification_failed"
	ReasonInternal               = "internal"
)

var reasonTable = []struct {
	err    error
	reason string
}{
	{err: ErrExpired, reason: ReasonExpired},
	{err: ErrAlreadySettled, reason: ReasonAlreadySettled},
	{err: ErrDepositNotFound, reason: ReasonNotFound},
	{err: chain.ErrTransactionNotFound, reason: ReasonTransactionNotFound},
	{err: chain.ErrTransactionFailed, reason: ReasonTransactionFailed},
	{err: chain.ErrNoValidTransfer, reason: ReasonNoValidTransfer},
	{err: chain.ErrUnknownToken, reason: ReasonUnknownToken},
	{err: ErrAmountMismatch, reason: ReasonAmountMismatch},
	{err: ErrTokenMismatch, reason: ReasonTokenMismatch},
	{err: ErrTransactionAlreadyUsed, reason: ReasonTransactionAlreadyUsed},
	{err: chain.ErrRPCTimeout, reason: ReasonRPCTimeout},
	{err: chain.ErrRPCUnreachable, reason: ReasonRPCUnreachable},
	{err: chain.ErrInvalidTxHash, reason: ReasonInvalidTxHash},
	{err: ErrInvalidPaymentID, reason: ReasonInvalidPaymentID},
	{err: ErrInvalidUserID, reason: ReasonInvalidUserID},
	{err: ErrInvalidAmount, reason: ReasonInvalidAmount},
	{err: chain.ErrInvalidTokenSymbol, reason: ReasonInvalidToken},
	{err: ErrVerificationFailed, reason: ReasonVerificationFailed},
}

// ReasonCode maps an error returned by Service to its reason code. Nil maps to "".
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, row := range reasonTable {
		if errors.Is(err, row.err) {
			return row.reason
		}
	}
	return ReasonInternal
}

// IsRetryable reports whether err is a transient chain failure that left the deposit untouched.
func IsRetryable(err error) bool {
	return errors.Is(err, chain.ErrRPCTimeout) || errors.Is(err, chain.ErrRPCUnreachable)
}

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

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
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
