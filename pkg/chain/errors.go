package chain

import "errors"

// Verification failures. Each one leaves the deposit FAILED except the RPC errors, which are retryable.
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrNoValidTransfer     = errors.New("no valid transfer")
	ErrUnknownToken        = errors.New("unknown token")
	ErrRPCTimeout          = errors.New("rpc timeout")
	ErrRPCUnreachable      = errors.New("rpc unreachable")
)

// Input and configuration errors.
var (
	ErrInvalidTxHash         = errors.New("invalid transaction hash")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidTokenSymbol    = errors.New("invalid token symbol")
	ErrInvalidTokenConfig    = errors.New("invalid token config")
	ErrInvalidVerifierConfig = errors.New("invalid verifier config")
)
