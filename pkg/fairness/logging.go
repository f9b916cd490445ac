package fairness

import "context"

const (
	operationOpen             = "open"
	operationPlayNumeric      = "play_numeric"
	operationPlaySlot         = "play_slot"
	operationPlayDeck         = "play_deck"
	operationRotateClientSeed = "rotate_client_seed"
	operationReveal           = "reveal"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// ServiceOption configures a SessionService instance.
type ServiceOption func(*SessionService)

// OperationLogger records domain-level events emitted by SessionService operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a session operation. It never carries the unrevealed server seed.
type OperationLog struct {
	Operation  string
	SessionID  SessionID
	UserID     UserID
	Commitment Commitment
	Nonce      Nonce
	Status     string
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *SessionService) {
		service.logger = logger
	}
}
