package deposit

import (
	"context"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing settlement operation.
type OperationLog struct {
	Operation string
	PaymentID PaymentID
	UserID    UserID
	Token     chain.TokenSymbol
	Amount    decimal.Decimal
	TxHash    string
	Count     int64
	Status    string
	Reason    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPaymentIDSource replaces the crypto/rand payment id generator.
func WithPaymentIDSource(source func() (PaymentID, error)) ServiceOption {
	return func(service *Service) {
		if source != nil {
			service.paymentIDs = source
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttlSeconds int64) ServiceOption {
	return func(service *Service) {
		if ttlSeconds > 0 {
			service.ttlSeconds = ttlSeconds
		}
	}
}
