package deposit

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTTL is how long a deposit waits for its on-chain transfer.
const DefaultTTL = 10 * time.Minute

// AmountTolerance is the accepted relative deviation between requested and transferred amounts.
var AmountTolerance = decimal.RequireFromString("0.001")

const (
	operationInitiate = "initiate"
	operationSettle   = "settle"
	operationExpire   = "expire"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	paymentIDBytes = 16

	// DefaultHistoryLimit caps History when the caller passes no limit.
	DefaultHistoryLimit = 50
	maxHistoryLimit     = 500
)
