package deposit

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/shopspring/decimal"
)

// PaymentID identifies a deposit. Generated ids are 128 random bits in lowercase hex.
type PaymentID struct {
	value string
}

// UserID identifies the depositing account owner.
type UserID struct {
	value string
}

// Status is the settlement lifecycle state of a deposit.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// NewPaymentID validates and normalizes a payment id.
func NewPaymentID(raw string) (PaymentID, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if len(normalized) != hex.EncodedLen(paymentIDBytes) {
		return PaymentID{}, fmt.Errorf("%w: expected %d hex characters", ErrInvalidPaymentID, hex.EncodedLen(paymentIDBytes))
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return PaymentID{}, fmt.Errorf("%w: not hex", ErrInvalidPaymentID)
	}
	return PaymentID{value: normalized}, nil
}

// NewRandomPaymentID draws a payment id from crypto/rand.
func NewRandomPaymentID() (PaymentID, error) {
	buffer := make([]byte, paymentIDBytes)
	if _, err := crand.Read(buffer); err != nil {
		return PaymentID{}, fmt.Errorf("payment id entropy: %w", err)
	}
	return PaymentID{value: hex.EncodeToString(buffer)}, nil
}

// String returns the normalized identifier.
func (id PaymentID) String() string {
	return id.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// ParseStatus validates a persisted status value.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusPending, StatusCompleted, StatusFailed, StatusExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Terminal reports whether no further transition is allowed.
func (status Status) Terminal() bool {
	return status != StatusPending
}

// NewAmount parses a strictly positive amount with no more fractional digits than token supports.
func NewAmount(raw string, token chain.TokenSymbol) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := validateAmount(amount, token); err != nil {
		return decimal.Decimal{}, err
	}
	return amount, nil
}

func validateAmount(amount decimal.Decimal, token chain.TokenSymbol) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(token.Decimals())) {
		return fmt.Errorf("%w: %s supports %d decimals", ErrInvalidAmount, token, token.Decimals())
	}
	return nil
}

// PendingDeposit is a stored deposit record. Records are never deleted.
type PendingDeposit struct {
	PaymentID      PaymentID
	UserID         UserID
	Amount         decimal.Decimal
	Token          chain.TokenSymbol
	Status         Status
	TxHash         string
	FailureReason  string
	CreatedUnixUTC int64
	ExpiresUnixUTC int64
	SettledUnixUTC int64
}

// Expired reports whether the deposit is past its deadline at nowUnixUTC. The deadline itself is still valid.
func (pending PendingDeposit) Expired(nowUnixUTC int64) bool {
	return nowUnixUTC > pending.ExpiresUnixUTC
}

// Transition is a status-guarded deposit update.
type Transition struct {
	PaymentID     PaymentID
	From          Status
	To            Status
	TxHash        string
	FailureReason string
	AtUnixUTC     int64
}

// LedgerCredit is the append-only balance adjustment of a completed deposit.
type LedgerCredit struct {
	CreditID       string
	PaymentID      PaymentID
	UserID         UserID
	Token          chain.TokenSymbol
	Amount         decimal.Decimal
	TxHash         string
	CreatedUnixUTC int64
}

// HistoryKind enumerates transaction-history entries.
type HistoryKind string

const (
	HistoryDeposit HistoryKind = "deposit"
)

// HistoryEntry is an immutable line of a user's transaction history.
type HistoryEntry struct {
	EntryID        string
	UserID         UserID
	PaymentID      PaymentID
	Kind           HistoryKind
	Token          chain.TokenSymbol
	Amount         decimal.Decimal
	TxHash         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Settlement is the result of a successful settle call.
type Settlement struct {
	PaymentID   PaymentID
	UserID      UserID
	Token       chain.TokenSymbol
	Requested   decimal.Decimal
	Credited    decimal.Decimal
	TxHash      string
	From        string
	BlockNumber uint64
}

// Store is the persistence contract used by Service.
type Store interface {
	// WithTx runs fn atomically; any error rolls back every write made through txStore.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateDeposit(ctx context.Context, pending PendingDeposit) error
	GetDeposit(ctx context.Context, paymentID PaymentID) (PendingDeposit, error)
	// TransitionDeposit applies transition only if the deposit is still in transition.From,
	// returning ErrDepositClosed otherwise.
	TransitionDeposit(ctx context.Context, transition Transition) error
	// ExpirePending moves every pending deposit whose deadline is before nowUnixUTC to expired.
	ExpirePending(ctx context.Context, nowUnixUTC int64) (int64, error)
	CreditExistsForTx(ctx context.Context, txHash string) (bool, error)
	// InsertCredit returns ErrTransactionAlreadyUsed when txHash already backs another credit.
	InsertCredit(ctx context.Context, credit LedgerCredit) error
	InsertHistory(ctx context.Context, entry HistoryEntry) error
	SumCredits(ctx context.Context, userID UserID, token chain.TokenSymbol) (decimal.Decimal, error)
	ListHistory(ctx context.Context, userID UserID, limit int) ([]HistoryEntry, error)
}

// RestoreDeposit rebuilds a PendingDeposit from persisted fields, validating each one.
func RestoreDeposit(paymentID string, userID string, amount string, token string, status string, txHash string, failureReason string, createdUnixUTC int64, expiresUnixUTC int64, settledUnixUTC int64) (PendingDeposit, error) {
	parsedPaymentID, err := NewPaymentID(paymentID)
	if err != nil {
		return PendingDeposit{}, err
	}
	parsedUserID, err := NewUserID(userID)
	if err != nil {
		return PendingDeposit{}, err
	}
	parsedToken, err := chain.NewTokenSymbol(token)
	if err != nil {
		return PendingDeposit{}, err
	}
	parsedAmount, err := decimal.NewFromString(amount)
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	parsedStatus, err := ParseStatus(status)
	if err != nil {
		return PendingDeposit{}, err
	}
	return PendingDeposit{
		PaymentID:      parsedPaymentID,
		UserID:         parsedUserID,
		Amount:         parsedAmount,
		Token:          parsedToken,
		Status:         parsedStatus,
		TxHash:         txHash,
		FailureReason:  failureReason,
		CreatedUnixUTC: createdUnixUTC,
		ExpiresUnixUTC: expiresUnixUTC,
		SettledUnixUTC: settledUnixUTC,
	}, nil
}

// RestoreHistoryEntry rebuilds a HistoryEntry from persisted fields.
func RestoreHistoryEntry(entryID string, userID string, paymentID string, kind string, token string, amount string, txHash string, metadataJSON string, createdUnixUTC int64) (HistoryEntry, error) {
	parsedUserID, err := NewUserID(userID)
	if err != nil {
		return HistoryEntry{}, err
	}
	parsedPaymentID, err := NewPaymentID(paymentID)
	if err != nil {
		return HistoryEntry{}, err
	}
	parsedToken, err := chain.NewTokenSymbol(token)
	if err != nil {
		return HistoryEntry{}, err
	}
	parsedAmount, err := decimal.NewFromString(amount)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return HistoryEntry{
		EntryID:        entryID,
		UserID:         parsedUserID,
		PaymentID:      parsedPaymentID,
		Kind:           HistoryKind(kind),
		Token:          parsedToken,
		Amount:         parsedAmount,
		TxHash:         txHash,
		MetadataJSON:   metadataJSON,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}
