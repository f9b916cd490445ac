package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectDeposit   = "deposit"
	errorSubjectCredit    = "credit"
	errorSubjectHistory   = "history"
	errorSubjectSession   = "session"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeExpire       = "expire"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpdateStatus = "update_status"
	errorCodeConsume      = "consume_nonce"
	errorCodeReveal       = "reveal"
)

// Store implements deposit.Store and fairness.SessionStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore deposit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateDeposit(ctx context.Context, pending deposit.PendingDeposit) error {
	model := Deposit{
		PaymentID:      pending.PaymentID.String(),
		UserID:         pending.UserID.String(),
		Amount:         pending.Amount.String(),
		Token:          pending.Token.String(),
		Status:         string(pending.Status),
		TxHash:         pending.TxHash,
		FailureReason:  pending.FailureReason,
		ExpiresUnixUTC: pending.ExpiresUnixUTC,
		SettledUnixUTC: pending.SettledUnixUTC,
		CreatedAt:      time.Unix(pending.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapDepositError(errorSubjectDeposit, errorCodeDuplicate, deposit.ErrPaymentIDExists)
	}
	if err != nil {
		return wrapDepositError(errorSubjectDeposit, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetDeposit(ctx context.Context, paymentID deposit.PaymentID) (deposit.PendingDeposit, error) {
	var model Deposit
	err := store.db.WithContext(ctx).Where("payment_id = ?", paymentID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return deposit.PendingDeposit{}, wrapDepositError(errorSubjectDeposit, errorCodeGet, deposit.ErrDepositNotFound)
		}
		return deposit.PendingDeposit{}, wrapDepositError(errorSubjectDeposit, errorCodeGet, err)
	}
	pending, err := mapDeposit(model)
	if err != nil {
		return deposit.PendingDeposit{}, wrapDepositError(errorSubjectDeposit, errorCodeInvalid, err)
	}
	return pending, nil
}

func (store *Store) TransitionDeposit(ctx context.Context, transition deposit.Transition) error {
	result := store.db.WithContext(ctx).
		Model(&Deposit{}).
		Where("payment_id = ? AND status = ?", transition.PaymentID.String(), string(transition.From)).
		Updates(map[string]any{
			"status":           string(transition.To),
			"tx_hash":          transition.TxHash,
			"failure_reason":   transition.FailureReason,
			"settled_unix_utc": transition.AtUnixUTC,
		})
	if result.Error != nil {
		return wrapDepositError(errorSubjectDeposit, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&Deposit{}).Where("payment_id = ?", transition.PaymentID.String()).Count(&count).Error; err != nil {
		return wrapDepositError(errorSubjectDeposit, errorCodeLookup, err)
	}
	if count == 0 {
		return wrapDepositError(errorSubjectDeposit, errorCodeUpdateStatus, deposit.ErrDepositNotFound)
	}
	return wrapDepositError(errorSubjectDeposit, errorCodeUpdateStatus, deposit.ErrDepositClosed)
}

func (store *Store) ExpirePending(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Deposit{}).
		Where("status = ? AND expires_unix_utc < ?", string(deposit.StatusPending), nowUnixUTC).
		Updates(map[string]any{
			"status":           string(deposit.StatusExpired),
			"failure_reason":   deposit.ReasonExpired,
			"settled_unix_utc": nowUnixUTC,
		})
	if result.Error != nil {
		return 0, wrapDepositError(errorSubjectDeposit, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) CreditExistsForTx(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&LedgerCredit{}).Where("tx_hash = ?", txHash).Count(&count).Error
	if err != nil {
		return false, wrapDepositError(errorSubjectCredit, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertCredit(ctx context.Context, credit deposit.LedgerCredit) error {
	model := LedgerCredit{
		CreditID:  credit.CreditID,
		PaymentID: credit.PaymentID.String(),
		UserID:    credit.UserID.String(),
		Token:     credit.Token.String(),
		Amount:    credit.Amount.String(),
		TxHash:    credit.TxHash,
		CreatedAt: time.Unix(credit.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		if violatesConstraint(err, indexCreditTxHash, "ledger_credits.tx_hash") {
			return wrapDepositError(errorSubjectCredit, errorCodeDuplicate, deposit.ErrTransactionAlreadyUsed)
		}
		return wrapDepositError(errorSubjectCredit, errorCodeDuplicate, deposit.ErrDepositClosed)
	}
	if err != nil {
		return wrapDepositError(errorSubjectCredit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertHistory(ctx context.Context, entry deposit.HistoryEntry) error {
	var lastSeq int64
	err := store.db.WithContext(ctx).
		Model(&HistoryEntry{}).
		Where("user_id = ?", entry.UserID.String()).
		Select("coalesce(max(seq), 0)").
		Scan(&lastSeq).Error
	if err != nil {
		return wrapDepositError(errorSubjectHistory, errorCodeInsert, err)
	}
	model := HistoryEntry{
		EntryID:   entry.EntryID,
		UserID:    entry.UserID.String(),
		PaymentID: entry.PaymentID.String(),
		Kind:      string(entry.Kind),
		Token:     entry.Token.String(),
		Amount:    entry.Amount.String(),
		TxHash:    entry.TxHash,
		Metadata:  datatypesJSON(entry.MetadataJSON),
		CreatedAt: time.Unix(entry.CreatedUnixUTC, 0).UTC(),
		Seq:       lastSeq + 1,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapDepositError(errorSubjectHistory, errorCodeInsert, err)
	}
	return nil
}

// SumCredits adds amounts in Go; SQL sums over text columns would go through floating point.
func (store *Store) SumCredits(ctx context.Context, userID deposit.UserID, token chain.TokenSymbol) (decimal.Decimal, error) {
	var amounts []string
	err := store.db.WithContext(ctx).
		Model(&LedgerCredit{}).
		Where("user_id = ? AND token = ?", userID.String(), token.String()).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Decimal{}, wrapDepositError(errorSubjectCredit, errorCodeSum, err)
	}
	total := decimal.Zero
	for _, raw := range amounts {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, wrapDepositError(errorSubjectCredit, errorCodeInvalid, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

func (store *Store) ListHistory(ctx context.Context, userID deposit.UserID, limit int) ([]deposit.HistoryEntry, error) {
	var rows []HistoryEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapDepositError(errorSubjectHistory, errorCodeList, err)
	}
	entries := make([]deposit.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := deposit.RestoreHistoryEntry(row.EntryID, row.UserID, row.PaymentID, row.Kind, row.Token, row.Amount, row.TxHash, string(row.Metadata), row.CreatedAt.Unix())
		if err != nil {
			return nil, wrapDepositError(errorSubjectHistory, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapDeposit(model Deposit) (deposit.PendingDeposit, error) {
	return deposit.RestoreDeposit(
		model.PaymentID,
		model.UserID,
		model.Amount,
		model.Token,
		model.Status,
		model.TxHash,
		model.FailureReason,
		model.CreatedAt.Unix(),
		model.ExpiresUnixUTC,
		model.SettledUnixUTC,
	)
}

func wrapDepositError(subject string, code string, err error) error {
	return deposit.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// violatesConstraint matches the Postgres constraint name or the SQLite "table.column" message.
func violatesConstraint(err error, constraint string, sqliteColumn string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == constraint
	}
	return strings.Contains(err.Error(), sqliteColumn)
}
