package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintDepositPrimary  = "deposits_pkey"
	constraintCreditTxHash    = "uniq_credits_tx_hash"
	constraintCreditPaymentID = "uniq_credits_payment_id"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectCredit        = "credit"
	errorSubjectDeposit       = "deposit"
	errorSubjectHistory       = "history"
	errorSubjectSchema        = "schema"
	errorSubjectTransaction   = "transaction"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeEnsure           = "ensure"
	errorCodeExpire           = "expire"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeSum              = "sum"
	errorCodeUpdateStatus     = "update_status"

	sqlSelectDepositColumns = `payment_id, user_id, amount, token, status, tx_hash, failure_reason, extract(epoch from created_at)::bigint, expires_unix_utc, settled_unix_utc`
	sqlSelectHistoryColumns = `entry_id::text, user_id, payment_id, kind, token, amount, tx_hash, coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint`
	sqlInsertDeposit        = `
		insert into deposits(payment_id, user_id, amount, token, status, tx_hash, failure_reason, expires_unix_utc, settled_unix_utc, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, to_timestamp($10))
	`
	sqlSelectDeposit = `select ` + sqlSelectDepositColumns + ` from deposits where payment_id = $1`

	sqlTransitionDeposit = `
		update deposits
		set status = $3, tx_hash = $4, failure_reason = $5, settled_unix_utc = $6
		where payment_id = $1 and status = $2
	`

	sqlDepositExists = `select exists(select 1 from deposits where payment_id = $1)`

	sqlExpirePending = `
		update deposits
		set status = 'expired', failure_reason = $2, settled_unix_utc = $1
		where status = 'pending' and expires_unix_utc < $1
	`

	sqlCreditExistsForTx = `select exists(select 1 from ledger_credits where tx_hash = $1)`

	sqlInsertCredit = `
		insert into ledger_credits(credit_id, payment_id, user_id, token, amount, tx_hash, created_at)
		values (coalesce(nullif($1,''), gen_random_uuid()::text)::uuid, $2, $3, $4, $5, $6, to_timestamp($7))
	`

	sqlInsertHistory = `
		insert into transaction_history(entry_id, user_id, payment_id, kind, token, amount, tx_hash, metadata, created_at)
		values (
			coalesce(nullif($1,''), gen_random_uuid()::text)::uuid, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlSumCredits = `
		select coalesce(sum(amount::numeric),0)::text from ledger_credits
		where user_id = $1 and token = $2
	`

	sqlListHistory = `select ` + sqlSelectHistoryColumns + ` from transaction_history
		where user_id = $1
		order by created_at desc, seq desc
		limit $2
	`
)

// Schema creates the tables used by Store. It matches the GORM models so either backend can open the same database.
const Schema = `
create table if not exists deposits (
	payment_id text primary key,
	user_id text not null,
	amount text not null,
	token text not null,
	status text not null,
	tx_hash text not null default '',
	failure_reason text not null default '',
	expires_unix_utc bigint not null,
	settled_unix_utc bigint not null default 0,
	created_at timestamptz not null
);
create index if not exists idx_deposits_user on deposits(user_id);
create index if not exists idx_deposits_status_expires on deposits(status, expires_unix_utc);

create table if not exists ledger_credits (
	credit_id uuid primary key,
	payment_id text not null,
	user_id text not null,
	token text not null,
	amount text not null,
	tx_hash text not null,
	created_at timestamptz not null
);
create unique index if not exists uniq_credits_payment_id on ledger_credits(payment_id);
create unique index if not exists uniq_credits_tx_hash on ledger_credits(tx_hash);
create index if not exists idx_credits_user_token on ledger_credits(user_id, token);

create table if not exists transaction_history (
	entry_id uuid primary key,
	user_id text not null,
	payment_id text not null,
	kind text not null,
	token text not null,
	amount text not null,
	tx_hash text not null,
	metadata jsonb not null,
	created_at timestamptz not null,
	seq bigserial not null
);
alter table transaction_history add column if not exists seq bigserial;
create index if not exists idx_history_user_created on transaction_history(user_id, created_at);
`

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements deposit.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements deposit.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// EnsureSchema applies Schema. Every statement is idempotent.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore deposit.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore deposit.Store) error) error {
	return fn(ctx, store)
}

func (store queries) CreateDeposit(ctx context.Context, pending deposit.PendingDeposit) error {
	_, err := store.db.Exec(ctx, sqlInsertDeposit,
		pending.PaymentID.String(),
		pending.UserID.String(),
		pending.Amount.String(),
		pending.Token.String(),
		string(pending.Status),
		pending.TxHash,
		pending.FailureReason,
		pending.ExpiresUnixUTC,
		pending.SettledUnixUTC,
		pending.CreatedUnixUTC,
	)
	if isConstraintViolation(err, constraintDepositPrimary) {
		return wrapStoreError(errorSubjectDeposit, errorCodeDuplicate, deposit.ErrPaymentIDExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeCreate, err)
	}
	return nil
}

func (store queries) GetDeposit(ctx context.Context, paymentID deposit.PaymentID) (deposit.PendingDeposit, error) {
	var (
		paymentValue   string
		userValue      string
		amountValue    string
		tokenValue     string
		statusValue    string
		txHashValue    string
		failureValue   string
		createdUnixUTC int64
		expiresUnixUTC int64
		settledUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectDeposit, paymentID.String()).Scan(
		&paymentValue,
		&userValue,
		&amountValue,
		&tokenValue,
		&statusValue,
		&txHashValue,
		&failureValue,
		&createdUnixUTC,
		&expiresUnixUTC,
		&settledUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.PendingDeposit{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, deposit.ErrDepositNotFound)
		}
		return deposit.PendingDeposit{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, err)
	}
	pending, err := deposit.RestoreDeposit(paymentValue, userValue, amountValue, tokenValue, statusValue, txHashValue, failureValue, createdUnixUTC, expiresUnixUTC, settledUnixUTC)
	if err != nil {
		return deposit.PendingDeposit{}, wrapStoreError(errorSubjectDeposit, errorCodeInvalid, err)
	}
	return pending, nil
}

func (store queries) TransitionDeposit(ctx context.Context, transition deposit.Transition) error {
	tag, err := store.db.Exec(ctx, sqlTransitionDeposit,
		transition.PaymentID.String(),
		string(transition.From),
		string(transition.To),
		transition.TxHash,
		transition.FailureReason,
		transition.AtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlDepositExists, transition.PaymentID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeLookup, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, deposit.ErrDepositNotFound)
	}
	return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, deposit.ErrDepositClosed)
}

func (store queries) ExpirePending(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlExpirePending, nowUnixUTC, deposit.ReasonExpired)
	if err != nil {
		return 0, wrapStoreError(errorSubjectDeposit, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func (store queries) CreditExistsForTx(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlCreditExistsForTx, txHash).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectCredit, errorCodeLookup, err)
	}
	return exists, nil
}

func (store queries) InsertCredit(ctx context.Context, credit deposit.LedgerCredit) error {
	_, err := store.db.Exec(ctx, sqlInsertCredit,
		credit.CreditID,
		credit.PaymentID.String(),
		credit.UserID.String(),
		credit.Token.String(),
		credit.Amount.String(),
		credit.TxHash,
		credit.CreatedUnixUTC,
	)
	switch {
	case err == nil:
		return nil
	case isConstraintViolation(err, constraintCreditTxHash):
		return wrapStoreError(errorSubjectCredit, errorCodeDuplicate, deposit.ErrTransactionAlreadyUsed)
	case isConstraintViolation(err, constraintCreditPaymentID):
		return wrapStoreError(errorSubjectCredit, errorCodeDuplicate, deposit.ErrDepositClosed)
	default:
		return wrapStoreError(errorSubjectCredit, errorCodeInsert, err)
	}
}

func (store queries) InsertHistory(ctx context.Context, entry deposit.HistoryEntry) error {
	_, err := store.db.Exec(ctx, sqlInsertHistory,
		entry.EntryID,
		entry.UserID.String(),
		entry.PaymentID.String(),
		string(entry.Kind),
		entry.Token.String(),
		entry.Amount.String(),
		entry.TxHash,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectHistory, errorCodeInsert, err)
	}
	return nil
}

// SumCredits sums in numeric and returns text so the result stays exact.
func (store queries) SumCredits(ctx context.Context, userID deposit.UserID, token chain.TokenSymbol) (decimal.Decimal, error) {
	var sumValue string
	if err := store.db.QueryRow(ctx, sqlSumCredits, userID.String(), token.String()).Scan(&sumValue); err != nil {
		return decimal.Decimal{}, wrapStoreError(errorSubjectCredit, errorCodeSum, err)
	}
	total, err := decimal.NewFromString(sumValue)
	if err != nil {
		return decimal.Decimal{}, wrapStoreError(errorSubjectCredit, errorCodeInvalid, err)
	}
	return total, nil
}

func (store queries) ListHistory(ctx context.Context, userID deposit.UserID, limit int) ([]deposit.HistoryEntry, error) {
	rows, err := store.db.Query(ctx, sqlListHistory, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanHistory(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanHistory(rows pgx.Rows) ([]deposit.HistoryEntry, error) {
	entries := make([]deposit.HistoryEntry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue   string
			userValue      string
			paymentValue   string
			kindValue      string
			tokenValue     string
			amountValue    string
			txHashValue    string
			metadataValue  string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&userValue,
			&paymentValue,
			&kindValue,
			&tokenValue,
			&amountValue,
			&txHashValue,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		entry, err := deposit.RestoreHistoryEntry(entryIDValue, userValue, paymentValue, kindValue, tokenValue, amountValue, txHashValue, metadataValue, createdUnixUTC)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return deposit.WrapError(errorOperationStore, subject, code, err)
}

func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
