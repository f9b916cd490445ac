package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferVerifier confirms an on-chain transfer. *chain.Verifier satisfies it.
type TransferVerifier interface {
	Verify(ctx context.Context, txHash string) (chain.Transfer, error)
}

// Service runs the deposit settlement state machine over a Store.
type Service struct {
	store      Store
	verifier   TransferVerifier
	nowFn      func() int64
	logger     OperationLogger
	paymentIDs func() (PaymentID, error)
	ttlSeconds int64
}

// NewService wires a Service.
func NewService(store Store, verifier TransferVerifier, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:      store,
		verifier:   verifier,
		nowFn:      now,
		paymentIDs: NewRandomPaymentID,
		ttlSeconds: int64(DefaultTTL.Seconds()),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Initiate records a pending deposit that expires after the configured TTL.
func (service *Service) Initiate(ctx context.Context, userID UserID, amount decimal.Decimal, token chain.TokenSymbol) (PendingDeposit, error) {
	var pending PendingDeposit
	operationError := func() error {
		if userID.String() == "" {
			return ErrInvalidUserID
		}
		if _, err := chain.NewTokenSymbol(token.String()); err != nil {
			return err
		}
		if err := validateAmount(amount, token); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := service.sweepExpired(ctx, nowUnixUTC); err != nil {
			return err
		}
		paymentID, err := service.paymentIDs()
		if err != nil {
			return err
		}
		pending = PendingDeposit{
			PaymentID:      paymentID,
			UserID:         userID,
			Amount:         amount,
			Token:          token,
			Status:         StatusPending,
			CreatedUnixUTC: nowUnixUTC,
			ExpiresUnixUTC: nowUnixUTC + service.ttlSeconds,
		}
		if err := service.store.CreateDeposit(ctx, pending); err != nil {
			if errors.Is(err, ErrPaymentIDExists) {
				return WrapError("service", "payment_id", "collision", err)
			}
			return err
		}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationInitiate,
		PaymentID: pending.PaymentID,
		UserID:    userID,
		Token:     token,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return PendingDeposit{}, operationError
	}
	return pending, nil
}

// Settle verifies txHash on chain and, when every check passes, completes the deposit and credits
// the verified amount in one transaction. Retryable errors leave the deposit pending.
func (service *Service) Settle(ctx context.Context, paymentID PaymentID, txHash string) (Settlement, error) {
	var (
		pending    PendingDeposit
		settlement Settlement
	)
	operationError := func() error {
		hash, err := chain.ParseTxHash(txHash)
		if err != nil {
			return err
		}
		normalizedTxHash := hash.Hex()
		nowUnixUTC := service.nowFn()
		if err := service.sweepExpired(ctx, nowUnixUTC); err != nil {
			return err
		}
		pending, err = service.store.GetDeposit(ctx, paymentID)
		if err != nil {
			return err
		}
		if pending.Status != StatusPending {
			return AlreadySettledError{Status: pending.Status}
		}
		if pending.Expired(nowUnixUTC) {
			return service.closeDeposit(ctx, pending, StatusExpired, "", ErrExpired, nowUnixUTC)
		}
		used, err := service.store.CreditExistsForTx(ctx, normalizedTxHash)
		if err != nil {
			return err
		}
		if used {
			cause := fmt.Errorf("%w: %s", ErrTransactionAlreadyUsed, normalizedTxHash)
			return service.closeDeposit(ctx, pending, StatusFailed, normalizedTxHash, cause, nowUnixUTC)
		}

		transfer, err := service.verifier.Verify(ctx, normalizedTxHash)
		if err != nil {
			if IsRetryable(err) || ctx.Err() != nil {
				return err
			}
			if ReasonCode(err) == ReasonInternal {
				err = fmt.Errorf("%w: %w", ErrVerificationFailed, err)
			}
			return service.closeDeposit(ctx, pending, StatusFailed, normalizedTxHash, err, service.nowFn())
		}
		if !withinTolerance(pending.Amount, transfer.Amount) {
			cause := fmt.Errorf("%w: expected %s, transferred %s", ErrAmountMismatch, pending.Amount, transfer.Amount)
			return service.closeDeposit(ctx, pending, StatusFailed, normalizedTxHash, cause, service.nowFn())
		}
		if transfer.Token != pending.Token {
			cause := fmt.Errorf("%w: expected %s, transferred %s", ErrTokenMismatch, pending.Token, transfer.Token)
			return service.closeDeposit(ctx, pending, StatusFailed, normalizedTxHash, cause, service.nowFn())
		}

		settledUnixUTC := service.nowFn()
		metadata, err := json.Marshal(settlementMetadata{
			From:        transfer.From.Hex(),
			Contract:    transfer.Contract.Hex(),
			BlockNumber: transfer.BlockNumber,
			Requested:   pending.Amount.String(),
		})
		if err != nil {
			return err
		}
		commitErr := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.TransitionDeposit(ctx, Transition{
				PaymentID: pending.PaymentID,
				From:      StatusPending,
				To:        StatusCompleted,
				TxHash:    normalizedTxHash,
				AtUnixUTC: settledUnixUTC,
			}); err != nil {
				return err
			}
			if err := transactionStore.InsertCredit(ctx, LedgerCredit{
				CreditID:       uuid.NewString(),
				PaymentID:      pending.PaymentID,
				UserID:         pending.UserID,
				Token:          transfer.Token,
				Amount:         transfer.Amount,
				TxHash:         normalizedTxHash,
				CreatedUnixUTC: settledUnixUTC,
			}); err != nil {
				return err
			}
			return transactionStore.InsertHistory(ctx, HistoryEntry{
				EntryID:        uuid.NewString(),
				UserID:         pending.UserID,
				PaymentID:      pending.PaymentID,
				Kind:           HistoryDeposit,
				Token:          transfer.Token,
				Amount:         transfer.Amount,
				TxHash:         normalizedTxHash,
				MetadataJSON:   string(metadata),
				CreatedUnixUTC: settledUnixUTC,
			})
		})
		switch {
		case commitErr == nil:
		case errors.Is(commitErr, ErrDepositClosed):
			return service.settledError(ctx, pending.PaymentID)
		case errors.Is(commitErr, ErrTransactionAlreadyUsed):
			return service.closeDeposit(ctx, pending, StatusFailed, normalizedTxHash, commitErr, settledUnixUTC)
		default:
			return commitErr
		}
		settlement = Settlement{
			PaymentID:   pending.PaymentID,
			UserID:      pending.UserID,
			Token:       transfer.Token,
			Requested:   pending.Amount,
			Credited:    transfer.Amount,
			TxHash:      normalizedTxHash,
			From:        transfer.From.Hex(),
			BlockNumber: transfer.BlockNumber,
		}
		return nil
	}()
	loggedAmount := pending.Amount
	if operationError == nil {
		loggedAmount = settlement.Credited
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		PaymentID: paymentID,
		UserID:    pending.UserID,
		Token:     pending.Token,
		Amount:    loggedAmount,
		TxHash:    txHash,
		Error:     operationError,
	})
	if operationError != nil {
		return Settlement{}, operationError
	}
	return settlement, nil
}

// Get returns a deposit after applying lazy expiry.
func (service *Service) Get(ctx context.Context, paymentID PaymentID) (PendingDeposit, error) {
	if err := service.sweepExpired(ctx, service.nowFn()); err != nil {
		return PendingDeposit{}, err
	}
	return service.store.GetDeposit(ctx, paymentID)
}

// Balance sums the ledger credits of userID in token.
func (service *Service) Balance(ctx context.Context, userID UserID, token chain.TokenSymbol) (decimal.Decimal, error) {
	if _, err := chain.NewTokenSymbol(token.String()); err != nil {
		return decimal.Decimal{}, err
	}
	return service.store.SumCredits(ctx, userID, token)
}

// History lists transaction-history entries of userID, newest first.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]HistoryEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return service.store.ListHistory(ctx, userID, limit)
}

type settlementMetadata struct {
	From        string `json:"from"`
	Contract    string `json:"contract"`
	BlockNumber uint64 `json:"block_number"`
	Requested   string `json:"requested_amount"`
}

// closeDeposit moves a pending deposit to a terminal failure status and returns cause.
func (service *Service) closeDeposit(ctx context.Context, pending PendingDeposit, to Status, txHash string, cause error, atUnixUTC int64) error {
	err := service.store.TransitionDeposit(ctx, Transition{
		PaymentID:     pending.PaymentID,
		From:          StatusPending,
		To:            to,
		TxHash:        txHash,
		FailureReason: ReasonCode(cause),
		AtUnixUTC:     atUnixUTC,
	})
	switch {
	case err == nil:
		return cause
	case errors.Is(err, ErrDepositClosed):
		return service.settledError(ctx, pending.PaymentID)
	default:
		return err
	}
}

// settledError reports the status a concurrent caller moved the deposit to.
func (service *Service) settledError(ctx context.Context, paymentID PaymentID) error {
	current, err := service.store.GetDeposit(ctx, paymentID)
	if err != nil {
		return err
	}
	return AlreadySettledError{Status: current.Status}
}

func (service *Service) sweepExpired(ctx context.Context, nowUnixUTC int64) error {
	expired, err := service.store.ExpirePending(ctx, nowUnixUTC)
	if err != nil {
		return err
	}
	if expired > 0 {
		service.logOperation(ctx, OperationLog{Operation: operationExpire, Count: expired})
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	if entry.Error != nil && entry.Reason == "" {
		entry.Reason = ReasonCode(entry.Error)
	}
	service.logger.LogOperation(ctx, entry)
}

// withinTolerance reports whether actual deviates from expected by at most AmountTolerance, inclusive.
func withinTolerance(expected decimal.Decimal, actual decimal.Decimal) bool {
	deviation := actual.Sub(expected).Abs()
	return deviation.LessThanOrEqual(expected.Mul(AmountTolerance))
}
