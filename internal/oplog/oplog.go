// Package oplog forwards service operation logs to zap.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	messageSessionOperation    = "session operation"
	messageSettlementOperation = "settlement operation"
	statusOK                   = "ok"
)

// Sessions implements fairness.OperationLogger.
type Sessions struct {
	logger *zap.Logger
}

// NewSessions returns a session operation logger. A nil logger discards everything.
func NewSessions(logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{logger: logger.Named("fairness")}
}

func (sessions *Sessions) LogOperation(_ context.Context, entry fairness.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("session_id", entry.SessionID.String()),
		zap.String("user_id", entry.UserID.String()),
		zap.String("commitment", entry.Commitment.String()),
		zap.Uint64("nonce", uint64(entry.Nonce)),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	sessions.logger.Check(sessionLevel(entry), messageSessionOperation).Write(fields...)
}

func sessionLevel(entry fairness.OperationLog) zapcore.Level {
	if entry.Error == nil {
		return zapcore.InfoLevel
	}
	if errors.Is(entry.Error, fairness.ErrSessionNotFound) || errors.Is(entry.Error, fairness.ErrSessionRevealed) {
		return zapcore.InfoLevel
	}
	for _, expected := range []error{
		fairness.ErrInvalidClientSeed,
		fairness.ErrInvalidMaxValue,
		fairness.ErrInvalidSessionID,
		fairness.ErrInvalidUserID,
	} {
		if errors.Is(entry.Error, expected) {
			return zapcore.WarnLevel
		}
	}
	return zapcore.ErrorLevel
}

// Settlements implements deposit.OperationLogger.
type Settlements struct {
	logger *zap.Logger
}

// NewSettlements returns a settlement operation logger. A nil logger discards everything.
func NewSettlements(logger *zap.Logger) *Settlements {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settlements{logger: logger.Named("deposit")}
}

func (settlements *Settlements) LogOperation(_ context.Context, entry deposit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.PaymentID.String() != "" {
		fields = append(fields, zap.String("payment_id", entry.PaymentID.String()))
	}
	if entry.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.Token != "" {
		fields = append(fields, zap.String("token", entry.Token.String()), zap.String("amount", entry.Amount.String()))
	}
	if entry.TxHash != "" {
		fields = append(fields, zap.String("tx_hash", entry.TxHash))
	}
	if entry.Count > 0 {
		fields = append(fields, zap.Int64("count", entry.Count))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	settlements.logger.Check(settlementLevel(entry), messageSettlementOperation).Write(fields...)
}

// settlementLevel maps a failure to a log level by reason code. Only infrastructure failures reach Error.
func settlementLevel(entry deposit.OperationLog) zapcore.Level {
	if entry.Error == nil || entry.Status == statusOK {
		return zapcore.InfoLevel
	}
	if deposit.IsRetryable(entry.Error) {
		return zapcore.ErrorLevel
	}
	switch entry.Reason {
	case deposit.ReasonAlreadySettled, deposit.ReasonNotFound, deposit.ReasonExpired:
		return zapcore.InfoLevel
	case deposit.ReasonInternal, "":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
