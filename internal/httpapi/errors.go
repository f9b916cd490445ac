package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeInvalidPayload  = "invalid_payload"
	codeSessionNotFound = "session_not_found"
	codeSessionRevealed = "session_revealed"
	codeInvalidInput    = "invalid_input"
	codeInternal        = "internal"
)

var depositStatusByReason = map[string]int{
	deposit.ReasonNotFound:               http.StatusNotFound,
	deposit.ReasonAlreadySettled:         http.StatusConflict,
	deposit.ReasonExpired:                http.StatusGone,
	deposit.ReasonTransactionNotFound:    http.StatusUnprocessableEntity,
	deposit.ReasonTransactionFailed:      http.StatusUnprocessableEntity,
	deposit.ReasonNoValidTransfer:        http.StatusUnprocessableEntity,
	deposit.ReasonUnknownToken:           http.StatusUnprocessableEntity,
	deposit.ReasonAmountMismatch:         http.StatusUnprocessableEntity,
	deposit.ReasonTokenMismatch:          http.StatusUnprocessableEntity,
	deposit.ReasonTransactionAlreadyUsed: http.StatusUnprocessableEntity,
	deposit.ReasonVerificationFailed:     http.StatusUnprocessableEntity,
	deposit.ReasonRPCTimeout:             http.StatusServiceUnavailable,
	deposit.ReasonRPCUnreachable:         http.StatusServiceUnavailable,
	deposit.ReasonInvalidTxHash:          http.StatusBadRequest,
	deposit.ReasonInvalidPaymentID:       http.StatusBadRequest,
	deposit.ReasonInvalidUserID:          http.StatusBadRequest,
	deposit.ReasonInvalidAmount:          http.StatusBadRequest,
	deposit.ReasonInvalidToken:           http.StatusBadRequest,
}

func (handler *httpHandler) respondDepositError(ctx *gin.Context, err error) {
	reason := deposit.ReasonCode(err)
	status, ok := depositStatusByReason[reason]
	if !ok {
		status = http.StatusInternalServerError
	}
	handler.respondError(ctx, status, reason, err)
}

func (handler *httpHandler) respondSessionError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, fairness.ErrSessionNotFound):
		handler.respondError(ctx, http.StatusNotFound, codeSessionNotFound, err)
	case errors.Is(err, fairness.ErrSessionRevealed):
		handler.respondError(ctx, http.StatusConflict, codeSessionRevealed, err)
	case isFairnessInputError(err):
		handler.respondError(ctx, http.StatusBadRequest, codeInvalidInput, err)
	default:
		handler.respondError(ctx, http.StatusInternalServerError, codeInternal, err)
	}
}

// respondError hides the cause of server-side failures from the client and logs it instead.
func (handler *httpHandler) respondError(ctx *gin.Context, status int, code string, err error) {
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.String("code", code), zap.Error(err))
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	ctx.JSON(status, errorResponse(code, message))
}

func isFairnessInputError(err error) bool {
	for _, inputErr := range []error{
		fairness.ErrInvalidServerSeed,
		fairness.ErrInvalidClientSeed,
		fairness.ErrInvalidCommitment,
		fairness.ErrInvalidNonce,
		fairness.ErrInvalidMaxValue,
		fairness.ErrInvalidSessionID,
		fairness.ErrInvalidUserID,
	} {
		if errors.Is(err, inputErr) {
			return true
		}
	}
	return false
}
