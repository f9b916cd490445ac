package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	"github.com/gin-gonic/gin"
)

type initiateDepositRequest struct {
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

type settleDepositRequest struct {
	TxHash string `json:"tx_hash"`
}

type depositPayload struct {
	PaymentID     string `json:"payment_id"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	Status        string `json:"status"`
	TxHash        string `json:"tx_hash,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
	SettledAt     string `json:"settled_at,omitempty"`
}

type settlementPayload struct {
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	Token       string `json:"token"`
	Requested   string `json:"requested"`
	Credited    string `json:"credited"`
	TxHash      string `json:"tx_hash"`
	From        string `json:"from"`
	BlockNumber uint64 `json:"block_number"`
}

type balancePayload struct {
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

type historyEntryPayload struct {
	EntryID   string `json:"entry_id"`
	PaymentID string `json:"payment_id"`
	Kind      string `json:"kind"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	TxHash    string `json:"tx_hash"`
	CreatedAt string `json:"created_at"`
}

func (handler *httpHandler) handleInitiateDeposit(ctx *gin.Context) {
	userID, ok := handler.depositUser(ctx)
	if !ok {
		return
	}
	var request initiateDepositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected amount and token"))
		return
	}
	token, err := chain.NewTokenSymbol(request.Token)
	if err != nil {
		handler.respondDepositError(ctx, err)
		return
	}
	amount, err := deposit.NewAmount(request.Amount, token)
	if err != nil {
		handler.respondDepositError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	pending, err := handler.deposits.Initiate(requestCtx, userID, amount, token)
	if err != nil {
		handler.respondDepositError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newDepositPayload(pending))
}

func (handler *httpHandler) handleGetDeposit(ctx *gin.Context) {
	userID, paymentID, ok := handler.depositTarget(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	pending, ok := handler.ownedDeposit(requestCtx, ctx, userID, paymentID)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, newDepositPayload(pending))
}

func (handler *httpHandler) handleSettleDeposit(ctx *gin.Context) {
	userID, paymentID, ok := handler.depositTarget(ctx)
	if !ok {
		return
	}
	var request settleDepositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected tx_hash"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if _, ok := handler.ownedDeposit(requestCtx, ctx, userID, paymentID); !ok {
		return
	}
	settlement, err := handler.deposits.Settle(requestCtx, paymentID, request.TxHash)
	if err != nil {
		handler.respondDepositError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, settlementPayload{
		PaymentID:   settlement.PaymentID.String(),
		Status:      string(deposit.StatusCompleted),
		Token:       settlement.Token.String(),
		Requested:   settlement.Requested.String(),
		Credited:    settlement.Credited.String(),
		TxHash:      settlement.TxHash,
		From:        settlement.From,
		BlockNumber: settlement.BlockNumber,
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.depositUser(ctx)
	if !ok {
		return
	}
	token, err := chain.NewTokenSymbol(ctx.Query("token"))
	if err != nil {
		handler.respondDepositError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.deposits.Balance(requestCtx, userID, token)
	if err != nil {
		handler.respondDepositError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{Token: token.String(), Balance: balance.String()})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.depositUser(ctx)
	if !ok {
		return
	}
	limit := 0
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.deposits.History(requestCtx, userID, limit)
	if err != nil {
		handler.respondDepositError(ctx, err)
		return
	}
	payload := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, historyEntryPayload{
			EntryID:   entry.EntryID,
			PaymentID: entry.PaymentID.String(),
			Kind:      string(entry.Kind),
			Token:     entry.Token.String(),
			Amount:    entry.Amount.String(),
			TxHash:    entry.TxHash,
			CreatedAt: formatUnix(entry.CreatedUnixUTC),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) depositUser(ctx *gin.Context) (deposit.UserID, bool) {
	rawUserID, ok := playerID(ctx)
	if !ok {
		return deposit.UserID{}, false
	}
	userID, err := deposit.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return deposit.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) depositTarget(ctx *gin.Context) (deposit.UserID, deposit.PaymentID, bool) {
	userID, ok := handler.depositUser(ctx)
	if !ok {
		return deposit.UserID{}, deposit.PaymentID{}, false
	}
	paymentID, err := deposit.NewPaymentID(ctx.Param("id"))
	if err != nil {
		handler.respondDepositError(ctx, err)
		return deposit.UserID{}, deposit.PaymentID{}, false
	}
	return userID, paymentID, true
}

// ownedDeposit loads the deposit and answers 404 when it belongs to someone else.
func (handler *httpHandler) ownedDeposit(requestCtx context.Context, ctx *gin.Context, userID deposit.UserID, paymentID deposit.PaymentID) (deposit.PendingDeposit, bool) {
	pending, err := handler.deposits.Get(requestCtx, paymentID)
	if err != nil {
		handler.respondDepositError(ctx, err)
		return deposit.PendingDeposit{}, false
	}
	if pending.UserID != userID {
		handler.respondDepositError(ctx, deposit.ErrDepositNotFound)
		return deposit.PendingDeposit{}, false
	}
	return pending, true
}

func newDepositPayload(pending deposit.PendingDeposit) depositPayload {
	payload := depositPayload{
		PaymentID:     pending.PaymentID.String(),
		Amount:        pending.Amount.String(),
		Token:         pending.Token.String(),
		Status:        string(pending.Status),
		TxHash:        pending.TxHash,
		FailureReason: pending.FailureReason,
		CreatedAt:     formatUnix(pending.CreatedUnixUTC),
		ExpiresAt:     formatUnix(pending.ExpiresUnixUTC),
	}
	if pending.SettledUnixUTC > 0 {
		payload.SettledAt = formatUnix(pending.SettledUnixUTC)
	}
	return payload
}

func formatUnix(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().Format(time.RFC3339)
}
