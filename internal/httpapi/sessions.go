package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/gin-gonic/gin"
)

const (
	gameNumeric = "numeric"
	gameSlot    = "slot"
	gameDeck    = "deck"
)

type openSessionRequest struct {
	ClientSeed string `json:"client_seed"`
}

type rotateClientSeedRequest struct {
	ClientSeed string `json:"client_seed"`
}

type playNumericRequest struct {
	MaxValue *uint32 `json:"max_value"`
}

type verifyRequest struct {
	Game       string  `json:"game"`
	ServerSeed string  `json:"server_seed"`
	Commitment string  `json:"commitment"`
	ClientSeed string  `json:"client_seed"`
	Nonce      uint64  `json:"nonce"`
	MaxValue   *uint32 `json:"max_value"`
	Value      uint32  `json:"value"`
	Reels      []int   `json:"reels"`
	Multiplier int     `json:"multiplier"`
	Deck       []int   `json:"deck"`
}

type sessionPayload struct {
	SessionID  string `json:"session_id"`
	Commitment string `json:"commitment"`
	ClientSeed string `json:"client_seed"`
	NextNonce  uint64 `json:"next_nonce"`
	Revealed   bool   `json:"revealed"`
}

type betPayload struct {
	SessionID  string `json:"session_id"`
	Commitment string `json:"commitment"`
	ClientSeed string `json:"client_seed"`
	Nonce      uint64 `json:"nonce"`
}

type numericBetPayload struct {
	betPayload
	MaxValue uint32 `json:"max_value"`
	Value    uint32 `json:"value"`
}

type slotBetPayload struct {
	betPayload
	Reels      []int `json:"reels"`
	Multiplier int   `json:"multiplier"`
}

type deckBetPayload struct {
	betPayload
	Deck []int `json:"deck"`
}

type revealPayload struct {
	SessionID       string `json:"session_id"`
	ServerSeed      string `json:"server_seed"`
	Commitment      string `json:"commitment"`
	ClientSeed      string `json:"client_seed"`
	NextNonce       uint64 `json:"next_nonce"`
	RevealedUnixUTC int64  `json:"revealed_unix_utc"`
}

type verifyPayload struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (handler *httpHandler) handleOpenSession(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request openSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	var clientSeed fairness.ClientSeed
	if request.ClientSeed != "" {
		parsed, err := fairness.NewClientSeed(request.ClientSeed)
		if err != nil {
			handler.respondSessionError(ctx, err)
			return
		}
		clientSeed = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	info, err := handler.sessions.Open(requestCtx, userID, clientSeed)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newSessionPayload(info))
}

func (handler *httpHandler) handleGetSession(ctx *gin.Context) {
	userID, sessionID, ok := handler.sessionTarget(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	info, err := handler.sessions.Get(requestCtx, userID, sessionID)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newSessionPayload(info))
}

func (handler *httpHandler) handlePlayNumeric(ctx *gin.Context) {
	userID, sessionID, ok := handler.sessionTarget(ctx)
	if !ok {
		return
	}
	var request playNumericRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "max_value must be a non-negative 32-bit integer"))
		return
	}
	maxValue := fairness.DefaultMaxValue
	if request.MaxValue != nil {
		maxValue = *request.MaxValue
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bet, err := handler.sessions.PlayNumeric(requestCtx, userID, sessionID, maxValue)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, numericBetPayload{
		betPayload: newBetPayload(bet.Bet),
		MaxValue:   bet.MaxValue,
		Value:      bet.Value,
	})
}

func (handler *httpHandler) handlePlaySlot(ctx *gin.Context) {
	userID, sessionID, ok := handler.sessionTarget(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bet, err := handler.sessions.PlaySlot(requestCtx, userID, sessionID)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, slotBetPayload{
		betPayload: newBetPayload(bet.Bet),
		Reels:      bet.Outcome.Reels[:],
		Multiplier: bet.Outcome.Multiplier,
	})
}

func (handler *httpHandler) handlePlayDeck(ctx *gin.Context) {
	userID, sessionID, ok := handler.sessionTarget(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bet, err := handler.sessions.PlayDeck(requestCtx, userID, sessionID)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, deckBetPayload{
		betPayload: newBetPayload(bet.Bet),
		Deck:       bet.Deck[:],
	})
}

func (handler *httpHandler) handleRotateClientSeed(ctx *gin.Context) {
	userID, sessionID, ok := handler.sessionTarget(ctx)
	if !ok {
		return
	}
	var request rotateClientSeedRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	clientSeed, err := fairness.NewClientSeed(request.ClientSeed)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	info, err := handler.sessions.RotateClientSeed(requestCtx, userID, sessionID, clientSeed)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newSessionPayload(info))
}

func (handler *httpHandler) handleReveal(ctx *gin.Context) {
	userID, sessionID, ok := handler.sessionTarget(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	revealed, err := handler.sessions.Reveal(requestCtx, userID, sessionID)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, revealPayload{
		SessionID:       revealed.ID.String(),
		ServerSeed:      revealed.ServerSeed.String(),
		Commitment:      revealed.Commitment.String(),
		ClientSeed:      revealed.ClientSeed.String(),
		NextNonce:       uint64(revealed.NextNonce),
		RevealedUnixUTC: revealed.RevealedUnixUTC,
	})
}

// handleVerify recomputes a revealed outcome. It needs no session: everything comes from the request.
func (handler *httpHandler) handleVerify(ctx *gin.Context) {
	var request verifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	serverSeed, err := fairness.NewServerSeed(request.ServerSeed)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	commitment, err := fairness.NewCommitment(request.Commitment)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	clientSeed, err := fairness.NewClientSeed(request.ClientSeed)
	if err != nil {
		handler.respondSessionError(ctx, err)
		return
	}
	inputs := fairness.OutcomeInputs{ServerSeed: serverSeed, ClientSeed: clientSeed, Nonce: fairness.Nonce(request.Nonce)}

	var verification fairness.Verification
	switch request.Game {
	case gameNumeric:
		maxValue := fairness.DefaultMaxValue
		if request.MaxValue != nil {
			maxValue = *request.MaxValue
		}
		verification = fairness.VerifyNumeric(inputs, commitment, maxValue, request.Value)
	case gameSlot:
		if len(request.Reels) != fairness.ReelCount {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "reels must hold three symbols"))
			return
		}
		claimed := fairness.SlotOutcome{Multiplier: request.Multiplier}
		copy(claimed.Reels[:], request.Reels)
		verification = fairness.VerifySlot(inputs, commitment, claimed)
	case gameDeck:
		if len(request.Deck) != fairness.DeckSize {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "deck must hold 52 cards"))
			return
		}
		var claimed fairness.Deck
		copy(claimed[:], request.Deck)
		verification = fairness.VerifyDeck(inputs, commitment, claimed)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "game must be numeric, slot or deck"))
		return
	}
	ctx.JSON(http.StatusOK, verifyPayload{Valid: verification.Valid, Reason: verification.Reason})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (fairness.UserID, bool) {
	rawUserID, ok := playerID(ctx)
	if !ok {
		return fairness.UserID{}, false
	}
	userID, err := fairness.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return fairness.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) sessionTarget(ctx *gin.Context) (fairness.UserID, fairness.SessionID, bool) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return fairness.UserID{}, fairness.SessionID{}, false
	}
	sessionID, err := fairness.NewSessionID(ctx.Param("id"))
	if err != nil {
		handler.respondSessionError(ctx, err)
		return fairness.UserID{}, fairness.SessionID{}, false
	}
	return userID, sessionID, true
}

func newSessionPayload(info fairness.SessionInfo) sessionPayload {
	return sessionPayload{
		SessionID:  info.ID.String(),
		Commitment: info.Commitment.String(),
		ClientSeed: info.ClientSeed.String(),
		NextNonce:  uint64(info.NextNonce),
		Revealed:   info.Revealed,
	}
}

func newBetPayload(bet fairness.Bet) betPayload {
	return betPayload{
		SessionID:  bet.SessionID.String(),
		Commitment: bet.Commitment.String(),
		ClientSeed: bet.ClientSeed.String(),
		Nonce:      uint64(bet.Nonce),
	}
}
