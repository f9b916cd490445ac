// Package httpapi exposes the fairness and settlement services over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// SessionEngine is the commit-reveal surface served by the API. *fairness.SessionService satisfies it.
type SessionEngine interface {
	Open(ctx context.Context, userID fairness.UserID, clientSeed fairness.ClientSeed) (fairness.SessionInfo, error)
	Get(ctx context.Context, userID fairness.UserID, sessionID fairness.SessionID) (fairness.SessionInfo, error)
	PlayNumeric(ctx context.Context, userID fairness.UserID, sessionID fairness.SessionID, maxValue uint32) (fairness.NumericBet, error)
	PlaySlot(ctx context.Context, userID fairness.UserID, sessionID fairness.SessionID) (fairness.SlotBet, error)
	PlayDeck(ctx context.Context, userID fairness.UserID, sessionID fairness.SessionID) (fairness.DeckBet, error)
	RotateClientSeed(ctx context.Context, userID fairness.UserID, sessionID fairness.SessionID, clientSeed fairness.ClientSeed) (fairness.SessionInfo, error)
	Reveal(ctx context.Context, userID fairness.UserID, sessionID fairness.SessionID) (fairness.RevealedSession, error)
}

// DepositEngine is the settlement surface served by the API. *deposit.Service satisfies it.
type DepositEngine interface {
	Initiate(ctx context.Context, userID deposit.UserID, amount decimal.Decimal, token chain.TokenSymbol) (deposit.PendingDeposit, error)
	Settle(ctx context.Context, paymentID deposit.PaymentID, txHash string) (deposit.Settlement, error)
	Get(ctx context.Context, paymentID deposit.PaymentID) (deposit.PendingDeposit, error)
	Balance(ctx context.Context, userID deposit.UserID, token chain.TokenSymbol) (decimal.Decimal, error)
	History(ctx context.Context, userID deposit.UserID, limit int) ([]deposit.HistoryEntry, error)
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, sessions SessionEngine, deposits DepositEngine) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := NewRouter(cfg, logger, sessions, deposits)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with tauth session validation on every /api route except verification.
func NewRouter(cfg Config, logger *zap.Logger, sessions SessionEngine, deposits DepositEngine) (*gin.Engine, error) {
	if sessions == nil || deposits == nil {
		return nil, errors.New("http api: session and deposit engines are required")
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:   logger,
		sessions: sessions,
		deposits: deposits,
		cfg:      cfg,
	}
	return setupRouter(cfg, handler, validator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/fairness/verify", handler.handleVerify)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/sessions", handler.handleOpenSession)
	api.GET("/sessions/:id", handler.handleGetSession)
	api.POST("/sessions/:id/numeric", handler.handlePlayNumeric)
	api.POST("/sessions/:id/slot", handler.handlePlaySlot)
	api.POST("/sessions/:id/deck", handler.handlePlayDeck)
	api.PUT("/sessions/:id/client-seed", handler.handleRotateClientSeed)
	api.POST("/sessions/:id/reveal", handler.handleReveal)

	api.POST("/deposits", handler.handleInitiateDeposit)
	api.GET("/deposits/:id", handler.handleGetDeposit)
	api.POST("/deposits/:id/settle", handler.handleSettleDeposit)
	api.GET("/balance", handler.handleBalance)
	api.GET("/history", handler.handleHistory)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	sessions SessionEngine
	deposits DepositEngine
	cfg      Config
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// playerID returns the authenticated user id, answering 401 itself when there is none.
func playerID(ctx *gin.Context) (string, bool) {
	claims := getClaims(ctx)
	if claims == nil || claims.GetUserID() == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return "", false
	}
	return claims.GetUserID(), true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
