package fairness

import (
	"context"
	"errors"
	"fmt"
)

// Session is the stored state of one commit-reveal session, including the secret seed.
type Session struct {
	ID              SessionID
	UserID          UserID
	ServerSeed      ServerSeed
	Commitment      Commitment
	ClientSeed      ClientSeed
	NextNonce       Nonce
	Revealed        bool
	CreatedUnixUTC  int64
	RevealedUnixUTC int64
}

// SessionStore is the persistence contract used by SessionService.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID SessionID) (Session, error)
	// ConsumeNonce atomically reserves the next nonce of an unrevealed session and returns the
	// session as it was before the increment.
	ConsumeNonce(ctx context.Context, sessionID SessionID) (Session, error)
	UpdateClientSeed(ctx context.Context, sessionID SessionID, clientSeed ClientSeed) error
	// MarkRevealed ends the session; revealing an already revealed session returns it unchanged.
	MarkRevealed(ctx context.Context, sessionID SessionID, atUnixUTC int64) (Session, error)
}

// SessionInfo is the public view of a session.
type SessionInfo struct {
	ID         SessionID
	Commitment Commitment
	ClientSeed ClientSeed
	NextNonce  Nonce
	Revealed   bool
}

// Bet identifies the inputs one outcome was derived from, without the server seed.
type Bet struct {
	SessionID  SessionID
	Commitment Commitment
	ClientSeed ClientSeed
	Nonce      Nonce
}

// NumericBet is a resolved numeric outcome.
type NumericBet struct {
	Bet
	MaxValue uint32
	Value    uint32
}

// SlotBet is a resolved slot spin.
type SlotBet struct {
	Bet
	Outcome SlotOutcome
}

// DeckBet is a resolved deck shuffle.
type DeckBet struct {
	Bet
	Deck Deck
}

// RevealedSession is everything a player needs to verify past outcomes.
type RevealedSession struct {
	ID              SessionID
	ServerSeed      ServerSeed
	Commitment      Commitment
	ClientSeed      ClientSeed
	NextNonce       Nonce
	RevealedUnixUTC int64
}

// SessionService runs commit-reveal sessions over a SessionStore.
type SessionService struct {
	store      SessionStore
	commitment *SeedCommitment
	nowFn      func() int64
	logger     OperationLogger
}

// NewSessionService wires a SessionService.
func NewSessionService(store SessionStore, commitment *SeedCommitment, now func() int64, options ...ServiceOption) (*SessionService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if commitment == nil {
		return nil, fmt.Errorf("%w: seed commitment dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &SessionService{store: store, commitment: commitment, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Open issues a server seed and publishes only its commitment. A zero clientSeed asks the engine to draw one.
func (service *SessionService) Open(ctx context.Context, userID UserID, clientSeed ClientSeed) (SessionInfo, error) {
	var session Session
	operationError := func() error {
		issued, err := service.commitment.Issue()
		if err != nil {
			return err
		}
		if clientSeed.IsZero() {
			clientSeed, err = service.commitment.NewClientSeed()
			if err != nil {
				return err
			}
		}
		sessionID, err := service.commitment.NewSessionID()
		if err != nil {
			return err
		}
		session = Session{
			ID:             sessionID,
			UserID:         userID,
			ServerSeed:     issued.Seed,
			Commitment:     issued.Commitment,
			ClientSeed:     clientSeed,
			CreatedUnixUTC: issued.CreatedUnixUTC,
		}
		if err := service.store.CreateSession(ctx, session); err != nil {
			if errors.Is(err, ErrSessionExists) {
				return fmt.Errorf("session id collision: %w", err)
			}
			return err
		}
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:  operationOpen,
		SessionID:  session.ID,
		UserID:     userID,
		Commitment: session.Commitment,
		Error:      operationError,
	})
	if operationError != nil {
		return SessionInfo{}, operationError
	}
	return sessionInfo(session), nil
}

// Get returns the public view of a session owned by userID.
func (service *SessionService) Get(ctx context.Context, userID UserID, sessionID SessionID) (SessionInfo, error) {
	session, err := service.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return sessionInfo(session), nil
}

// PlayNumeric consumes the next nonce and derives a value in [0, maxValue].
func (service *SessionService) PlayNumeric(ctx context.Context, userID UserID, sessionID SessionID, maxValue uint32) (NumericBet, error) {
	session, err := service.consume(ctx, operationPlayNumeric, userID, sessionID)
	if err != nil {
		return NumericBet{}, err
	}
	return NumericBet{
		Bet:      betFor(session),
		MaxValue: maxValue,
		Value:    NumericOutcome(inputsFor(session), maxValue),
	}, nil
}

// PlaySlot consumes the next nonce and spins three reels.
func (service *SessionService) PlaySlot(ctx context.Context, userID UserID, sessionID SessionID) (SlotBet, error) {
	session, err := service.consume(ctx, operationPlaySlot, userID, sessionID)
	if err != nil {
		return SlotBet{}, err
	}
	return SlotBet{Bet: betFor(session), Outcome: SlotSpin(inputsFor(session))}, nil
}

// PlayDeck consumes the next nonce and shuffles a deck.
func (service *SessionService) PlayDeck(ctx context.Context, userID UserID, sessionID SessionID) (DeckBet, error) {
	session, err := service.consume(ctx, operationPlayDeck, userID, sessionID)
	if err != nil {
		return DeckBet{}, err
	}
	return DeckBet{Bet: betFor(session), Deck: ShuffledDeck(inputsFor(session))}, nil
}

// RotateClientSeed replaces the client seed between bets. The nonce keeps counting.
func (service *SessionService) RotateClientSeed(ctx context.Context, userID UserID, sessionID SessionID, clientSeed ClientSeed) (SessionInfo, error) {
	var session Session
	operationError := func() error {
		if clientSeed.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidClientSeed)
		}
		owned, err := service.ownedSession(ctx, userID, sessionID)
		if err != nil {
			return err
		}
		if owned.Revealed {
			return ErrSessionRevealed
		}
		if err := service.store.UpdateClientSeed(ctx, sessionID, clientSeed); err != nil {
			return err
		}
		owned.ClientSeed = clientSeed
		session = owned
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:  operationRotateClientSeed,
		SessionID:  sessionID,
		UserID:     userID,
		Commitment: session.Commitment,
		Nonce:      session.NextNonce,
		Error:      operationError,
	})
	if operationError != nil {
		return SessionInfo{}, operationError
	}
	return sessionInfo(session), nil
}

// Reveal ends the session and discloses its server seed.
func (service *SessionService) Reveal(ctx context.Context, userID UserID, sessionID SessionID) (RevealedSession, error) {
	var session Session
	operationError := func() error {
		if _, err := service.ownedSession(ctx, userID, sessionID); err != nil {
			return err
		}
		revealed, err := service.store.MarkRevealed(ctx, sessionID, service.nowFn())
		if err != nil {
			return err
		}
		session = revealed
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:  operationReveal,
		SessionID:  sessionID,
		UserID:     userID,
		Commitment: session.Commitment,
		Nonce:      session.NextNonce,
		Error:      operationError,
	})
	if operationError != nil {
		return RevealedSession{}, operationError
	}
	return RevealedSession{
		ID:              session.ID,
		ServerSeed:      service.commitment.Reveal(session.ServerSeed),
		Commitment:      session.Commitment,
		ClientSeed:      session.ClientSeed,
		NextNonce:       session.NextNonce,
		RevealedUnixUTC: session.RevealedUnixUTC,
	}, nil
}

func (service *SessionService) consume(ctx context.Context, operation string, userID UserID, sessionID SessionID) (Session, error) {
	var session Session
	operationError := func() error {
		owned, err := service.ownedSession(ctx, userID, sessionID)
		if err != nil {
			return err
		}
		if owned.Revealed {
			return ErrSessionRevealed
		}
		consumed, err := service.store.ConsumeNonce(ctx, sessionID)
		if err != nil {
			return err
		}
		session = consumed
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:  operation,
		SessionID:  sessionID,
		UserID:     userID,
		Commitment: session.Commitment,
		Nonce:      session.NextNonce,
		Error:      operationError,
	})
	return session, operationError
}

// Sessions owned by someone else are reported as missing.
func (service *SessionService) ownedSession(ctx context.Context, userID UserID, sessionID SessionID) (Session, error) {
	session, err := service.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.UserID != userID {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (service *SessionService) logOperation(ctx context.Context, entry OperationLog) {
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
	service.logger.LogOperation(ctx, entry)
}

func sessionInfo(session Session) SessionInfo {
	return SessionInfo{
		ID:         session.ID,
		Commitment: session.Commitment,
		ClientSeed: session.ClientSeed,
		NextNonce:  session.NextNonce,
		Revealed:   session.Revealed,
	}
}

func betFor(session Session) Bet {
	return Bet{
		SessionID:  session.ID,
		Commitment: session.Commitment,
		ClientSeed: session.ClientSeed,
		Nonce:      session.NextNonce,
	}
}

func inputsFor(session Session) OutcomeInputs {
	return OutcomeInputs{
		ServerSeed: session.ServerSeed,
		ClientSeed: session.ClientSeed,
		Nonce:      session.NextNonce,
	}
}

// RestoreSession rebuilds a Session from persisted fields, validating each one.
func RestoreSession(sessionID string, userID string, serverSeed string, clientSeed string, nextNonce int64, revealed bool, createdUnixUTC int64, revealedUnixUTC int64) (Session, error) {
	parsedSessionID, err := NewSessionID(sessionID)
	if err != nil {
		return Session{}, err
	}
	parsedUserID, err := NewUserID(userID)
	if err != nil {
		return Session{}, err
	}
	parsedServerSeed, err := NewServerSeed(serverSeed)
	if err != nil {
		return Session{}, err
	}
	parsedClientSeed, err := NewClientSeed(clientSeed)
	if err != nil {
		return Session{}, err
	}
	parsedNonce, err := NewNonce(nextNonce)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:              parsedSessionID,
		UserID:          parsedUserID,
		ServerSeed:      parsedServerSeed,
		Commitment:      parsedServerSeed.Commitment(),
		ClientSeed:      parsedClientSeed,
		NextNonce:       parsedNonce,
		Revealed:        revealed,
		CreatedUnixUTC:  createdUnixUTC,
		RevealedUnixUTC: revealedUnixUTC,
	}, nil
}
