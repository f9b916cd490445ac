package fairness

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubSessionStore struct {
	mutex     sync.Mutex
	sessions  map[SessionID]Session
	createErr error
}

func newStubSessionStore() *stubSessionStore {
	return &stubSessionStore{sessions: map[SessionID]Session{}}
}

func (store *stubSessionStore) CreateSession(ctx context.Context, session Session) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.createErr != nil {
		return store.createErr
	}
	if _, exists := store.sessions[session.ID]; exists {
		return ErrSessionExists
	}
	store.sessions[session.ID] = session
	return nil
}

func (store *stubSessionStore) GetSession(ctx context.Context, sessionID SessionID) (Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (store *stubSessionStore) ConsumeNonce(ctx context.Context, sessionID SessionID) (Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if session.Revealed {
		return Session{}, ErrSessionRevealed
	}
	consumed := session
	session.NextNonce++
	store.sessions[sessionID] = session
	return consumed, nil
}

func (store *stubSessionStore) UpdateClientSeed(ctx context.Context, sessionID SessionID, clientSeed ClientSeed) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Revealed {
		return ErrSessionRevealed
	}
	session.ClientSeed = clientSeed
	store.sessions[sessionID] = session
	return nil
}

func (store *stubSessionStore) MarkRevealed(ctx context.Context, sessionID SessionID, atUnixUTC int64) (Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !session.Revealed {
		session.Revealed = true
		session.RevealedUnixUTC = atUnixUTC
		store.sessions[sessionID] = session
	}
	return session, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func TestOpenPublishesCommitmentWithoutConsumingNonce(test *testing.T) {
	test.Parallel()
	store := newStubSessionStore()
	service := mustSessionService(test, store)
	userID := mustUserID(test, "player-1")

	info, err := service.Open(context.Background(), userID, ClientSeed{})
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if info.NextNonce != 0 {
		test.Fatalf("expected nonce 0, got %d", info.NextNonce)
	}
	if info.ClientSeed.IsZero() {
		test.Fatalf("expected engine generated client seed")
	}
	stored := store.sessions[info.ID]
	if !stored.ServerSeed.Commitment().Matches(info.Commitment) {
		test.Fatalf("commitment %s does not match stored seed", info.Commitment.String())
	}
}

func TestPlayConsumesNoncesInOrder(test *testing.T) {
	test.Parallel()
	store := newStubSessionStore()
	service := mustSessionService(test, store)
	userID := mustUserID(test, "player-2")
	ctx := context.Background()
	info, err := service.Open(ctx, userID, mustClientSeed(test, goldenClientSeed))
	if err != nil {
		test.Fatalf("open: %v", err)
	}

	numeric, err := service.PlayNumeric(ctx, userID, info.ID, 100)
	if err != nil {
		test.Fatalf("play numeric: %v", err)
	}
	slot, err := service.PlaySlot(ctx, userID, info.ID)
	if err != nil {
		test.Fatalf("play slot: %v", err)
	}
	deck, err := service.PlayDeck(ctx, userID, info.ID)
	if err != nil {
		test.Fatalf("play deck: %v", err)
	}
	if numeric.Nonce != 0 || slot.Nonce != 1 || deck.Nonce != 2 {
		test.Fatalf("expected nonces 0,1,2 got %d,%d,%d", numeric.Nonce, slot.Nonce, deck.Nonce)
	}

	revealed, err := service.Reveal(ctx, userID, info.ID)
	if err != nil {
		test.Fatalf("reveal: %v", err)
	}
	if revealed.NextNonce != 3 {
		test.Fatalf("expected next nonce 3 after reveal, got %d", revealed.NextNonce)
	}
	numericInputs := OutcomeInputs{ServerSeed: revealed.ServerSeed, ClientSeed: numeric.ClientSeed, Nonce: numeric.Nonce}
	if verification := VerifyNumeric(numericInputs, info.Commitment, 100, numeric.Value); !verification.Valid {
		test.Fatalf("numeric outcome failed verification: %s", verification.Reason)
	}
	slotInputs := OutcomeInputs{ServerSeed: revealed.ServerSeed, ClientSeed: slot.ClientSeed, Nonce: slot.Nonce}
	if verification := VerifySlot(slotInputs, info.Commitment, slot.Outcome); !verification.Valid {
		test.Fatalf("slot outcome failed verification: %s", verification.Reason)
	}
	deckInputs := OutcomeInputs{ServerSeed: revealed.ServerSeed, ClientSeed: deck.ClientSeed, Nonce: deck.Nonce}
	if verification := VerifyDeck(deckInputs, info.Commitment, deck.Deck); !verification.Valid {
		test.Fatalf("deck outcome failed verification: %s", verification.Reason)
	}
}

func TestPlayAfterRevealFails(test *testing.T) {
	test.Parallel()
	service := mustSessionService(test, newStubSessionStore())
	userID := mustUserID(test, "player-3")
	ctx := context.Background()
	info, err := service.Open(ctx, userID, ClientSeed{})
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	first, err := service.Reveal(ctx, userID, info.ID)
	if err != nil {
		test.Fatalf("reveal: %v", err)
	}
	second, err := service.Reveal(ctx, userID, info.ID)
	if err != nil {
		test.Fatalf("second reveal: %v", err)
	}
	if first != second {
		test.Fatalf("expected repeated reveal to return identical data")
	}
	if _, err := service.PlayNumeric(ctx, userID, info.ID, 10); !errors.Is(err, ErrSessionRevealed) {
		test.Fatalf("expected ErrSessionRevealed, got %v", err)
	}
	if _, err := service.RotateClientSeed(ctx, userID, info.ID, mustClientSeed(test, goldenClientSeed)); !errors.Is(err, ErrSessionRevealed) {
		test.Fatalf("expected ErrSessionRevealed on rotate, got %v", err)
	}
}

func TestRotateClientSeedKeepsNonce(test *testing.T) {
	test.Parallel()
	service := mustSessionService(test, newStubSessionStore())
	userID := mustUserID(test, "player-4")
	ctx := context.Background()
	info, err := service.Open(ctx, userID, ClientSeed{})
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if _, err := service.PlaySlot(ctx, userID, info.ID); err != nil {
		test.Fatalf("play slot: %v", err)
	}
	rotated, err := service.RotateClientSeed(ctx, userID, info.ID, mustClientSeed(test, goldenClientSeed))
	if err != nil {
		test.Fatalf("rotate: %v", err)
	}
	if rotated.ClientSeed.String() != goldenClientSeed || rotated.NextNonce != 1 {
		test.Fatalf("unexpected rotated session: %+v", rotated)
	}
	bet, err := service.PlaySlot(ctx, userID, info.ID)
	if err != nil {
		test.Fatalf("play slot: %v", err)
	}
	if bet.Nonce != 1 || bet.ClientSeed.String() != goldenClientSeed {
		test.Fatalf("expected nonce 1 with rotated seed, got %+v", bet.Bet)
	}
}

func TestSessionsAreScopedToOwner(test *testing.T) {
	test.Parallel()
	service := mustSessionService(test, newStubSessionStore())
	ctx := context.Background()
	owner := mustUserID(test, "owner")
	intruder := mustUserID(test, "intruder")
	info, err := service.Open(ctx, owner, ClientSeed{})
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if _, err := service.PlayDeck(ctx, intruder, info.ID); !errors.Is(err, ErrSessionNotFound) {
		test.Fatalf("expected ErrSessionNotFound for play, got %v", err)
	}
	if _, err := service.Reveal(ctx, intruder, info.ID); !errors.Is(err, ErrSessionNotFound) {
		test.Fatalf("expected ErrSessionNotFound for reveal, got %v", err)
	}
	if _, err := service.Get(ctx, intruder, info.ID); !errors.Is(err, ErrSessionNotFound) {
		test.Fatalf("expected ErrSessionNotFound for get, got %v", err)
	}
}

func TestConcurrentPlaysNeverReuseNonce(test *testing.T) {
	test.Parallel()
	service := mustSessionService(test, newStubSessionStore())
	userID := mustUserID(test, "player-5")
	ctx := context.Background()
	info, err := service.Open(ctx, userID, ClientSeed{})
	if err != nil {
		test.Fatalf("open: %v", err)
	}

	const plays = 64
	nonces := make(chan Nonce, plays)
	var waitGroup sync.WaitGroup
	for index := 0; index < plays; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			bet, playErr := service.PlayNumeric(ctx, userID, info.ID, DefaultMaxValue)
			if playErr != nil {
				test.Errorf("play: %v", playErr)
				return
			}
			nonces <- bet.Nonce
		}()
	}
	waitGroup.Wait()
	close(nonces)

	seen := map[Nonce]bool{}
	for nonce := range nonces {
		if seen[nonce] {
			test.Fatalf("nonce %d reused", nonce)
		}
		seen[nonce] = true
	}
	if len(seen) != plays {
		test.Fatalf("expected %d distinct nonces, got %d", plays, len(seen))
	}
}

func TestOpenFailsWhenEntropyUnavailable(test *testing.T) {
	test.Parallel()
	commitment, err := NewSeedCommitment(NewReaderEntropySource(nil), func() int64 { return 1 })
	if err != nil {
		test.Fatalf("seed commitment: %v", err)
	}
	logger := &recorderLogger{}
	service, err := NewSessionService(newStubSessionStore(), commitment, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("session service: %v", err)
	}
	_, err = service.Open(context.Background(), mustUserID(test, "player-6"), ClientSeed{})
	if !errors.Is(err, ErrEntropySourceUnavailable) {
		test.Fatalf("expected ErrEntropySourceUnavailable, got %v", err)
	}
	if len(logger.entries) != 1 || logger.entries[0].Status != operationStatusError {
		test.Fatalf("expected one error log entry, got %+v", logger.entries)
	}
}

func TestServiceLogsPlayOperations(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	commitment := mustSeedCommitment(test, CryptoEntropySource{})
	service, err := NewSessionService(newStubSessionStore(), commitment, func() int64 { return 5 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("session service: %v", err)
	}
	userID := mustUserID(test, "player-7")
	info, err := service.Open(context.Background(), userID, ClientSeed{})
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if _, err := service.PlayNumeric(context.Background(), userID, info.ID, 10); err != nil {
		test.Fatalf("play: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	entry := logger.entries[1]
	if entry.Operation != operationPlayNumeric || entry.Status != operationStatusOK || entry.SessionID != info.ID {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestNewSessionServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	commitment := mustSeedCommitment(test, CryptoEntropySource{})
	if _, err := NewSessionService(nil, commitment, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewSessionService(newStubSessionStore(), nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil commitment, got %v", err)
	}
	if _, err := NewSessionService(newStubSessionStore(), commitment, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func TestRestoreSessionRecomputesCommitment(test *testing.T) {
	test.Parallel()
	session, err := RestoreSession("session-1", "user-1", goldenServerSeed, goldenClientSeed, 9, true, 10, 20)
	if err != nil {
		test.Fatalf("restore: %v", err)
	}
	if session.Commitment.String() != goldenCommitment || session.NextNonce != 9 || !session.Revealed {
		test.Fatalf("unexpected restored session: %+v", session)
	}
	if _, err := RestoreSession("session-1", "user-1", "bad", goldenClientSeed, 0, false, 0, 0); !errors.Is(err, ErrInvalidServerSeed) {
		test.Fatalf("expected ErrInvalidServerSeed, got %v", err)
	}
}

func mustSessionService(test *testing.T, store SessionStore) *SessionService {
	test.Helper()
	service, err := NewSessionService(store, mustSeedCommitment(test, CryptoEntropySource{}), func() int64 { return 1000 })
	if err != nil {
		test.Fatalf("session service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}
