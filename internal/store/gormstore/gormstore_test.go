package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	testUserID    = "user-1"
	testStartTime = int64(1_700_000_000)
	testSender    = "0x00000000000000000000000000000000000000a1"
	testContract  = "0x00000000000000000000000000000000000000c1"
)

type transferStub struct {
	mutex     sync.Mutex
	transfers map[string]chain.Transfer
}

func (stub *transferStub) pay(txHash string, token chain.TokenSymbol, amount string) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.transfers == nil {
		stub.transfers = map[string]chain.Transfer{}
	}
	stub.transfers[txHash] = chain.Transfer{
		TxHash:      common.HexToHash(txHash),
		From:        common.HexToAddress(testSender),
		Contract:    common.HexToAddress(testContract),
		Token:       token,
		Amount:      decimal.RequireFromString(amount),
		BlockNumber: 42,
	}
}

func (stub *transferStub) Verify(ctx context.Context, txHash string) (chain.Transfer, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	transfer, ok := stub.transfers[txHash]
	if !ok {
		return chain.Transfer{}, chain.ErrTransactionNotFound
	}
	return transfer, nil
}

type fixedClock struct {
	mutex sync.Mutex
	now   int64
}

func (clock *fixedClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fixedClock) advance(seconds int64) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now += seconds
}

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/fairledger.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql handle failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return New(db)
}

func newDepositService(test *testing.T, store *Store, verifier *transferStub, clock *fixedClock) *deposit.Service {
	test.Helper()
	service, err := deposit.NewService(store, verifier, clock.Now)
	if err != nil {
		test.Fatalf("deposit service init failed: %v", err)
	}
	return service
}

func txHash(number int) string {
	return fmt.Sprintf("0x%064x", number)
}

func mustUserID(test *testing.T, raw string) deposit.UserID {
	test.Helper()
	userID, err := deposit.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func TestSettleCreditsLedgerAndHistory(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	verifier := &transferStub{}
	clock := &fixedClock{now: testStartTime}
	service := newDepositService(test, store, verifier, clock)
	ctx := context.Background()
	userID := mustUserID(test, testUserID)

	pending, err := service.Initiate(ctx, userID, decimal.RequireFromString("10"), chain.TokenUSDC)
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	verifier.pay(txHash(1), chain.TokenUSDC, "10.003")

	settlement, err := service.Settle(ctx, pending.PaymentID, txHash(1))
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if !settlement.Credited.Equal(decimal.RequireFromString("10.003")) {
		test.Fatalf("expected credit 10.003, got %s", settlement.Credited)
	}

	stored, err := store.GetDeposit(ctx, pending.PaymentID)
	if err != nil {
		test.Fatalf("get deposit: %v", err)
	}
	if stored.Status != deposit.StatusCompleted || stored.TxHash != txHash(1) {
		test.Fatalf("unexpected stored deposit %+v", stored)
	}
	if !stored.Amount.Equal(decimal.RequireFromString("10")) {
		test.Fatalf("requested amount changed: %s", stored.Amount)
	}

	balance, err := service.Balance(ctx, userID, chain.TokenUSDC)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("10.003")) {
		test.Fatalf("expected balance 10.003, got %s", balance)
	}

	entries, err := service.History(ctx, userID, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected one history entry, got %d", len(entries))
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(entries[0].MetadataJSON), &metadata); err != nil {
		test.Fatalf("metadata is not json: %v", err)
	}
	if metadata["requested_amount"] != "10" {
		test.Fatalf("unexpected metadata %v", metadata)
	}

	_, err = service.Settle(ctx, pending.PaymentID, txHash(1))
	if !errors.Is(err, deposit.ErrAlreadySettled) {
		test.Fatalf("expected already settled, got %v", err)
	}
}

func TestHistoryOrdersSameSecondSettlementsNewestFirst(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	verifier := &transferStub{}
	clock := &fixedClock{now: testStartTime}
	service := newDepositService(test, store, verifier, clock)
	ctx := context.Background()
	userID := mustUserID(test, testUserID)

	const settlements = 6
	for index := 0; index < settlements; index++ {
		pending, err := service.Initiate(ctx, userID, decimal.RequireFromString("1"), chain.TokenWLD)
		if err != nil {
			test.Fatalf("initiate %d: %v", index, err)
		}
		verifier.pay(txHash(100+index), chain.TokenWLD, "1")
		if _, err := service.Settle(ctx, pending.PaymentID, txHash(100+index)); err != nil {
			test.Fatalf("settle %d: %v", index, err)
		}
	}

	entries, err := service.History(ctx, userID, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != settlements {
		test.Fatalf("expected %d entries, got %d", settlements, len(entries))
	}
	for position, entry := range entries {
		if expected := txHash(100 + settlements - 1 - position); entry.TxHash != expected {
			test.Fatalf("position %d: expected %s, got %s", position, expected, entry.TxHash)
		}
	}
}

func TestSettleRejectsReusedTransaction(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	verifier := &transferStub{}
	clock := &fixedClock{now: testStartTime}
	service := newDepositService(test, store, verifier, clock)
	ctx := context.Background()
	userID := mustUserID(test, testUserID)

	first, err := service.Initiate(ctx, userID, decimal.RequireFromString("5"), chain.TokenWLD)
	if err != nil {
		test.Fatalf("initiate first: %v", err)
	}
	second, err := service.Initiate(ctx, userID, decimal.RequireFromString("5"), chain.TokenWLD)
	if err != nil {
		test.Fatalf("initiate second: %v", err)
	}
	verifier.pay(txHash(7), chain.TokenWLD, "5")
	if _, err := service.Settle(ctx, first.PaymentID, txHash(7)); err != nil {
		test.Fatalf("settle first: %v", err)
	}
	_, err = service.Settle(ctx, second.PaymentID, txHash(7))
	if !errors.Is(err, deposit.ErrTransactionAlreadyUsed) {
		test.Fatalf("expected transaction already used, got %v", err)
	}
	stored, err := store.GetDeposit(ctx, second.PaymentID)
	if err != nil {
		test.Fatalf("get second: %v", err)
	}
	if stored.Status != deposit.StatusFailed || stored.FailureReason != deposit.ReasonCode(deposit.ErrTransactionAlreadyUsed) {
		test.Fatalf("unexpected second deposit %+v", stored)
	}
}

func TestInsertCreditMapsUniqueViolations(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, testUserID)
	firstID, _ := deposit.NewRandomPaymentID()
	secondID, _ := deposit.NewRandomPaymentID()

	credit := deposit.LedgerCredit{
		PaymentID:      firstID,
		UserID:         userID,
		Token:          chain.TokenUSDC,
		Amount:         decimal.RequireFromString("1"),
		TxHash:         txHash(3),
		CreatedUnixUTC: testStartTime,
	}
	if err := store.InsertCredit(ctx, credit); err != nil {
		test.Fatalf("insert credit: %v", err)
	}

	sameTx := credit
	sameTx.PaymentID = secondID
	if err := store.InsertCredit(ctx, sameTx); !errors.Is(err, deposit.ErrTransactionAlreadyUsed) {
		test.Fatalf("expected transaction already used, got %v", err)
	}

	samePayment := credit
	samePayment.TxHash = txHash(4)
	if err := store.InsertCredit(ctx, samePayment); !errors.Is(err, deposit.ErrDepositClosed) {
		test.Fatalf("expected deposit closed, got %v", err)
	}

	used, err := store.CreditExistsForTx(ctx, txHash(3))
	if err != nil || !used {
		test.Fatalf("expected credit for tx, got %v %v", used, err)
	}
}

func TestDepositTransitionsAreStatusGuarded(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	paymentID, _ := deposit.NewRandomPaymentID()
	pending := deposit.PendingDeposit{
		PaymentID:      paymentID,
		UserID:         mustUserID(test, testUserID),
		Amount:         decimal.RequireFromString("2.5"),
		Token:          chain.TokenWLD,
		Status:         deposit.StatusPending,
		CreatedUnixUTC: testStartTime,
		ExpiresUnixUTC: testStartTime + 600,
	}
	if err := store.CreateDeposit(ctx, pending); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateDeposit(ctx, pending); !errors.Is(err, deposit.ErrPaymentIDExists) {
		test.Fatalf("expected payment id exists, got %v", err)
	}

	testCases := []struct {
		name        string
		transition  deposit.Transition
		expectedErr error
	}{
		{
			name:       "pending to failed",
			transition: deposit.Transition{PaymentID: paymentID, From: deposit.StatusPending, To: deposit.StatusFailed, FailureReason: "amount_mismatch", AtUnixUTC: testStartTime + 1},
		},
		{
			name:        "second close",
			transition:  deposit.Transition{PaymentID: paymentID, From: deposit.StatusPending, To: deposit.StatusCompleted, AtUnixUTC: testStartTime + 2},
			expectedErr: deposit.ErrDepositClosed,
		},
		{
			name:        "unknown deposit",
			transition:  deposit.Transition{PaymentID: mustRandomPaymentID(test), From: deposit.StatusPending, To: deposit.StatusFailed},
			expectedErr: deposit.ErrDepositNotFound,
		},
	}
	for _, testCase := range testCases {
		err := store.TransitionDeposit(ctx, testCase.transition)
		if testCase.expectedErr == nil && err != nil {
			test.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if testCase.expectedErr != nil && !errors.Is(err, testCase.expectedErr) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expectedErr, err)
		}
	}

	stored, err := store.GetDeposit(ctx, paymentID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != deposit.StatusFailed || stored.FailureReason != "amount_mismatch" || stored.SettledUnixUTC != testStartTime+1 {
		test.Fatalf("unexpected deposit %+v", stored)
	}
	if !stored.Amount.Equal(decimal.RequireFromString("2.5")) {
		test.Fatalf("amount lost precision: %s", stored.Amount)
	}

	if _, err := store.GetDeposit(ctx, mustRandomPaymentID(test)); !errors.Is(err, deposit.ErrDepositNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
}

func TestExpirePendingHonoursDeadline(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	verifier := &transferStub{}
	clock := &fixedClock{now: testStartTime}
	service := newDepositService(test, store, verifier, clock)
	ctx := context.Background()

	pending, err := service.Initiate(ctx, mustUserID(test, testUserID), decimal.RequireFromString("1"), chain.TokenUSDC)
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}

	expired, err := store.ExpirePending(ctx, pending.ExpiresUnixUTC)
	if err != nil || expired != 0 {
		test.Fatalf("deadline itself must not expire: %d %v", expired, err)
	}
	expired, err = store.ExpirePending(ctx, pending.ExpiresUnixUTC+1)
	if err != nil || expired != 1 {
		test.Fatalf("expected one expiry, got %d %v", expired, err)
	}

	clock.advance(int64(deposit.DefaultTTL.Seconds()) + 1)
	verifier.pay(txHash(9), chain.TokenUSDC, "1")
	_, err = service.Settle(ctx, pending.PaymentID, txHash(9))
	if !errors.Is(err, deposit.ErrExpired) {
		test.Fatalf("expected expired, got %v", err)
	}
	if deposit.ReasonCode(err) != deposit.ReasonExpired {
		test.Fatalf("expected reason expired, got %s", deposit.ReasonCode(err))
	}
}

func TestConcurrentSettleCreditsOnce(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	verifier := &transferStub{}
	clock := &fixedClock{now: testStartTime}
	service := newDepositService(test, store, verifier, clock)
	ctx := context.Background()
	userID := mustUserID(test, testUserID)

	pending, err := service.Initiate(ctx, userID, decimal.RequireFromString("3"), chain.TokenWLD)
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	verifier.pay(txHash(11), chain.TokenWLD, "3")

	const workers = 8
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		successes int
	)
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := service.Settle(ctx, pending.PaymentID, txHash(11)); err == nil {
				mutex.Lock()
				successes++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()

	if successes != 1 {
		test.Fatalf("expected exactly one successful settle, got %d", successes)
	}
	balance, err := service.Balance(ctx, userID, chain.TokenWLD)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("3")) {
		test.Fatalf("expected balance 3, got %s", balance)
	}
}

func TestSessionStoreNonceAndReveal(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	session := mustSession(test)
	if err := store.CreateSession(ctx, session); err != nil {
		test.Fatalf("create session: %v", err)
	}
	if err := store.CreateSession(ctx, session); !errors.Is(err, fairness.ErrSessionExists) {
		test.Fatalf("expected session exists, got %v", err)
	}

	for expected := fairness.Nonce(0); expected < 3; expected++ {
		consumed, err := store.ConsumeNonce(ctx, session.ID)
		if err != nil {
			test.Fatalf("consume: %v", err)
		}
		if consumed.NextNonce != expected {
			test.Fatalf("expected nonce %d, got %d", expected, consumed.NextNonce)
		}
	}

	rotated, err := fairness.NewClientSeed("00112233445566778899aabbccddeeff")
	if err != nil {
		test.Fatalf("client seed: %v", err)
	}
	if err := store.UpdateClientSeed(ctx, session.ID, rotated); err != nil {
		test.Fatalf("rotate: %v", err)
	}

	revealed, err := store.MarkRevealed(ctx, session.ID, testStartTime+10)
	if err != nil {
		test.Fatalf("reveal: %v", err)
	}
	if !revealed.Revealed || revealed.NextNonce != 3 || revealed.ClientSeed != rotated {
		test.Fatalf("unexpected revealed session %+v", revealed)
	}
	again, err := store.MarkRevealed(ctx, session.ID, testStartTime+20)
	if err != nil {
		test.Fatalf("second reveal: %v", err)
	}
	if again.RevealedUnixUTC != testStartTime+10 {
		test.Fatalf("reveal time changed to %d", again.RevealedUnixUTC)
	}
	if !again.Commitment.Matches(session.Commitment) {
		test.Fatal("commitment changed after reveal")
	}

	if _, err := store.ConsumeNonce(ctx, session.ID); !errors.Is(err, fairness.ErrSessionRevealed) {
		test.Fatalf("expected revealed, got %v", err)
	}
	if err := store.UpdateClientSeed(ctx, session.ID, rotated); !errors.Is(err, fairness.ErrSessionRevealed) {
		test.Fatalf("expected revealed, got %v", err)
	}

	missing, _ := fairness.NewSessionID("missing")
	if _, err := store.ConsumeNonce(ctx, missing); !errors.Is(err, fairness.ErrSessionNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetSession(ctx, missing); !errors.Is(err, fairness.ErrSessionNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionServiceOverSQLite(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	clock := &fixedClock{now: testStartTime}
	commitment, err := fairness.NewSeedCommitment(fairness.CryptoEntropySource{}, clock.Now)
	if err != nil {
		test.Fatalf("commitment: %v", err)
	}
	service, err := fairness.NewSessionService(store, commitment, clock.Now)
	if err != nil {
		test.Fatalf("session service: %v", err)
	}
	userID, _ := fairness.NewUserID(testUserID)

	info, err := service.Open(ctx, userID, fairness.ClientSeed{})
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	bet, err := service.PlayNumeric(ctx, userID, info.ID, 100)
	if err != nil {
		test.Fatalf("play: %v", err)
	}
	revealed, err := service.Reveal(ctx, userID, info.ID)
	if err != nil {
		test.Fatalf("reveal: %v", err)
	}
	inputs := fairness.OutcomeInputs{ServerSeed: revealed.ServerSeed, ClientSeed: bet.ClientSeed, Nonce: bet.Nonce}
	verification := fairness.VerifyNumeric(inputs, info.Commitment, 100, bet.Value)
	if err := verification.Err(); err != nil {
		test.Fatalf("revealed session does not verify: %v", err)
	}
}

func mustRandomPaymentID(test *testing.T) deposit.PaymentID {
	test.Helper()
	paymentID, err := deposit.NewRandomPaymentID()
	if err != nil {
		test.Fatalf("payment id: %v", err)
	}
	return paymentID
}

func mustSession(test *testing.T) fairness.Session {
	test.Helper()
	session, err := fairness.RestoreSession(
		"5e551011",
		testUserID,
		"a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2",
		"c3d4c3d4c3d4c3d4c3d4c3d4c3d4c3d4",
		0,
		false,
		testStartTime,
		0,
	)
	if err != nil {
		test.Fatalf("restore session: %v", err)
	}
	return session
}
