package deposit

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/shopspring/decimal"
)

type memoryState struct {
	deposits map[PaymentID]PendingDeposit
	credits  []LedgerCredit
	history  []HistoryEntry
}

func (state *memoryState) clone() *memoryState {
	deposits := make(map[PaymentID]PendingDeposit, len(state.deposits))
	for key, value := range state.deposits {
		deposits[key] = value
	}
	return &memoryState{
		deposits: deposits,
		credits:  append([]LedgerCredit(nil), state.credits...),
		history:  append([]HistoryEntry(nil), state.history...),
	}
}

// stubStore keeps everything in memory. WithTx works on a copy that replaces the state only on success.
type stubStore struct {
	mutex         *sync.Mutex
	state         *memoryState
	inTransaction bool

	insertHistoryError error
	insertCreditError  error
	expireError        error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mutex: &sync.Mutex{},
		state: &memoryState{deposits: map[PaymentID]PendingDeposit{}},
	}
}

func (store *stubStore) lock() func() {
	if store.inTransaction {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	working := store.state.clone()
	transactionStore := &stubStore{
		mutex:              store.mutex,
		state:              working,
		inTransaction:      true,
		insertHistoryError: store.insertHistoryError,
		insertCreditError:  store.insertCreditError,
	}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	store.state = working
	return nil
}

func (store *stubStore) CreateDeposit(ctx context.Context, pending PendingDeposit) error {
	defer store.lock()()
	if _, exists := store.state.deposits[pending.PaymentID]; exists {
		return ErrPaymentIDExists
	}
	store.state.deposits[pending.PaymentID] = pending
	return nil
}

func (store *stubStore) GetDeposit(ctx context.Context, paymentID PaymentID) (PendingDeposit, error) {
	defer store.lock()()
	pending, ok := store.state.deposits[paymentID]
	if !ok {
		return PendingDeposit{}, ErrDepositNotFound
	}
	return pending, nil
}

func (store *stubStore) TransitionDeposit(ctx context.Context, transition Transition) error {
	defer store.lock()()
	pending, ok := store.state.deposits[transition.PaymentID]
	if !ok {
		return ErrDepositNotFound
	}
	if pending.Status != transition.From {
		return ErrDepositClosed
	}
	pending.Status = transition.To
	pending.TxHash = transition.TxHash
	pending.FailureReason = transition.FailureReason
	pending.SettledUnixUTC = transition.AtUnixUTC
	store.state.deposits[transition.PaymentID] = pending
	return nil
}

func (store *stubStore) ExpirePending(ctx context.Context, nowUnixUTC int64) (int64, error) {
	defer store.lock()()
	if store.expireError != nil {
		return 0, store.expireError
	}
	var expired int64
	for key, pending := range store.state.deposits {
		if pending.Status == StatusPending && pending.ExpiresUnixUTC < nowUnixUTC {
			pending.Status = StatusExpired
			pending.FailureReason = ReasonExpired
			pending.SettledUnixUTC = nowUnixUTC
			store.state.deposits[key] = pending
			expired++
		}
	}
	return expired, nil
}

func (store *stubStore) CreditExistsForTx(ctx context.Context, txHash string) (bool, error) {
	defer store.lock()()
	for _, credit := range store.state.credits {
		if credit.TxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) InsertCredit(ctx context.Context, credit LedgerCredit) error {
	defer store.lock()()
	if store.insertCreditError != nil {
		return store.insertCreditError
	}
	for _, existing := range store.state.credits {
		if existing.TxHash == credit.TxHash {
			return ErrTransactionAlreadyUsed
		}
	}
	store.state.credits = append(store.state.credits, credit)
	return nil
}

func (store *stubStore) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	defer store.lock()()
	if store.insertHistoryError != nil {
		return store.insertHistoryError
	}
	store.state.history = append(store.state.history, entry)
	return nil
}

func (store *stubStore) SumCredits(ctx context.Context, userID UserID, token chain.TokenSymbol) (decimal.Decimal, error) {
	defer store.lock()()
	total := decimal.Zero
	for _, credit := range store.state.credits {
		if credit.UserID == userID && credit.Token == token {
			total = total.Add(credit.Amount)
		}
	}
	return total, nil
}

func (store *stubStore) ListHistory(ctx context.Context, userID UserID, limit int) ([]HistoryEntry, error) {
	defer store.lock()()
	var entries []HistoryEntry
	for _, entry := range store.state.history {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *stubStore) mustDeposit(test *testing.T, paymentID PaymentID) PendingDeposit {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	pending, ok := store.state.deposits[paymentID]
	if !ok {
		test.Fatalf("deposit %s missing", paymentID)
	}
	return pending
}

func (store *stubStore) creditCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.credits)
}

func (store *stubStore) depositCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.deposits)
}
