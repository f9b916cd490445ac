package redisstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/redis/go-redis/v9"
)

const (
	testRedisAddrEnv = "FAIRLEDGER_TEST_REDIS_ADDR"
	testServerSeed   = "a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2a1b2"
	testClientSeed   = "c3d4c3d4c3d4c3d4c3d4c3d4c3d4c3d4"
)

func TestPairsToFields(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		reply     []any
		expected  map[string]string
		expectErr bool
	}{
		{
			name:     "pairs",
			reply:    []any{"a", "1", "b", "2"},
			expected: map[string]string{"a": "1", "b": "2"},
		},
		{
			name:      "odd length",
			reply:     []any{"a"},
			expectErr: true,
		},
		{
			name:      "non string element",
			reply:     []any{"a", int64(1)},
			expectErr: true,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fields, err := pairsToFields(testCase.reply)
			if testCase.expectErr {
				if err == nil {
					test.Fatal("expected error")
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			for key, value := range testCase.expected {
				if fields[key] != value {
					test.Fatalf("field %s: expected %s, got %s", key, value, fields[key])
				}
			}
		})
	}
}

func TestSessionFromFields(test *testing.T) {
	test.Parallel()
	fields := map[string]string{
		fieldSessionID:       "abc",
		fieldUserID:          "user-1",
		fieldServerSeed:      testServerSeed,
		fieldClientSeed:      testClientSeed,
		fieldNextNonce:       "7",
		fieldRevealed:        "1",
		fieldCreatedUnixUTC:  "100",
		fieldRevealedUnixUTC: "200",
	}
	session, err := sessionFromFields(fields)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if session.NextNonce != 7 || !session.Revealed || session.RevealedUnixUTC != 200 {
		test.Fatalf("unexpected session %+v", session)
	}
	if session.Commitment != session.ServerSeed.Commitment() {
		test.Fatal("commitment not derived from seed")
	}

	fields[fieldNextNonce] = "x"
	if _, err := sessionFromFields(fields); err == nil {
		test.Fatal("expected nonce parse error")
	}
}

func TestMapReplyPassesThroughTransportErrors(test *testing.T) {
	test.Parallel()
	transportErr := errors.New("dial tcp: connection refused")
	if got := mapReply(transportErr); got != transportErr {
		test.Fatalf("expected passthrough, got %v", got)
	}
}

func TestStoreAgainstRedis(test *testing.T) {
	address := os.Getenv(testRedisAddrEnv)
	if address == "" {
		test.Skipf("%s not set", testRedisAddrEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: address})
	defer client.Close()
	prefix := fmt.Sprintf("fairledger-test-%d", time.Now().UnixNano())
	store := New(client, WithKeyPrefix(prefix), WithRetention(time.Minute))
	if err := store.Ping(ctx); err != nil {
		test.Fatalf("ping: %v", err)
	}

	session, err := fairness.RestoreSession("redis-session", "user-1", testServerSeed, testClientSeed, 0, false, 100, 0)
	if err != nil {
		test.Fatalf("restore: %v", err)
	}
	if err := store.CreateSession(ctx, session); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateSession(ctx, session); !errors.Is(err, fairness.ErrSessionExists) {
		test.Fatalf("expected session exists, got %v", err)
	}

	const workers = 16
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		seen      = map[fairness.Nonce]bool{}
	)
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			consumed, err := store.ConsumeNonce(ctx, session.ID)
			if err != nil {
				test.Errorf("consume: %v", err)
				return
			}
			mutex.Lock()
			defer mutex.Unlock()
			if seen[consumed.NextNonce] {
				test.Errorf("nonce %d reused", consumed.NextNonce)
			}
			seen[consumed.NextNonce] = true
		}()
	}
	waitGroup.Wait()
	if len(seen) != workers {
		test.Fatalf("expected %d distinct nonces, got %d", workers, len(seen))
	}

	rotated, _ := fairness.NewClientSeed("00112233445566778899aabbccddeeff")
	if err := store.UpdateClientSeed(ctx, session.ID, rotated); err != nil {
		test.Fatalf("rotate: %v", err)
	}
	revealed, err := store.MarkRevealed(ctx, session.ID, 500)
	if err != nil {
		test.Fatalf("reveal: %v", err)
	}
	if !revealed.Revealed || revealed.NextNonce != workers || revealed.ClientSeed != rotated {
		test.Fatalf("unexpected revealed session %+v", revealed)
	}
	again, err := store.MarkRevealed(ctx, session.ID, 900)
	if err != nil || again.RevealedUnixUTC != 500 {
		test.Fatalf("second reveal changed state: %+v %v", again, err)
	}
	if _, err := store.ConsumeNonce(ctx, session.ID); !errors.Is(err, fairness.ErrSessionRevealed) {
		test.Fatalf("expected revealed, got %v", err)
	}

	missing, _ := fairness.NewSessionID("missing")
	if _, err := store.GetSession(ctx, missing); !errors.Is(err, fairness.ErrSessionNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
	if err := store.UpdateClientSeed(ctx, missing, rotated); !errors.Is(err, fairness.ErrSessionNotFound) {
		test.Fatalf("expected not found, got %v", err)
	}
}
