package fairness

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	serverSeedBytes = 32
	clientSeedBytes = 16
	commitmentBytes = sha256.Size
	sessionIDBytes  = 16
)

// ServerSeed is the secret half of a commit-reveal pair, kept as lowercase hex.
type ServerSeed struct {
	value string
}

// ClientSeed is the player-controlled half of the outcome inputs, kept as lowercase hex.
type ClientSeed struct {
	value string
}

// Commitment is the lowercase hex SHA-256 of a server seed.
type Commitment struct {
	value string
}

// Nonce counts resolved bets within a session.
type Nonce uint64

// SessionID identifies a game session.
type SessionID struct {
	value string
}

// UserID identifies the player owning a session.
type UserID struct {
	value string
}

// IssuedSeed is a freshly drawn server seed together with its public commitment.
type IssuedSeed struct {
	Seed           ServerSeed
	Commitment     Commitment
	CreatedUnixUTC int64
}

// NewServerSeed validates a 64 character hex server seed.
func NewServerSeed(raw string) (ServerSeed, error) {
	normalized, err := normalizeHex(raw, serverSeedBytes)
	if err != nil {
		return ServerSeed{}, fmt.Errorf("%w: %v", ErrInvalidServerSeed, err)
	}
	return ServerSeed{value: normalized}, nil
}

func serverSeedFromBytes(raw []byte) ServerSeed {
	return ServerSeed{value: hex.EncodeToString(raw)}
}

// String returns the hex seed. Callers must only expose it after reveal.
func (seed ServerSeed) String() string {
	return seed.value
}

// IsZero reports whether the seed is unset.
func (seed ServerSeed) IsZero() bool {
	return seed.value == ""
}

// Commitment hashes the seed into its public commitment.
func (seed ServerSeed) Commitment() Commitment {
	sum := sha256.Sum256([]byte(seed.value))
	return Commitment{value: hex.EncodeToString(sum[:])}
}

// NewClientSeed validates a 32 character hex client seed.
func NewClientSeed(raw string) (ClientSeed, error) {
	normalized, err := normalizeHex(raw, clientSeedBytes)
	if err != nil {
		return ClientSeed{}, fmt.Errorf("%w: %v", ErrInvalidClientSeed, err)
	}
	return ClientSeed{value: normalized}, nil
}

func clientSeedFromBytes(raw []byte) ClientSeed {
	return ClientSeed{value: hex.EncodeToString(raw)}
}

// String returns the hex client seed.
func (seed ClientSeed) String() string {
	return seed.value
}

// IsZero reports whether the seed is unset.
func (seed ClientSeed) IsZero() bool {
	return seed.value == ""
}

// NewCommitment validates a 64 character hex commitment hash.
func NewCommitment(raw string) (Commitment, error) {
	normalized, err := normalizeHex(raw, commitmentBytes)
	if err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	return Commitment{value: normalized}, nil
}

// String returns the hex commitment.
func (commitment Commitment) String() string {
	return commitment.value
}

// Matches compares two commitments in constant time.
func (commitment Commitment) Matches(other Commitment) bool {
	return subtle.ConstantTimeCompare([]byte(commitment.value), []byte(other.value)) == 1
}

// NewNonce validates a non-negative nonce.
func NewNonce(raw int64) (Nonce, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidNonce)
	}
	return Nonce(raw), nil
}

// ParseNonce parses a decimal nonce.
func ParseNonce(raw string) (Nonce, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	return Nonce(value), nil
}

// ParseMaxValue parses an inclusive outcome bound. Empty input selects DefaultMaxValue.
func ParseMaxValue(raw string) (uint32, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultMaxValue, nil
	}
	value, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMaxValue, err)
	}
	return uint32(value), nil
}

// String returns the decimal nonce as used in outcome messages.
func (nonce Nonce) String() string {
	return strconv.FormatUint(uint64(nonce), 10)
}

// NewSessionID validates and normalizes a session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

func normalizeHex(raw string, byteLength int) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if len(trimmed) != byteLength*2 {
		return "", fmt.Errorf("expected %d hex characters, got %d", byteLength*2, len(trimmed))
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("not hex: %w", err)
	}
	return trimmed, nil
}
