package fairness

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// EntropySource supplies cryptographically secure random bytes.
type EntropySource interface {
	Read(buffer []byte) error
}

// CryptoEntropySource reads from crypto/rand.
type CryptoEntropySource struct{}

// Read fills buffer from the operating system CSPRNG.
func (CryptoEntropySource) Read(buffer []byte) error {
	if _, err := io.ReadFull(crand.Reader, buffer); err != nil {
		return fmt.Errorf("%w: %v", ErrEntropySourceUnavailable, err)
	}
	return nil
}

// ReaderEntropySource adapts an io.Reader, serializing access so non thread-safe readers can be shared.
type ReaderEntropySource struct {
	mutex  sync.Mutex
	reader io.Reader
}

// NewReaderEntropySource wraps reader as an EntropySource.
func NewReaderEntropySource(reader io.Reader) *ReaderEntropySource {
	return &ReaderEntropySource{reader: reader}
}

// Read fills buffer from the wrapped reader.
func (source *ReaderEntropySource) Read(buffer []byte) error {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	if source.reader == nil {
		return fmt.Errorf("%w: nil reader", ErrEntropySourceUnavailable)
	}
	if _, err := io.ReadFull(source.reader, buffer); err != nil {
		return fmt.Errorf("%w: %v", ErrEntropySourceUnavailable, err)
	}
	return nil
}

// SeedCommitment issues server seeds and their commitments.
type SeedCommitment struct {
	entropy EntropySource
	nowFn   func() int64
}

// NewSeedCommitment wires a SeedCommitment.
func NewSeedCommitment(entropy EntropySource, now func() int64) (*SeedCommitment, error) {
	if entropy == nil {
		return nil, fmt.Errorf("%w: entropy source is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &SeedCommitment{entropy: entropy, nowFn: now}, nil
}

// Issue draws a new 32 byte server seed and computes its commitment.
// Entropy failures are fatal and never fall back to another generator.
func (commitment *SeedCommitment) Issue() (IssuedSeed, error) {
	buffer := make([]byte, serverSeedBytes)
	if err := commitment.entropy.Read(buffer); err != nil {
		return IssuedSeed{}, err
	}
	seed := serverSeedFromBytes(buffer)
	return IssuedSeed{
		Seed:           seed,
		Commitment:     seed.Commitment(),
		CreatedUnixUTC: commitment.nowFn(),
	}, nil
}

// Reveal returns the seed for publication once its session has ended.
func (commitment *SeedCommitment) Reveal(seed ServerSeed) ServerSeed {
	return seed
}

// NewClientSeed draws a 16 byte client seed for players who do not supply one.
func (commitment *SeedCommitment) NewClientSeed() (ClientSeed, error) {
	buffer := make([]byte, clientSeedBytes)
	if err := commitment.entropy.Read(buffer); err != nil {
		return ClientSeed{}, err
	}
	return clientSeedFromBytes(buffer), nil
}

// NewSessionID draws a 16 byte random session identifier.
func (commitment *SeedCommitment) NewSessionID() (SessionID, error) {
	buffer := make([]byte, sessionIDBytes)
	if err := commitment.entropy.Read(buffer); err != nil {
		return SessionID{}, err
	}
	return SessionID{value: hex.EncodeToString(buffer)}, nil
}
