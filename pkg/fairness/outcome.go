package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// DefaultMaxValue bounds generic numeric outcomes.
	DefaultMaxValue uint32 = 10000
	// DeckSize is the number of cards in a shuffled deck.
	DeckSize = 52
	// ReelCount is the number of reels in a slot outcome.
	ReelCount = 3
	// SymbolCount is the number of distinct reel symbols.
	SymbolCount = 10
	// PairMultiplier pays when exactly two reels match.
	PairMultiplier = 2

	messageDelimiter = ":"
	reelLabel        = "reel"
	shuffleLabel     = "shuffle"
)

// tripleMultipliers pays three matching reels, indexed by symbol.
var tripleMultipliers = [SymbolCount]int{2, 3, 4, 5, 6, 8, 15, 25, 50, 100}

// SlotOutcome is the reel symbols and payout multiplier for one spin.
type SlotOutcome struct {
	Reels      [ReelCount]int
	Multiplier int
}

// Deck is a permutation of card indices 0..51.
type Deck [DeckSize]int

// OutcomeInputs are the three values every outcome is derived from.
type OutcomeInputs struct {
	ServerSeed ServerSeed
	ClientSeed ClientSeed
	Nonce      Nonce
}

// TripleMultiplier returns the payout for three reels showing symbol.
func TripleMultiplier(symbol int) (int, error) {
	if symbol < 0 || symbol >= SymbolCount {
		return 0, fmt.Errorf("symbol %d out of range", symbol)
	}
	return tripleMultipliers[symbol], nil
}

// NumericOutcome derives an integer in [0, maxValue].
func NumericOutcome(inputs OutcomeInputs, maxValue uint32) uint32 {
	digest := inputs.digest("")
	value := binary.BigEndian.Uint32(digest[:4])
	return uint32(uint64(value) % (uint64(maxValue) + 1))
}

// SlotSpin derives three independently keyed reels and their payout.
func SlotSpin(inputs OutcomeInputs) SlotOutcome {
	var outcome SlotOutcome
	for reelIndex := 0; reelIndex < ReelCount; reelIndex++ {
		digest := inputs.digest(fmt.Sprintf("%s%d", reelLabel, reelIndex))
		outcome.Reels[reelIndex] = int(digest[0]) % SymbolCount
	}
	outcome.Multiplier = slotMultiplier(outcome.Reels)
	return outcome
}

// ShuffledDeck runs a Fisher-Yates shuffle with every swap keyed by its position.
func ShuffledDeck(inputs OutcomeInputs) Deck {
	var deck Deck
	for index := range deck {
		deck[index] = index
	}
	for position := DeckSize - 1; position > 0; position-- {
		digest := inputs.digest(fmt.Sprintf("%s%d", shuffleLabel, position))
		swapIndex := int(binary.BigEndian.Uint32(digest[:4]) % uint32(position+1))
		deck[position], deck[swapIndex] = deck[swapIndex], deck[position]
	}
	return deck
}

func slotMultiplier(reels [ReelCount]int) int {
	first, second, third := reels[0], reels[1], reels[2]
	switch {
	case first == second && second == third:
		return tripleMultipliers[first]
	case first == second || second == third || first == third:
		return PairMultiplier
	default:
		return 0
	}
}

// digest computes HMAC-SHA256(serverSeed, "clientSeed:nonce[:suffix]").
func (inputs OutcomeInputs) digest(suffix string) []byte {
	message := inputs.ClientSeed.String() + messageDelimiter + inputs.Nonce.String()
	if suffix != "" {
		message += messageDelimiter + suffix
	}
	mac := hmac.New(sha256.New, []byte(inputs.ServerSeed.String()))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
