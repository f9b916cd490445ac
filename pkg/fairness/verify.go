package fairness

// Reasons reported by a failed Verification.
const (
	ReasonCommitmentMismatch = "commitment_mismatch"
	ReasonOutcomeMismatch    = "outcome_mismatch"
)

// Verification is the result of recomputing a revealed outcome.
type Verification struct {
	Valid  bool
	Reason string
}

// Err returns the sentinel matching Reason, or nil when valid.
func (verification Verification) Err() error {
	switch verification.Reason {
	case ReasonCommitmentMismatch:
		return ErrCommitmentMismatch
	case ReasonOutcomeMismatch:
		return ErrOutcomeMismatch
	default:
		return nil
	}
}

// VerifyNumeric checks a numeric outcome against a revealed seed and its commitment.
func VerifyNumeric(inputs OutcomeInputs, commitment Commitment, maxValue uint32, claimed uint32) Verification {
	return verifyWith(inputs, commitment, func() bool {
		return NumericOutcome(inputs, maxValue) == claimed
	})
}

// VerifySlot checks reels and multiplier of a slot outcome.
func VerifySlot(inputs OutcomeInputs, commitment Commitment, claimed SlotOutcome) Verification {
	return verifyWith(inputs, commitment, func() bool {
		return SlotSpin(inputs) == claimed
	})
}

// VerifyDeck checks a shuffled deck element by element.
func VerifyDeck(inputs OutcomeInputs, commitment Commitment, claimed Deck) Verification {
	return verifyWith(inputs, commitment, func() bool {
		return ShuffledDeck(inputs) == claimed
	})
}

// The commitment is checked first; a mismatch stops verification before any outcome is recomputed.
func verifyWith(inputs OutcomeInputs, commitment Commitment, outcomeMatches func() bool) Verification {
	if !inputs.ServerSeed.Commitment().Matches(commitment) {
		return Verification{Reason: ReasonCommitmentMismatch}
	}
	if !outcomeMatches() {
		return Verification{Reason: ReasonOutcomeMismatch}
	}
	return Verification{Valid: true}
}
