package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/spf13/cobra"
)

const (
	flagServerSeed = "server-seed"
	flagCommitment = "commitment"
	flagClientSeed = "client-seed"
	flagNonce      = "nonce"
	flagMaxValue   = "max-value"
	flagOutcome    = "outcome"
	flagMultiplier = "multiplier"
)

// errInvalidOutcome is returned after "invalid: <reason>" has been printed.
var errInvalidOutcome = errors.New("outcome did not verify")

type revealedInputs struct {
	serverSeed string
	commitment string
	clientSeed string
	nonce      string
	outcome    string
}

func main() {
	cmd := newRootCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errInvalidOutcome) {
			fmt.Fprintf(os.Stderr, "fairverify: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fairverify",
		Short:         "Recompute a revealed outcome and check it against its commitment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.AddCommand(newNumericCommand(), newSlotCommand(), newDeckCommand())
	return cmd
}

func newNumericCommand() *cobra.Command {
	inputs := &revealedInputs{}
	var maxValue string
	cmd := &cobra.Command{
		Use:   "numeric",
		Short: "Verify a numeric outcome in [0, max-value]",
		RunE: func(cmd *cobra.Command, args []string) error {
			outcomeInputs, commitment, err := inputs.parse()
			if err != nil {
				return err
			}
			bound, err := fairness.ParseMaxValue(maxValue)
			if err != nil {
				return err
			}
			claimed, err := strconv.ParseUint(strings.TrimSpace(inputs.outcome), 10, 32)
			if err != nil {
				return fmt.Errorf("outcome must be an unsigned 32-bit integer: %w", err)
			}
			return report(cmd, fairness.VerifyNumeric(outcomeInputs, commitment, bound, uint32(claimed)))
		},
	}
	inputs.bind(cmd, "claimed value")
	cmd.Flags().StringVar(&maxValue, flagMaxValue, "", "inclusive upper bound (default 10000)")
	return cmd
}

func newSlotCommand() *cobra.Command {
	inputs := &revealedInputs{}
	var multiplier int
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Verify three slot reels",
		RunE: func(cmd *cobra.Command, args []string) error {
			outcomeInputs, commitment, err := inputs.parse()
			if err != nil {
				return err
			}
			reels, err := parseIntList(inputs.outcome, fairness.ReelCount)
			if err != nil {
				return err
			}
			claimed := fairness.SlotOutcome{Multiplier: multiplier}
			copy(claimed.Reels[:], reels)
			return report(cmd, fairness.VerifySlot(outcomeInputs, commitment, claimed))
		},
	}
	inputs.bind(cmd, "claimed reels, comma separated")
	cmd.Flags().IntVar(&multiplier, flagMultiplier, 0, "payout multiplier that was paid")
	_ = cmd.MarkFlagRequired(flagMultiplier)
	return cmd
}

func newDeckCommand() *cobra.Command {
	inputs := &revealedInputs{}
	cmd := &cobra.Command{
		Use:   "deck",
		Short: "Verify a 52-card shuffle",
		RunE: func(cmd *cobra.Command, args []string) error {
			outcomeInputs, commitment, err := inputs.parse()
			if err != nil {
				return err
			}
			cards, err := parseIntList(inputs.outcome, fairness.DeckSize)
			if err != nil {
				return err
			}
			var claimed fairness.Deck
			copy(claimed[:], cards)
			return report(cmd, fairness.VerifyDeck(outcomeInputs, commitment, claimed))
		},
	}
	inputs.bind(cmd, "claimed card order, comma separated")
	return cmd
}

func (inputs *revealedInputs) bind(cmd *cobra.Command, outcomeUsage string) {
	flags := cmd.Flags()
	flags.StringVar(&inputs.serverSeed, flagServerSeed, "", "revealed server seed (hex)")
	flags.StringVar(&inputs.commitment, flagCommitment, "", "commitment published before play (hex)")
	flags.StringVar(&inputs.clientSeed, flagClientSeed, "", "client seed in effect for the bet")
	flags.StringVar(&inputs.nonce, flagNonce, "", "nonce of the bet")
	flags.StringVar(&inputs.outcome, flagOutcome, "", outcomeUsage)
	for _, name := range []string{flagServerSeed, flagCommitment, flagClientSeed, flagNonce, flagOutcome} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (inputs *revealedInputs) parse() (fairness.OutcomeInputs, fairness.Commitment, error) {
	serverSeed, err := fairness.NewServerSeed(inputs.serverSeed)
	if err != nil {
		return fairness.OutcomeInputs{}, fairness.Commitment{}, err
	}
	commitment, err := fairness.NewCommitment(inputs.commitment)
	if err != nil {
		return fairness.OutcomeInputs{}, fairness.Commitment{}, err
	}
	clientSeed, err := fairness.NewClientSeed(inputs.clientSeed)
	if err != nil {
		return fairness.OutcomeInputs{}, fairness.Commitment{}, err
	}
	nonce, err := fairness.ParseNonce(inputs.nonce)
	if err != nil {
		return fairness.OutcomeInputs{}, fairness.Commitment{}, err
	}
	return fairness.OutcomeInputs{ServerSeed: serverSeed, ClientSeed: clientSeed, Nonce: nonce}, commitment, nil
}

func parseIntList(raw string, expected int) ([]int, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != expected {
		return nil, fmt.Errorf("outcome must list %d values, got %d", expected, len(parts))
	}
	values := make([]int, 0, expected)
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("outcome value %q: %w", part, err)
		}
		values = append(values, value)
	}
	return values, nil
}

func report(cmd *cobra.Command, verification fairness.Verification) error {
	if verification.Valid {
		fmt.Fprintln(cmd.OutOrStdout(), "valid")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "invalid: %s\n", verification.Reason)
	return errInvalidOutcome
}
