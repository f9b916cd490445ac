package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds a single receipt lookup.
const DefaultTimeout = 10 * time.Second

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const transferTopicCount = 3

// ReceiptFetcher loads transaction receipts. *ethclient.Client satisfies it.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds the verifier's external configuration.
type Config struct {
	Treasury common.Address
	Registry *TokenRegistry
	Timeout  time.Duration
}

// Transfer is a verified ERC-20 transfer into the treasury.
type Transfer struct {
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Contract    common.Address
	Token       TokenSymbol
	RawAmount   *big.Int
	Amount      decimal.Decimal
	BlockNumber uint64
}

// Verifier interprets a transaction receipt as a treasury deposit. It never mutates state.
type Verifier struct {
	fetcher  ReceiptFetcher
	treasury common.Address
	registry *TokenRegistry
	timeout  time.Duration
}

// NewVerifier validates config and wires a Verifier.
func NewVerifier(fetcher ReceiptFetcher, config Config) (*Verifier, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("%w: receipt fetcher is nil", ErrInvalidVerifierConfig)
	}
	if config.Treasury == (common.Address{}) {
		return nil, fmt.Errorf("%w: treasury address is required", ErrInvalidVerifierConfig)
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("%w: token registry is nil", ErrInvalidVerifierConfig)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{
		fetcher:  fetcher,
		treasury: config.Treasury,
		registry: config.Registry,
		timeout:  timeout,
	}, nil
}

// Treasury returns the configured destination address.
func (verifier *Verifier) Treasury() common.Address {
	return verifier.treasury
}

// Verify fetches the receipt of txHash and returns the first allow-listed transfer into the treasury.
func (verifier *Verifier) Verify(ctx context.Context, txHash string) (Transfer, error) {
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return Transfer{}, err
	}
	receipt, err := verifier.fetchReceipt(ctx, hash)
	if err != nil {
		return Transfer{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Transfer{}, fmt.Errorf("%w: status %d", ErrTransactionFailed, receipt.Status)
	}

	unknownContract := false
	for _, entry := range receipt.Logs {
		from, to, amount, ok := decodeTransfer(entry)
		if !ok || to != verifier.treasury {
			continue
		}
		token, known := verifier.registry.Lookup(entry.Address)
		if !known {
			unknownContract = true
			continue
		}
		transfer := Transfer{
			TxHash:    hash,
			From:      from,
			To:        to,
			Contract:  entry.Address,
			Token:     token.Symbol,
			RawAmount: amount,
			Amount:    token.Scale(amount),
		}
		if receipt.BlockNumber != nil {
			transfer.BlockNumber = receipt.BlockNumber.Uint64()
		}
		return transfer, nil
	}
	if unknownContract {
		return Transfer{}, fmt.Errorf("%w: treasury transfer from a contract outside the allow-list", ErrUnknownToken)
	}
	return Transfer{}, fmt.Errorf("%w: no transfer to %s", ErrNoValidTransfer, verifier.treasury.Hex())
}

func (verifier *Verifier) fetchReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, verifier.timeout)
	defer cancel()
	receipt, err := verifier.fetcher.TransactionReceipt(callCtx, hash)
	switch {
	case err == nil && receipt == nil:
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash.Hex())
	case err == nil:
		return receipt, nil
	case errors.Is(err, ethereum.NotFound):
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash.Hex())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), callCtx.Err() != nil:
		return nil, fmt.Errorf("%w: %v", ErrRPCTimeout, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrRPCUnreachable, err)
	}
}

// decodeTransfer reads an ERC-20 Transfer event. ERC-721 transfers carry a fourth topic and are skipped.
func decodeTransfer(entry *types.Log) (common.Address, common.Address, *big.Int, bool) {
	if entry == nil || entry.Removed || len(entry.Topics) != transferTopicCount || entry.Topics[0] != TransferTopic {
		return common.Address{}, common.Address{}, nil, false
	}
	if len(entry.Data) != common.HashLength {
		return common.Address{}, common.Address{}, nil, false
	}
	from := common.BytesToAddress(entry.Topics[1].Bytes())
	to := common.BytesToAddress(entry.Topics[2].Bytes())
	return from, to, new(big.Int).SetBytes(entry.Data), true
}
