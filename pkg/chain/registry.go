package chain

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// TokenSymbol names an accepted deposit token.
type TokenSymbol string

const (
	TokenWLD  TokenSymbol = "WLD"
	TokenUSDC TokenSymbol = "USDC"
)

var knownDecimals = map[TokenSymbol]int32{
	TokenWLD:  18,
	TokenUSDC: 6,
}

// NewTokenSymbol normalizes raw and accepts only known symbols.
func NewTokenSymbol(raw string) (TokenSymbol, error) {
	symbol := TokenSymbol(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownDecimals[symbol]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTokenSymbol, raw)
	}
	return symbol, nil
}

// String returns the symbol.
func (symbol TokenSymbol) String() string {
	return string(symbol)
}

// Decimals returns the on-chain decimal count of a known symbol.
func (symbol TokenSymbol) Decimals() int32 {
	return knownDecimals[symbol]
}

// Token is one allow-listed ERC-20 contract.
type Token struct {
	Symbol   TokenSymbol
	Decimals int32
	Contract common.Address
}

// Scale converts a raw on-chain integer amount into token units.
func (token Token) Scale(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -token.Decimals)
}

// TokenRegistry is the explicit allow-list of deposit token contracts.
type TokenRegistry struct {
	byContract map[common.Address]Token
	bySymbol   map[TokenSymbol]Token
}

// NewTokenRegistry builds a registry from symbol to contract address.
func NewTokenRegistry(contracts map[TokenSymbol]common.Address) (*TokenRegistry, error) {
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: no token contracts", ErrInvalidTokenConfig)
	}
	registry := &TokenRegistry{
		byContract: make(map[common.Address]Token, len(contracts)),
		bySymbol:   make(map[TokenSymbol]Token, len(contracts)),
	}
	for symbol, contract := range contracts {
		decimals, ok := knownDecimals[symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTokenSymbol, symbol)
		}
		if contract == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero contract for %s", ErrInvalidTokenConfig, symbol)
		}
		if existing, duplicate := registry.byContract[contract]; duplicate {
			return nil, fmt.Errorf("%w: contract %s mapped to %s and %s", ErrInvalidTokenConfig, contract.Hex(), existing.Symbol, symbol)
		}
		token := Token{Symbol: symbol, Decimals: decimals, Contract: contract}
		registry.byContract[contract] = token
		registry.bySymbol[symbol] = token
	}
	return registry, nil
}

// ParseTokenContracts parses "WLD=0x...,USDC=0x..." into a symbol to contract map.
func ParseTokenContracts(raw string) (map[TokenSymbol]common.Address, error) {
	contracts := make(map[TokenSymbol]common.Address)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, address, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("%w: expected SYMBOL=ADDRESS, got %q", ErrInvalidTokenConfig, pair)
		}
		symbol, err := NewTokenSymbol(name)
		if err != nil {
			return nil, err
		}
		if _, duplicate := contracts[symbol]; duplicate {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidTokenConfig, symbol)
		}
		contract, err := ParseAddress(address)
		if err != nil {
			return nil, err
		}
		contracts[symbol] = contract
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: no token contracts", ErrInvalidTokenConfig)
	}
	return contracts, nil
}

// Lookup resolves a contract address to its allow-listed token.
func (registry *TokenRegistry) Lookup(contract common.Address) (Token, bool) {
	token, ok := registry.byContract[contract]
	return token, ok
}

// BySymbol returns the token configured for symbol.
func (registry *TokenRegistry) BySymbol(symbol TokenSymbol) (Token, bool) {
	token, ok := registry.bySymbol[symbol]
	return token, ok
}

// Symbols lists configured symbols in sorted order.
func (registry *TokenRegistry) Symbols() []TokenSymbol {
	symbols := make([]TokenSymbol, 0, len(registry.bySymbol))
	for symbol := range registry.bySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Slice(symbols, func(left, right int) bool { return symbols[left] < symbols[right] })
	return symbols
}

// ParseAddress accepts a 0x-prefixed 20 byte hex address in any letter case.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) || !strings.HasPrefix(strings.ToLower(trimmed), "0x") {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	address := common.HexToAddress(trimmed)
	if address == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return address, nil
}

// ParseTxHash accepts a 0x-prefixed 32 byte hex transaction hash.
func ParseTxHash(raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidTxHash, err)
	}
	if len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidTxHash, common.HashLength, len(decoded))
	}
	return common.BytesToHash(decoded), nil
}
