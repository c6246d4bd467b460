package web3

import (
	"context"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Token describes an asset known on a chain. Native assets have a zero
// address and Native set.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
	Native   bool
}

// Chain is the static description of a supported network.
type Chain struct {
	Key          string
	DisplayName  string
	ChainID      int64
	Aliases      []string
	ExplorerURL  string
	NativeSymbol string
	Tokens       map[string]Token
}

// Token looks up an asset by symbol, case-insensitively. The chain's native
// symbol resolves to the native asset with 18 decimals.
func (c Chain) Token(symbol string) (Token, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Token{}, false
	}
	if strings.EqualFold(symbol, c.NativeSymbol) {
		return Token{Symbol: strings.ToUpper(c.NativeSymbol), Decimals: 18, Native: true}, true
	}
	token, ok := c.Tokens[symbol]
	return token, ok
}

// Symbols returns the native symbol followed by the configured token symbols.
func (c Chain) Symbols() []string {
	tokens := make([]string, 0, len(c.Tokens))
	for symbol := range c.Tokens {
		if !strings.EqualFold(symbol, c.NativeSymbol) {
			tokens = append(tokens, symbol)
		}
	}
	sort.Strings(tokens)
	if c.NativeSymbol == "" {
		return tokens
	}
	return append([]string{strings.ToUpper(c.NativeSymbol)}, tokens...)
}

// TxExplorerURL returns a block explorer link for the transaction hash.
func (c Chain) TxExplorerURL(hash common.Hash) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + hash.Hex()
}

// Client defines the read/write surface the bridge tools need from an EVM
// network. Implementations must be safe for concurrent use.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
