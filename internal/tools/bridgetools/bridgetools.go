// Package bridgetools implements the cross-chain bridge tool set: balance
// lookups, route quotes, confirmation, transaction building and broadcast.
package bridgetools

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Bridge/internal/bridge"
	"OpenMCP-Bridge/internal/tools"
	"OpenMCP-Bridge/internal/web3"
	"OpenMCP-Bridge/internal/web3/provider"
)

// Tool names.
const (
	NameCheckBalances   = "check_balances"
	NameGetBridgeQuote  = "get_bridge_quote"
	NamePrepareBridge   = "prepare_bridge"
	NameBuildBridgeTx   = "build_bridge_transaction"
	NameSubmitSignedTx  = "submit_signed_transaction"
	NameSupportedChains = "list_supported_chains"
)

// Failure codes returned to the model.
const (
	FailureUnsupportedChain    = "UNSUPPORTED_CHAIN"
	FailureUnsupportedToken    = "UNSUPPORTED_TOKEN"
	FailureInsufficientBalance = "INSUFFICIENT_BALANCE"
	FailureQuoteExpired        = "QUOTE_EXPIRED"
	FailureWalletMismatch      = "WALLET_MISMATCH"
	FailureInvalidTransaction  = "INVALID_TRANSACTION"
	FailureChainMismatch       = "CHAIN_MISMATCH"
	FailureSignerMismatch      = "SIGNER_MISMATCH"
	FailureBroadcast           = "BROADCAST_FAILED"
)

const (
	confirmationWindow = 5 * time.Minute
	signatureWindow    = 10 * time.Minute
	balanceFanOut      = 4
)

// Chains resolves user-facing chain names to configured networks.
type Chains interface {
	Resolve(name string) (provider.Entry, error)
	Chains() []web3.Chain
}

// Quotes issues and recalls aggregator quotes.
type Quotes interface {
	Quote(ctx context.Context, req bridge.QuoteRequest) (*bridge.Quote, error)
	Lookup(id string) (*bridge.Quote, bool)
	Forget(id string)
}

// Dependencies wires the collaborators shared by the bridge tools.
type Dependencies struct {
	Chains Chains
	Quotes Quotes
	Now    func() time.Time
}

func (d Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Tools returns the complete bridge tool set.
func Tools(deps Dependencies) []tools.Tool {
	return []tools.Tool{
		checkBalancesTool(deps),
		getBridgeQuoteTool(deps),
		prepareBridgeTool(deps),
		buildBridgeTransactionTool(deps),
		submitSignedTransactionTool(deps),
		listSupportedChainsTool(deps),
	}
}

// Register adds the bridge tool set to the registry.
func Register(registry *tools.Registry, deps Dependencies) error {
	return registry.Register(Tools(deps)...)
}

func walletFrom(tc tools.Context, override string) (common.Address, *tools.Failure) {
	candidate := strings.TrimSpace(override)
	if candidate == "" {
		candidate = strings.TrimSpace(tc.WalletAddress)
	}
	if candidate == "" && tc.Session != nil {
		candidate = strings.TrimSpace(tc.Session.WalletAddress)
	}
	if candidate == "" {
		return common.Address{}, tools.Fail(tools.FailureWalletMissing, "no wallet address is linked to this conversation")
	}
	if !common.IsHexAddress(candidate) {
		return common.Address{}, tools.Fail(tools.FailureInvalidInput, "wallet address "+candidate+" is not a valid EVM address")
	}
	return common.HexToAddress(candidate), nil
}

func resolveChain(chains Chains, name string) (provider.Entry, *tools.Failure) {
	entry, err := chains.Resolve(name)
	if err != nil {
		return provider.Entry{}, tools.FailWithDetails(FailureUnsupportedChain,
			"chain "+strconv.Quote(name)+" is not supported",
			map[string]any{"supported": chainKeys(chains)})
	}
	return entry, nil
}

func resolveToken(chain web3.Chain, symbol string) (web3.Token, *tools.Failure) {
	token, ok := chain.Token(symbol)
	if !ok {
		return web3.Token{}, tools.FailWithDetails(FailureUnsupportedToken,
			strings.ToUpper(symbol)+" is not available on "+chain.DisplayName,
			map[string]any{"available": chain.Symbols()})
	}
	return token, nil
}

func chainKeys(chains Chains) []string {
	list := chains.Chains()
	keys := make([]string, 0, len(list))
	for _, chain := range list {
		keys = append(keys, chain.Key)
	}
	return keys
}

// tokenAddress returns the aggregator's identifier for a token: the contract
// address, or the zero address for the native asset.
func tokenAddress(token web3.Token) string {
	if token.Native {
		return common.Address{}.Hex()
	}
	return token.Address.Hex()
}

func balanceOf(ctx context.Context, client web3.Client, token web3.Token, owner common.Address) (*big.Int, error) {
	if token.Native {
		return client.NativeBalance(ctx, owner)
	}
	return client.TokenBalance(ctx, token.Address, owner)
}
