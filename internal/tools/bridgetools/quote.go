package bridgetools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenMCP-Bridge/internal/bridge"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/tools"
	"OpenMCP-Bridge/internal/web3"
	"OpenMCP-Bridge/internal/web3/provider"
)

type getBridgeQuoteInput struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	ToToken   string `json:"to_token"`
	FromChain string `json:"from_chain"`
	ToChain   string `json:"to_chain"`
}

type quoteIDInput struct {
	QuoteID string `json:"quote_id"`
}

// QuoteSummary is the user-facing rendering of an aggregator quote.
type QuoteSummary struct {
	QuoteID          string    `json:"quote_id"`
	Route            string    `json:"route"`
	FromChain        string    `json:"from_chain"`
	ToChain          string    `json:"to_chain"`
	FromToken        string    `json:"from_token"`
	ToToken          string    `json:"to_token"`
	FromAmount       string    `json:"from_amount"`
	ToAmount         string    `json:"to_amount"`
	ToAmountMin      string    `json:"to_amount_min"`
	FeeUSD           string    `json:"fee_usd"`
	GasUSD           string    `json:"gas_usd"`
	ExecutionSeconds int       `json:"execution_seconds"`
	ApprovalAddress  string    `json:"approval_address,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

var quoteIDSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"quote_id": {"type": "string", "minLength": 1, "description": "Identifier returned by get_bridge_quote"}
	},
	"required": ["quote_id"],
	"additionalProperties": false
}`)

func getBridgeQuoteTool(deps Dependencies) tools.Tool {
	return tools.NewTool(tools.Definition{
		Name: NameGetBridgeQuote,
		Description: "Request a cross-chain route quote for moving a token between two chains. " +
			"Amount is a decimal string, or \"all\" to bridge the full token balance.",
		Category: tools.CategoryRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"amount": {"type": "string", "minLength": 1},
				"token": {"type": "string", "minLength": 1, "description": "Symbol of the token to send"},
				"to_token": {"type": "string", "description": "Symbol to receive; defaults to the sent token"},
				"from_chain": {"type": "string", "minLength": 1},
				"to_chain": {"type": "string", "minLength": 1}
			},
			"required": ["amount", "token", "from_chain", "to_chain"],
			"additionalProperties": false
		}`),
	}, func(ctx context.Context, in getBridgeQuoteInput, tc tools.Context, _ string) (tools.Result, error) {
		owner, fail := walletFrom(tc, "")
		if fail != nil {
			return fail, nil
		}
		from, fail := resolveChain(deps.Chains, in.FromChain)
		if fail != nil {
			return fail, nil
		}
		to, fail := resolveChain(deps.Chains, in.ToChain)
		if fail != nil {
			return fail, nil
		}
		fromToken, fail := resolveToken(from.Chain, in.Token)
		if fail != nil {
			return fail, nil
		}
		toSymbol := in.ToToken
		if strings.TrimSpace(toSymbol) == "" {
			toSymbol = in.Token
		}
		toToken, fail := resolveToken(to.Chain, toSymbol)
		if fail != nil {
			return fail, nil
		}

		amount, fail := parseAmount(ctx, in.Amount, from, fromToken, owner)
		if fail != nil {
			return fail, nil
		}

		quote, err := deps.Quotes.Quote(ctx, bridge.QuoteRequest{
			FromChainID: from.Chain.ChainID,
			ToChainID:   to.Chain.ChainID,
			FromToken:   tokenAddress(fromToken),
			ToToken:     tokenAddress(toToken),
			FromAmount:  amount,
			FromAddress: owner.Hex(),
		})
		if err != nil {
			return tools.FailFromError(err), nil
		}

		summary := summarize(quote, from.Chain, to.Chain, fromToken, toToken)
		message := fmt.Sprintf("Bridge %s %s from %s to %s: receive about %s %s (min %s), fees $%s, gas $%s, ~%ds",
			summary.FromAmount, summary.FromToken, from.Chain.DisplayName, to.Chain.DisplayName,
			summary.ToAmount, summary.ToToken, summary.ToAmountMin, summary.FeeUSD, summary.GasUSD,
			summary.ExecutionSeconds)
		return tools.Succeed(summary, message), nil
	})
}

func prepareBridgeTool(deps Dependencies) tools.Tool {
	return tools.NewTool(tools.Definition{
		Name: NamePrepareBridge,
		Description: "Ask the user to confirm a quoted bridge transfer. Checks the wallet balance first. " +
			"Call build_bridge_transaction only after the user confirms.",
		Category:    tools.CategoryWrite,
		InputSchema: quoteIDSchema,
	}, func(ctx context.Context, in quoteIDInput, tc tools.Context, _ string) (tools.Result, error) {
		quote, ok := deps.Quotes.Lookup(in.QuoteID)
		if !ok {
			return expiredQuote(in.QuoteID), nil
		}
		owner, fail := walletFrom(tc, "")
		if fail != nil {
			return fail, nil
		}
		from, fail := resolveChain(deps.Chains, strconv.FormatInt(quote.FromChainID, 10))
		if fail != nil {
			return fail, nil
		}
		to, fail := resolveChain(deps.Chains, strconv.FormatInt(quote.ToChainID, 10))
		if fail != nil {
			return fail, nil
		}
		fromToken := quoteToken(from.Chain, quote.FromToken)
		toToken := quoteToken(to.Chain, quote.ToToken)

		balance, err := balanceOf(ctx, from.Client, fromToken, owner)
		if err != nil {
			return nil, err
		}
		if balance.Cmp(quote.FromAmount) < 0 {
			return tools.FailWithDetails(FailureInsufficientBalance,
				fmt.Sprintf("wallet holds %s %s but the transfer needs %s",
					web3.FormatUnits(balance, fromToken.Decimals), fromToken.Symbol,
					web3.FormatUnits(quote.FromAmount, fromToken.Decimals)),
				map[string]any{"balance": balance.String(), "required": quote.FromAmount.String()}), nil
		}

		summary := summarize(quote, from.Chain, to.Chain, fromToken, toToken)
		expires := deps.now().Add(confirmationWindow)
		if quote.ExpiresAt.Before(expires) {
			expires = quote.ExpiresAt
		}
		return &tools.PendingAction{
			ActionType: session.ActionConfirmation,
			Message: fmt.Sprintf("Bridge %s %s from %s to %s and receive at least %s %s? Fees $%s plus gas $%s.",
				summary.FromAmount, summary.FromToken, from.Chain.DisplayName, to.Chain.DisplayName,
				summary.ToAmountMin, summary.ToToken, summary.FeeUSD, summary.GasUSD),
			Data:            summary,
			ExpiresAt:       expires,
			ConfirmationKey: quote.ID,
		}, nil
	})
}

// parseAmount converts the requested amount into base units. "all" and "max"
// resolve to the full wallet balance and are refused for the native asset.
func parseAmount(ctx context.Context, raw string, from provider.Entry, token web3.Token, owner common.Address) (*big.Int, *tools.Failure) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "all", "max", "everything":
		if token.Native {
			return nil, tools.Fail(tools.FailureInvalidInput,
				"specify an explicit amount of "+token.Symbol+"; part of the native balance is needed for gas")
		}
		balance, err := balanceOf(ctx, from.Client, token, owner)
		if err != nil {
			return nil, tools.FailFromError(err)
		}
		if balance.Sign() <= 0 {
			return nil, tools.Fail(FailureInsufficientBalance, "wallet holds no "+token.Symbol+" on "+from.Chain.DisplayName)
		}
		return balance, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, tools.Fail(tools.FailureInvalidInput, "amount "+strconv.Quote(raw)+" is not a number")
	}
	base, err := web3.ToBaseUnits(value, token.Decimals)
	if err != nil {
		return nil, tools.Fail(tools.FailureInvalidInput, err.Error())
	}
	return base, nil
}

// quoteToken maps an aggregator token back to the chain's token table,
// falling back to the quote's own metadata.
func quoteToken(chain web3.Chain, info bridge.TokenInfo) web3.Token {
	if common.HexToAddress(info.Address) == (common.Address{}) {
		if token, ok := chain.Token(chain.NativeSymbol); ok {
			return token
		}
	}
	if token, ok := chain.Token(info.Symbol); ok && !token.Native {
		return token
	}
	return web3.Token{
		Symbol:   strings.ToUpper(info.Symbol),
		Address:  common.HexToAddress(info.Address),
		Decimals: info.Decimals,
	}
}

func summarize(quote *bridge.Quote, from, to web3.Chain, fromToken, toToken web3.Token) QuoteSummary {
	return QuoteSummary{
		QuoteID:          quote.ID,
		Route:            quote.Tool,
		FromChain:        from.Key,
		ToChain:          to.Key,
		FromToken:        fromToken.Symbol,
		ToToken:          toToken.Symbol,
		FromAmount:       web3.FormatUnits(quote.FromAmount, fromToken.Decimals),
		ToAmount:         web3.FormatUnits(quote.ToAmount, toToken.Decimals),
		ToAmountMin:      web3.FormatUnits(quote.ToAmountMin, toToken.Decimals),
		FeeUSD:           quote.FeeUSD,
		GasUSD:           quote.GasUSD,
		ExecutionSeconds: quote.ExecutionSeconds,
		ApprovalAddress:  quote.ApprovalAddress,
		ExpiresAt:        quote.ExpiresAt,
	}
}

func expiredQuote(id string) *tools.Failure {
	return tools.FailWithDetails(FailureQuoteExpired,
		"quote "+strconv.Quote(id)+" is unknown or has expired; request a new quote",
		map[string]any{"quote_id": id})
}
