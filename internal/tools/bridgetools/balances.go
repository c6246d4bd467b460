package bridgetools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Bridge/internal/tools"
	"OpenMCP-Bridge/internal/web3"
	"OpenMCP-Bridge/internal/web3/provider"
)

type checkBalancesInput struct {
	Chain   string `json:"chain"`
	Token   string `json:"token"`
	Address string `json:"address"`
}

// Balance is one token holding on one chain.
type Balance struct {
	Chain   string `json:"chain"`
	ChainID int64  `json:"chain_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Raw     string `json:"raw"`
}

// BalanceError reports a chain that could not be queried.
type BalanceError struct {
	Chain string `json:"chain"`
	Error string `json:"error"`
}

// BalanceReport is the payload of check_balances.
type BalanceReport struct {
	Address  string         `json:"address"`
	Balances []Balance      `json:"balances"`
	Errors   []BalanceError `json:"errors,omitempty"`
}

func checkBalancesTool(deps Dependencies) tools.Tool {
	return tools.NewTool(tools.Definition{
		Name: NameCheckBalances,
		Description: "Look up the wallet's token balances. Without a chain every supported chain is queried; " +
			"without a token every known token on the chain is reported.",
		Category: tools.CategoryRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"chain": {"type": "string", "description": "Chain name, alias or numeric chain id"},
				"token": {"type": "string", "description": "Token symbol such as ETH or USDC"},
				"address": {"type": "string", "description": "Wallet address; defaults to the user's linked wallet"}
			},
			"additionalProperties": false
		}`),
	}, func(ctx context.Context, in checkBalancesInput, tc tools.Context, _ string) (tools.Result, error) {
		owner, fail := walletFrom(tc, in.Address)
		if fail != nil {
			return fail, nil
		}

		var targets []provider.Entry
		if strings.TrimSpace(in.Chain) != "" {
			entry, fail := resolveChain(deps.Chains, in.Chain)
			if fail != nil {
				return fail, nil
			}
			if in.Token != "" {
				if _, fail := resolveToken(entry.Chain, in.Token); fail != nil {
					return fail, nil
				}
			}
			targets = append(targets, entry)
		} else {
			for _, chain := range deps.Chains.Chains() {
				entry, err := deps.Chains.Resolve(chain.Key)
				if err != nil {
					return nil, err
				}
				targets = append(targets, entry)
			}
		}

		report := BalanceReport{Address: owner.Hex(), Balances: []Balance{}}
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(balanceFanOut)
		for _, entry := range targets {
			entry := entry
			g.Go(func() error {
				balances, err := chainBalances(gctx, entry, in.Token, owner)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Errors = append(report.Errors, BalanceError{Chain: entry.Chain.Key, Error: err.Error()})
					return nil
				}
				report.Balances = append(report.Balances, balances...)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		sort.Slice(report.Balances, func(i, j int) bool {
			if report.Balances[i].Chain != report.Balances[j].Chain {
				return report.Balances[i].Chain < report.Balances[j].Chain
			}
			return report.Balances[i].Token < report.Balances[j].Token
		})
		sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].Chain < report.Errors[j].Chain })

		if len(report.Balances) == 0 && len(report.Errors) > 0 {
			return tools.FailWithDetails(tools.FailureExecution, "balances could not be fetched",
				map[string]any{"errors": report.Errors}), nil
		}
		message := fmt.Sprintf("Found %d balances across %d chains", len(report.Balances), len(targets))
		return tools.Succeed(report, message), nil
	})
}

func chainBalances(ctx context.Context, entry provider.Entry, symbol string, owner common.Address) ([]Balance, error) {
	symbols := entry.Chain.Symbols()
	if symbol != "" {
		if _, ok := entry.Chain.Token(symbol); !ok {
			return nil, nil
		}
		symbols = []string{strings.ToUpper(symbol)}
	}
	balances := make([]Balance, 0, len(symbols))
	for _, sym := range symbols {
		token, ok := entry.Chain.Token(sym)
		if !ok {
			continue
		}
		raw, err := balanceOf(ctx, entry.Client, token, owner)
		if err != nil {
			return nil, fmt.Errorf("%s balance: %w", sym, err)
		}
		balances = append(balances, Balance{
			Chain:   entry.Chain.Key,
			ChainID: entry.Chain.ChainID,
			Token:   strings.ToUpper(sym),
			Amount:  web3.FormatUnits(raw, token.Decimals),
			Raw:     raw.String(),
		})
	}
	return balances, nil
}
