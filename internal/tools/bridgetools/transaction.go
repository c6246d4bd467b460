package bridgetools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/tools"
)

// UnsignedTransaction is handed to the user's wallet for signing.
type UnsignedTransaction struct {
	QuoteID         string `json:"quote_id"`
	Chain           string `json:"chain"`
	ChainID         int64  `json:"chain_id"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Data            string `json:"data"`
	GasLimit        uint64 `json:"gas_limit"`
	GasPrice        string `json:"gas_price"`
	Nonce           uint64 `json:"nonce"`
	UnsignedTx      string `json:"unsigned_tx"`
	ApprovalAddress string `json:"approval_address,omitempty"`
}

// BroadcastReceipt is the payload of submit_signed_transaction.
type BroadcastReceipt struct {
	TxHash      string `json:"tx_hash"`
	Chain       string `json:"chain"`
	ChainID     int64  `json:"chain_id"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

type submitSignedInput struct {
	SignedTx string `json:"signed_tx"`
	Chain    string `json:"chain"`
}

func buildBridgeTransactionTool(deps Dependencies) tools.Tool {
	return tools.NewTool(tools.Definition{
		Name: NameBuildBridgeTx,
		Description: "Build the unsigned transaction for a bridge quote the user confirmed through prepare_bridge " +
			"and ask the user's wallet to sign it. The quote is consumed and cannot be reused.",
		Category:             tools.CategoryWrite,
		RequiresConfirmation: true,
		ConfirmationKey:      "quote_id",
		RequiresSignature:    true,
		InputSchema:          quoteIDSchema,
	}, func(ctx context.Context, in quoteIDInput, tc tools.Context, _ string) (tools.Result, error) {
		quote, ok := deps.Quotes.Lookup(in.QuoteID)
		if !ok {
			return expiredQuote(in.QuoteID), nil
		}
		owner, fail := walletFrom(tc, "")
		if fail != nil {
			return fail, nil
		}
		if quote.FromAddress != "" && !strings.EqualFold(common.HexToAddress(quote.FromAddress).Hex(), owner.Hex()) {
			return tools.Fail(FailureWalletMismatch, "the quote was issued for a different wallet"), nil
		}
		txReq := quote.Transaction
		if !common.IsHexAddress(txReq.To) {
			return tools.Fail(FailureInvalidTransaction, "the quote carries no transaction target"), nil
		}
		entry, fail := resolveChain(deps.Chains, strconv.FormatInt(txReq.ChainID, 10))
		if fail != nil {
			return fail, nil
		}
		data, err := hexutil.Decode(normalizeHex(txReq.Data))
		if err != nil {
			return tools.Fail(FailureInvalidTransaction, "the quote's call data is not valid hex"), nil
		}

		nonce, err := entry.Client.PendingNonce(ctx, owner)
		if err != nil {
			return nil, err
		}
		gasPrice := txReq.GasPrice
		if gasPrice == nil || gasPrice.Sign() == 0 {
			if gasPrice, err = entry.Client.SuggestGasPrice(ctx); err != nil {
				return nil, err
			}
		}
		value := txReq.Value
		if value == nil {
			value = new(big.Int)
		}
		to := common.HexToAddress(txReq.To)
		tx := coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      txReq.GasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
		encoded, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode transaction: %w", err)
		}
		deps.Quotes.Forget(quote.ID)

		unsigned := UnsignedTransaction{
			QuoteID:    quote.ID,
			Chain:      entry.Chain.Key,
			ChainID:    entry.Chain.ChainID,
			From:       owner.Hex(),
			To:         to.Hex(),
			Value:      value.String(),
			Data:       hexutil.Encode(data),
			GasLimit:   txReq.GasLimit,
			GasPrice:   gasPrice.String(),
			Nonce:      nonce,
			UnsignedTx: hexutil.Encode(encoded),
		}
		message := fmt.Sprintf("Sign the bridge transaction on %s with wallet %s", entry.Chain.DisplayName, owner.Hex())
		if quote.ApprovalAddress != "" && common.HexToAddress(quote.FromToken.Address) != (common.Address{}) {
			unsigned.ApprovalAddress = quote.ApprovalAddress
			message += fmt.Sprintf(" (token allowance for %s is required first)", quote.ApprovalAddress)
		}
		return &tools.PendingAction{
			ActionType: session.ActionSignature,
			Message:    message,
			Data:       unsigned,
			ExpiresAt:  deps.now().Add(signatureWindow),
		}, nil
	})
}

func submitSignedTransactionTool(deps Dependencies) tools.Tool {
	return tools.NewTool(tools.Definition{
		Name:        NameSubmitSignedTx,
		Description: "Broadcast a transaction the user's wallet has signed. Input is the raw signed transaction as 0x-prefixed hex.",
		Category:    tools.CategoryWrite,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"signed_tx": {"type": "string", "pattern": "^(0x)?[0-9a-fA-F]+$"},
				"chain": {"type": "string", "description": "Required for transactions without replay protection"}
			},
			"required": ["signed_tx"],
			"additionalProperties": false
		}`),
	}, func(ctx context.Context, in submitSignedInput, tc tools.Context, _ string) (tools.Result, error) {
		raw, err := hexutil.Decode(normalizeHex(in.SignedTx))
		if err != nil {
			return tools.Fail(FailureInvalidTransaction, "signed transaction is not valid hex"), nil
		}
		tx := new(coretypes.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return tools.Fail(FailureInvalidTransaction, "signed transaction could not be decoded: "+err.Error()), nil
		}

		chainName := strings.TrimSpace(in.Chain)
		txChain := tx.ChainId()
		if chainName == "" {
			if txChain == nil || txChain.Sign() == 0 {
				return tools.Fail(FailureInvalidTransaction, "transaction has no chain id; specify the chain"), nil
			}
			chainName = txChain.String()
		}
		entry, fail := resolveChain(deps.Chains, chainName)
		if fail != nil {
			return fail, nil
		}
		if txChain != nil && txChain.Sign() != 0 && txChain.Int64() != entry.Chain.ChainID {
			return tools.FailWithDetails(FailureChainMismatch,
				fmt.Sprintf("transaction is signed for chain %s, not %s", txChain, entry.Chain.DisplayName),
				map[string]any{"tx_chain_id": txChain.String(), "chain_id": entry.Chain.ChainID}), nil
		}

		signer := coretypes.LatestSignerForChainID(big.NewInt(entry.Chain.ChainID))
		sender, err := coretypes.Sender(signer, tx)
		if err != nil {
			return tools.Fail(FailureInvalidTransaction, "transaction signature is invalid"), nil
		}
		if wallet, fail := walletFrom(tc, ""); fail == nil && wallet != sender {
			return tools.FailWithDetails(FailureSignerMismatch, "transaction was signed by a different wallet",
				map[string]any{"signer": sender.Hex(), "wallet": wallet.Hex()}), nil
		}

		hash, err := entry.Client.SendTransaction(ctx, tx)
		if err != nil {
			return tools.FailWithDetails(FailureBroadcast, "the network rejected the transaction",
				map[string]any{"error": err.Error()}), nil
		}
		receipt := BroadcastReceipt{
			TxHash:      hash.Hex(),
			Chain:       entry.Chain.Key,
			ChainID:     entry.Chain.ChainID,
			ExplorerURL: entry.Chain.TxExplorerURL(hash),
		}
		return tools.Succeed(receipt, "Transaction submitted on "+entry.Chain.DisplayName+": "+hash.Hex()), nil
	})
}

func listSupportedChainsTool(deps Dependencies) tools.Tool {
	type chainInfo struct {
		Key         string   `json:"key"`
		DisplayName string   `json:"display_name"`
		ChainID     int64    `json:"chain_id"`
		Native      string   `json:"native"`
		Tokens      []string `json:"tokens"`
	}
	return tools.NewTool(tools.Definition{
		Name:        NameSupportedChains,
		Description: "List the chains and tokens available for bridging.",
		Category:    tools.CategoryUtility,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}, "additionalProperties": false}`),
	}, func(context.Context, struct{}, tools.Context, string) (tools.Result, error) {
		chains := deps.Chains.Chains()
		infos := make([]chainInfo, 0, len(chains))
		for _, chain := range chains {
			infos = append(infos, chainInfo{
				Key:         chain.Key,
				DisplayName: chain.DisplayName,
				ChainID:     chain.ChainID,
				Native:      chain.NativeSymbol,
				Tokens:      chain.Symbols(),
			})
		}
		return tools.Succeed(infos, fmt.Sprintf("%d chains supported", len(infos))), nil
	})
}

func normalizeHex(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "0x"
	}
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		return "0x" + value
	}
	return "0x" + value[2:]
}
