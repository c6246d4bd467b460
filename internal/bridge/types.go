package bridge

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Bridge/internal/errors"
)

// CodeNoRoute 表示聚合器没有可用的跨链路线。
const CodeNoRoute xerrors.Code = "NO_ROUTE"

func init() {
	xerrors.Register(CodeNoRoute, xerrors.Attributes{
		Message:  "no bridge route available",
		Severity: xerrors.SeverityInfo,
	})
}

// QuoteRequest 描述一次报价请求。代币可以是合约地址或原生代币符号。
type QuoteRequest struct {
	FromChainID int64
	ToChainID   int64
	FromToken   string
	ToToken     string
	FromAmount  *big.Int
	FromAddress string
}

func (r QuoteRequest) validate() error {
	switch {
	case r.FromChainID <= 0 || r.ToChainID <= 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "source and destination chain ids are required")
	case r.FromChainID == r.ToChainID && strings.EqualFold(r.FromToken, r.ToToken):
		return xerrors.New(xerrors.CodeInvalidArgument, "source and destination must differ")
	case strings.TrimSpace(r.FromToken) == "" || strings.TrimSpace(r.ToToken) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "source and destination tokens are required")
	case r.FromAmount == nil || r.FromAmount.Sign() <= 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	case !common.IsHexAddress(r.FromAddress):
		return xerrors.New(xerrors.CodeInvalidArgument, "a valid sender address is required")
	}
	return nil
}

// TokenInfo 描述报价中的代币。
type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// TransactionRequest 是聚合器给出的待签名交易参数。
type TransactionRequest struct {
	To       string   `json:"to"`
	Data     string   `json:"data"`
	Value    *big.Int `json:"value"`
	GasLimit uint64   `json:"gas_limit"`
	GasPrice *big.Int `json:"gas_price,omitempty"`
	ChainID  int64    `json:"chain_id"`
}

// Quote 是规范化后的跨链报价。
type Quote struct {
	ID               string             `json:"id"`
	Tool             string             `json:"tool"`
	FromChainID      int64              `json:"from_chain_id"`
	ToChainID        int64              `json:"to_chain_id"`
	FromToken        TokenInfo          `json:"from_token"`
	ToToken          TokenInfo          `json:"to_token"`
	FromAmount       *big.Int           `json:"from_amount"`
	ToAmount         *big.Int           `json:"to_amount"`
	ToAmountMin      *big.Int           `json:"to_amount_min"`
	FeeUSD           string             `json:"fee_usd"`
	GasUSD           string             `json:"gas_usd"`
	ExecutionSeconds int                `json:"execution_seconds"`
	ApprovalAddress  string             `json:"approval_address,omitempty"`
	FromAddress      string             `json:"from_address"`
	Transaction      TransactionRequest `json:"transaction"`
	ExpiresAt        time.Time          `json:"expires_at"`
}

type quoteToken struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

type quoteCost struct {
	AmountUSD string `json:"amountUSD"`
}

type quoteResponse struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Action struct {
		FromChainID int64      `json:"fromChainId"`
		ToChainID   int64      `json:"toChainId"`
		FromToken   quoteToken `json:"fromToken"`
		ToToken     quoteToken `json:"toToken"`
		FromAmount  string     `json:"fromAmount"`
	} `json:"action"`
	Estimate struct {
		ToAmount          string      `json:"toAmount"`
		ToAmountMin       string      `json:"toAmountMin"`
		ApprovalAddress   string      `json:"approvalAddress"`
		ExecutionDuration float64     `json:"executionDuration"`
		FeeCosts          []quoteCost `json:"feeCosts"`
		GasCosts          []quoteCost `json:"gasCosts"`
	} `json:"estimate"`
	TransactionRequest struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
		GasPrice string `json:"gasPrice"`
		ChainID  int64  `json:"chainId"`
	} `json:"transactionRequest"`
}

func (r quoteResponse) toQuote() (*Quote, error) {
	fromAmount, err := parseBig(r.Action.FromAmount)
	if err != nil {
		return nil, fmt.Errorf("fromAmount: %w", err)
	}
	toAmount, err := parseBig(r.Estimate.ToAmount)
	if err != nil {
		return nil, fmt.Errorf("toAmount: %w", err)
	}
	toAmountMin, err := parseBig(r.Estimate.ToAmountMin)
	if err != nil {
		return nil, fmt.Errorf("toAmountMin: %w", err)
	}
	value, err := parseBig(r.TransactionRequest.Value)
	if err != nil {
		return nil, fmt.Errorf("transaction value: %w", err)
	}
	gasLimit, err := parseBig(r.TransactionRequest.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("gas limit: %w", err)
	}
	if !gasLimit.IsUint64() {
		return nil, fmt.Errorf("gas limit out of range")
	}
	var gasPrice *big.Int
	if r.TransactionRequest.GasPrice != "" {
		if gasPrice, err = parseBig(r.TransactionRequest.GasPrice); err != nil {
			return nil, fmt.Errorf("gas price: %w", err)
		}
	}
	if r.TransactionRequest.To != "" && !common.IsHexAddress(r.TransactionRequest.To) {
		return nil, fmt.Errorf("invalid transaction target %q", r.TransactionRequest.To)
	}
	chainID := r.TransactionRequest.ChainID
	if chainID == 0 {
		chainID = r.Action.FromChainID
	}

	return &Quote{
		ID:               r.ID,
		Tool:             r.Tool,
		FromChainID:      r.Action.FromChainID,
		ToChainID:        r.Action.ToChainID,
		FromToken:        TokenInfo(r.Action.FromToken),
		ToToken:          TokenInfo(r.Action.ToToken),
		FromAmount:       fromAmount,
		ToAmount:         toAmount,
		ToAmountMin:      toAmountMin,
		FeeUSD:           sumUSD(r.Estimate.FeeCosts),
		GasUSD:           sumUSD(r.Estimate.GasCosts),
		ExecutionSeconds: int(r.Estimate.ExecutionDuration),
		ApprovalAddress:  r.Estimate.ApprovalAddress,
		Transaction: TransactionRequest{
			To:       r.TransactionRequest.To,
			Data:     r.TransactionRequest.Data,
			Value:    value,
			GasLimit: gasLimit.Uint64(),
			GasPrice: gasPrice,
			ChainID:  chainID,
		},
	}, nil
}

func sumUSD(costs []quoteCost) string {
	total := decimal.Zero
	for _, cost := range costs {
		if amount, err := decimal.NewFromString(strings.TrimSpace(cost.AmountUSD)); err == nil {
			total = total.Add(amount)
		}
	}
	return total.StringFixed(2)
}
