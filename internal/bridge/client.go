// Package bridge is a client for a cross-chain route aggregator exposing a
// LI.FI style GET /quote endpoint, with an expiring cache of issued quotes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	xerrors "OpenMCP-Bridge/internal/errors"
)

const (
	defaultBaseURL   = "https://li.quest/v1"
	defaultTimeout   = 15 * time.Second
	defaultCacheSize = 256
	defaultQuoteTTL  = 5 * time.Minute
)

// Config 描述报价聚合服务的访问参数。
type Config struct {
	BaseURL     string
	Integrator  string
	APIKey      string
	Timeout     time.Duration
	CacheSize   int
	QuoteTTL    time.Duration
	SlippageBps int
}

// Option 定义 Client 的可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client 调用聚合器的 /quote 接口，并按报价 ID 缓存结果，供构建交易时复用。
type Client struct {
	baseURL    string
	integrator string
	apiKey     string
	slippage   float64
	ttl        time.Duration
	httpClient *http.Client
	cache      *expirable.LRU[string, Quote]
	now        func() time.Time
}

// NewClient 创建报价客户端。
func NewClient(cfg Config, opts ...Option) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.QuoteTTL
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}
	slippageBps := cfg.SlippageBps
	if slippageBps <= 0 {
		slippageBps = 50
	}
	c := &Client{
		baseURL:    baseURL,
		integrator: strings.TrimSpace(cfg.Integrator),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		slippage:   float64(slippageBps) / 10_000,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: timeout},
		cache:      expirable.NewLRU[string, Quote](size, nil, ttl),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Quote 请求一条跨链路线报价。
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("fromChain", strconv.FormatInt(req.FromChainID, 10))
	params.Set("toChain", strconv.FormatInt(req.ToChainID, 10))
	params.Set("fromToken", req.FromToken)
	params.Set("toToken", req.ToToken)
	params.Set("fromAmount", req.FromAmount.String())
	params.Set("fromAddress", req.FromAddress)
	params.Set("slippage", strconv.FormatFloat(c.slippage, 'f', -1, 64))
	if c.integrator != "" {
		params.Set("integrator", c.integrator)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构建报价请求失败: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-lifi-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "bridge quote request timed out")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "bridge quote service unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		message := upstreamMessage(body)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, xerrors.New(CodeNoRoute, message,
				xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
		}
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "bridge quote service unavailable",
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			xerrors.WithMetadata("body", message))
	}

	var decoded quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "decode bridge quote")
	}
	quote, err := decoded.toQuote()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "invalid bridge quote")
	}
	if quote.ID == "" {
		quote.ID = uuid.NewString()
	}
	quote.FromAddress = req.FromAddress
	quote.ExpiresAt = c.now().Add(c.ttl)
	c.cache.Add(quote.ID, *quote)
	return quote, nil
}

// Lookup 返回缓存中尚未过期的报价。
func (c *Client) Lookup(id string) (*Quote, bool) {
	quote, ok := c.cache.Get(id)
	if !ok {
		return nil, false
	}
	if !quote.ExpiresAt.IsZero() && !c.now().Before(quote.ExpiresAt) {
		c.cache.Remove(id)
		return nil, false
	}
	return &quote, true
}

// Forget 从缓存中移除报价，交易构建完成后调用，避免同一报价被重复使用。
func (c *Client) Forget(id string) {
	c.cache.Remove(id)
}

func upstreamMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Message) != "" {
		return strings.TrimSpace(payload.Message)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "no bridge route available"
	}
	return text
}

func parseBig(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return big.NewInt(0), nil
	}
	base := 10
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		base = 16
		value = value[2:]
		if value == "" {
			return big.NewInt(0), nil
		}
	}
	n, ok := new(big.Int).SetString(value, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", value)
	}
	return n, nil
}
