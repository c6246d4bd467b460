package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"OpenMCP-Bridge/internal/config"
	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/web3"
	"OpenMCP-Bridge/internal/web3/ethereum"
)

// Entry pairs static chain metadata with its client.
type Entry struct {
	Chain  web3.Chain
	Client web3.Client
}

// Registry manages a set of chain clients keyed by chain key, and resolves
// user-facing names, aliases and numeric chain ids to them.
type Registry struct {
	defaultChain string
	entries      map[string]Entry
	index        map[string]string
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(defs.Chains))
	for key, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", key, def.Type)
		}
		chain, err := def.Chain(key)
		if err != nil {
			return nil, err
		}
		rpcURL := def.RPCURL
		if strings.TrimSpace(rpcURL) == "" {
			rpcURL = cfg.RPCURL
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: key, RPCURL: rpcURL, Notes: def.Description})
		if err != nil {
			closeEntries(entries)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", key, err)
		}
		entries = append(entries, Entry{Chain: chain, Client: client})
	}

	if len(entries) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return NewStaticRegistry(cfg.DefaultChain, entries...)
}

// NewStaticRegistry builds a registry from pre-constructed entries.
func NewStaticRegistry(defaultChain string, entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]Entry, len(entries)),
		index:   make(map[string]string),
	}
	for _, entry := range entries {
		key := strings.ToLower(strings.TrimSpace(entry.Chain.Key))
		if key == "" {
			return nil, errors.New("链配置缺少 key")
		}
		if _, dup := r.entries[key]; dup {
			return nil, fmt.Errorf("重复的链配置: %s", key)
		}
		entry.Chain.Key = key
		r.entries[key] = entry

		names := append([]string{key, entry.Chain.DisplayName, strconv.FormatInt(entry.Chain.ChainID, 10)}, entry.Chain.Aliases...)
		for _, name := range names {
			name = normalizeName(name)
			if name == "" {
				continue
			}
			if _, taken := r.index[name]; !taken {
				r.index[name] = key
			}
		}
	}
	if len(r.entries) == 0 {
		return nil, errors.New("未配置任何链")
	}

	defaultChain = strings.ToLower(strings.TrimSpace(defaultChain))
	if defaultChain == "" {
		keys := r.keys()
		defaultChain = keys[0]
	}
	if _, ok := r.entries[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// Resolve finds a chain by key, display name, alias or numeric chain id.
func (r *Registry) Resolve(name string) (Entry, error) {
	if r == nil {
		return Entry{}, xerrors.New(xerrors.CodeInitializationFailure, "chain registry is not initialised")
	}
	key, ok := r.index[normalizeName(name)]
	if !ok {
		return Entry{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unsupported chain %q", name),
			xerrors.WithMetadata("chain", name))
	}
	return r.entries[key], nil
}

// Default returns the entry configured as default chain.
func (r *Registry) Default() (Entry, error) {
	if r == nil {
		return Entry{}, errors.New("未初始化的链客户端注册表")
	}
	return r.entries[r.defaultChain], nil
}

// Client returns the chain client identified by key.
func (r *Registry) Client(name string) (web3.Client, bool) {
	entry, err := r.Resolve(name)
	if err != nil {
		return nil, false
	}
	return entry.Client, true
}

// Chains returns metadata for every registered chain ordered by key.
func (r *Registry) Chains() []web3.Chain {
	if r == nil {
		return nil
	}
	keys := r.keys()
	out := make([]web3.Chain, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.entries[key].Chain)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for key, entry := range r.entries {
		if entry.Client != nil {
			entry.Client.Close()
		}
		delete(r.entries, key)
	}
}

func (r *Registry) keys() []string {
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func closeEntries(entries []Entry) {
	for _, entry := range entries {
		if entry.Client != nil {
			entry.Client.Close()
		}
	}
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
