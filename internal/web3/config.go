package web3

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type         string                     `yaml:"type"`
	ChainID      int64                      `yaml:"chain_id"`
	DisplayName  string                     `yaml:"display_name"`
	Aliases      []string                   `yaml:"aliases"`
	RPCURL       string                     `yaml:"rpc_url"`
	ExplorerURL  string                     `yaml:"explorer_url"`
	NativeSymbol string                     `yaml:"native_symbol"`
	Description  string                     `yaml:"description"`
	Tokens       map[string]TokenDefinition `yaml:"tokens"`
}

// TokenDefinition describes an ERC-20 deployment on a chain.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Chain converts the definition into the runtime description.
func (d ChainDefinition) Chain(key string) (Chain, error) {
	if d.ChainID <= 0 {
		return Chain{}, fmt.Errorf("链 %s 缺少 chain_id", key)
	}
	display := strings.TrimSpace(d.DisplayName)
	if display == "" {
		display = key
	}
	native := strings.ToUpper(strings.TrimSpace(d.NativeSymbol))
	if native == "" {
		native = "ETH"
	}
	tokens := make(map[string]Token, len(d.Tokens))
	for symbol, def := range d.Tokens {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if !common.IsHexAddress(def.Address) {
			return Chain{}, fmt.Errorf("链 %s 的代币 %s 地址无效: %q", key, symbol, def.Address)
		}
		if def.Decimals < 0 || def.Decimals > 36 {
			return Chain{}, fmt.Errorf("链 %s 的代币 %s 精度无效: %d", key, symbol, def.Decimals)
		}
		tokens[symbol] = Token{
			Symbol:   symbol,
			Address:  common.HexToAddress(def.Address),
			Decimals: def.Decimals,
		}
	}
	return Chain{
		Key:          key,
		DisplayName:  display,
		ChainID:      d.ChainID,
		Aliases:      append([]string(nil), d.Aliases...),
		ExplorerURL:  strings.TrimSpace(d.ExplorerURL),
		NativeSymbol: native,
		Tokens:       tokens,
	}, nil
}
