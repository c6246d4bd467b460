package web3

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestBaseUnitConversion(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int32
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"0.5", 6, "500000"},
		{"1234.567891", 6, "1234567891"},
		{"0.000001", 6, "1"},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(decimal.RequireFromString(tc.amount), tc.decimals)
		if err != nil {
			t.Fatalf("%s: %v", tc.amount, err)
		}
		if got.String() != tc.want {
			t.Fatalf("%s: got %s want %s", tc.amount, got, tc.want)
		}
		if back := FormatUnits(got, tc.decimals); back != decimal.RequireFromString(tc.amount).String() {
			t.Fatalf("round trip %s -> %s", tc.amount, back)
		}
	}

	for _, bad := range []string{"0", "-1", "0.0000001"} {
		if _, err := ToBaseUnits(decimal.RequireFromString(bad), 6); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
	if FromBaseUnits(nil, 6).Sign() != 0 {
		t.Fatalf("nil should convert to zero")
	}
	if FormatUnits(big.NewInt(1_500_000), 6) != "1.5" {
		t.Fatalf("unexpected format")
	}
}

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  base:
    chain_id: 8453
    display_name: Base
    rpc_url: https://mainnet.base.org
    explorer_url: https://basescan.org/
    tokens:
      usdc:
        address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
        decimals: 6
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chain, err := defs.Chains["base"].Chain("base")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if chain.NativeSymbol != "ETH" || chain.ChainID != 8453 {
		t.Fatalf("unexpected chain: %+v", chain)
	}
	usdc, ok := chain.Token("usdc")
	if !ok || usdc.Decimals != 6 || usdc.Native {
		t.Fatalf("unexpected token: %+v", usdc)
	}
	eth, ok := chain.Token("eth")
	if !ok || !eth.Native || eth.Decimals != 18 {
		t.Fatalf("native token not resolved: %+v", eth)
	}
	if symbols := chain.Symbols(); len(symbols) != 2 || symbols[0] != "ETH" || symbols[1] != "USDC" {
		t.Fatalf("unexpected symbols %v", symbols)
	}

	empty, err := LoadChainDefinitions("")
	if err != nil || len(empty.Chains) != 0 {
		t.Fatalf("empty path should yield no chains")
	}
}

func TestChainDefinitionValidation(t *testing.T) {
	if _, err := (ChainDefinition{}).Chain("x"); err == nil {
		t.Fatalf("expected missing chain id error")
	}
	def := ChainDefinition{ChainID: 1, Tokens: map[string]TokenDefinition{"USDC": {Address: "nope", Decimals: 6}}}
	if _, err := def.Chain("x"); err == nil {
		t.Fatalf("expected invalid address error")
	}
}
