package ethereum

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func TestClientAgainstSimulatedBackend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	funding := new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))

	backend := simulated.NewBackend(coretypes.GenesisAlloc{from: {Balance: funding}})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewWithBackend("simulated", backend.Client())
	t.Cleanup(client.Close)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	if chainID.Int64() != 1337 {
		t.Fatalf("unexpected chain id %s", chainID)
	}

	balance, err := client.NativeBalance(ctx, from)
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	if balance.Cmp(funding) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	nonce, err := client.PendingNonce(ctx, from)
	if err != nil || nonce != 0 {
		t.Fatalf("pending nonce: %d %v", nonce, err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}

	value := big.NewInt(1e17)
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	hash, err := client.SendTransaction(ctx, signed)
	if err != nil {
		t.Fatalf("send tx: %v", err)
	}
	if hash != signed.Hash() {
		t.Fatalf("unexpected hash %s", hash.Hex())
	}
	backend.Commit()

	received, err := client.NativeBalance(ctx, to)
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if received.Cmp(value) != 0 {
		t.Fatalf("unexpected recipient balance %s", received)
	}
	if nonce, _ := client.PendingNonce(ctx, from); nonce != 1 {
		t.Fatalf("expected nonce to advance, got %d", nonce)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after commit")
	}
}

type stubBackend struct {
	callData []byte
	callTo   *common.Address
	result   []byte
}

func (s *stubBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	s.callData = msg.Data
	s.callTo = msg.To
	return s.result, nil
}
func (s *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubBackend) SendTransaction(context.Context, *coretypes.Transaction) error {
	return nil
}
func (s *stubBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(8453), nil }
func (s *stubBackend) BlockNumber(context.Context) (uint64, error) {
	return 7, nil
}
func (s *stubBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func TestTokenBalanceEncodesBalanceOf(t *testing.T) {
	token := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	stub := &stubBackend{result: common.LeftPadBytes(big.NewInt(2_500_000).Bytes(), 32)}
	client := NewWithBackend("base", stub)

	balance, err := client.TokenBalance(context.Background(), token, owner)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Int64() != 2_500_000 {
		t.Fatalf("unexpected balance %s", balance)
	}
	if stub.callTo == nil || *stub.callTo != token {
		t.Fatalf("call not sent to token contract")
	}
	selector := common.FromHex("0x70a08231")
	if !bytes.HasPrefix(stub.callData, selector) || !bytes.HasSuffix(stub.callData, owner.Bytes()) {
		t.Fatalf("unexpected call data %x", stub.callData)
	}
}

func TestChainIDIsCached(t *testing.T) {
	stub := &stubBackend{}
	client := NewWithBackend("base", stub)
	first, _ := client.ChainID(context.Background())
	first.SetInt64(0)
	second, _ := client.ChainID(context.Background())
	if second.Int64() != 8453 {
		t.Fatalf("cached chain id was mutated: %s", second)
	}
}

var _ Backend = simulated.Client(nil)
