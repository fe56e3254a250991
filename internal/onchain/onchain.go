// Package onchain adapts a Strategy's abstract approve/swap calls onto
// real go-ethereum transactions: ABI-encode calldata, sign with the
// chain's cached wallet key, broadcast, and wait for a receipt. This is
// the concrete counterpart to the teacher's ContractClient.Send/Call
// pattern in blackhole.go, generalized from one DEX's router to an
// arbitrary per-chain router address supplied by Strategy.
package onchain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"arbexec/internal/commitreveal"
	"arbexec/internal/mev"
	"arbexec/internal/simulation"
	"arbexec/pkg/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const routerABIJSON = `[
	{"constant":false,"inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}
	],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"type":"function"}
]`

var (
	erc20ABI  abi.ABI
	routerABI abi.ABI
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("onchain: invalid erc20 ABI: %v", err))
	}
	routerABI, err = abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("onchain: invalid router ABI: %v", err))
	}
}

// ChainClients is the per-chain connection bundle EthBuilder needs: the
// RPC client, the cached signing key, and the chain's numeric ID.
type ChainClients struct {
	Client     *ethclient.Client
	SigningKey *ecdsa.PrivateKey
	Address    common.Address
	ChainID    *big.Int
	RouterAddr common.Address
}

// EthBuilder implements strategy.SwapBuilder against real go-ethereum
// RPC clients, one per configured chain.
type EthBuilder struct {
	mu          sync.RWMutex
	chains      map[string]ChainClients
	receiptPoll time.Duration
}

// NewEthBuilder constructs an EthBuilder over the given per-chain
// clients.
func NewEthBuilder(chains map[string]ChainClients) *EthBuilder {
	return &EthBuilder{chains: chains, receiptPoll: 250 * time.Millisecond}
}

func (b *EthBuilder) chain(name string) (ChainClients, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cc, ok := b.chains[name]
	if !ok {
		return ChainClients{}, fmt.Errorf("onchain: no client configured for chain %s", name)
	}
	return cc, nil
}

// BuildApprove ABI-encodes an ERC20 approve(spender, amount) call.
func (b *EthBuilder) BuildApprove(ctx context.Context, chain, token, spender string, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return nil, fmt.Errorf("onchain: failed to encode approve: %w", err)
	}
	return data, nil
}

// BuildSwap ABI-encodes a swapExactTokensForTokens call from the
// opportunity's token path, returning the configured router address for
// this chain and the calldata.
func (b *EthBuilder) BuildSwap(ctx context.Context, chain string, opp *types.Opportunity) (string, []byte, error) {
	cc, err := b.chain(chain)
	if err != nil {
		return "", nil, err
	}

	path := []common.Address{common.HexToAddress(opp.TokenIn), common.HexToAddress(opp.TokenOut)}
	amountOutMin := big.NewInt(0) // slippage protection is Strategy's concern, not the builder's
	deadline := new(big.Int).SetInt64(opp.ExpiresAtMs / 1000)

	data, err := routerABI.Pack("swapExactTokensForTokens", opp.AmountIn, amountOutMin, path, cc.Address, deadline)
	if err != nil {
		return "", nil, fmt.Errorf("onchain: failed to encode swap: %w", err)
	}
	return cc.RouterAddr.Hex(), data, nil
}

// Send signs and broadcasts a transaction against the chain's cached
// signing key, using the network's current suggested gas price.
func (b *EthBuilder) Send(ctx context.Context, chain, to string, data []byte, gasLimit uint64, value *big.Int) (string, error) {
	cc, err := b.chain(chain)
	if err != nil {
		return "", err
	}

	nonce, err := cc.Client.PendingNonceAt(ctx, cc.Address)
	if err != nil {
		return "", fmt.Errorf("onchain: failed to fetch nonce: %w", err)
	}
	gasPrice, err := cc.Client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("onchain: failed to suggest gas price: %w", err)
	}
	if value == nil {
		value = big.NewInt(0)
	}

	toAddr := common.HexToAddress(to)
	tx := ethtypes.NewTransaction(nonce, toAddr, value, gasLimit, gasPrice, data)

	signer := ethtypes.LatestSignerForChainID(cc.ChainID)
	signedTx, err := ethtypes.SignTx(tx, signer, cc.SigningKey)
	if err != nil {
		return "", fmt.Errorf("onchain: failed to sign transaction: %w", err)
	}

	if err := cc.Client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("onchain: failed to broadcast transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls TransactionReceipt until it is available or ctx
// is done, reporting success per the receipt's status field. Polling
// rather than a subscription keeps this usable against plain HTTP RPC
// endpoints, which most of the configured chains are.
func (b *EthBuilder) WaitForReceipt(ctx context.Context, chain, txHash string) (bool, error) {
	cc, err := b.chain(chain)
	if err != nil {
		return false, err
	}
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(b.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := cc.Client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt.Status == ethtypes.ReceiptStatusSuccessful, nil
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("onchain: timed out waiting for receipt %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// EthCallBackend implements simulation.Backend as a local eth_call
// dry-run: cheaper and always available, but unlike Tenderly/Alchemy it
// cannot simulate against pending-block MEV state, so it is meant to be
// ordered last in a Service's backend list.
type EthCallBackend struct {
	clients map[string]*ethclient.Client
}

// NewEthCallBackend constructs an EthCallBackend over one ethclient per
// chain name.
func NewEthCallBackend(clients map[string]*ethclient.Client) *EthCallBackend {
	return &EthCallBackend{clients: clients}
}

func (b *EthCallBackend) Name() string { return "eth_call" }

func (b *EthCallBackend) Simulate(ctx context.Context, tx simulation.Tx, chain string) (simulation.Result, error) {
	client, ok := b.clients[chain]
	if !ok {
		return simulation.Result{}, fmt.Errorf("onchain: eth_call backend has no client for chain %s", chain)
	}

	var value *big.Int
	if tx.Value != "" {
		value, ok = new(big.Int).SetString(tx.Value, 10)
		if !ok {
			return simulation.Result{}, fmt.Errorf("onchain: invalid tx value %q", tx.Value)
		}
	}

	msg := ethereum.CallMsg{
		From:  common.HexToAddress(tx.From),
		To:    addrPtr(tx.To),
		Data:  tx.Data,
		Value: value,
	}

	out, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		reason := revertReason(err)
		if isRevert(err) {
			return simulation.Result{RevertReason: reason, Provider: b.Name()}, fmt.Errorf("%w: %s", simulation.ErrReverted, reason)
		}
		return simulation.Result{}, fmt.Errorf("onchain: eth_call transport error: %w", err)
	}
	return simulation.Result{Success: true, ReturnValue: out, Provider: b.Name()}, nil
}

// isRevert distinguishes an EVM revert from a transport-level failure
// (node unreachable, rate-limited, malformed request). Most
// JSON-RPC-compliant nodes phrase reverts with this substring.
func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}

func addrPtr(addr string) *common.Address {
	if addr == "" {
		return nil
	}
	a := common.HexToAddress(addr)
	return &a
}

// revertReason extracts whatever text go-ethereum's JSON-RPC client
// attached to a failed eth_call; most nodes echo the revert string here.
func revertReason(err error) string {
	var rpcErr interface{ ErrorData() interface{} }
	if errors.As(err, &rpcErr) {
		if data, ok := rpcErr.ErrorData().(string); ok {
			return data
		}
	}
	return err.Error()
}

// FeeSource implements mev.FeeSource over a real ethclient.Client:
// maxFeePerGas is twice the latest block's base fee plus the suggested
// priority tip (the tip itself is not doubled).
type FeeSource struct {
	client *ethclient.Client
}

// NewFeeSource wraps client for EIP-1559 fee quoting.
func NewFeeSource(client *ethclient.Client) *FeeSource {
	return &FeeSource{client: client}
}

func (f *FeeSource) SuggestFeeData(ctx context.Context) (mev.FeeData, error) {
	header, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return mev.FeeData{}, fmt.Errorf("onchain: failed to fetch latest header: %w", err)
	}
	if header.BaseFee == nil {
		return mev.FeeData{}, fmt.Errorf("onchain: chain does not report EIP-1559 base fee")
	}

	tip, err := f.client.SuggestGasTipCap(ctx)
	if err != nil {
		return mev.FeeData{}, fmt.Errorf("onchain: failed to suggest priority tip: %w", err)
	}

	maxFee := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	return mev.FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

const commitRevealABIJSON = `[
	{"constant":false,"inputs":[{"name":"hash","type":"bytes32"}],"name":"commit","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"hash","type":"bytes32"}],"name":"cancel","outputs":[],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"asset","type":"address"},
		{"name":"amountIn","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"minProfit","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"salt","type":"bytes32"}
	],"name":"reveal","outputs":[{"name":"profit","type":"uint256"}],"type":"function"}
]`

var commitRevealABI abi.ABI

func init() {
	var err error
	commitRevealABI, err = abi.JSON(strings.NewReader(commitRevealABIJSON))
	if err != nil {
		panic(fmt.Sprintf("onchain: invalid commit-reveal ABI: %v", err))
	}
}

// CommitRevealClient implements commitreveal.OnChain against a single
// deployed commit-reveal contract per chain.
type CommitRevealClient struct {
	builder    *EthBuilder
	contractBy map[string]string // chain -> commit-reveal contract address
	revealGas  uint64
}

// NewCommitRevealClient constructs a CommitRevealClient reusing an
// EthBuilder's chain clients/wallets for signing and broadcast.
func NewCommitRevealClient(builder *EthBuilder, contractBy map[string]string) *CommitRevealClient {
	return &CommitRevealClient{builder: builder, contractBy: contractBy, revealGas: 200000}
}

func (c *CommitRevealClient) contractFor(chain string) (string, error) {
	addr, ok := c.contractBy[chain]
	if !ok {
		return "", fmt.Errorf("onchain: no commit-reveal contract configured for chain %s", chain)
	}
	return addr, nil
}

func (c *CommitRevealClient) SubmitCommit(ctx context.Context, hash string) error {
	return c.submitHashCall(ctx, "commit", hash)
}

func (c *CommitRevealClient) CancelCommit(ctx context.Context, hash string) error {
	return c.submitHashCall(ctx, "cancel", hash)
}

func (c *CommitRevealClient) submitHashCall(ctx context.Context, method, hash string) error {
	decoded, err := decodeHexHash(hash)
	if err != nil {
		return err
	}
	// The hash is not bound to a chain here: anyContract picks one
	// configured chain (whichever map iteration yields first), and that
	// chain's client signs and broadcasts to its contract.
	chain, contract, err := c.anyContract()
	if err != nil {
		return err
	}
	data, err := commitRevealABI.Pack(method, decoded)
	if err != nil {
		return fmt.Errorf("onchain: failed to encode %s: %w", method, err)
	}
	txHash, err := c.builder.Send(ctx, chain, contract, data, c.revealGas, nil)
	if err != nil {
		return err
	}
	ok, err := c.builder.WaitForReceipt(ctx, chain, txHash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("onchain: %s transaction reverted", method)
	}
	return nil
}

func (c *CommitRevealClient) anyContract() (chain, contract string, err error) {
	for ch, addr := range c.contractBy {
		return ch, addr, nil
	}
	return "", "", fmt.Errorf("onchain: no commit-reveal contract configured")
}

// SubmitReveal submits the reveal transaction. Production contracts
// typically emit a Revealed(profit) event; decoding it requires the
// deployed contract's concrete ABI, which is outside what this generic
// client can assume, so the reported profit is the caller-supplied
// MinProfit floor rather than the realized amount.
func (c *CommitRevealClient) SubmitReveal(ctx context.Context, cm commitreveal.Commitment, gasLimit *big.Int) (*big.Int, error) {
	chain := cm.Chain
	contract, err := c.contractFor(chain)
	if err != nil {
		return nil, err
	}

	path := make([]common.Address, len(cm.SwapPath))
	for i, p := range cm.SwapPath {
		path[i] = common.HexToAddress(p)
	}
	salt, err := decodeHexHash(cm.Salt)
	if err != nil {
		return nil, err
	}

	data, err := commitRevealABI.Pack("reveal", common.HexToAddress(cm.Asset), cm.AmountIn, path, cm.MinProfit, big.NewInt(cm.Deadline), salt)
	if err != nil {
		return nil, fmt.Errorf("onchain: failed to encode reveal: %w", err)
	}

	limit := c.revealGas
	if gasLimit != nil && gasLimit.IsUint64() {
		limit = gasLimit.Uint64()
	}

	txHash, err := c.builder.Send(ctx, chain, contract, data, limit, nil)
	if err != nil {
		return nil, err
	}
	ok, err := c.builder.WaitForReceipt(ctx, chain, txHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("onchain: reveal transaction reverted")
	}
	return cm.MinProfit, nil
}

// EstimateRevealGas quotes the reveal call's gas cost via eth_estimateGas.
func (c *CommitRevealClient) EstimateRevealGas(ctx context.Context, cm commitreveal.Commitment) (*big.Int, error) {
	cc, err := c.builder.chain(cm.Chain)
	if err != nil {
		return nil, err
	}
	contract, err := c.contractFor(cm.Chain)
	if err != nil {
		return nil, err
	}

	path := make([]common.Address, len(cm.SwapPath))
	for i, p := range cm.SwapPath {
		path[i] = common.HexToAddress(p)
	}
	salt, err := decodeHexHash(cm.Salt)
	if err != nil {
		return nil, err
	}
	data, err := commitRevealABI.Pack("reveal", common.HexToAddress(cm.Asset), cm.AmountIn, path, cm.MinProfit, big.NewInt(cm.Deadline), salt)
	if err != nil {
		return nil, fmt.Errorf("onchain: failed to encode reveal: %w", err)
	}

	gas, err := cc.Client.EstimateGas(ctx, ethereum.CallMsg{From: cc.Address, To: addrPtr(contract), Data: data})
	if err != nil {
		return nil, fmt.Errorf("onchain: failed to estimate reveal gas: %w", err)
	}
	return new(big.Int).SetUint64(gas), nil
}

func decodeHexHash(h string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}
