// Package strategy defines the narrow execution contract the Engine
// dispatches opportunities through, plus one illustrative
// implementation. Strategies own the swap-shaping logic; the Engine owns
// the circuit-breaker, risk and simulation steps around them.
//
// A production deployment would register one Strategy per
// OpportunityType (cross-chain, flash-loan, backrun, uniswapx,
// statistical); SimpleSwap below covers only the single-DEX case and is
// not meant to generalize further.
package strategy

import (
	"context"
	"math/big"

	"arbexec/pkg/types"
)

// PreparedTx is the shaped, gas-and-nonce-ready transaction a Strategy
// hands back to the Engine for submission. To is the contract the
// Engine ultimately calls; Data is ABI-encoded calldata.
type PreparedTx struct {
	Chain    string
	To       string
	Data     []byte
	GasLimit uint64
	Value    *big.Int
}

// Outcome is what Execute reports back about an on-chain attempt.
type Outcome struct {
	Success    bool
	TxHash     string
	ProfitUsd  float64
	GasCostUsd float64
	Err        error
}

// Strategy shapes and submits a swap for one Opportunity type.
type Strategy interface {
	// Prepare builds the calldata for an opportunity without submitting
	// it. Implementations are expected to consult GasOptimizer, MevShaper,
	// NonceAllocator, and BridgeFilter as needed internally.
	Prepare(ctx context.Context, opp *types.Opportunity) (PreparedTx, error)

	// Execute submits a prepared transaction and waits for its terminal
	// outcome.
	Execute(ctx context.Context, tx PreparedTx) (Outcome, error)
}

// SwapBuilder is the narrow on-chain capability SimpleSwap needs: build
// approve+swap calldata and submit a signed transaction, waiting for its
// receipt.
type SwapBuilder interface {
	BuildApprove(ctx context.Context, chain, token, spender string, amount *big.Int) ([]byte, error)
	BuildSwap(ctx context.Context, chain string, opp *types.Opportunity) (to string, data []byte, err error)
	Send(ctx context.Context, chain, to string, data []byte, gasLimit uint64, value *big.Int) (txHash string, err error)
	WaitForReceipt(ctx context.Context, chain, txHash string) (success bool, err error)
}

// SimpleSwap is a single-DEX, same-chain swap strategy: it builds and
// sends the swap; it sends no approve transaction. It is intentionally minimal — a stand-in
// for one illustrative Strategy, not a production trading strategy.
type SimpleSwap struct {
	builder     SwapBuilder
	routerBy    map[string]string // chain -> router contract address
	defaultGasLimit uint64
}

// NewSimpleSwap constructs a SimpleSwap strategy. routerBy maps chain
// name to the swap router contract address used on that chain.
func NewSimpleSwap(builder SwapBuilder, routerBy map[string]string) *SimpleSwap {
	return &SimpleSwap{builder: builder, routerBy: routerBy, defaultGasLimit: 300000}
}

// Prepare builds swap calldata for opp. It builds no approve calldata,
// and neither does Execute: the router's allowance is not checked or set
// anywhere in SimpleSwap.
func (s *SimpleSwap) Prepare(ctx context.Context, opp *types.Opportunity) (PreparedTx, error) {
	chain := opp.Chain()
	to, data, err := s.builder.BuildSwap(ctx, chain, opp)
	if err != nil {
		return PreparedTx{}, err
	}
	return PreparedTx{Chain: chain, To: to, Data: data, GasLimit: s.defaultGasLimit, Value: big.NewInt(0)}, nil
}

// Execute submits the prepared swap and waits for its receipt. It sends
// no approve transaction first.
func (s *SimpleSwap) Execute(ctx context.Context, tx PreparedTx) (Outcome, error) {
	txHash, err := s.builder.Send(ctx, tx.Chain, tx.To, tx.Data, tx.GasLimit, tx.Value)
	if err != nil {
		return Outcome{Success: false, Err: err}, err
	}

	ok, err := s.builder.WaitForReceipt(ctx, tx.Chain, txHash)
	if err != nil {
		return Outcome{Success: false, TxHash: txHash, Err: err}, err
	}

	return Outcome{Success: ok, TxHash: txHash}, nil
}
