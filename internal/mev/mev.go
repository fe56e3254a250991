// Package mev implements MEV-protection eligibility checks and
// EIP-1559 transaction shaping (C9).
package mev

import (
	"context"
	"math/big"

	"go.uber.org/zap"
)

// FeeData is the subset of an EIP-1559 fee quote MevShaper needs.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeeSource quotes current EIP-1559 fee data, or returns an error to
// signal the chain/provider does not support it (legacy fallback).
type FeeSource interface {
	SuggestFeeData(ctx context.Context) (FeeData, error)
}

// LegacyGasSource quotes a legacy single gasPrice, used as the
// graceful-degradation path.
type LegacyGasSource interface {
	GetOptimalGasPrice(ctx context.Context, chain string) (*big.Int, error)
}

// ProviderSettings describes one MEV-protection provider's
// availability for a chain.
type ProviderSettings struct {
	Name    string
	Enabled bool
}

// ChainSettings controls per-chain MEV behavior.
type ChainSettings struct {
	Disabled               bool
	MinProfitForProtection float64
	MaxPriorityFeeWei      *big.Int // default 3 gwei
	Providers              []ProviderSettings
}

// Tx is the narrow transaction shape applyProtection mutates. Real
// callers adapt this to/from *types.DynamicFeeTx or *types.LegacyTx.
type Tx struct {
	Type                 uint8
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int
}

// Eligibility is the result of checkEligibility.
type Eligibility struct {
	ShouldUseMev  bool
	Provider      string
	ChainSettings ChainSettings
}

var defaultMaxPriorityFeeWei = big.NewInt(3_000_000_000) // 3 gwei

// Shaper checks MEV eligibility and shapes transactions for
// protected submission.
type Shaper struct {
	chains map[string]ChainSettings
	gas    LegacyGasSource
	log    *zap.SugaredLogger
}

// New constructs a Shaper.
func New(chains map[string]ChainSettings, gas LegacyGasSource, log *zap.SugaredLogger) *Shaper {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for chain, cs := range chains {
		if cs.MaxPriorityFeeWei == nil {
			cs.MaxPriorityFeeWei = new(big.Int).Set(defaultMaxPriorityFeeWei)
			chains[chain] = cs
		}
	}
	return &Shaper{chains: chains, gas: gas, log: log}
}

// CheckEligibility reports whether chain should route through MEV
// protection for an opportunity with the given expected profit.
func (s *Shaper) CheckEligibility(chain string, expectedProfitUsd float64) Eligibility {
	cs, ok := s.chains[chain]
	if !ok || cs.Disabled {
		return Eligibility{ShouldUseMev: false}
	}

	providers := s.GetProviderFallbackChain(chain)
	if len(providers) == 0 {
		return Eligibility{ShouldUseMev: false, ChainSettings: cs}
	}

	if expectedProfitUsd < cs.MinProfitForProtection {
		return Eligibility{ShouldUseMev: false, ChainSettings: cs}
	}

	return Eligibility{ShouldUseMev: true, Provider: providers[0], ChainSettings: cs}
}

// GetProviderFallbackChain returns the ordered list of enabled provider
// names for chain, for callers to retry through on failure before
// falling back to the public mempool.
func (s *Shaper) GetProviderFallbackChain(chain string) []string {
	cs, ok := s.chains[chain]
	if !ok {
		return nil
	}
	var out []string
	for _, p := range cs.Providers {
		if p.Enabled {
			out = append(out, p.Name)
		}
	}
	return out
}

// ApplyProtection shapes tx for protected submission: EIP-1559 shaping
// when fee data is available, degrading gracefully to a legacy
// gasPrice quote on any fee-data or provider error.
func (s *Shaper) ApplyProtection(ctx context.Context, tx *Tx, chain string, fees FeeSource) {
	cs := s.chains[chain]

	if fees != nil {
		fd, err := fees.SuggestFeeData(ctx)
		if err == nil && fd.MaxFeePerGas != nil {
			tx.Type = 2
			tx.MaxFeePerGas = new(big.Int).Set(fd.MaxFeePerGas)
			priority := fd.MaxPriorityFeePerGas
			cap := cs.MaxPriorityFeeWei
			if cap == nil {
				cap = defaultMaxPriorityFeeWei
			}
			if priority == nil || priority.Cmp(cap) > 0 {
				priority = cap
			}
			tx.MaxPriorityFeePerGas = new(big.Int).Set(priority)
			return
		}
		if err != nil {
			s.log.Warnw("mev: fee data query failed, falling back to legacy gas", "chain", chain, "error", err)
		}
	}

	if s.gas != nil {
		price, err := s.gas.GetOptimalGasPrice(ctx, chain)
		if err == nil {
			tx.Type = 0
			tx.GasPrice = price
			return
		}
		s.log.Warnw("mev: legacy gas price fallback failed", "chain", chain, "error", err)
	}
}
