// Package bridge implements the cross-chain bridge profitability
// filter (C10): converts a bridge fee to USD/ETH terms and rejects
// opportunities where the fee eats too much of expected profit.
package bridge

import "fmt"

// Options tunes the profitability threshold; zero value uses the
// package default of 50%.
type Options struct {
	MaxFeePercentage float64
}

// Analysis is the result of Analyze.
type Analysis struct {
	IsProfitable         bool
	BridgeFeeUsd         float64
	BridgeFeeEth         float64
	ProfitAfterFees      float64
	FeePercentageOfProfit float64
	Reason               string
}

const defaultMaxFeePercentage = 50.0

// Filter converts bridge fees (quoted in wei of the native gas token)
// into USD terms and checks them against expected profit.
type Filter struct{}

// New constructs a Filter. Stateless today; kept as a type so call
// sites read the same way as every other component (New(...).Method()).
func New() *Filter { return &Filter{} }

// Analyze evaluates whether a cross-chain opportunity remains
// profitable once the bridge fee is accounted for. bridgeFeeWei is
// denominated in the origin chain's native token's smallest unit;
// nativeTokenPriceUsd converts it to USD.
func (f *Filter) Analyze(bridgeFeeWei float64, expectedProfitUsd float64, nativeTokenPriceUsd float64, opts Options) Analysis {
	maxPct := opts.MaxFeePercentage
	if maxPct <= 0 {
		maxPct = defaultMaxFeePercentage
	}

	bridgeFeeEth := bridgeFeeWei / 1e18
	bridgeFeeUsd := bridgeFeeEth * nativeTokenPriceUsd

	if expectedProfitUsd == 0 {
		return Analysis{
			IsProfitable:          false,
			BridgeFeeUsd:          bridgeFeeUsd,
			BridgeFeeEth:          bridgeFeeEth,
			ProfitAfterFees:       -bridgeFeeUsd,
			FeePercentageOfProfit: 100,
			Reason:                "expected profit is zero",
		}
	}

	feePct := (bridgeFeeUsd / expectedProfitUsd) * 100
	profitAfterFees := expectedProfitUsd - bridgeFeeUsd
	profitable := feePct < maxPct

	reason := ""
	if !profitable {
		reason = fmt.Sprintf("bridge fee is %.1f%% of expected profit, exceeding the %.1f%% limit", feePct, maxPct)
	}

	return Analysis{
		IsProfitable:          profitable,
		BridgeFeeUsd:          bridgeFeeUsd,
		BridgeFeeEth:          bridgeFeeEth,
		ProfitAfterFees:       profitAfterFees,
		FeePercentageOfProfit: feePct,
		Reason:                reason,
	}
}

// GetMinimumProfitRequired returns the expected profit (in USD) above
// which bridgeFeeUsd would satisfy the max-fee-percentage constraint.
func (f *Filter) GetMinimumProfitRequired(bridgeFeeUsd float64, opts Options) float64 {
	maxPct := opts.MaxFeePercentage
	if maxPct <= 0 {
		maxPct = defaultMaxFeePercentage
	}
	return bridgeFeeUsd / (maxPct / 100)
}
