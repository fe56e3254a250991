package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeProfitableBelowThreshold(t *testing.T) {
	f := New()
	a := f.Analyze(1e17, 1000, 2000, Options{}) // 0.1 ETH fee * $2000 = $200, 20% of $1000
	assert.True(t, a.IsProfitable)
	assert.InDelta(t, 200, a.BridgeFeeUsd, 0.01)
	assert.InDelta(t, 20, a.FeePercentageOfProfit, 0.01)
}

func TestAnalyzeNotProfitableAtOrAboveThreshold(t *testing.T) {
	f := New()
	a := f.Analyze(5e17, 1000, 2000, Options{}) // 0.5 ETH * $2000 = $1000, 100% of profit
	assert.False(t, a.IsProfitable)
	assert.NotEmpty(t, a.Reason)
}

func TestAnalyzeExactlyAtThresholdIsNotProfitable(t *testing.T) {
	f := New()
	// fee = $500, profit = $1000 => 50% exactly, default threshold is 50%
	a := f.Analyze(2.5e17, 1000, 2000, Options{})
	assert.False(t, a.IsProfitable, "feePercentage >= maxFeePercentage must be rejected")
}

func TestAnalyzeZeroExpectedProfit(t *testing.T) {
	f := New()
	a := f.Analyze(1e17, 0, 2000, Options{})
	assert.False(t, a.IsProfitable)
	assert.Equal(t, 100.0, a.FeePercentageOfProfit)
}

func TestAnalyzeCustomMaxFeePercentage(t *testing.T) {
	f := New()
	a := f.Analyze(1e17, 1000, 2000, Options{MaxFeePercentage: 10}) // 20% fee vs 10% limit
	assert.False(t, a.IsProfitable)
}

func TestGetMinimumProfitRequired(t *testing.T) {
	f := New()
	min := f.GetMinimumProfitRequired(200, Options{MaxFeePercentage: 50})
	assert.InDelta(t, 400, min, 0.01)
}
