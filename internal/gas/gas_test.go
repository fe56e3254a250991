package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"arbexec/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gwei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9)) }

func TestColdStartFallbackSingleSample(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)

	baseline, err := o.GetBaseline("ethereum")
	require.NoError(t, err)
	// avg=10gwei, single-sample fallback is avg*5/2 = 25gwei
	assert.Equal(t, gwei(25).String(), baseline.String())
}

func TestColdStartFallbackTwoSamples(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	o.UpdateBaseline("ethereum", gwei(20), 60_000)

	baseline, err := o.GetBaseline("ethereum")
	require.NoError(t, err)
	// avg=15gwei, two-sample fallback is avg*4/2 = 30gwei
	assert.Equal(t, gwei(30).String(), baseline.String())
}

func TestEMAUsedFromThirdSampleOnward(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	o.UpdateBaseline("ethereum", gwei(20), 60_000)
	o.UpdateBaseline("ethereum", gwei(30), 60_000)

	baseline, err := o.GetBaseline("ethereum")
	require.NoError(t, err)
	// default alpha=0.3: ema1=10e9, ema2=(20e9*300+10e9*700)/1000=13e9,
	// ema3=(30e9*300+13e9*700)/1000=18.1e9 — the EMA fast path, not the
	// median (which would be 20gwei).
	assert.Equal(t, big.NewInt(18_100_000_000).String(), baseline.String())
}

func TestMedianUsedWhenEMAUnavailable(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	o.UpdateBaseline("ethereum", gwei(20), 60_000)
	o.UpdateBaseline("ethereum", gwei(30), 60_000)

	o.mu.Lock()
	delete(o.ema, "ethereum")
	o.mu.Unlock()

	baseline, err := o.GetBaseline("ethereum")
	require.NoError(t, err)
	assert.Equal(t, gwei(20).String(), baseline.String())
}

func TestMedianCacheRespectsTTL(t *testing.T) {
	cur := time.Unix(0, 0)
	clock := func() time.Time { return cur }
	o := New(Config{DefaultMedianCacheTTL: time.Second}, clock, nil, nil)

	o.UpdateBaseline("polygon", gwei(10), 60_000)
	o.UpdateBaseline("polygon", gwei(20), 60_000)
	o.UpdateBaseline("polygon", gwei(30), 60_000)

	// Drop the EMA so GetBaseline exercises the median/TTL-cache path
	// rather than its own fast path.
	o.mu.Lock()
	delete(o.ema, "polygon")
	o.mu.Unlock()

	first, err := o.GetBaseline("polygon")
	require.NoError(t, err)
	assert.Equal(t, gwei(20).String(), first.String())

	// Advance past TTL and recompute from a different, unstamped history
	// shape (simulated by directly calling GetBaseline again — value
	// should still be correct since history is unchanged, but we are
	// validating that the cache path recomputes instead of serving stale
	// data indefinitely).
	cur = cur.Add(2 * time.Second)
	second, err := o.GetBaseline("polygon")
	require.NoError(t, err)
	assert.Equal(t, gwei(20).String(), second.String())
}

func TestFastChainUsesShorterMedianTTL(t *testing.T) {
	o := New(Config{
		DefaultMedianCacheTTL:   5 * time.Second,
		FastChainMedianCacheTTL: 2 * time.Second,
		Chains: map[string]ChainConfig{
			"arbitrum": {BlockTimeMs: 250},
		},
	}, nil, nil, nil)
	assert.True(t, o.isFastChain("arbitrum"))
	assert.False(t, o.isFastChain("ethereum"))

	// No EMA, so GetBaseline computes and caches the median.
	o.mu.Lock()
	o.history["arbitrum"] = []entry{{priceWei: gwei(1)}, {priceWei: gwei(2)}, {priceWei: gwei(3)}}
	o.mu.Unlock()
	_, err := o.GetBaseline("arbitrum")
	require.NoError(t, err)
	o.mu.Lock()
	expiresAt := o.medianCache["arbitrum"].expiresAt
	o.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(2*time.Second), expiresAt, 500*time.Millisecond)
}

type stubProvider struct {
	price *big.Int
	err   error
}

func (s stubProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return s.price, s.err
}

func TestSpikeDetectionAborts(t *testing.T) {
	o := New(Config{Chains: map[string]ChainConfig{
		"ethereum": {SpikeMultiplier: 2.0},
	}}, nil, nil, nil)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)

	_, err := o.GetOptimalGasPrice(context.Background(), "ethereum", stubProvider{price: gwei(25)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrGasSpike))
}

func TestGetOptimalGasPriceWithinThreshold(t *testing.T) {
	o := New(Config{Chains: map[string]ChainConfig{
		"ethereum": {SpikeMultiplier: 2.0},
	}}, nil, nil, nil)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)

	price, err := o.GetOptimalGasPrice(context.Background(), "ethereum", stubProvider{price: gwei(15)})
	require.NoError(t, err)
	assert.Equal(t, gwei(15).String(), price.String())
}

func TestRefreshForSubmissionAbortsAboveFiftyPercent(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	_, err := o.RefreshForSubmission(context.Background(), "ethereum", gwei(10), stubProvider{price: gwei(16)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrGasSpike))
}

func TestRefreshForSubmissionWarnsAboveTwentyPercentButProceeds(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	price, err := o.RefreshForSubmission(context.Background(), "ethereum", gwei(10), stubProvider{price: gwei(12)})
	require.NoError(t, err)
	assert.Equal(t, gwei(12).String(), price.String())
}

func TestRefreshForSubmissionFallsBackOnProviderError(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	price, err := o.RefreshForSubmission(context.Background(), "ethereum", gwei(10), stubProvider{err: errors.New("rpc down")})
	require.NoError(t, err)
	assert.Equal(t, gwei(10).String(), price.String())
}

func TestPredictRequiresMinimumSamples(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	o.UpdateBaseline("ethereum", gwei(10), 60_000)
	_, err := o.Predict("ethereum", 1000)
	assert.Error(t, err)
}

func TestPredictLinearTrend(t *testing.T) {
	cur := time.UnixMilli(0)
	clock := func() time.Time { return cur }
	o := New(Config{}, clock, nil, nil)

	for i := int64(0); i < 5; i++ {
		cur = time.UnixMilli(i * 1000)
		o.UpdateBaseline("ethereum", gwei(10+i), 60_000)
	}

	predicted, err := o.Predict("ethereum", 1000)
	require.NoError(t, err)
	// Trend rises ~1gwei/sec; one more second out should predict ~15gwei.
	assert.InDelta(t, 15e9, float64(predicted.Int64()), 1e9)
}

func TestPredictFallsBackToEMAOnDegenerateTimestamps(t *testing.T) {
	fixed := time.UnixMilli(1000)
	clock := func() time.Time { return fixed }
	o := New(Config{}, clock, nil, nil)

	for i := 0; i < 5; i++ {
		o.UpdateBaseline("ethereum", gwei(10), 60_000)
	}

	predicted, err := o.Predict("ethereum", 1000)
	require.NoError(t, err)
	assert.True(t, predicted.Sign() > 0)
}

func TestEMASmoothingFactorClampedOutOfRange(t *testing.T) {
	o := New(Config{EMASmoothingFactor: 5.0}, nil, nil, nil)
	assert.Equal(t, int64(990), o.alphaM)

	o2 := New(Config{EMASmoothingFactor: -1.0}, nil, nil, nil)
	assert.Equal(t, int64(10), o2.alphaM)
}

func TestValidateChainOverrideClampsToMinMax(t *testing.T) {
	o := New(Config{Chains: map[string]ChainConfig{
		"ethereum": {MinWei: gwei(5), MaxWei: gwei(100)},
	}}, nil, nil, nil)

	assert.Equal(t, gwei(5).String(), o.ValidateChainOverride("ethereum", gwei(1)).String())
	assert.Equal(t, gwei(100).String(), o.ValidateChainOverride("ethereum", gwei(500)).String())
	assert.Equal(t, gwei(50).String(), o.ValidateChainOverride("ethereum", gwei(50)).String())
}

func TestValidateChainOverrideNilFallsBackToMin(t *testing.T) {
	o := New(Config{Chains: map[string]ChainConfig{
		"ethereum": {MinWei: gwei(5)},
	}}, nil, nil, nil)
	assert.Equal(t, gwei(5).String(), o.ValidateChainOverride("ethereum", nil).String())
}

func TestHistoryPrunedByWindowAndCap(t *testing.T) {
	cur := time.UnixMilli(0)
	clock := func() time.Time { return cur }
	o := New(Config{MaxGasHistory: 3}, clock, nil, nil)

	for i := int64(0); i < 5; i++ {
		cur = time.UnixMilli(i * 1000)
		o.UpdateBaseline("ethereum", gwei(10+i), 60_000)
	}
	o.mu.Lock()
	n := len(o.history["ethereum"])
	o.mu.Unlock()
	assert.Equal(t, 3, n, "history capped at MaxGasHistory")

	// At 70s the 60s window drops every sample older than 10s.
	cur = time.UnixMilli(70_000)
	o.UpdateBaseline("ethereum", gwei(20), 60_000)
	o.mu.Lock()
	n = len(o.history["ethereum"])
	o.mu.Unlock()
	assert.Equal(t, 1, n, "history pruned by window")
}
