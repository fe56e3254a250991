// Package gas implements the per-chain gas price optimizer (C3):
// an EMA/median baseline, spike detection, pre-submission refresh and a
// linear-regression short-horizon predictor.
package gas

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"arbexec/internal/errs"
	"arbexec/internal/metrics"

	"go.uber.org/zap"
)

// Clock is injected for deterministic TTL-cache tests.
type Clock func() time.Time

// ChainConfig bounds a chain's acceptable gas price and controls spike
// sensitivity and block time classification.
type ChainConfig struct {
	MinWei           *big.Int
	MaxWei           *big.Int
	SpikeMultiplier  float64 // defaults to 2.0 when zero
	BlockTimeMs      int64   // <=2000 => "fast" chain, shorter median TTL
}

// Config is the GasOptimizer-wide configuration (SPEC_FULL.md §6).
type Config struct {
	MaxGasHistory           int
	DefaultMedianCacheTTL   time.Duration
	FastChainMedianCacheTTL time.Duration
	EMASmoothingFactor      float64 // default 0.3, clamped to [0.01, 0.99]
	Chains                  map[string]ChainConfig
}

type entry struct {
	priceWei     *big.Int
	timestampMs  int64
}

type medianCacheEntry struct {
	value     *big.Int
	expiresAt time.Time
}

// FeeProvider is the narrow RPC capability GasOptimizer needs to refresh
// a price immediately before broadcast. Production callers implement it
// over ethclient.Client; tests use a stub.
type FeeProvider interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Optimizer is the per-chain gas price baseline/spike/prediction engine.
type Optimizer struct {
	mu      sync.Mutex
	history map[string][]entry
	alphaM  int64 // EMA alpha scaled by 1000
	ema     map[string]*big.Int
	medianCache map[string]medianCacheEntry
	cacheOrder  []string // oldest-first eviction order for the median cache

	cfg Config
	now Clock
	log *zap.SugaredLogger
	m   metrics.Metrics
}

const medianCacheCap = 256

// New validates cfg against the allowed EMA range (clamping with a
// warning rather than failing construction, matching spec.md §4.3) and
// constructs an Optimizer.
func New(cfg Config, now Clock, log *zap.SugaredLogger, m metrics.Metrics) *Optimizer {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.Noop()
	}
	if cfg.MaxGasHistory <= 0 {
		cfg.MaxGasHistory = 100
	}
	if cfg.DefaultMedianCacheTTL <= 0 {
		cfg.DefaultMedianCacheTTL = 5 * time.Second
	}
	if cfg.FastChainMedianCacheTTL <= 0 {
		cfg.FastChainMedianCacheTTL = 2 * time.Second
	}

	alpha := cfg.EMASmoothingFactor
	if math.IsNaN(alpha) || alpha == 0 {
		alpha = 0.3
	}
	if alpha < 0.01 || alpha > 0.99 {
		log.Warnw("gas: EMA smoothing factor out of range, clamping", "requested", alpha)
		if alpha < 0.01 {
			alpha = 0.01
		} else {
			alpha = 0.99
		}
	}

	return &Optimizer{
		history:     make(map[string][]entry),
		ema:         make(map[string]*big.Int),
		medianCache: make(map[string]medianCacheEntry),
		alphaM:      int64(alpha * 1000),
		cfg:         cfg,
		now:         now,
		log:         log,
		m:           m,
	}
}

func (o *Optimizer) chainConfig(chain string) ChainConfig {
	if cc, ok := o.cfg.Chains[chain]; ok {
		return cc
	}
	return ChainConfig{}
}

func (o *Optimizer) isFastChain(chain string) bool {
	cc := o.chainConfig(chain)
	return cc.BlockTimeMs > 0 && cc.BlockTimeMs <= 2000
}

// UpdateBaseline records a fresh sample, updates the scaled-integer EMA
// and the exported gas-price gauge, and prunes history older than
// windowMs / beyond MaxGasHistory.
func (o *Optimizer) UpdateBaseline(chain string, priceWei *big.Int, windowMs int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	nowMs := o.now().UnixMilli()
	hist := o.history[chain]
	hist = append(hist, entry{priceWei: new(big.Int).Set(priceWei), timestampMs: nowMs})
	hist = pruneLocked(hist, nowMs, windowMs, o.cfg.MaxGasHistory)
	o.history[chain] = hist

	prev, ok := o.ema[chain]
	if !ok {
		o.ema[chain] = new(big.Int).Set(priceWei)
	} else {
		// scaled-integer EMA: ema = (alpha*price + (1000-alpha)*prevEma) / 1000
		scaled := new(big.Int).Mul(priceWei, big.NewInt(o.alphaM))
		rest := new(big.Int).Mul(prev, big.NewInt(1000-o.alphaM))
		sum := new(big.Int).Add(scaled, rest)
		o.ema[chain] = sum.Div(sum, big.NewInt(1000))
	}

	// Invalidate the cached median for this chain; a fresh sample makes
	// it stale even if the TTL has not elapsed.
	delete(o.medianCache, chain)

	gwei := new(big.Float).Quo(new(big.Float).SetInt(priceWei), big.NewFloat(1e9))
	f, _ := gwei.Float64()
	o.m.SetGasPrice(chain, f)
}

func pruneLocked(hist []entry, nowMs, windowMs int64, maxLen int) []entry {
	cutoff := nowMs - windowMs
	i := 0
	for i < len(hist) && hist[i].timestampMs < cutoff {
		i++
	}
	hist = hist[i:]
	if len(hist) > maxLen {
		hist = hist[len(hist)-maxLen:]
	}
	return hist
}

// GetBaseline returns the current reference price: the EMA fast path
// once warm, otherwise the cold-start multiplier fallback for <3
// samples, otherwise a TTL-cached median.
func (o *Optimizer) GetBaseline(chain string) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.getBaselineLocked(chain)
}

func (o *Optimizer) getBaselineLocked(chain string) (*big.Int, error) {
	hist := o.history[chain]
	n := len(hist)

	if n == 0 {
		return nil, fmt.Errorf("gas: no samples recorded for chain %s", chain)
	}

	if ema, ok := o.ema[chain]; ok && n >= 3 {
		// Fast path once we have enough samples to trust the EMA.
		return new(big.Int).Set(ema), nil
	}

	if n < 3 {
		avg := average(hist)
		var mult *big.Int
		if n == 1 {
			mult = scaleByHalves(avg, 5) // avg * 5/2
		} else {
			mult = scaleByHalves(avg, 4) // avg * 4/2 == avg*2
		}
		return mult, nil
	}

	if cached, ok := o.medianCache[chain]; ok && o.now().Before(cached.expiresAt) {
		return new(big.Int).Set(cached.value), nil
	}

	med := median(hist)
	ttl := o.cfg.DefaultMedianCacheTTL
	if o.isFastChain(chain) {
		ttl = o.cfg.FastChainMedianCacheTTL
	}
	o.cacheMedianLocked(chain, med, ttl)
	return med, nil
}

func (o *Optimizer) cacheMedianLocked(chain string, value *big.Int, ttl time.Duration) {
	if _, exists := o.medianCache[chain]; !exists {
		o.cacheOrder = append(o.cacheOrder, chain)
		if len(o.cacheOrder) > medianCacheCap {
			oldest := o.cacheOrder[0]
			o.cacheOrder = o.cacheOrder[1:]
			delete(o.medianCache, oldest)
		}
	}
	o.medianCache[chain] = medianCacheEntry{value: value, expiresAt: o.now().Add(ttl)}
}

func average(hist []entry) *big.Int {
	sum := new(big.Int)
	for _, e := range hist {
		sum.Add(sum, e.priceWei)
	}
	return sum.Div(sum, big.NewInt(int64(len(hist))))
}

// scaleByHalves returns avg * numerator / 2 using integer math, so
// callers pass 5 for "2.5x" and 4 for "2x" without floats.
func scaleByHalves(avg *big.Int, numerator int64) *big.Int {
	out := new(big.Int).Mul(avg, big.NewInt(numerator))
	return out.Div(out, big.NewInt(2))
}

func median(hist []entry) *big.Int {
	sorted := make([]*big.Int, len(hist))
	for i, e := range hist {
		sorted[i] = e.priceWei
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Div(sum, big.NewInt(2))
}

// GetOptimalGasPrice returns the baseline, checking for spikes against
// an optionally fresher provider-quoted price first.
func (o *Optimizer) GetOptimalGasPrice(ctx context.Context, chain string, provider FeeProvider) (*big.Int, error) {
	current := (*big.Int)(nil)
	if provider != nil {
		if p, err := provider.SuggestGasPrice(ctx); err == nil {
			current = p
		} else {
			o.log.Warnw("gas: fee provider query failed, falling back to baseline", "chain", chain, "error", err)
		}
	}

	o.mu.Lock()
	baseline, err := o.getBaselineLocked(chain)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return baseline, nil
	}

	if err := o.checkSpike(chain, current, baseline); err != nil {
		return nil, err
	}
	return current, nil
}

func (o *Optimizer) checkSpike(chain string, current, baseline *big.Int) error {
	cc := o.chainConfig(chain)
	mult := cc.SpikeMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	threshold := new(big.Float).Mul(new(big.Float).SetInt(baseline), big.NewFloat(mult))
	if new(big.Float).SetInt(current).Cmp(threshold) > 0 {
		return fmt.Errorf("%w: chain %s current=%s baseline=%s multiplier=%.2f",
			errs.ErrGasSpike, chain, current.String(), baseline.String(), mult)
	}
	return nil
}

// RefreshForSubmission re-quotes the gas price immediately before
// broadcast: aborts if the price rose by 50% or more since the original
// quote, warns (but proceeds) at 20% or more.
func (o *Optimizer) RefreshForSubmission(ctx context.Context, chain string, previousWei *big.Int, provider FeeProvider) (*big.Int, error) {
	if provider == nil {
		return previousWei, nil
	}
	fresh, err := provider.SuggestGasPrice(ctx)
	if err != nil {
		o.log.Warnw("gas: refresh-for-submission query failed, reusing previous quote", "chain", chain, "error", err)
		return previousWei, nil
	}

	if previousWei.Sign() == 0 {
		return fresh, nil
	}

	deltaPct := new(big.Float).Quo(
		new(big.Float).Mul(new(big.Float).Sub(new(big.Float).SetInt(fresh), new(big.Float).SetInt(previousWei)), big.NewFloat(100)),
		new(big.Float).SetInt(previousWei),
	)
	pct, _ := deltaPct.Float64()

	if pct >= 50 {
		return nil, fmt.Errorf("%w: chain %s gas rose %.1f%% since quote (previous=%s fresh=%s)",
			errs.ErrGasSpike, chain, pct, previousWei.String(), fresh.String())
	}
	if pct >= 20 {
		o.log.Warnw("gas: price rose significantly before submission", "chain", chain, "deltaPct", pct)
	}
	return fresh, nil
}

const (
	ringBufferCap     = 30
	minRegressionSamples = 5
)

// Predict extrapolates the next gas price horizonMs into the future via
// linear regression over up to the last 30 samples, falling back to the
// EMA when the timestamps are degenerate (all equal). Returns nil if
// fewer than 5 samples exist or the prediction would be non-positive.
func (o *Optimizer) Predict(chain string, horizonMs int64) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	hist := o.history[chain]
	if len(hist) < minRegressionSamples {
		return nil, fmt.Errorf("gas: insufficient samples to predict for chain %s", chain)
	}
	window := hist
	if len(window) > ringBufferCap {
		window = window[len(window)-ringBufferCap:]
	}

	slope, intercept, degenerate := linearRegression(window)
	if degenerate {
		ema, ok := o.ema[chain]
		if !ok {
			return nil, fmt.Errorf("gas: no EMA available to fall back on for chain %s", chain)
		}
		return new(big.Int).Set(ema), nil
	}

	targetX := float64(window[len(window)-1].timestampMs + horizonMs)
	predicted := slope*targetX + intercept
	if predicted <= 0 {
		return nil, fmt.Errorf("gas: predicted price non-positive for chain %s", chain)
	}
	return big.NewInt(int64(predicted)), nil
}

// linearRegression fits y = slope*x + intercept over (timestampMs,
// priceWei) pairs. degenerate is true when all x values coincide (zero
// variance), in which case slope/intercept are meaningless.
func linearRegression(hist []entry) (slope, intercept float64, degenerate bool) {
	n := float64(len(hist))
	var sumX, sumY, sumXY, sumXX float64
	for _, e := range hist {
		x := float64(e.timestampMs)
		y, _ := new(big.Float).SetInt(e.priceWei).Float64()
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, true
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, false
}

// ValidateChainOverride checks a per-chain gas-price override (typically
// sourced from the process environment) against configured bounds. NaN
// falls back to MinWei with a warning, matching SPEC_FULL.md §4.3.
func (o *Optimizer) ValidateChainOverride(chain string, overrideWei *big.Int) *big.Int {
	cc := o.chainConfig(chain)
	if overrideWei == nil {
		o.log.Warnw("gas: override missing or not a number, falling back to chain minimum", "chain", chain, "min", cc.MinWei)
		if cc.MinWei != nil {
			return new(big.Int).Set(cc.MinWei)
		}
		return big.NewInt(0)
	}
	if cc.MinWei != nil && overrideWei.Cmp(cc.MinWei) < 0 {
		o.log.Warnw("gas: override below chain minimum, clamping", "chain", chain, "override", overrideWei, "min", cc.MinWei)
		return new(big.Int).Set(cc.MinWei)
	}
	if cc.MaxWei != nil && overrideWei.Cmp(cc.MaxWei) > 0 {
		o.log.Warnw("gas: override above chain maximum, clamping", "chain", chain, "override", overrideWei, "max", cc.MaxWei)
		return new(big.Int).Set(cc.MaxWei)
	}
	return overrideWei
}

// CompactHistory is HealthMonitor's coarse, periodic sweep across every
// tracked chain: it drops entries older than maxAge and caps each
// chain's history at maxEntries, independent of UpdateBaseline's own
// per-update window/MaxGasHistory pruning (that pruning only fires on
// writes — a chain that stops reporting gas updates would otherwise keep
// stale history forever).
func (o *Optimizer) CompactHistory(maxAge time.Duration, maxEntries int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-maxAge).UnixMilli()
	for chain, hist := range o.history {
		kept := hist[:0:0]
		for _, e := range hist {
			if e.timestampMs >= cutoff {
				kept = append(kept, e)
			}
		}
		if len(kept) > maxEntries {
			kept = kept[len(kept)-maxEntries:]
		}
		o.history[chain] = kept
		delete(o.medianCache, chain)
	}
}
