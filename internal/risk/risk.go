// Package risk implements the multi-stage risk pipeline (C8):
// in-flight cap, drawdown breaker, expected-value gate and Kelly
// position sizing, short-circuiting in that order.
package risk

import (
	"math/big"
	"sync"
	"sync/atomic"

	"arbexec/internal/errs"

	"go.uber.org/zap"
)

// DrawdownState is the coarse posture of the drawdown breaker.
type DrawdownState string

const (
	DrawdownNormal  DrawdownState = "normal"
	DrawdownCaution DrawdownState = "caution"
	DrawdownHalted  DrawdownState = "halted"
)

// DrawdownBreaker tracks realized PnL and exposes a size multiplier
// and allow/caution/halt posture. Kept narrow so RiskOrchestrator can
// be tested against a stub.
type DrawdownBreaker interface {
	Allowed() (bool, DrawdownState)
	SizeMultiplierBp() int64 // scaled by 10000; 10000 == 1.0x
	RecordPnL(pnlUsd float64)
}

// SimpleDrawdownBreaker is a running-sum drawdown tracker: halts once
// cumulative losses exceed maxDrawdownUsd, cautions at half that.
type SimpleDrawdownBreaker struct {
	maxDrawdownUsd float64
	cumulative     float64
}

// NewSimpleDrawdownBreaker constructs a breaker with the given halt
// threshold (in USD, as a positive magnitude of allowed loss).
func NewSimpleDrawdownBreaker(maxDrawdownUsd float64) *SimpleDrawdownBreaker {
	return &SimpleDrawdownBreaker{maxDrawdownUsd: maxDrawdownUsd}
}

func (d *SimpleDrawdownBreaker) Allowed() (bool, DrawdownState) {
	if d.cumulative <= -d.maxDrawdownUsd {
		return false, DrawdownHalted
	}
	if d.cumulative <= -d.maxDrawdownUsd/2 {
		return true, DrawdownCaution
	}
	return true, DrawdownNormal
}

func (d *SimpleDrawdownBreaker) SizeMultiplierBp() int64 {
	_, state := d.Allowed()
	if state == DrawdownCaution {
		return 5000 // half-size while cautioned
	}
	return 10000
}

func (d *SimpleDrawdownBreaker) RecordPnL(pnlUsd float64) {
	d.cumulative += pnlUsd
}

// EVInput is what the expected-value gate needs to score an
// opportunity.
type EVInput struct {
	WinProbability float64
	ProfitUsd      float64
	LossUsd        float64 // positive magnitude
}

func (e EVInput) expectedValue() float64 {
	return e.WinProbability*e.ProfitUsd - (1-e.WinProbability)*e.LossUsd
}

// AssessInput is everything RiskOrchestrator.Assess needs for one
// opportunity.
type AssessInput struct {
	OpportunityID string
	EV            EVInput
	EVEnabled     bool
	KellyEnabled  bool
	MaxSizeUsd    float64 // base size before Kelly/drawdown scaling
}

// Decision is the pipeline's verdict.
type Decision struct {
	Allowed         bool
	RejectReason    error
	DrawdownState   DrawdownState
	ExpectedValue   float64
	PositionSizeUsd float64
	RecommendedSize float64
	CautionFlagged  bool
}

// Config bounds in-flight concurrency.
type Config struct {
	MaxInFlightTrades int // default 3
}

// probabilityTracker maintains an empirical win probability from
// realized outcomes. It also sums the wei-floored profit and gas-cost
// magnitudes, but probability() uses only the win/loss counts.
type probabilityTracker struct {
	mu        sync.Mutex
	winWei    *big.Int
	lossWei   *big.Int
	winCount  int64
	lossCount int64
}

func newProbabilityTracker() *probabilityTracker {
	return &probabilityTracker{winWei: big.NewInt(0), lossWei: big.NewInt(0)}
}

func (p *probabilityTracker) record(success bool, profitWei, gasCostWei *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.winWei.Add(p.winWei, profitWei)
		p.winCount++
		return
	}
	p.lossWei.Add(p.lossWei, gasCostWei)
	p.lossCount++
}

// probability returns the empirical win rate by outcome count. Falls
// back to 0.5 (no information) until at least one outcome landed.
func (p *probabilityTracker) probability() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.winCount + p.lossCount
	if total == 0 {
		return 0.5
	}
	return float64(p.winCount) / float64(total)
}

// Orchestrator runs the sequential risk pipeline and tracks outcomes.
type Orchestrator struct {
	cfg      Config
	drawdown DrawdownBreaker
	log      *zap.SugaredLogger

	inFlight       atomic.Int64
	cautionCount   atomic.Int64
	evRejections   atomic.Int64
	sizeRejections atomic.Int64
	drawdownBlocks atomic.Int64

	probTracker *probabilityTracker
}

// New constructs an Orchestrator. drawdown must not be nil.
func New(cfg Config, drawdown DrawdownBreaker, log *zap.SugaredLogger) *Orchestrator {
	if cfg.MaxInFlightTrades <= 0 {
		cfg.MaxInFlightTrades = 3
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{cfg: cfg, drawdown: drawdown, log: log, probTracker: newProbabilityTracker()}
}

// EmpiricalWinProbability returns the win rate observed from realized
// outcomes so far, used as the EV gate's fallback when a caller has no
// better estimate for an opportunity.
func (o *Orchestrator) EmpiricalWinProbability() float64 {
	return o.probTracker.probability()
}

// kellySizeBp computes the Kelly fraction (in basis points of MaxSizeUsd)
// from win probability and profit/loss estimates: f* = p - (1-p)/b,
// where b = profit/loss. Negative or degenerate results clamp to zero.
func kellySizeBp(ev EVInput) int64 {
	if ev.LossUsd <= 0 || ev.ProfitUsd <= 0 {
		return 0
	}
	b := ev.ProfitUsd / ev.LossUsd
	f := ev.WinProbability - (1-ev.WinProbability)/b
	if f <= 0 {
		return 0
	}
	if f > 1 {
		f = 1
	}
	return int64(f * 10000)
}

// Assess runs the short-circuiting pipeline: in-flight cap, drawdown,
// EV gate, Kelly sizing.
func (o *Orchestrator) Assess(in AssessInput) Decision {
	if o.inFlight.Load() >= int64(o.cfg.MaxInFlightTrades) {
		o.drawdownBlocks.Add(1)
		return Decision{Allowed: false, RejectReason: errs.ErrDrawdownHalt}
	}

	allowed, state := o.drawdown.Allowed()
	if !allowed {
		o.drawdownBlocks.Add(1)
		return Decision{Allowed: false, RejectReason: errs.ErrDrawdownHalt, DrawdownState: state}
	}
	cautioned := state == DrawdownCaution
	if cautioned {
		o.cautionCount.Add(1)
	}

	evInput := in.EV
	if evInput.WinProbability <= 0 {
		evInput.WinProbability = o.EmpiricalWinProbability()
	}
	ev := evInput.expectedValue()
	if in.EVEnabled && ev < 0 {
		o.evRejections.Add(1)
		return Decision{Allowed: false, RejectReason: errs.ErrLowEV, DrawdownState: state, ExpectedValue: ev}
	}

	positionSize := in.MaxSizeUsd
	if in.KellyEnabled {
		kellyBp := kellySizeBp(evInput)
		multBp := o.drawdown.SizeMultiplierBp()
		scaled := new(big.Int).Mul(big.NewInt(kellyBp), big.NewInt(multBp))
		scaled.Div(scaled, big.NewInt(10000))
		positionSize = in.MaxSizeUsd * float64(scaled.Int64()) / 10000
		if scaled.Int64() == 0 {
			o.sizeRejections.Add(1)
			return Decision{Allowed: false, RejectReason: errs.ErrPositionSize, DrawdownState: state, ExpectedValue: ev}
		}
	}

	o.inFlight.Add(1)
	return Decision{
		Allowed:         true,
		DrawdownState:   state,
		ExpectedValue:   ev,
		PositionSizeUsd: positionSize,
		RecommendedSize: positionSize,
		CautionFlagged:  cautioned,
	}
}

// Outcome is the realized result of an executed opportunity.
type Outcome struct {
	Success   bool
	ProfitUsd float64 // fractional native units, success path
	GasCostUsd float64
}

// WeiFloor converts a fractional USD (or native-unit) value to integer
// wei via floor(x * 10^18), the scaled-integer convention the spec
// requires for all persisted financial quantities.
func WeiFloor(x float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(x), new(big.Float).SetFloat64(1e18))
	out, _ := scaled.Int(nil)
	return out
}

// RecordOutcome updates the drawdown breaker's PnL and decrements
// inFlightCount (never below zero). The decrement is deferred, so it
// also runs if RecordOutcome itself panics; it does not run if the
// caller panics before calling RecordOutcome.
func (o *Orchestrator) RecordOutcome(out Outcome) {
	defer func() {
		for {
			cur := o.inFlight.Load()
			if cur <= 0 {
				return
			}
			if o.inFlight.CompareAndSwap(cur, cur-1) {
				return
			}
		}
	}()

	profitWei := WeiFloor(out.ProfitUsd)
	gasCostWei := WeiFloor(out.GasCostUsd)
	o.probTracker.record(out.Success, profitWei, gasCostWei)

	if out.Success {
		o.drawdown.RecordPnL(out.ProfitUsd)
	} else {
		o.drawdown.RecordPnL(-out.GasCostUsd)
	}
}

// GetInFlightCount returns the current number of in-flight executions.
func (o *Orchestrator) GetInFlightCount() int {
	return int(o.inFlight.Load())
}

// Stats summarizes lifetime rejection counters.
type Stats struct {
	CautionCount   int64
	EVRejections   int64
	SizeRejections int64
	DrawdownBlocks int64
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		CautionCount:   o.cautionCount.Load(),
		EVRejections:   o.evRejections.Load(),
		SizeRejections: o.sizeRejections.Load(),
		DrawdownBlocks: o.drawdownBlocks.Load(),
	}
}
