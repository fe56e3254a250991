// Package engine implements the execution coordinator (C13): a
// dequeue loop that drives each Opportunity through the seven-step
// pipeline — circuit breaker, risk assessment, strategy preparation,
// optional simulation, submission, and outcome recording — without
// itself owning any of those subsystems' logic. A coordinator, not a
// god class.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arbexec/internal/breaker"
	"arbexec/internal/metrics"
	"arbexec/internal/risk"
	"arbexec/internal/simulation"
	"arbexec/internal/strategy"
	"arbexec/pkg/types"

	"go.uber.org/zap"
)

// RunState is the engine's own lifecycle state, distinct from any one
// opportunity's state.
type RunState string

const (
	StateStarting RunState = "starting"
	StateRunning  RunState = "running"
	StateStopping RunState = "stopping"
	StateStopped  RunState = "stopped"
)

// Queue is the narrow dequeue capability the Engine polls.
type Queue interface {
	Dequeue() (interface{}, bool)
	OnItemAvailable(cb func())
}

// ConsumerHandle is the narrow capability the Engine needs back into the
// Consumer once an opportunity's pipeline completes.
type ConsumerHandle interface {
	MarkComplete(ctx context.Context, opportunityID string)
}

// Simulator is the narrow capability SimulationService exposes to the
// Engine.
type Simulator interface {
	Simulate(ctx context.Context, tx simTx, chain string, overrideBackend string) (simResult, error)
}

// simTx/simResult exist so engine doesn't need to import the concrete
// simulation package types into its public surface; NewSimulationAdapter
// below bridges the real simulation.Service into this shape.
type simTx struct {
	From, To string
	Data     []byte
	GasLimit uint64
}

type simResult struct {
	Success     bool
	WouldRevert bool
}

// SimulationAdapter bridges a real *simulation.Service into the
// Engine's narrow Simulator shape, so the Engine's public interface
// never needs to import simulation.Tx/simulation.Result directly.
type SimulationAdapter struct {
	svc *simulation.Service
}

// NewSimulationAdapter wraps svc for use as an Engine's Simulator.
func NewSimulationAdapter(svc *simulation.Service) *SimulationAdapter {
	return &SimulationAdapter{svc: svc}
}

func (a *SimulationAdapter) Simulate(ctx context.Context, tx simTx, chain string, overrideBackend string) (simResult, error) {
	res, err := a.svc.Simulate(ctx, simulation.Tx{From: tx.From, To: tx.To, Data: tx.Data, GasLimit: tx.GasLimit}, chain, overrideBackend)
	if err != nil {
		return simResult{}, err
	}
	return simResult{Success: res.Success, WouldRevert: res.WouldRevert}, nil
}

// Config controls pipeline thresholds.
type Config struct {
	MinSimulationProfitUsd float64       // simulate only when expected profit clears this
	TimeCriticalMs         int64         // skip simulation when time-to-expiry is below this
	DequeuePollInterval     time.Duration // fallback poll cadence alongside OnItemAvailable
}

// StrategyFactory resolves a Strategy implementation for an opportunity
// type. Returns (nil, false) for unsupported types.
type StrategyFactory func(t types.OpportunityType) (strategy.Strategy, bool)

// Engine coordinates the full per-opportunity pipeline.
type Engine struct {
	q         Queue
	consumer  ConsumerHandle
	breaker   *breaker.Breaker
	risk      *risk.Orchestrator
	factory   StrategyFactory
	simulator Simulator // nil disables simulation entirely
	metrics   metrics.Metrics

	cfg Config
	log *zap.SugaredLogger
	now func() time.Time

	stats *types.ExecutionStats

	draining atomic.Bool // re-entrancy guard for drainOnce

	mu    sync.Mutex
	state RunState
	stopCh chan struct{}
	stoppedCh chan struct{}
}

// New constructs an Engine. simulator may be nil to disable the
// simulation step entirely regardless of Config.
func New(q Queue, consumer ConsumerHandle, br *breaker.Breaker, riskOrch *risk.Orchestrator, factory StrategyFactory, simulator Simulator, m metrics.Metrics, cfg Config, log *zap.SugaredLogger) *Engine {
	if cfg.TimeCriticalMs <= 0 {
		cfg.TimeCriticalMs = 2000
	}
	if cfg.DequeuePollInterval <= 0 {
		cfg.DequeuePollInterval = 50 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Engine{
		q: q, consumer: consumer, breaker: br, risk: riskOrch, factory: factory,
		simulator: simulator, metrics: m, cfg: cfg, log: log, now: time.Now,
		stats: &types.ExecutionStats{}, state: StateStopped,
	}
}

// Stats exposes the engine's running counters for HealthMonitor to
// snapshot.
func (e *Engine) Stats() *types.ExecutionStats { return e.stats }

// DisableSimulation turns off simulation for every subsequent
// opportunity. Used when a standby instance activates under time
// pressure and must skip the extra simulation round-trip latency.
func (e *Engine) DisableSimulation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.simulator = nil
}

func (e *Engine) simulatorSnapshot() Simulator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.simulator
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start transitions starting -> running and begins the dequeue loop. A
// no-op if already running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStarting {
		e.mu.Unlock()
		return
	}
	e.state = StateStarting
	e.stopCh = make(chan struct{})
	e.stoppedCh = make(chan struct{})
	e.mu.Unlock()

	e.q.OnItemAvailable(func() { e.drainOnce(ctx) })

	e.mu.Lock()
	e.state = StateRunning
	stopCh, stoppedCh := e.stopCh, e.stoppedCh
	e.mu.Unlock()

	go e.loop(ctx, stopCh, stoppedCh)
}

// Stop transitions running -> stopping -> stopped and blocks until the
// loop goroutine exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	stopCh, stoppedCh := e.stopCh, e.stoppedCh
	e.mu.Unlock()

	close(stopCh)
	<-stoppedCh

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	ticker := time.NewTicker(e.cfg.DequeuePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainOnce(ctx)
		}
	}
}

// drainOnce dequeues and processes every currently-available item,
// non-blocking once the queue is empty. A call made while another drain
// is in progress returns immediately; the running drain picks up the
// new items.
func (e *Engine) drainOnce(ctx context.Context) {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)
	for {
		item, ok := e.q.Dequeue()
		if !ok {
			return
		}
		opp, ok := item.(*types.Opportunity)
		if !ok {
			e.log.Warnw("engine: dequeued non-opportunity item, dropping")
			continue
		}
		e.process(ctx, opp)
	}
}

// process runs the full seven-step pipeline for one opportunity.
// markActive(id) has already happened in the Consumer before enqueue;
// timing for this opportunity starts here.
func (e *Engine) process(ctx context.Context, opp *types.Opportunity) {
	start := e.now()
	e.stats.Received.Add(1)
	opp.StampTimestamp("engineDequeued", start.UnixMilli())

	chain := opp.Chain()

	if e.breaker != nil && !e.breaker.CanExecute(chain) {
		e.stats.Rejected.Add(1)
		e.finish(ctx, opp.ID)
		return
	}

	decision := e.assessRisk(opp)
	if !decision.Allowed {
		// Per-reason rejection counters live on risk.Orchestrator.Stats();
		// Engine only tracks the aggregate.
		e.stats.Rejected.Add(1)
		e.finish(ctx, opp.ID)
		return
	}

	strat, ok := e.factory(opp.Type)
	if !ok {
		e.log.Warnw("engine: no strategy registered for type", "type", opp.Type)
		e.stats.Rejected.Add(1)
		e.risk.RecordOutcome(risk.Outcome{Success: false})
		e.finish(ctx, opp.ID)
		return
	}

	e.stats.Attempts.Add(1)
	prepared, err := strat.Prepare(ctx, opp)
	if err != nil {
		e.log.Warnw("engine: strategy prepare failed", "opportunityId", opp.ID, "error", err)
		e.fail(ctx, opp, chain, 0)
		return
	}

	simulator := e.simulatorSnapshot()
	if e.shouldSimulate(simulator, opp, start) {
		simOK, simErr := e.runSimulation(ctx, simulator, prepared, chain)
		if simErr != nil || !simOK {
			e.log.Infow("engine: simulation blocked execution", "opportunityId", opp.ID, "error", simErr)
			e.fail(ctx, opp, chain, 0)
			return
		}
	}

	outcome, err := strat.Execute(ctx, prepared)
	if err != nil || !outcome.Success {
		e.fail(ctx, opp, chain, outcome.GasCostUsd)
		return
	}

	e.stats.Successful.Add(1)
	e.stats.RecordRealizedPnL(outcome.ProfitUsd - outcome.GasCostUsd)
	e.risk.RecordOutcome(risk.Outcome{Success: true, ProfitUsd: outcome.ProfitUsd, GasCostUsd: outcome.GasCostUsd})
	if e.breaker != nil {
		e.breaker.RecordSuccess(chain)
	}
	e.metrics.IncCounter("executions_total", "success")
	e.finish(ctx, opp.ID)
}

func (e *Engine) assessRisk(opp *types.Opportunity) risk.Decision {
	return e.risk.Assess(risk.AssessInput{
		OpportunityID: opp.ID,
		EV:            risk.EVInput{WinProbability: opp.Confidence, ProfitUsd: opp.ExpectedProfit, LossUsd: opp.ExpectedProfit * 0.1},
		EVEnabled:     true,
		KellyEnabled:  true,
		MaxSizeUsd:    opp.ExpectedProfit,
	})
}

func (e *Engine) shouldSimulate(simulator Simulator, opp *types.Opportunity, start time.Time) bool {
	if simulator == nil {
		return false
	}
	if opp.ExpectedProfit < e.cfg.MinSimulationProfitUsd {
		return false
	}
	timeToExpiryMs := opp.ExpiresAtMs - start.UnixMilli()
	return timeToExpiryMs >= e.cfg.TimeCriticalMs
}

func (e *Engine) runSimulation(ctx context.Context, simulator Simulator, tx strategy.PreparedTx, chain string) (bool, error) {
	res, err := simulator.Simulate(ctx, simTx{To: tx.To, Data: tx.Data, GasLimit: tx.GasLimit}, chain, "")
	if err != nil {
		return false, err
	}
	if res.WouldRevert {
		return false, fmt.Errorf("engine: simulation predicts revert")
	}
	return res.Success, nil
}

func (e *Engine) fail(ctx context.Context, opp *types.Opportunity, chain string, gasCostUsd float64) {
	e.stats.Failed.Add(1)
	if gasCostUsd > 0 {
		e.stats.RecordRealizedPnL(-gasCostUsd)
	}
	e.risk.RecordOutcome(risk.Outcome{Success: false, GasCostUsd: gasCostUsd})
	if e.breaker != nil {
		e.breaker.RecordFailure(chain)
	}
	e.metrics.IncCounter("executions_total", "failure")
	e.finish(ctx, opp.ID)
}

func (e *Engine) finish(ctx context.Context, opportunityID string) {
	if e.consumer != nil {
		e.consumer.MarkComplete(ctx, opportunityID)
	}
}
