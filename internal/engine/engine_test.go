package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"arbexec/internal/breaker"
	"arbexec/internal/risk"
	"arbexec/internal/strategy"
	"arbexec/pkg/types"

	"github.com/stretchr/testify/assert"
)

type fifoQueue struct {
	items []*types.Opportunity
	cb    func()
}

func (f *fifoQueue) Dequeue() (interface{}, bool) {
	if len(f.items) == 0 {
		return nil, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}
func (f *fifoQueue) OnItemAvailable(cb func()) { f.cb = cb }
func (f *fifoQueue) push(o *types.Opportunity) {
	f.items = append(f.items, o)
	if f.cb != nil {
		f.cb()
	}
}

type stubConsumer struct {
	completed []string
}

func (s *stubConsumer) MarkComplete(ctx context.Context, id string) {
	s.completed = append(s.completed, id)
}

type stubStrategy struct {
	prepareErr error
	outcome    strategy.Outcome
	execErr    error
}

func (s *stubStrategy) Prepare(ctx context.Context, opp *types.Opportunity) (strategy.PreparedTx, error) {
	return strategy.PreparedTx{Chain: opp.Chain(), To: "0xRouter"}, s.prepareErr
}
func (s *stubStrategy) Execute(ctx context.Context, tx strategy.PreparedTx) (strategy.Outcome, error) {
	return s.outcome, s.execErr
}

func newTestOrchestrator() *risk.Orchestrator {
	return risk.New(risk.Config{MaxInFlightTrades: 3}, risk.NewSimpleDrawdownBreaker(1000), nil)
}

func testOpp(id string, profit float64) *types.Opportunity {
	return &types.Opportunity{ID: id, Type: types.TypeSimple, BuyChain: "ethereum", Confidence: 0.9, ExpectedProfit: profit, ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestProcessSuccessfulOpportunityMarksComplete(t *testing.T) {
	q := &fifoQueue{}
	consumer := &stubConsumer{}
	br := breaker.New(breaker.Config{}, nil, nil)
	ro := newTestOrchestrator()
	strat := &stubStrategy{outcome: strategy.Outcome{Success: true, ProfitUsd: 10}}
	factory := func(t types.OpportunityType) (strategy.Strategy, bool) { return strat, true }

	e := New(q, consumer, br, ro, factory, nil, nil, Config{}, nil)
	e.Start(context.Background())
	defer e.Stop()

	q.push(testOpp("op-1", 50))

	waitFor(t, func() bool { return e.Stats().Successful.Load() == 1 })
	assert.Contains(t, consumer.completed, "op-1")
}

func TestProcessSkipsWhenCircuitOpen(t *testing.T) {
	q := &fifoQueue{}
	consumer := &stubConsumer{}
	br := breaker.New(breaker.Config{FailureThreshold: 1}, nil, nil)
	br.ForceOpen("ethereum", "test")
	ro := newTestOrchestrator()
	strat := &stubStrategy{outcome: strategy.Outcome{Success: true}}
	factory := func(t types.OpportunityType) (strategy.Strategy, bool) { return strat, true }

	e := New(q, consumer, br, ro, factory, nil, nil, Config{}, nil)
	e.Start(context.Background())
	defer e.Stop()

	q.push(testOpp("op-1", 50))

	waitFor(t, func() bool { return e.Stats().Rejected.Load() == 1 })
	assert.Equal(t, int64(0), e.Stats().Attempts.Load())
	assert.Contains(t, consumer.completed, "op-1")
}

func TestProcessRejectsOnRiskAssessment(t *testing.T) {
	q := &fifoQueue{}
	consumer := &stubConsumer{}
	br := breaker.New(breaker.Config{}, nil, nil)
	ro := risk.New(risk.Config{MaxInFlightTrades: 3}, risk.NewSimpleDrawdownBreaker(1), nil)
	ro.RecordOutcome(risk.Outcome{Success: false, GasCostUsd: 100}) // drive cumulative below -maxDrawdown
	strat := &stubStrategy{outcome: strategy.Outcome{Success: true}}
	factory := func(t types.OpportunityType) (strategy.Strategy, bool) { return strat, true }

	e := New(q, consumer, br, ro, factory, nil, nil, Config{}, nil)
	e.Start(context.Background())
	defer e.Stop()

	q.push(testOpp("op-1", 50))

	waitFor(t, func() bool { return e.Stats().Rejected.Load() == 1 })
	assert.Equal(t, int64(0), e.Stats().Attempts.Load())
}

func TestProcessFailsOnStrategyPrepareError(t *testing.T) {
	q := &fifoQueue{}
	consumer := &stubConsumer{}
	br := breaker.New(breaker.Config{FailureThreshold: 5}, nil, nil)
	ro := newTestOrchestrator()
	strat := &stubStrategy{prepareErr: errors.New("no route")}
	factory := func(t types.OpportunityType) (strategy.Strategy, bool) { return strat, true }

	e := New(q, consumer, br, ro, factory, nil, nil, Config{}, nil)
	e.Start(context.Background())
	defer e.Stop()

	q.push(testOpp("op-1", 50))

	waitFor(t, func() bool { return e.Stats().Failed.Load() == 1 })
	assert.Contains(t, consumer.completed, "op-1")
}

func TestProcessSkipsUnknownStrategyType(t *testing.T) {
	q := &fifoQueue{}
	consumer := &stubConsumer{}
	br := breaker.New(breaker.Config{}, nil, nil)
	ro := newTestOrchestrator()
	factory := func(t types.OpportunityType) (strategy.Strategy, bool) { return nil, false }

	e := New(q, consumer, br, ro, factory, nil, nil, Config{}, nil)
	e.Start(context.Background())
	defer e.Stop()

	q.push(testOpp("op-1", 50))

	waitFor(t, func() bool { return e.Stats().Rejected.Load() == 1 })
	assert.Contains(t, consumer.completed, "op-1")
}

type stubSimulator struct{}

func (stubSimulator) Simulate(ctx context.Context, tx simTx, chain string, overrideBackend string) (simResult, error) {
	return simResult{Success: true}, nil
}

func TestShouldSimulateRespectsTimeCriticalThreshold(t *testing.T) {
	q := &fifoQueue{}
	e := New(q, &stubConsumer{}, nil, newTestOrchestrator(), nil, stubSimulator{}, nil, Config{MinSimulationProfitUsd: 5, TimeCriticalMs: 2000}, nil)

	opp := testOpp("op-1", 50)
	opp.ExpiresAtMs = time.Now().Add(500 * time.Millisecond).UnixMilli()
	assert.False(t, e.shouldSimulate(e.simulatorSnapshot(), opp, time.Now()), "must skip simulation when near expiry")

	opp.ExpiresAtMs = time.Now().Add(time.Hour).UnixMilli()
	e2 := New(q, &stubConsumer{}, nil, newTestOrchestrator(), nil, nil, nil, Config{MinSimulationProfitUsd: 5, TimeCriticalMs: 2000}, nil)
	assert.False(t, e2.shouldSimulate(e2.simulatorSnapshot(), opp, time.Now()), "nil simulator always disables simulation")
}

func TestDisableSimulationTurnsOffFutureSimulation(t *testing.T) {
	q := &fifoQueue{}
	e := New(q, &stubConsumer{}, nil, newTestOrchestrator(), nil, stubSimulator{}, nil, Config{MinSimulationProfitUsd: 5, TimeCriticalMs: 2000}, nil)

	opp := testOpp("op-1", 50)
	opp.ExpiresAtMs = time.Now().Add(time.Hour).UnixMilli()
	assert.True(t, e.shouldSimulate(e.simulatorSnapshot(), opp, time.Now()))

	e.DisableSimulation()
	assert.False(t, e.shouldSimulate(e.simulatorSnapshot(), opp, time.Now()))
}

func TestStartStopTransitionsLifecycleState(t *testing.T) {
	q := &fifoQueue{}
	e := New(q, &stubConsumer{}, nil, newTestOrchestrator(), func(types.OpportunityType) (strategy.Strategy, bool) { return nil, false }, nil, nil, Config{}, nil)
	assert.Equal(t, StateStopped, e.State())

	e.Start(context.Background())
	waitFor(t, func() bool { return e.State() == StateRunning })

	e.Stop()
	assert.Equal(t, StateStopped, e.State())
}
