// Package breaker implements the per-chain circuit breaker (C4):
// Closed/Open/HalfOpen state machine with cooldown-driven recovery and
// a bounded half-open probe budget.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's current posture for a chain.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Clock is injected for deterministic cooldown tests.
type Clock func() time.Time

// Event is emitted on every state transition.
type Event struct {
	Chain               string
	PreviousState       State
	NewState            State
	ConsecutiveFailures int
	Reason              string
	TimestampMs         int64
}

// Config controls trip thresholds and recovery behavior.
type Config struct {
	FailureThreshold  int           // consecutive failures before tripping open
	CooldownDuration  time.Duration // time spent open before probing half-open
	HalfOpenMaxProbes int           // attempts permitted in half-open before re-tripping on any failure
}

type chainState struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int

	timesTripped  int64
	totalFailures int64
	totalSuccesses int64
	totalOpenTimeMs int64
}

// Breaker is the per-chain circuit breaker registry.
type Breaker struct {
	mu     sync.Mutex
	chains map[string]*chainState

	cfg      Config
	now      Clock
	log      *zap.SugaredLogger
	onEvent  func(Event)
}

// New constructs a Breaker. Defaults: FailureThreshold=5,
// CooldownDuration=30s, HalfOpenMaxProbes=1.
func New(cfg Config, now Clock, log *zap.SugaredLogger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Breaker{
		chains: make(map[string]*chainState),
		cfg:    cfg,
		now:    now,
		log:    log,
	}
}

// OnEvent registers the single subscriber notified on every transition.
func (b *Breaker) OnEvent(cb func(Event)) {
	b.mu.Lock()
	b.onEvent = cb
	b.mu.Unlock()
}

func (b *Breaker) stateFor(chain string) *chainState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.chains[chain]
	if !ok {
		cs = &chainState{state: StateClosed}
		b.chains[chain] = cs
	}
	return cs
}

// CanExecute reports whether chain currently permits new executions,
// transitioning Open -> HalfOpen once the cooldown has elapsed.
func (b *Breaker) CanExecute(chain string) bool {
	cs := b.stateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch cs.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cs.halfOpenAttempts >= b.cfg.HalfOpenMaxProbes {
			return false
		}
		cs.halfOpenAttempts++
		return true
	case StateOpen:
		if b.now().Sub(cs.openedAt) >= b.cfg.CooldownDuration {
			b.transitionLocked(chain, cs, StateHalfOpen, "cooldown elapsed")
			// This call itself consumes the first probe.
			cs.halfOpenAttempts = 1
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure streak; a successful half-open probe
// closes the breaker.
func (b *Breaker) RecordSuccess(chain string) {
	cs := b.stateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.totalSuccesses++
	cs.consecutiveFailures = 0

	if cs.state == StateHalfOpen {
		b.transitionLocked(chain, cs, StateClosed, "half-open probe succeeded")
	}
}

// RecordFailure increments the streak; tripping Open once the threshold
// is hit, or immediately re-tripping on any half-open failure.
func (b *Breaker) RecordFailure(chain string) {
	cs := b.stateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.totalFailures++

	if cs.state == StateHalfOpen {
		b.transitionLocked(chain, cs, StateOpen, "half-open probe failed")
		return
	}

	cs.consecutiveFailures++
	if cs.state == StateClosed && cs.consecutiveFailures >= b.cfg.FailureThreshold {
		b.transitionLocked(chain, cs, StateOpen, "consecutive failure threshold reached")
	}
}

// ForceOpen trips the breaker regardless of failure count (e.g. an
// operator kill-switch or an upstream health signal).
func (b *Breaker) ForceOpen(chain, reason string) {
	cs := b.stateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	b.transitionLocked(chain, cs, StateOpen, reason)
}

// ForceClose resets the breaker regardless of current state.
func (b *Breaker) ForceClose(chain, reason string) {
	cs := b.stateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.consecutiveFailures = 0
	cs.halfOpenAttempts = 0
	b.transitionLocked(chain, cs, StateClosed, reason)
}

// transitionLocked must be called with cs.mu held. It updates
// bookkeeping and invokes the event callback synchronously while cs.mu
// is still held, matching the teacher's direct-callback style; the
// callback must not call back into the Breaker for the same chain, and
// callers must not hold unrelated locks across CanExecute/Record* calls.
func (b *Breaker) transitionLocked(chain string, cs *chainState, next State, reason string) {
	prev := cs.state
	if prev == next {
		return
	}

	if prev == StateOpen {
		cs.totalOpenTimeMs += b.now().Sub(cs.openedAt).Milliseconds()
	}
	if next == StateOpen {
		cs.openedAt = b.now()
		cs.timesTripped++
	}
	cs.state = next

	b.mu.Lock()
	cb := b.onEvent
	b.mu.Unlock()
	if cb != nil {
		cb(Event{
			Chain:               chain,
			PreviousState:       prev,
			NewState:            next,
			ConsecutiveFailures: cs.consecutiveFailures,
			Reason:              reason,
			TimestampMs:         b.now().UnixMilli(),
		})
	}
}

// State returns the chain's current state (Closed if never seen).
func (b *Breaker) State(chain string) State {
	cs := b.stateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// Stats summarizes lifetime counters for one chain.
type Stats struct {
	TimesTripped    int64
	TotalFailures   int64
	TotalSuccesses  int64
	TotalOpenTimeMs int64
}

// Stats returns the chain's lifetime counters.
func (b *Breaker) Stats(chain string) Stats {
	cs := b.stateFor(chain)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return Stats{
		TimesTripped:    cs.timesTripped,
		TotalFailures:   cs.totalFailures,
		TotalSuccesses:  cs.totalSuccesses,
		TotalOpenTimeMs: cs.totalOpenTimeMs,
	}
}
