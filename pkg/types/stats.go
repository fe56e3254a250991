package types

import (
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// ExecutionStats is the set of monotonically non-decreasing execution
// counters. The Engine increments Received, Attempts, Successful, Failed
// and Rejected; nothing in this module increments the other counters,
// so they stay zero. All counter fields are atomic.Int64 so HealthMonitor
// can snapshot them from a different goroutine without a lock, matching
// the "single conceptual owner mutates, many readers snapshot" rule in
// SPEC_FULL.md §5; the realized PnL total is guarded by its own mutex.
type ExecutionStats struct {
	Received                 atomic.Int64
	Attempts                 atomic.Int64
	Successful               atomic.Int64
	Failed                   atomic.Int64
	Rejected                 atomic.Int64
	QueueRejects             atomic.Int64
	LockConflicts            atomic.Int64
	ExecutionTimeouts        atomic.Int64
	ProviderReconnections    atomic.Int64
	CircuitBreakerTrips      atomic.Int64
	RiskEVRejections         atomic.Int64
	RiskPositionSizeRejections atomic.Int64
	RiskDrawdownBlocks       atomic.Int64
	StaleLockRecoveries      atomic.Int64

	// realizedPnLUsd tracks cumulative realized profit/loss in decimal
	// rather than float64: this total lives for the process's entire
	// uptime, and float64 addition drifts measurably over millions of
	// small increments. Guarded by its own mutex since decimal.Decimal
	// isn't atomically swappable.
	pnlMu          sync.Mutex
	realizedPnLUsd decimal.Decimal
}

// RecordRealizedPnL adds a realized profit or loss (gas costs are
// recorded as negative) to the running total.
func (s *ExecutionStats) RecordRealizedPnL(amountUsd float64) {
	s.pnlMu.Lock()
	s.realizedPnLUsd = s.realizedPnLUsd.Add(decimal.NewFromFloat(amountUsd))
	s.pnlMu.Unlock()
}

// RealizedPnLUsd returns the cumulative realized profit/loss.
func (s *ExecutionStats) RealizedPnLUsd() decimal.Decimal {
	s.pnlMu.Lock()
	defer s.pnlMu.Unlock()
	return s.realizedPnLUsd
}

// Snapshot is a point-in-time, plain-value copy of ExecutionStats (the
// realized PnL as a decimal string) suitable for JSON encoding onto the
// health stream.
type Snapshot struct {
	Received                   int64 `json:"received"`
	Attempts                   int64 `json:"attempts"`
	Successful                 int64 `json:"successful"`
	Failed                     int64 `json:"failed"`
	Rejected                   int64 `json:"rejected"`
	QueueRejects               int64 `json:"queueRejects"`
	LockConflicts              int64 `json:"lockConflicts"`
	ExecutionTimeouts          int64 `json:"executionTimeouts"`
	ProviderReconnections      int64 `json:"providerReconnections"`
	CircuitBreakerTrips        int64 `json:"circuitBreakerTrips"`
	RiskEVRejections           int64 `json:"riskEVRejections"`
	RiskPositionSizeRejections int64 `json:"riskPositionSizeRejections"`
	RiskDrawdownBlocks         int64 `json:"riskDrawdownBlocks"`
	StaleLockRecoveries        int64 `json:"staleLockRecoveries"`
	RealizedPnLUsd             string `json:"realizedPnlUsd"`
}

// Snapshot copies every counter into a plain struct.
func (s *ExecutionStats) Snapshot() Snapshot {
	return Snapshot{
		Received:                   s.Received.Load(),
		Attempts:                   s.Attempts.Load(),
		Successful:                 s.Successful.Load(),
		Failed:                     s.Failed.Load(),
		Rejected:                   s.Rejected.Load(),
		QueueRejects:               s.QueueRejects.Load(),
		LockConflicts:              s.LockConflicts.Load(),
		ExecutionTimeouts:          s.ExecutionTimeouts.Load(),
		ProviderReconnections:      s.ProviderReconnections.Load(),
		CircuitBreakerTrips:        s.CircuitBreakerTrips.Load(),
		RiskEVRejections:           s.RiskEVRejections.Load(),
		RiskPositionSizeRejections: s.RiskPositionSizeRejections.Load(),
		RiskDrawdownBlocks:         s.RiskDrawdownBlocks.Load(),
		StaleLockRecoveries:        s.StaleLockRecoveries.Load(),
		RealizedPnLUsd:             s.RealizedPnLUsd().String(),
	}
}

// StandbyConfig describes whether an engine instance boots passive,
// ready for StandbyManager.Activate to flip it live. cmd/engine reads
// configs.StandbyConfig rather than this type; a standby boot there
// pauses the queue and leaves simulation at its configured setting.
type StandbyConfig struct {
	IsStandby                   bool
	QueuePausedOnStart          bool
	ActivationDisablesSimulation bool
	RegionID                    string
}
