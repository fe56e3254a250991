// Package locktracker records nonce-lock contention per opportunity
// (C6) and triggers crash recovery when an opportunity appears stuck.
package locktracker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock is injected for deterministic age-based tests.
type Clock func() time.Time

type record struct {
	firstSeen time.Time
	count     int
}

// Config controls the crash-recovery trigger and cleanup sweep.
type Config struct {
	MaxEntryAge          time.Duration // entries older than this are dropped on cleanup; default 60s
	RecoveryCountThreshold int         // default 3
	RecoveryMinAge       time.Duration // default 20s
}

// Tracker is the per-opportunity conflict tracker.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record

	cfg Config
	now Clock
	log *zap.SugaredLogger

	lockConflicts      int64
	staleLockRecoveries int64

	onForceRelease func(opportunityID string)
}

// New constructs a Tracker.
func New(cfg Config, now Clock, log *zap.SugaredLogger) *Tracker {
	if cfg.MaxEntryAge <= 0 {
		cfg.MaxEntryAge = 60 * time.Second
	}
	if cfg.RecoveryCountThreshold <= 0 {
		cfg.RecoveryCountThreshold = 3
	}
	if cfg.RecoveryMinAge <= 0 {
		cfg.RecoveryMinAge = 20 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{
		records: make(map[string]*record),
		cfg:     cfg,
		now:     now,
		log:     log,
	}
}

// OnForceRelease registers the single subscriber invoked when an
// opportunity's lock conflict record crosses the crash-recovery
// threshold; the caller is expected to force-release the underlying
// nonce lock.
func (t *Tracker) OnForceRelease(cb func(opportunityID string)) {
	t.mu.Lock()
	t.onForceRelease = cb
	t.mu.Unlock()
}

// RecordConflict logs a "lock not acquired" event for opportunityID.
// Returns true if this crossed the crash-recovery threshold, in which
// case the force-release callback has already fired.
func (t *Tracker) RecordConflict(opportunityID string) bool {
	t.mu.Lock()
	t.lockConflicts++
	r, ok := t.records[opportunityID]
	if !ok {
		r = &record{firstSeen: t.now()}
		t.records[opportunityID] = r
	}
	r.count++

	triggered := r.count >= t.cfg.RecoveryCountThreshold && t.now().Sub(r.firstSeen) >= t.cfg.RecoveryMinAge
	if triggered {
		t.staleLockRecoveries++
		delete(t.records, opportunityID)
	}
	cb := t.onForceRelease
	t.mu.Unlock()

	if triggered && cb != nil {
		cb(opportunityID)
	}
	return triggered
}

// Clear removes opportunityID's record without triggering recovery
// (called once an opportunity finally acquires its lock).
func (t *Tracker) Clear(opportunityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, opportunityID)
}

// Cleanup drops records older than MaxEntryAge. Intended to run on
// HealthMonitor's periodic sweep (C14).
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	cutoff := t.now().Add(-t.cfg.MaxEntryAge)
	for id, r := range t.records {
		if r.firstSeen.Before(cutoff) {
			delete(t.records, id)
			dropped++
		}
	}
	return dropped
}

// Stats summarizes lifetime counters.
type Stats struct {
	LockConflicts       int64
	StaleLockRecoveries int64
	TrackedEntries      int
}

// Stats returns the tracker's lifetime counters and current entry count.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		LockConflicts:       t.lockConflicts,
		StaleLockRecoveries: t.staleLockRecoveries,
		TrackedEntries:      len(t.records),
	}
}
