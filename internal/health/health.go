// Package health implements the periodic health/maintenance loop
// (C14): gas-history compaction, stale lock-tracker cleanup, and a
// health snapshot published to the health stream and a per-service KV
// in Store. Re-entrancy guarded so a slow tick never overlaps the next.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"arbexec/internal/store"
	"arbexec/internal/streambus"
	"arbexec/pkg/types"

	"go.uber.org/zap"
)

// GasHistoryCompactor is the narrow capability health uses to keep
// GasOptimizer's per-chain history bounded independent of its own
// window/cap pruning on UpdateBaseline — this is a second, coarser
// compaction pass so history never grows unbounded for chains that
// stopped reporting gas updates.
type GasHistoryCompactor interface {
	CompactHistory(maxAge time.Duration, maxEntries int)
}

// LockCleaner is the narrow capability for LockTracker.Cleanup.
type LockCleaner interface {
	Cleanup() int
}

// EngineStatus is what the Engine exposes for a health snapshot.
type EngineStatus interface {
	Stats() *types.ExecutionStats
}

// QueueStatus is what the Queue exposes for a health snapshot.
type QueueStatus interface {
	Size() int
	IsPaused() bool
}

// ConsumerStatus is what the Consumer exposes for a health snapshot.
type ConsumerStatus interface {
	GetActiveCount() int
	GetPendingCount() int
}

// StatsRecorder persists a periodic stats snapshot to durable storage,
// independent of the ephemeral health-stream publish below.
type StatsRecorder interface {
	RecordSnapshot(serviceName string, s types.Snapshot) error
}

// Config controls the monitor's periodic cadence and compaction bounds.
type Config struct {
	ServiceName        string
	Interval           time.Duration // default 30s
	GasHistoryMaxAge   time.Duration // default 5 minutes
	GasHistoryMaxCount int           // default 100
	HealthStream       string
	ServiceKeyTTL      time.Duration // default 2 minutes
}

// Monitor runs the periodic health/maintenance tick.
type Monitor struct {
	gas      GasHistoryCompactor
	locks    LockCleaner
	engine   EngineStatus
	queue    QueueStatus
	consumer ConsumerStatus
	bus      streambus.StreamBus
	st       store.Store
	stats    StatsRecorder

	cfg Config
	log *zap.SugaredLogger
	now func() time.Time

	isReporting atomic.Bool
	startedAt   time.Time
	lastBeat    atomic.Int64

	stopCh chan struct{}
}

// New constructs a Monitor. Any dependency may be nil to disable the
// portion of the snapshot/maintenance it drives; a nil stats recorder
// means ticks are published to the health stream but never persisted.
func New(gas GasHistoryCompactor, locks LockCleaner, eng EngineStatus, q QueueStatus, consumer ConsumerStatus, bus streambus.StreamBus, st store.Store, stats StatsRecorder, cfg Config, log *zap.SugaredLogger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GasHistoryMaxAge <= 0 {
		cfg.GasHistoryMaxAge = 5 * time.Minute
	}
	if cfg.GasHistoryMaxCount <= 0 {
		cfg.GasHistoryMaxCount = 100
	}
	if cfg.ServiceKeyTTL <= 0 {
		cfg.ServiceKeyTTL = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Monitor{
		gas: gas, locks: locks, engine: eng, queue: q, consumer: consumer,
		bus: bus, st: st, stats: stats, cfg: cfg, log: log, now: time.Now,
	}
}

// Start launches the periodic tick loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.startedAt = m.now()
	m.stopCh = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts the loop.
func (m *Monitor) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Re-entrancy guarded: if a previous
// tick is still in flight (e.g. a slow publish), this call is a no-op.
func (m *Monitor) Tick(ctx context.Context) {
	if !m.isReporting.CompareAndSwap(false, true) {
		m.log.Debugw("health: tick already in progress, skipping")
		return
	}
	defer m.isReporting.Store(false)

	if m.gas != nil {
		m.gas.CompactHistory(m.cfg.GasHistoryMaxAge, m.cfg.GasHistoryMaxCount)
	}
	var staleLocks int
	if m.locks != nil {
		staleLocks = m.locks.Cleanup()
	}

	m.lastBeat.Store(m.now().UnixMilli())

	snapshot := m.buildSnapshot(staleLocks)
	m.publish(ctx, snapshot)
	m.recordStats(snapshot)
}

// recordStats persists the tick's execution-stats counters, if both a
// recorder is configured and the engine produced a stats snapshot.
func (m *Monitor) recordStats(s Snapshot) {
	if m.stats == nil || s.Stats == nil {
		return
	}
	if err := m.stats.RecordSnapshot(m.cfg.ServiceName, *s.Stats); err != nil {
		m.log.Warnw("health: failed to persist stats snapshot", "error", err)
	}
}

// Snapshot is the health payload published each tick.
type Snapshot struct {
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	UptimeMs         int64           `json:"uptime"`
	MemoryUsageBytes uint64          `json:"memoryUsage"`
	LastHeartbeatMs  int64           `json:"lastHeartbeat"`
	QueueSize        int             `json:"queueSize"`
	QueuePaused      bool            `json:"queuePaused"`
	ActiveExecutions int             `json:"activeExecutions"`
	PendingMessages  int             `json:"pendingMessages"`
	Stats            *types.Snapshot `json:"stats,omitempty"`
	StaleLockRecoveries int          `json:"staleLockRecoveriesThisTick"`
}

func (m *Monitor) buildSnapshot(staleLocks int) Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := Snapshot{
		Name:                m.cfg.ServiceName,
		Status:              "healthy",
		UptimeMs:            m.now().Sub(m.startedAt).Milliseconds(),
		MemoryUsageBytes:    mem.Alloc,
		LastHeartbeatMs:     m.lastBeat.Load(),
		StaleLockRecoveries: staleLocks,
	}
	if m.queue != nil {
		s.QueueSize = m.queue.Size()
		s.QueuePaused = m.queue.IsPaused()
	}
	if m.consumer != nil {
		s.ActiveExecutions = m.consumer.GetActiveCount()
		s.PendingMessages = m.consumer.GetPendingCount()
	}
	if m.engine != nil {
		snap := m.engine.Stats().Snapshot()
		s.Stats = &snap
	}
	return s
}

func (m *Monitor) publish(ctx context.Context, s Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		m.log.Warnw("health: failed to marshal snapshot", "error", err)
		return
	}

	if m.bus != nil && m.cfg.HealthStream != "" {
		if _, err := m.bus.Publish(ctx, m.cfg.HealthStream, map[string]interface{}{
			"event":   "health_snapshot",
			"service": m.cfg.ServiceName,
			"payload": string(payload),
		}); err != nil {
			m.log.Warnw("health: failed to publish snapshot", "error", err)
		}
	}

	if m.st != nil {
		key := fmt.Sprintf("health:%s", m.cfg.ServiceName)
		_ = m.st.Delete(ctx, key)
		if _, err := m.st.SetNX(ctx, key, string(payload), m.cfg.ServiceKeyTTL); err != nil {
			m.log.Warnw("health: failed to update service KV", "error", err)
		}
	}
}
