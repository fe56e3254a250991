// Package standby implements the standby-to-active failover protocol
// (C12): an idempotent, single-flighted Activate() that brings up
// provider/MEV/bridge subsystems and resumes the execution queue.
package standby

import (
	"context"
	"sync/atomic"
	"time"

	"arbexec/internal/streambus"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Queue is the narrow capability Activate needs from the execution
// queue: resume it if it was manually paused.
type Queue interface {
	IsPaused() bool
	Resume()
}

// ProviderInit is the narrow capability for bringing up RPC providers
// and nonce tracking. HealthyCount lets Activate skip provider init
// when providers are already up.
type ProviderInit interface {
	HealthyCount() int
	Connect(ctx context.Context) error
}

// NonceStarter starts the nonce manager (a no-op for the in-process
// Allocator today, but kept as an interface so a future networked
// nonce coordinator can be substituted).
type NonceStarter interface {
	Start(ctx context.Context) error
}

// SimulationToggle lets Activate disable simulation mode and notify a
// strategy factory that standby activation changed the execution mode.
type SimulationToggle interface {
	Enabled() bool
	Disable()
}

// Config controls activation behavior.
type Config struct {
	ActivationDisablesSimulation bool
	RegionID                     string
}

// Manager drives standby activation.
type Manager struct {
	q           Queue
	providers   ProviderInit
	mevInit     func(ctx context.Context) error
	bridgeInit  func(ctx context.Context) error
	nonces      NonceStarter
	simulation  SimulationToggle
	bus         streambus.StreamBus
	healthStream string

	cfg Config
	log *zap.SugaredLogger
	now func() time.Time

	sf         singleflight.Group
	activated  atomic.Bool
}

// New constructs a Manager. mevInit/bridgeInit may be nil if those
// subsystems are not in use; their failures are treated as non-fatal
// regardless.
func New(q Queue, providers ProviderInit, mevInit, bridgeInit func(ctx context.Context) error, nonces NonceStarter, simulation SimulationToggle, bus streambus.StreamBus, healthStream string, cfg Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		q: q, providers: providers, mevInit: mevInit, bridgeInit: bridgeInit,
		nonces: nonces, simulation: simulation, bus: bus, healthStream: healthStream,
		cfg: cfg, log: log, now: time.Now,
	}
}

// IsActivated reports whether activation has completed.
func (m *Manager) IsActivated() bool { return m.activated.Load() }

// Activate runs the standby-to-active sequence. Idempotent: returns
// true immediately if already activated. Concurrent callers share a
// single in-flight attempt via singleflight.
func (m *Manager) Activate(ctx context.Context) (bool, error) {
	if m.activated.Load() {
		return true, nil
	}

	v, err, _ := m.sf.Do("activate", func() (interface{}, error) {
		if m.activated.Load() {
			return true, nil
		}
		if err := m.runActivationSteps(ctx); err != nil {
			return false, err
		}
		m.activated.Store(true)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (m *Manager) runActivationSteps(ctx context.Context) error {
	if m.cfg.ActivationDisablesSimulation && m.simulation != nil && m.simulation.Enabled() {
		m.simulation.Disable()
		m.log.Infow("standby: simulation mode disabled on activation")
	}

	if m.providers != nil && m.providers.HealthyCount() == 0 {
		if err := m.providers.Connect(ctx); err != nil {
			return err
		}
		if m.mevInit != nil {
			if err := m.mevInit(ctx); err != nil {
				m.log.Warnw("standby: MEV subsystem init failed, continuing", "error", err)
			}
		}
		if m.bridgeInit != nil {
			if err := m.bridgeInit(ctx); err != nil {
				m.log.Warnw("standby: bridge subsystem init failed, continuing", "error", err)
			}
		}
		if m.nonces != nil {
			if err := m.nonces.Start(ctx); err != nil {
				return err
			}
		}
	}

	if m.q != nil && m.q.IsPaused() {
		m.q.Resume()
	}

	if m.bus != nil && m.healthStream != "" {
		_, _ = m.bus.Publish(ctx, m.healthStream, map[string]interface{}{
			"event":          "standby_activated",
			"regionId":       m.cfg.RegionID,
			"simulationMode": m.simulation != nil && m.simulation.Enabled(),
			"timestampMs":    m.now().UnixMilli(),
		})
	}

	return nil
}
