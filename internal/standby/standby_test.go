package standby

import (
	"context"
	"errors"
	"sync"
	"testing"

	"arbexec/internal/queue"
	"arbexec/internal/streambus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProviders struct {
	healthy int
	connErr error
	connectCalls int
}

func (s *stubProviders) HealthyCount() int { return s.healthy }
func (s *stubProviders) Connect(ctx context.Context) error {
	s.connectCalls++
	return s.connErr
}

type stubNonceStarter struct{ startCalls int }

func (s *stubNonceStarter) Start(ctx context.Context) error { s.startCalls++; return nil }

type stubSimToggle struct {
	enabled bool
}

func (s *stubSimToggle) Enabled() bool { return s.enabled }
func (s *stubSimToggle) Disable()      { s.enabled = false }

func TestActivateResumesQueueAndPublishesEvent(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	q.Pause()
	providers := &stubProviders{healthy: 1}
	bus := streambus.NewMemBus()

	m := New(q, providers, nil, nil, nil, nil, bus, "health", Config{RegionID: "us-east"}, nil)
	ok, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, q.IsPaused())
	assert.True(t, m.IsActivated())

	msgs, _ := bus.ReadGroup(context.Background(), "health", "audit", "probe", 10, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "standby_activated", msgs[0].Fields["event"])
}

func TestActivateIsIdempotent(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	providers := &stubProviders{healthy: 1}
	m := New(q, providers, nil, nil, nil, nil, nil, "", Config{}, nil)

	ok1, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok2)
	assert.Equal(t, 0, providers.connectCalls, "second activate must not redo provider init")
}

func TestActivateInitializesProvidersWhenNoneHealthy(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	providers := &stubProviders{healthy: 0}
	nonces := &stubNonceStarter{}
	m := New(q, providers, nil, nil, nonces, nil, nil, "", Config{}, nil)

	ok, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, providers.connectCalls)
	assert.Equal(t, 1, nonces.startCalls)
}

func TestActivateSkipsProviderInitWhenAlreadyHealthy(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	providers := &stubProviders{healthy: 2}
	nonces := &stubNonceStarter{}
	m := New(q, providers, nil, nil, nonces, nil, nil, "", Config{}, nil)

	_, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, providers.connectCalls)
	assert.Equal(t, 0, nonces.startCalls)
}

func TestActivateNonFatalOnMevAndBridgeFailure(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	providers := &stubProviders{healthy: 0}
	mevInit := func(ctx context.Context) error { return errors.New("mev down") }
	bridgeInit := func(ctx context.Context) error { return errors.New("bridge down") }
	m := New(q, providers, mevInit, bridgeInit, &stubNonceStarter{}, nil, nil, "", Config{}, nil)

	ok, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "non-critical subsystem failures must not fail activation")
}

func TestActivateFailsWhenProviderConnectFails(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	providers := &stubProviders{healthy: 0, connErr: errors.New("dial failed")}
	m := New(q, providers, nil, nil, &stubNonceStarter{}, nil, nil, "", Config{}, nil)

	ok, err := m.Activate(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, m.IsActivated())
}

func TestActivateDisablesSimulationWhenConfigured(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	providers := &stubProviders{healthy: 1}
	sim := &stubSimToggle{enabled: true}
	m := New(q, providers, nil, nil, nil, sim, nil, "", Config{ActivationDisablesSimulation: true}, nil)

	_, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.False(t, sim.enabled)
}

func TestConcurrentActivateCallsShareOneAttempt(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, nil)
	providers := &stubProviders{healthy: 0}
	m := New(q, providers, nil, nil, &stubNonceStarter{}, nil, nil, "", Config{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Activate(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, providers.connectCalls, "concurrent activations must share a single in-flight attempt")
}
