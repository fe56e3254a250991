package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"arbexec/internal/nonce"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	mu      chan struct{}
	fail    bool
	closed  bool
	height  uint64
}

func newStubClient() *stubClient { return &stubClient{} }

func (s *stubClient) BlockNumber(ctx context.Context) (uint64, error) {
	if s.fail {
		return 0, errors.New("rpc unreachable")
	}
	s.height++
	return s.height, nil
}

func (s *stubClient) Close() { s.closed = true }

func testKey() string {
	// deterministic, non-sensitive 32-byte hex key for tests only.
	return "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f3623"
}

func dialerFor(clients map[string]*stubClient) Dialer {
	return func(ctx context.Context, rpcURL string) (ChainClient, error) {
		c, ok := clients[rpcURL]
		if !ok {
			return nil, errors.New("no stub registered for " + rpcURL)
		}
		return c, nil
	}
}

func TestConnectBindsWalletAndVerifiesConnectivity(t *testing.T) {
	eth := newStubClient()
	clients := map[string]*stubClient{"eth-rpc": eth}

	r := New(map[string]ChainConfig{
		"ethereum": {RPCURL: "eth-rpc", SigningKeyHex: testKey()},
	}, dialerFor(clients), nil, nil)

	require.NoError(t, r.Connect(context.Background()))
	assert.True(t, r.IsHealthy("ethereum"))
	assert.Equal(t, 1, r.HealthyCount())

	_, addr, err := r.Wallet("ethereum")
	require.NoError(t, err)
	assert.NotEqual(t, "0x0000000000000000000000000000000000000000", addr.Hex())
}

func TestConnectFailsWithoutSigningKey(t *testing.T) {
	eth := newStubClient()
	clients := map[string]*stubClient{"eth-rpc": eth}
	r := New(map[string]ChainConfig{
		"ethereum": {RPCURL: "eth-rpc"},
	}, dialerFor(clients), nil, nil)

	err := r.Connect(context.Background())
	assert.Error(t, err)
}

func TestReconnectAfterThresholdFailures(t *testing.T) {
	eth := newStubClient()
	clients := map[string]*stubClient{"eth-rpc": eth}
	na := nonce.New(nil, nil)

	r := New(map[string]ChainConfig{
		"ethereum": {RPCURL: "eth-rpc", SigningKeyHex: testKey(), ReconnectThreshold: 2, HealthCheckTimeout: time.Second},
	}, dialerFor(clients), na, nil)
	require.NoError(t, r.Connect(context.Background()))

	reconnected := false
	r.OnReconnect(func(chain string) { reconnected = true })

	eth.fail = true
	require.NoError(t, r.CheckHealth(context.Background()))
	assert.False(t, r.IsHealthy("ethereum"))
	assert.False(t, reconnected, "should not reconnect before threshold")

	// The second consecutive failure hits ReconnectThreshold=2; the dialer
	// now hands out a fresh healthy client, so the reconnect succeeds and
	// the failing client is closed.
	clients["eth-rpc"] = newStubClient()
	require.NoError(t, r.CheckHealth(context.Background()))
	assert.True(t, reconnected)
	assert.True(t, r.IsHealthy("ethereum"))
	assert.True(t, eth.closed)

	require.NoError(t, r.CheckHealth(context.Background()))
	assert.True(t, r.IsHealthy("ethereum"))
}

func TestHealthCheckRecoversOnSuccess(t *testing.T) {
	eth := newStubClient()
	clients := map[string]*stubClient{"eth-rpc": eth}
	r := New(map[string]ChainConfig{
		"ethereum": {RPCURL: "eth-rpc", SigningKeyHex: testKey()},
	}, dialerFor(clients), nil, nil)
	require.NoError(t, r.Connect(context.Background()))

	eth.fail = true
	require.NoError(t, r.CheckHealth(context.Background()))
	assert.False(t, r.IsHealthy("ethereum"))

	eth.fail = false
	require.NoError(t, r.CheckHealth(context.Background()))
	assert.True(t, r.IsHealthy("ethereum"))
}

func TestChainsAreIndependentForHealth(t *testing.T) {
	eth := newStubClient()
	poly := newStubClient()
	clients := map[string]*stubClient{"eth-rpc": eth, "poly-rpc": poly}
	r := New(map[string]ChainConfig{
		"ethereum": {RPCURL: "eth-rpc", SigningKeyHex: testKey()},
		"polygon":  {RPCURL: "poly-rpc", SigningKeyHex: testKey()},
	}, dialerFor(clients), nil, nil)
	require.NoError(t, r.Connect(context.Background()))

	eth.fail = true
	require.NoError(t, r.CheckHealth(context.Background()))
	assert.False(t, r.IsHealthy("ethereum"))
	assert.True(t, r.IsHealthy("polygon"))
	assert.Equal(t, 1, r.HealthyCount())
}

func TestCloseClosesAllClients(t *testing.T) {
	eth := newStubClient()
	clients := map[string]*stubClient{"eth-rpc": eth}
	r := New(map[string]ChainConfig{
		"ethereum": {RPCURL: "eth-rpc", SigningKeyHex: testKey()},
	}, dialerFor(clients), nil, nil)
	require.NoError(t, r.Connect(context.Background()))

	r.Close()
	assert.True(t, eth.closed)
}
