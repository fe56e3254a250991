// Package simulation implements the pre-execution simulation adaptor
// (C15): an ordered list of backends, each bounded by a timeout, falling
// through to the next on failure and distinguishing reverts from
// transport errors. The only Backend implementation in this module is
// the local eth_call one (onchain.EthCallBackend); there are no
// Tenderly or Alchemy backends.
package simulation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Tx is the narrow transaction shape a backend simulates.
type Tx struct {
	From     string
	To       string
	Data     []byte
	Value    string
	GasLimit uint64
}

// Result is what every backend returns.
type Result struct {
	Success      bool
	WouldRevert  bool
	RevertReason string
	ReturnValue  []byte
	Provider     string
	LatencyMs    int64
}

// ErrReverted signals the simulated call reverted on-chain logic, as
// opposed to a transport/timeout failure — callers branch on this via
// errors.Is.
var ErrReverted = errors.New("simulation: transaction would revert")

// Backend is one simulation provider (local eth_call, Tenderly,
// Alchemy, ...). Implementations distinguish a revert (return
// ErrReverted with RevertReason set) from a transport error (return any
// other error).
type Backend interface {
	Name() string
	Simulate(ctx context.Context, tx Tx, chain string) (Result, error)
}

// Config controls per-backend timeouts.
type Config struct {
	PerBackendTimeout time.Duration // default 3s
}

// Service tries each configured backend in order until one returns a
// definitive result (success or revert); transport failures fall
// through to the next backend.
type Service struct {
	backends []Backend
	cfg      Config
	log      *zap.SugaredLogger
	now      func() time.Time
}

// New constructs a Service. Backend order is the fallback order
// (typically Tenderly -> Alchemy -> local).
func New(backends []Backend, cfg Config, log *zap.SugaredLogger) *Service {
	if cfg.PerBackendTimeout <= 0 {
		cfg.PerBackendTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{backends: backends, cfg: cfg, log: log, now: time.Now}
}

// Simulate runs tx through each backend in order, returning the first
// definitive result. If every backend fails transiently, returns
// success=false with the last transport error.
func (s *Service) Simulate(ctx context.Context, tx Tx, chain string, overrideBackend string) (Result, error) {
	backends := s.backends
	if overrideBackend != "" {
		for _, b := range s.backends {
			if b.Name() == overrideBackend {
				backends = []Backend{b}
				break
			}
		}
	}

	var lastErr error
	for _, b := range backends {
		start := s.now()
		cctx, cancel := context.WithTimeout(ctx, s.cfg.PerBackendTimeout)
		res, err := b.Simulate(cctx, tx, chain)
		cancel()
		res.LatencyMs = s.now().Sub(start).Milliseconds()
		res.Provider = b.Name()

		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrReverted) {
			res.Success = false
			res.WouldRevert = true
			return res, nil
		}
		s.log.Warnw("simulation: backend failed, falling through", "backend", b.Name(), "error", err)
		lastErr = err
	}

	return Result{Success: false}, lastErr
}
