// Package commitreveal implements the commit-reveal MEV-protection
// state machine (C11): a deterministic commitment hash, atomic
// duplicate detection via durable storage, a block-height barrier
// before reveal, and single-retry reveal/cancel semantics.
package commitreveal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"arbexec/internal/errs"
	"arbexec/internal/store"

	"go.uber.org/zap"
)

// State is a commitment's position in the state machine.
type State string

const (
	StateAbsent           State = "absent"
	StateCommitted        State = "committed"
	StateRevealable       State = "revealable"
	StateDone             State = "done"
	StateCancelled        State = "cancelled"
	StateFailedAfterRetry State = "failed-after-retry"
)

// Commitment is the durable record keyed by its deterministic hash.
type Commitment struct {
	Hash         string
	Asset        string
	AmountIn     *big.Int
	SwapPath     []string
	MinProfit    *big.Int
	Deadline     int64
	Salt         string
	Chain        string
	RevealBlock  uint64
	State        State
}

type wireCommitment struct {
	Asset       string   `json:"asset"`
	AmountIn    string   `json:"amountIn"`
	SwapPath    []string `json:"swapPath"`
	MinProfit   string   `json:"minProfit"`
	Deadline    int64    `json:"deadline"`
	Salt        string   `json:"salt"`
	Chain       string   `json:"chain"`
	RevealBlock uint64   `json:"revealBlock"`
	State       State    `json:"state"`
}

// ComputeHash deterministically hashes the commitment's economic
// parameters. The salt makes the hash unpredictable to observers of
// prior commitments from the same sender.
func ComputeHash(asset string, amountIn *big.Int, swapPath []string, minProfit *big.Int, deadline int64, salt string) string {
	h := sha256.New()
	h.Write([]byte(asset))
	h.Write([]byte(amountIn.String()))
	for _, p := range swapPath {
		h.Write([]byte(p))
	}
	h.Write([]byte(minProfit.String()))
	h.Write([]byte(fmt.Sprintf("%d", deadline)))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// BlockSource is the narrow capability waitForRevealBlock needs.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// OnChain is the narrow capability reveal/cancel need against the
// deployed commit-reveal contract.
type OnChain interface {
	SubmitCommit(ctx context.Context, hash string) error
	SubmitReveal(ctx context.Context, c Commitment, gasLimit *big.Int) (revealedProfit *big.Int, err error)
	CancelCommit(ctx context.Context, hash string) error
	EstimateRevealGas(ctx context.Context, c Commitment) (*big.Int, error)
}

// Config controls storage TTL and reveal-wait polling.
type Config struct {
	StorageTTL          time.Duration
	PollInterval        time.Duration
	MaxPollAttempts     int
	MaxConsecutiveTransientErrors int
}

// Manager drives the commit-reveal protocol.
type Manager struct {
	st    store.Store
	chain OnChain
	cfg   Config
	log   *zap.SugaredLogger
}

// New constructs a Manager.
func New(st store.Store, chain OnChain, cfg Config, log *zap.SugaredLogger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 60
	}
	if cfg.MaxConsecutiveTransientErrors <= 0 {
		cfg.MaxConsecutiveTransientErrors = 5
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{st: st, chain: chain, cfg: cfg, log: log}
}

func storageKey(hash string) string { return "commitreveal:" + hash }

// Commit computes the commitment hash, reserves it atomically in
// storage, and submits the on-chain commit call. A storage collision
// returns ErrDuplicateCommitment without touching the chain.
func (m *Manager) Commit(ctx context.Context, asset string, amountIn *big.Int, swapPath []string, minProfit *big.Int, deadline int64, salt, chain string) (*Commitment, error) {
	hash := ComputeHash(asset, amountIn, swapPath, minProfit, deadline, salt)

	c := Commitment{
		Hash: hash, Asset: asset, AmountIn: amountIn, SwapPath: swapPath,
		MinProfit: minProfit, Deadline: deadline, Salt: salt, Chain: chain,
		State: StateCommitted,
	}

	payload, err := serialize(c)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: serialize: %w", err)
	}

	ok, err := m.st.SetNX(ctx, storageKey(hash), payload, m.cfg.StorageTTL)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: storage reservation failed: %w", err)
	}
	if !ok {
		return nil, errs.ErrDuplicateCommitment
	}

	if err := m.chain.SubmitCommit(ctx, hash); err != nil {
		_ = m.st.Delete(ctx, storageKey(hash))
		return nil, fmt.Errorf("commitreveal: on-chain commit failed: %w", err)
	}

	return &c, nil
}

// WaitForRevealBlock polls until the chain's block height reaches
// target, tolerating up to MaxConsecutiveTransientErrors consecutive
// provider errors before failing fast, and stopping after
// MaxPollAttempts regardless.
func (m *Manager) WaitForRevealBlock(ctx context.Context, target uint64, src BlockSource) error {
	consecutiveErrs := 0
	for attempt := 0; attempt < m.cfg.MaxPollAttempts; attempt++ {
		height, err := src.BlockNumber(ctx)
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs > m.cfg.MaxConsecutiveTransientErrors {
				return fmt.Errorf("commitreveal: too many consecutive provider errors waiting for block %d: %w", target, err)
			}
		} else {
			consecutiveErrs = 0
			if height >= target {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
	return fmt.Errorf("commitreveal: timed out waiting for block %d after %d attempts", target, m.cfg.MaxPollAttempts)
}

// Reveal invokes the on-chain reveal. On failure it retries exactly
// once with gas limit scaled by 1.1x the estimate. On success the
// storage entry is deleted (the protocol is complete for this
// commitment); on final failure the original storage entry is left as
// it was and a copy in StateFailedAfterRetry is written under the same
// key with a ":failed" suffix for operator inspection.
func (m *Manager) Reveal(ctx context.Context, c Commitment) (*big.Int, error) {
	estimate, err := m.chain.EstimateRevealGas(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: gas estimation failed: %w", err)
	}

	profit, err := m.chain.SubmitReveal(ctx, c, estimate)
	if err == nil {
		_ = m.st.Delete(ctx, storageKey(c.Hash))
		return profit, nil
	}
	m.log.Warnw("commitreveal: reveal failed, retrying once with higher gas", "hash", c.Hash, "error", err)

	retryGas := new(big.Int).Mul(estimate, big.NewInt(11))
	retryGas.Div(retryGas, big.NewInt(10))

	profit, err2 := m.chain.SubmitReveal(ctx, c, retryGas)
	if err2 == nil {
		_ = m.st.Delete(ctx, storageKey(c.Hash))
		return profit, nil
	}

	c.State = StateFailedAfterRetry
	if payload, serr := serialize(c); serr == nil {
		_, _ = m.st.SetNX(ctx, storageKey(c.Hash)+":failed", payload, m.cfg.StorageTTL)
	}
	return nil, fmt.Errorf("commitreveal: reveal failed after retry: %w", err2)
}

// Cancel calls the on-chain cancel; storage is only deleted on success
// so a failed cancel can still be retried.
func (m *Manager) Cancel(ctx context.Context, hash string) error {
	if err := m.chain.CancelCommit(ctx, hash); err != nil {
		return fmt.Errorf("commitreveal: cancel failed: %w", err)
	}
	return m.st.Delete(ctx, storageKey(hash))
}

// Load fetches a stored commitment by hash.
func (m *Manager) Load(ctx context.Context, hash string) (*Commitment, error) {
	raw, err := m.st.Get(ctx, storageKey(hash))
	if err != nil {
		return nil, err
	}
	return deserialize(raw)
}

func serialize(c Commitment) (string, error) {
	w := wireCommitment{
		Asset:       c.Asset,
		AmountIn:    bigOrZero(c.AmountIn).String(),
		SwapPath:    c.SwapPath,
		MinProfit:   bigOrZero(c.MinProfit).String(),
		Deadline:    c.Deadline,
		Salt:        c.Salt,
		Chain:       c.Chain,
		RevealBlock: c.RevealBlock,
		State:       c.State,
	}
	b, err := json.Marshal(w)
	return string(b), err
}

func deserialize(raw string) (*Commitment, error) {
	var w wireCommitment
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("commitreveal: deserialize: %w", err)
	}
	amountIn, _ := new(big.Int).SetString(w.AmountIn, 10)
	minProfit, _ := new(big.Int).SetString(w.MinProfit, 10)
	return &Commitment{
		Asset: w.Asset, AmountIn: amountIn, SwapPath: w.SwapPath, MinProfit: minProfit,
		Deadline: w.Deadline, Salt: w.Salt, Chain: w.Chain, RevealBlock: w.RevealBlock, State: w.State,
	}, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
