// Package errs defines the stable error codes surfaced across component
// boundaries (SPEC_FULL.md §7). Components wrap these with fmt.Errorf's
// %w verb so callers can errors.Is against a stable sentinel instead of
// string-matching messages.
package errs

import "errors"

var (
	// ErrValidation is the umbrella for ERR_VALIDATION_* structural
	// rejections: missing field, invalid type, expired opportunity.
	ErrValidation = errors.New("ERR_VALIDATION")

	// ErrDuplicateCommitment is returned when an atomic SET-if-absent on
	// a commit-reveal storage key loses the race.
	ErrDuplicateCommitment = errors.New("ERR_DUPLICATE_COMMITMENT")

	// ErrNonceLockTimeout is returned when a nonce-lock wait exceeds its
	// absolute deadline.
	ErrNonceLockTimeout = errors.New("ERR_NONCE_LOCK_TIMEOUT")

	// ErrGasSpike is returned when a pre-flight or pre-submission gas
	// price exceeds the per-chain spike multiplier.
	ErrGasSpike = errors.New("ERR_GAS_SPIKE")

	// Risk pipeline rejection codes.
	ErrDrawdownHalt  = errors.New("DRAWDOWN_HALT")
	ErrLowEV         = errors.New("LOW_EV")
	ErrPositionSize  = errors.New("POSITION_SIZE")

	// ErrCircuitOpen is the code for a circuit-breaker refusal. The
	// Engine counts such refusals as rejections and does not return it.
	ErrCircuitOpen = errors.New("ERR_CIRCUIT_OPEN")

	// ErrNoHealthyProvider indicates ProviderRegistry has no provider
	// available for a chain.
	ErrNoHealthyProvider = errors.New("ERR_NO_HEALTHY_PROVIDER")

	// ErrSimulationFailed wraps a simulation revert/transport failure.
	ErrSimulationFailed = errors.New("ERR_SIMULATION_FAILED")

	// ErrBridgeNotProfitable is the code for a bridge-fee rejection.
	// bridge.Filter.Analyze reports this through Analysis.IsProfitable
	// and Analysis.Reason and does not return it.
	ErrBridgeNotProfitable = errors.New("ERR_BRIDGE_NOT_PROFITABLE")

	// ErrConfig is the code for fatal configuration errors. configs.Validate
	// returns its own fmt.Errorf errors and does not wrap this sentinel.
	ErrConfig = errors.New("ERR_CONFIG")
)
