// Package types holds the data model shared across the execution engine:
// the Opportunity consumed off the stream, the bookkeeping records the
// Consumer and HealthMonitor maintain, and the running counters every
// component mutates through the engine.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
)

// OpportunityType enumerates the kinds of arbitrage opportunities the
// engine will dispatch to a Strategy. Unknown values fail structural
// validation in the Consumer.
type OpportunityType string

const (
	TypeSimple     OpportunityType = "simple"
	TypeCrossChain OpportunityType = "cross-chain"
	TypeFlashLoan  OpportunityType = "flash-loan"
	TypeBackrun    OpportunityType = "backrun"
	TypeUniswapX   OpportunityType = "uniswapx"
	TypeStatistical OpportunityType = "statistical"
)

// KnownTypes lists every OpportunityType the Consumer accepts.
var KnownTypes = map[OpportunityType]bool{
	TypeSimple:      true,
	TypeCrossChain:  true,
	TypeFlashLoan:   true,
	TypeBackrun:     true,
	TypeUniswapX:    true,
	TypeStatistical: true,
}

// Opportunity is the immutable-once-consumed input entity. It is
// constructed by the Consumer from a raw stream message and, other than
// pipeline-timestamp stamping, is never mutated downstream.
type Opportunity struct {
	ID               string             `json:"id"`
	Type             OpportunityType    `json:"type"`
	TokenIn          string             `json:"tokenIn"`
	TokenOut         string             `json:"tokenOut"`
	AmountIn         *big.Int           `json:"amountIn"`
	ExpectedProfit   float64            `json:"expectedProfit"`
	Confidence       float64            `json:"confidence"`
	ExpiresAtMs      int64              `json:"expiresAt"`
	BuyChain         string             `json:"buyChain,omitempty"`
	SellChain        string             `json:"sellChain,omitempty"`
	BuyDex           string             `json:"buyDex,omitempty"`
	SellDex          string             `json:"sellDex,omitempty"`
	PipelineTimestamps map[string]int64 `json:"pipelineTimestamps,omitempty"`
}

// Chain returns the primary chain an opportunity executes against. For
// simple/backrun/statistical/uniswapx types this is BuyChain; cross-chain
// and flash-loan opportunities still originate their first leg on
// BuyChain, so the nonce/gas/MEV subsystems key off the same field.
func (o *Opportunity) Chain() string {
	return o.BuyChain
}

// StampTimestamp records a pipeline milestone, creating the map lazily.
// Mirrors the source behaviour of tolerating a nil map on first write.
func (o *Opportunity) StampTimestamp(milestone string, unixMs int64) {
	if o.PipelineTimestamps == nil {
		o.PipelineTimestamps = make(map[string]int64)
	}
	o.PipelineTimestamps[milestone] = unixMs
}

// ParseExpiresAt accepts either a JSON number or a numeric string, per the
// wire format in SPEC_FULL.md §6. Returns an error for anything else.
func ParseExpiresAt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expiresAt is not numeric: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expiresAt has unsupported type %T", raw)
	}
}

// ParsePipelineTimestamps accepts either an already-decoded object or a
// JSON-encoded string (the shape Redis flat hash maps force producers
// into). Invalid JSON silently yields an empty map rather than an error,
// matching the preserved source behaviour documented in spec.md §9 Open
// Questions: a malformed value must not fail structural validation, it
// just loses whatever milestones preceded it.
func ParsePipelineTimestamps(raw interface{}) map[string]int64 {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]int64:
		return v
	case map[string]interface{}:
		out := make(map[string]int64, len(v))
		for k, val := range v {
			if f, ok := val.(float64); ok {
				out[k] = int64(f)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		var decoded map[string]float64
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil
		}
		out := make(map[string]int64, len(decoded))
		for k, f := range decoded {
			out[k] = int64(f)
		}
		return out
	default:
		return nil
	}
}

// PendingMessage tracks one outstanding stream delivery awaiting a
// terminal ACK. Exactly one exists per active opportunity ID.
type PendingMessage struct {
	StreamName    string
	GroupName     string
	MessageID     string
	QueuedAtMs    int64
	OpportunityID string
}
