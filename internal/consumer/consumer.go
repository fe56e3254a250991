// Package consumer implements the opportunity stream consumer (C7):
// batched deferred-ACK reads, structural/business validation,
// deduplication against in-flight executions, dead-lettering, and a
// backpressure binding to the execution queue.
package consumer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"arbexec/internal/queue"
	"arbexec/internal/streambus"
	"arbexec/pkg/types"

	"go.uber.org/zap"
)

// Clock is injected for deterministic stale-pending-cleanup tests.
type Clock func() time.Time

// Validator performs business-rule validation beyond structural
// checks (confidence thresholds, per-type rules). A nil Validator
// accepts everything.
type Validator func(*types.Opportunity) (bool, string)

// Config controls batching, cleanup cadence and identity metadata used
// in dead-letter entries.
type Config struct {
	StreamName             string
	GroupName              string
	ConsumerName           string
	DeadLetterStream       string
	ServiceName             string
	InstanceID              string
	BatchSize              int
	BlockMs                int64
	CleanupInterval        time.Duration
	PendingMessageMaxAge   time.Duration
}

type pendingEntry struct {
	messageID   string
	queuedAtMs  int64
}

// Consumer reads opportunities from a StreamBus and feeds an execution
// Queue, deduplicating and deferring ACKs until the engine finishes
// processing each opportunity.
type Consumer struct {
	bus   streambus.StreamBus
	q     *queue.Queue
	cfg   Config
	now   Clock
	log   *zap.SugaredLogger
	valid Validator

	mu               sync.Mutex
	activeExecutions map[string]bool
	pending          map[string]pendingEntry // opportunityId -> entry

	running  bool
	stopCh   chan struct{}
	stoppedCh chan struct{}
	pausedByQueue bool

	rejectedCount int64
	staleCleaned  int64
}

// New constructs a Consumer. It subscribes to the queue's pause-state
// changes immediately so backpressure binding is active even before
// Start is called.
func New(bus streambus.StreamBus, q *queue.Queue, cfg Config, now Clock, log *zap.SugaredLogger, valid Validator) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = 200
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.PendingMessageMaxAge <= 0 {
		cfg.PendingMessageMaxAge = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Consumer{
		bus:              bus,
		q:                q,
		cfg:              cfg,
		now:              now,
		log:              log,
		valid:            valid,
		activeExecutions: make(map[string]bool),
		pending:          make(map[string]pendingEntry),
	}
	q.OnPauseStateChange(c.onQueuePauseChange)
	return c
}

func (c *Consumer) onQueuePauseChange(paused bool) {
	c.mu.Lock()
	c.pausedByQueue = paused
	running := c.running
	c.mu.Unlock()
	if !running {
		c.log.Debugw("consumer: pause signal received after stop", "paused", paused)
		return
	}
	c.log.Infow("consumer: queue pause state changed", "paused", paused)
}

// Start launches the blocking read loop in the background. Stop() must
// be called to terminate it cleanly.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx)
}

// Stop signals the read loop to exit and blocks until it does.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh := c.stopCh
	stoppedCh := c.stoppedCh
	c.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.stoppedCh)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		paused := c.pausedByQueue
		c.mu.Unlock()
		if paused {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		msgs, err := c.bus.ReadGroup(ctx, c.cfg.StreamName, c.cfg.GroupName, c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.BlockMs)
		if err != nil {
			c.log.Warnw("consumer: read failed", "error", err)
			continue
		}
		for _, m := range msgs {
			c.handleStreamMessage(ctx, m)
		}
	}
}

// handleStreamMessage runs the full validation/dedup/enqueue pipeline
// for one raw stream message.
func (c *Consumer) handleStreamMessage(ctx context.Context, msg streambus.Message) {
	opp, err := parseOpportunity(msg.Fields)
	if err != nil {
		c.deadLetter(ctx, "", "", msg.ID, fmt.Sprintf("structural validation failed: %v", err))
		c.ack(ctx, msg.ID)
		return
	}
	if opp.ExpiresAtMs <= c.now().UnixMilli() {
		c.deadLetter(ctx, opp.ID, string(opp.Type), msg.ID, "expiresAt is not in the future")
		c.ack(ctx, msg.ID)
		return
	}
	opp.StampTimestamp("executionReceivedAt", c.now().UnixMilli())

	if !c.dedupe(ctx, opp.ID, msg.ID) {
		c.ack(ctx, msg.ID)
		return
	}

	if c.valid != nil {
		if ok, reason := c.valid(opp); !ok {
			c.mu.Lock()
			c.rejectedCount++
			c.mu.Unlock()
			c.log.Debugw("consumer: business rule rejected opportunity", "id", opp.ID, "reason", reason)
			c.clearActive(opp.ID)
			c.ack(ctx, msg.ID)
			return
		}
	}

	c.markActive(opp.ID, msg.ID)
	if !c.q.Enqueue(opp) {
		c.clearActive(opp.ID)
		c.log.Warnw("consumer: enqueue failed, rolling back", "id", opp.ID)
		c.ack(ctx, msg.ID)
		return
	}
	// ACK is deferred to markComplete — the opportunity is now owned by
	// the execution pipeline.
}

// dedupe returns false (caller should drop+ACK) when opportunityId is
// already active. It handles the stale-pending sub-case: a new message
// for the same opportunityId whose pending entry belongs to a different,
// no-longer-active messageId is evicted first so the pending map never
// leaks.
func (c *Consumer) dedupe(ctx context.Context, opportunityID, messageID string) bool {
	c.mu.Lock()
	if c.activeExecutions[opportunityID] {
		c.mu.Unlock()
		return false
	}
	if entry, ok := c.pending[opportunityID]; ok && entry.messageID != messageID {
		staleMsgID := entry.messageID
		delete(c.pending, opportunityID)
		c.mu.Unlock()
		c.ack(ctx, staleMsgID)
		return true
	}
	c.mu.Unlock()
	return true
}

func (c *Consumer) markActive(opportunityID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeExecutions[opportunityID] = true
	c.pending[opportunityID] = pendingEntry{messageID: messageID, queuedAtMs: c.now().UnixMilli()}
}

func (c *Consumer) clearActive(opportunityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeExecutions, opportunityID)
	delete(c.pending, opportunityID)
}

// MarkComplete finalizes processing of opportunityID: clears it from
// both active and pending tracking and ACKs its original message.
func (c *Consumer) MarkComplete(ctx context.Context, opportunityID string) {
	c.mu.Lock()
	entry, ok := c.pending[opportunityID]
	delete(c.activeExecutions, opportunityID)
	delete(c.pending, opportunityID)
	c.mu.Unlock()
	if ok {
		c.ack(ctx, entry.messageID)
	}
}

// IsActive reports whether opportunityID is currently tracked active.
func (c *Consumer) IsActive(opportunityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeExecutions[opportunityID]
}

// GetPendingCount returns the number of pending (not yet ACKed) entries.
func (c *Consumer) GetPendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetActiveCount returns the number of currently active executions.
func (c *Consumer) GetActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activeExecutions)
}

// GetStalePendingInfo reports ages of all currently pending entries,
// keyed by opportunityId, for diagnostics.
func (c *Consumer) GetStalePendingInfo() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	nowMs := c.now().UnixMilli()
	out := make(map[string]int64, len(c.pending))
	for id, e := range c.pending {
		out[id] = nowMs - e.queuedAtMs
	}
	return out
}

// CleanupStalePendingMessages ACKs and evicts pending entries older than
// PendingMessageMaxAge. ACK failures leave the entry in place for the
// next run rather than silently dropping it.
func (c *Consumer) CleanupStalePendingMessages(ctx context.Context) int {
	cutoffMs := c.now().Add(-c.cfg.PendingMessageMaxAge).UnixMilli()

	c.mu.Lock()
	var stale []string
	for id, e := range c.pending {
		if e.queuedAtMs < cutoffMs {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	evicted := 0
	for _, id := range stale {
		c.mu.Lock()
		entry, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := c.bus.Ack(ctx, c.cfg.StreamName, c.cfg.GroupName, entry.messageID); err != nil {
			c.log.Warnw("consumer: stale-pending ack failed, retrying next sweep", "id", id, "error", err)
			continue
		}
		c.mu.Lock()
		delete(c.activeExecutions, id)
		delete(c.pending, id)
		c.staleCleaned++
		c.mu.Unlock()
		evicted++
	}
	return evicted
}

func (c *Consumer) ack(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	if err := c.bus.Ack(ctx, c.cfg.StreamName, c.cfg.GroupName, messageID); err != nil {
		c.log.Warnw("consumer: ack failed", "messageId", messageID, "error", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, opportunityID, oppType, messageID, reason string) {
	fields := map[string]interface{}{
		"opportunityId":     opportunityID,
		"type":              oppType,
		"service":           c.cfg.ServiceName,
		"instanceId":        c.cfg.InstanceID,
		"reason":            reason,
		"originalMessageId": messageID,
		"timestampMs":       c.now().UnixMilli(),
	}
	if _, err := c.bus.Publish(ctx, c.cfg.DeadLetterStream, fields); err != nil {
		c.log.Warnw("consumer: dead-letter publish failed", "error", err)
	}
}

// parseOpportunity performs structural validation: required fields,
// known type, a future expiresAt, and JSON-string pipelineTimestamps
// deserialization.
func parseOpportunity(fields map[string]interface{}) (*types.Opportunity, error) {
	id, _ := fields["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("missing id")
	}
	rawType, _ := fields["type"].(string)
	oppType := types.OpportunityType(rawType)
	if !types.KnownTypes[oppType] {
		return nil, fmt.Errorf("unknown opportunity type %q", rawType)
	}

	expiresAt, err := types.ParseExpiresAt(fields["expiresAt"])
	if err != nil {
		return nil, fmt.Errorf("expiresAt: %w", err)
	}

	opp := &types.Opportunity{
		ID:          id,
		Type:        oppType,
		ExpiresAtMs: expiresAt,
	}

	if tokenIn, ok := fields["tokenIn"].(string); ok {
		opp.TokenIn = tokenIn
	}
	if tokenOut, ok := fields["tokenOut"].(string); ok {
		opp.TokenOut = tokenOut
	}
	if amountIn, ok := fields["amountIn"].(string); ok {
		if v, ok2 := new(big.Int).SetString(amountIn, 10); ok2 {
			opp.AmountIn = v
		}
	}
	if profit, ok := fields["expectedProfit"].(float64); ok {
		opp.ExpectedProfit = profit
	} else if s, ok := fields["expectedProfit"].(string); ok {
		var f float64
		if _, err := fmt.Sscanf(s, "%f", &f); err == nil {
			opp.ExpectedProfit = f
		}
	}
	if confidence, ok := fields["confidence"].(float64); ok {
		opp.Confidence = confidence
	}
	if buyChain, ok := fields["buyChain"].(string); ok {
		opp.BuyChain = buyChain
	}
	if sellChain, ok := fields["sellChain"].(string); ok {
		opp.SellChain = sellChain
	}

	opp.PipelineTimestamps = types.ParsePipelineTimestamps(fields["pipelineTimestamps"])

	return opp, nil
}
