// Package queue implements the bounded FIFO execution queue (C1):
// a fixed-capacity circular buffer with hysteresis backpressure and a
// manual pause toggle for standby instances.
package queue

import (
	"sync"

	"go.uber.org/zap"
)

// Config controls queue capacity and backpressure water marks.
// LowWaterMark < HighWaterMark <= MaxSize must hold; New validates this
// and panics otherwise, mirroring the teacher's fail-fast constructor
// style (cmd/main.go's panic(err) on unrecoverable setup failure).
type Config struct {
	MaxSize       int
	HighWaterMark int
	LowWaterMark  int
}

// Queue is a fixed-capacity circular buffer of opaque items (the engine
// stores *types.Opportunity, but the queue itself is payload-agnostic so
// it can be unit tested with plain values).
type Queue struct {
	mu   sync.Mutex
	buf  []interface{}
	head int
	n    int

	cfg Config
	log *zap.SugaredLogger

	backpressurePaused bool
	manuallyPaused     bool

	onItemAvailable    func()
	onPauseStateChange func(paused bool)
}

// New constructs a Queue. Panics on invalid water-mark configuration —
// this is a fatal construction-time error per SPEC_FULL.md §7, not a
// runtime condition a caller can recover from.
func New(cfg Config, log *zap.SugaredLogger) *Queue {
	if cfg.LowWaterMark >= cfg.HighWaterMark || cfg.HighWaterMark > cfg.MaxSize || cfg.MaxSize <= 0 {
		panic("queue: invalid water marks: lowWaterMark < highWaterMark <= maxSize must hold")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		buf: make([]interface{}, cfg.MaxSize),
		cfg: cfg,
		log: log,
	}
}

// OnItemAvailable registers the single subscriber invoked synchronously
// after a successful Enqueue when the queue is not effectively paused.
// A single-subscriber slot is sufficient per the Design Notes; the
// engine is the only consumer.
func (q *Queue) OnItemAvailable(cb func()) {
	q.mu.Lock()
	q.onItemAvailable = cb
	q.mu.Unlock()
}

// OnPauseStateChange registers the single subscriber notified whenever
// effective pause flips. The Consumer uses this to halt/resume its
// stream reader.
func (q *Queue) OnPauseStateChange(cb func(paused bool)) {
	q.mu.Lock()
	q.onPauseStateChange = cb
	q.mu.Unlock()
}

func (q *Queue) effectivePauseLocked() bool {
	return q.backpressurePaused || q.manuallyPaused
}

// Enqueue pushes an item if capacity and pause state allow it. Returns
// false (no error) if rejected — rejection is routine backpressure, not
// a failure.
func (q *Queue) Enqueue(item interface{}) bool {
	q.mu.Lock()

	if q.effectivePauseLocked() || q.n >= q.cfg.MaxSize {
		q.mu.Unlock()
		return false
	}

	tail := (q.head + q.n) % len(q.buf)
	q.buf[tail] = item
	q.n++

	pauseChanged := q.maybeEngageHysteresisLocked()
	paused := q.effectivePauseLocked()
	itemCb := q.onItemAvailable
	pauseCb := q.onPauseStateChange
	q.mu.Unlock()

	if pauseChanged && pauseCb != nil {
		q.safePauseSignal(pauseCb, paused)
	}
	if !paused && itemCb != nil {
		q.safeSignal(itemCb)
	}
	return true
}

// Dequeue pops the oldest item. Returns (nil, false) when empty.
func (q *Queue) Dequeue() (interface{}, bool) {
	q.mu.Lock()

	if q.n == 0 {
		q.mu.Unlock()
		return nil, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--

	pauseChanged := q.maybeReleaseHysteresisLocked()
	paused := q.effectivePauseLocked()
	pauseCb := q.onPauseStateChange
	q.mu.Unlock()

	if pauseChanged && pauseCb != nil {
		q.safePauseSignal(pauseCb, paused)
	}
	return item, true
}

// maybeEngageHysteresisLocked flips backpressurePaused true once size
// reaches the high water mark. Must be called with q.mu held. Returns
// whether the effective pause state changed.
func (q *Queue) maybeEngageHysteresisLocked() bool {
	if !q.backpressurePaused && q.n >= q.cfg.HighWaterMark {
		was := q.effectivePauseLocked()
		q.backpressurePaused = true
		return was != q.effectivePauseLocked()
	}
	return false
}

// maybeReleaseHysteresisLocked flips backpressurePaused false only once
// size falls to the low water mark, never between the two marks — this
// is the hysteresis invariant from SPEC_FULL.md §8.
func (q *Queue) maybeReleaseHysteresisLocked() bool {
	if q.backpressurePaused && q.n <= q.cfg.LowWaterMark {
		was := q.effectivePauseLocked()
		q.backpressurePaused = false
		return was != q.effectivePauseLocked()
	}
	return false
}

func (q *Queue) safeSignal(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Warnw("item-available callback panicked", "recover", r)
		}
	}()
	cb()
}

func (q *Queue) safePauseSignal(cb func(bool), paused bool) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Warnw("pause-state callback panicked", "recover", r)
		}
	}()
	cb(paused)
}

// Size returns the current item count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// IsPaused reports the effective (backpressure OR manual) pause state.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.effectivePauseLocked()
}

// Pause manually pauses the queue (used by StandbyManager before
// activation). Fires the pause-state callback if this changes the
// effective pause state.
func (q *Queue) Pause() {
	q.mu.Lock()
	was := q.effectivePauseLocked()
	q.manuallyPaused = true
	now := q.effectivePauseLocked()
	cb := q.onPauseStateChange
	q.mu.Unlock()

	if was != now && cb != nil {
		q.safePauseSignal(cb, now)
	}
}

// Resume clears the manual pause flag. If this makes the queue
// effectively unpaused, it flushes a single item-available signal when
// non-empty so a consumer that was blocked on backpressure immediately
// re-checks queue size, per SPEC_FULL.md §4.1.
func (q *Queue) Resume() {
	q.mu.Lock()
	was := q.effectivePauseLocked()
	q.manuallyPaused = false
	now := q.effectivePauseLocked()
	nonEmpty := q.n > 0
	pauseCb := q.onPauseStateChange
	itemCb := q.onItemAvailable
	q.mu.Unlock()

	if was != now && pauseCb != nil {
		q.safePauseSignal(pauseCb, now)
	}
	if !now && nonEmpty && itemCb != nil {
		q.safeSignal(itemCb)
	}
}
