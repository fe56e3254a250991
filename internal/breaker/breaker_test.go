package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedByDefault(t *testing.T) {
	b := New(Config{}, nil, nil)
	assert.Equal(t, StateClosed, b.State("ethereum"))
	assert.True(t, b.CanExecute("ethereum"))
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3}, nil, nil)
	b.RecordFailure("ethereum")
	b.RecordFailure("ethereum")
	assert.Equal(t, StateClosed, b.State("ethereum"))
	b.RecordFailure("ethereum")
	assert.Equal(t, StateOpen, b.State("ethereum"))
	assert.False(t, b.CanExecute("ethereum"))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3}, nil, nil)
	b.RecordFailure("ethereum")
	b.RecordFailure("ethereum")
	b.RecordSuccess("ethereum")
	b.RecordFailure("ethereum")
	b.RecordFailure("ethereum")
	assert.Equal(t, StateClosed, b.State("ethereum"), "streak reset by the intervening success")
}

func TestCooldownTransitionsToHalfOpen(t *testing.T) {
	cur := time.Unix(0, 0)
	clock := func() time.Time { return cur }
	b := New(Config{FailureThreshold: 1, CooldownDuration: time.Second}, clock, nil)

	b.RecordFailure("ethereum")
	require.Equal(t, StateOpen, b.State("ethereum"))
	assert.False(t, b.CanExecute("ethereum"))

	cur = cur.Add(2 * time.Second)
	assert.True(t, b.CanExecute("ethereum"), "cooldown elapsed, should probe")
	assert.Equal(t, StateHalfOpen, b.State("ethereum"))
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	cur := time.Unix(0, 0)
	clock := func() time.Time { return cur }
	b := New(Config{FailureThreshold: 1, CooldownDuration: time.Second}, clock, nil)

	b.RecordFailure("ethereum")
	cur = cur.Add(2 * time.Second)
	b.CanExecute("ethereum")
	require.Equal(t, StateHalfOpen, b.State("ethereum"))

	b.RecordSuccess("ethereum")
	assert.Equal(t, StateClosed, b.State("ethereum"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	cur := time.Unix(0, 0)
	clock := func() time.Time { return cur }
	b := New(Config{FailureThreshold: 1, CooldownDuration: time.Second}, clock, nil)

	b.RecordFailure("ethereum")
	cur = cur.Add(2 * time.Second)
	b.CanExecute("ethereum")
	require.Equal(t, StateHalfOpen, b.State("ethereum"))

	b.RecordFailure("ethereum")
	assert.Equal(t, StateOpen, b.State("ethereum"))
}

func TestHalfOpenRespectsMaxProbes(t *testing.T) {
	cur := time.Unix(0, 0)
	clock := func() time.Time { return cur }
	b := New(Config{FailureThreshold: 1, CooldownDuration: time.Second, HalfOpenMaxProbes: 1}, clock, nil)

	b.RecordFailure("ethereum")
	cur = cur.Add(2 * time.Second)
	assert.True(t, b.CanExecute("ethereum"))
	assert.False(t, b.CanExecute("ethereum"), "only one probe permitted before resolution")
}

func TestForceOpenAndForceClose(t *testing.T) {
	b := New(Config{}, nil, nil)
	b.ForceOpen("ethereum", "operator kill switch")
	assert.Equal(t, StateOpen, b.State("ethereum"))

	b.ForceClose("ethereum", "operator reset")
	assert.Equal(t, StateClosed, b.State("ethereum"))
}

func TestEventEmittedOnTransition(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, nil, nil)
	var events []Event
	b.OnEvent(func(e Event) { events = append(events, e) })

	b.RecordFailure("ethereum")
	require.Len(t, events, 1)
	assert.Equal(t, StateClosed, events[0].PreviousState)
	assert.Equal(t, StateOpen, events[0].NewState)
	assert.Equal(t, "ethereum", events[0].Chain)
}

func TestStatsTrackLifetimeCounters(t *testing.T) {
	cur := time.Unix(0, 0)
	clock := func() time.Time { return cur }
	b := New(Config{FailureThreshold: 1, CooldownDuration: time.Second}, clock, nil)

	b.RecordFailure("ethereum")
	cur = cur.Add(2 * time.Second)
	b.CanExecute("ethereum")
	b.RecordSuccess("ethereum")

	stats := b.Stats("ethereum")
	assert.Equal(t, int64(1), stats.TimesTripped)
	assert.Equal(t, int64(1), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
	assert.True(t, stats.TotalOpenTimeMs >= 2000)
}

func TestChainsAreIndependent(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, nil, nil)
	b.RecordFailure("ethereum")
	assert.Equal(t, StateOpen, b.State("ethereum"))
	assert.Equal(t, StateClosed, b.State("polygon"))
}
