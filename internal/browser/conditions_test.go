package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func after(n int32, counter *int32) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) {
		return atomic.AddInt32(counter, 1) >= n, nil
	}
}

func TestRace(t *testing.T) {
	t.Run("FirstHoldingConditionWins", func(t *testing.T) {
		var a, b int32
		name, ok := Race(context.Background(), time.Second, time.Millisecond,
			Condition{Name: "url-changed", Check: after(3, &a)},
			Condition{Name: "code-input", Check: after(2, &b)},
		)
		assert.True(t, ok)
		assert.Equal(t, "code-input", name)
	})

	t.Run("ArgumentOrderBreaksTies", func(t *testing.T) {
		yes := func(context.Context) (bool, error) { return true, nil }
		name, ok := Race(context.Background(), time.Second, time.Millisecond,
			Condition{Name: "first", Check: yes},
			Condition{Name: "second", Check: yes},
		)
		assert.True(t, ok)
		assert.Equal(t, "first", name)
	})

	t.Run("ErrorsAreIgnored", func(t *testing.T) {
		var calls int32
		flaky := func(context.Context) (bool, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return true, errors.New("navigating")
			}
			return true, nil
		}
		name, ok := Race(context.Background(), time.Second, time.Millisecond, Condition{Name: "flaky", Check: flaky})
		assert.True(t, ok)
		assert.Equal(t, "flaky", name)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("Deadline", func(t *testing.T) {
		no := func(context.Context) (bool, error) { return false, nil }
		_, ok := Race(context.Background(), 20*time.Millisecond, 5*time.Millisecond, Condition{Name: "never", Check: no})
		assert.False(t, ok)
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		yes := func(context.Context) (bool, error) { return true, nil }
		_, ok := Race(ctx, time.Second, time.Millisecond, Condition{Name: "yes", Check: yes})
		assert.False(t, ok)
	})
}

func TestRaceWithHook(t *testing.T) {
	t.Run("HookFiresOnceAndCanUnblock", func(t *testing.T) {
		var fired, unblocked int32
		hook := Hook{After: 10 * time.Millisecond, Fn: func(context.Context) {
			atomic.AddInt32(&fired, 1)
			atomic.StoreInt32(&unblocked, 1)
		}}
		name, ok := RaceWithHook(context.Background(), time.Second, 2*time.Millisecond, hook,
			Condition{Name: "moved", Check: func(context.Context) (bool, error) {
				return atomic.LoadInt32(&unblocked) == 1, nil
			}},
		)
		assert.True(t, ok)
		assert.Equal(t, "moved", name)
		assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
	})

	t.Run("HookNotFiredWhenConditionWinsEarly", func(t *testing.T) {
		var fired int32
		hook := Hook{After: 500 * time.Millisecond, Fn: func(context.Context) { atomic.AddInt32(&fired, 1) }}
		_, ok := RaceWithHook(context.Background(), time.Second, time.Millisecond, hook,
			Condition{Name: "yes", Check: func(context.Context) (bool, error) { return true, nil }},
		)
		assert.True(t, ok)
		assert.Zero(t, atomic.LoadInt32(&fired))
	})

	t.Run("HookFiresAtMostOnce", func(t *testing.T) {
		var fired int32
		hook := Hook{After: time.Millisecond, Fn: func(context.Context) { atomic.AddInt32(&fired, 1) }}
		_, ok := RaceWithHook(context.Background(), 30*time.Millisecond, 2*time.Millisecond, hook,
			Condition{Name: "never", Check: func(context.Context) (bool, error) { return false, nil }},
		)
		assert.False(t, ok)
		assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
	})
}

func TestOutcome(t *testing.T) {
	assert.True(t, Outcome{}.OK())
	assert.True(t, Soft(errors.New("persona")).OK())
	assert.False(t, Hard(errors.New("launch")).OK())
}
