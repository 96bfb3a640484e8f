package browser

import (
	"context"
	"time"
)

// Condition is a named predicate polled during a Race.
type Condition struct {
	Name  string
	Check func(ctx context.Context) (bool, error)
}

// Hook runs once when a race has gone After without a winner.
type Hook struct {
	After time.Duration
	Fn    func(ctx context.Context)
}

// Race polls conds every interval until one holds or deadline passes. The
// winner is the first condition, in argument order, that holds on a poll.
func Race(ctx context.Context, deadline, interval time.Duration, conds ...Condition) (string, bool) {
	return RaceWithHook(ctx, deadline, interval, Hook{}, conds...)
}

// RaceWithHook is Race with a mid-race action, used to nudge a page that has
// not reacted yet.
func RaceWithHook(ctx context.Context, deadline, interval time.Duration, hook Hook, conds ...Condition) (string, bool) {
	if interval <= 0 {
		interval = time.Second
	}
	start := time.Now()
	hookFired := hook.Fn == nil

	for time.Since(start) < deadline {
		if !sleepCtx(ctx, interval) {
			return "", false
		}
		for _, c := range conds {
			if ok, err := c.Check(ctx); err == nil && ok {
				return c.Name, true
			}
		}
		if !hookFired && time.Since(start) >= hook.After {
			hookFired = true
			hook.Fn(ctx)
		}
	}
	return "", false
}
