package acquisition

import (
	"context"
	"time"
)

// SetSleep replaces the cooldown sleeper.
func SetSleep(o *Orchestrator, f func(context.Context, time.Duration) bool) { o.sleep = f }
