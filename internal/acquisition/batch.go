package acquisition

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

// defaultCooldown separates accounts, not attempts, when none is configured.
const defaultCooldown = 3 * time.Second

func (o *Orchestrator) cooldown() time.Duration {
	if o.cfg.Cooldown > 0 {
		return o.cfg.Cooldown
	}
	return defaultCooldown
}

// Result is the outcome for one account of a batch.
type Result struct {
	Index  int
	Total  int
	Email  string
	Bundle *schemas.CookieBundle
	Err    error
}

// Sink receives each result as soon as it is known.
type Sink func(Result)

// BatchSummary counts what a batch did.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

func (s *BatchSummary) add(r Result) {
	if r.Err != nil {
		s.Failed++
		return
	}
	s.Succeeded++
}

// RegisterBatch registers count accounts one after another.
func (o *Orchestrator) RegisterBatch(ctx context.Context, count int, sink Sink) BatchSummary {
	summary := BatchSummary{Total: count}
	for i := 0; i < count; i++ {
		if i > 0 {
			o.logger.Info("Cooling down before next account.", zap.Duration("cooldown", o.cooldown()))
			if !o.sleep(ctx, o.cooldown()) {
				break
			}
		}
		o.logger.Info(fmt.Sprintf("Account %d/%d", i+1, count))

		bundle, err := o.RegisterAccount(ctx)
		r := Result{Index: i, Total: count, Bundle: bundle, Err: err}
		if bundle != nil {
			r.Email = bundle.Email
		}
		summary.add(r)
		if sink != nil {
			sink(r)
		}
	}
	o.logger.Info("Registration batch finished.",
		zap.Int("succeeded", summary.Succeeded), zap.Int("failed", summary.Failed))
	return summary
}

// RefreshBatch refreshes each ledger entry that skip does not reject. Unlike
// registration it runs the entries back to back.
func (o *Orchestrator) RefreshBatch(ctx context.Context, entries []schemas.LedgerEntry, skip func(email string) bool, opts RefreshOptions, sink Sink) BatchSummary {
	summary := BatchSummary{Total: len(entries)}
	for i, entry := range entries {
		if skip != nil && skip(entry.Email) {
			o.logger.Info("Skipping already processed account.", zap.String("email", entry.Email))
			summary.Skipped++
			continue
		}
		if ctx.Err() != nil {
			break
		}

		bundle, err := o.RefreshAccount(ctx, entry.Email, entry.Password, opts)
		r := Result{Index: i, Total: len(entries), Email: entry.Email, Bundle: bundle, Err: err}
		summary.add(r)
		if sink != nil {
			sink(r)
		}
	}
	o.logger.Info("Refresh batch finished.",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary
}
