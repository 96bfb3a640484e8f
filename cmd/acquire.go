package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/acquisition"
)

// persistTimeout bounds each write of a finished account, which still runs
// after the command context is canceled.
const persistTimeout = 30 * time.Second

type registrar interface {
	RegisterBatch(ctx context.Context, count int, sink acquisition.Sink) acquisition.BatchSummary
}

type refresher interface {
	RefreshBatch(ctx context.Context, entries []schemas.LedgerEntry, skip func(email string) bool, opts acquisition.RefreshOptions, sink acquisition.Sink) acquisition.BatchSummary
}

type artifactWriter interface {
	Upsert(ctx context.Context, bundle schemas.CookieBundle) (schemas.AccountRecord, error)
}

// artifactCollection is a store that can also hand back everything it holds
// for the push that follows a batch.
type artifactCollection interface {
	artifactWriter
	recordLister
}

type artifactStore interface {
	artifactCollection
	Emails(ctx context.Context) (map[string]struct{}, error)
}

type ledgerWriter interface {
	Append(email, password string) (schemas.LedgerEntry, error)
}

type recordPusher interface {
	Push(ctx context.Context, records []schemas.AccountRecord) bool
}

func addBrowserFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("headless", true, "run the browser without a window")
}

// collector persists every successful result of a batch.
type collector struct {
	ctx    context.Context
	store  artifactWriter
	ledger ledgerWriter
	logger *zap.Logger
	stored int
}

func (c *collector) sink(r acquisition.Result) {
	log := c.logger.With(zap.Int("account", r.Index+1), zap.Int("total", r.Total))
	if r.Err != nil {
		log.Warn("Account failed.", zap.String("email", r.Email), zap.Error(r.Err))
		return
	}
	if r.Bundle == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), persistTimeout)
	defer cancel()

	rec, err := c.store.Upsert(ctx, *r.Bundle)
	if err != nil {
		log.Error("Failed to store account.", zap.String("email", r.Bundle.Email), zap.Error(err))
		return
	}
	c.stored++
	log.Info("Account stored.", zap.String("email", rec.Email), zap.String("id", rec.ID))

	if c.ledger == nil {
		return
	}
	if _, err := c.ledger.Append(r.Bundle.Email, r.Bundle.Password); err != nil {
		log.Error("Failed to append account to ledger.", zap.String("email", r.Bundle.Email), zap.Error(err))
	}
}

// pushCollection hands the whole artifact collection downstream, not only
// the accounts of this run. A failed push is only a warning; the records
// stay in the store for a later `push`.
func pushCollection(ctx context.Context, p recordPusher, store recordLister, logger *zap.Logger) {
	if p == nil {
		return
	}
	records, err := store.List(ctx)
	if err != nil {
		logger.Warn("Failed to list stored accounts for push.", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}
	if !p.Push(ctx, records) {
		logger.Warn("Push failed; records remain in the store.", zap.Int("records", len(records)))
	}
}

// runRegister registers count accounts, storing each one and appending it
// to the ledger as soon as it succeeds. It fails only when no account
// succeeded.
func runRegister(ctx context.Context, acq registrar, store artifactCollection, ledger ledgerWriter, p recordPusher, count int, logger *zap.Logger) error {
	if count < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", count)
	}
	c := &collector{ctx: ctx, store: store, ledger: ledger, logger: logger}
	summary := acq.RegisterBatch(ctx, count, c.sink)
	pushCollection(ctx, p, store, logger)

	logger.Info("Registration finished.",
		zap.Int("requested", count),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("stored", c.stored))
	if summary.Succeeded == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("all %d registrations failed", count)
	}
	return nil
}

// runRefresh refreshes every ledger entry not already in the store. It
// fails only when every attempted account failed.
func runRefresh(ctx context.Context, acq refresher, store artifactStore, p recordPusher, entries []schemas.LedgerEntry, opts acquisition.RefreshOptions, logger *zap.Logger) error {
	existing, err := store.Emails(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stored accounts: %w", err)
	}
	skip := func(email string) bool {
		_, ok := existing[email]
		return ok
	}

	c := &collector{ctx: ctx, store: store, logger: logger}
	summary := acq.RefreshBatch(ctx, entries, skip, opts, c.sink)
	pushCollection(ctx, p, store, logger)

	logger.Info("Refresh finished.",
		zap.Int("entries", len(entries)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	if summary.Succeeded == 0 && summary.Failed > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("all %d refresh attempts failed", summary.Failed)
	}
	return nil
}
