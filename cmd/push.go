package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/observability"
	"github.com/EvanDbg/refresh-gemini-business/internal/push"
	"github.com/EvanDbg/refresh-gemini-business/internal/service"
)

// errNoPushTarget is returned by `push` when push.target_url is unset.
var errNoPushTarget = errors.New("no push target configured (set push.target_url or POST_TARGET_URL)")

type recordLister interface {
	List(ctx context.Context) ([]schemas.AccountRecord, error)
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Sends every stored account to the push target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			p := push.New(cfg.Push(), logger)
			if p == nil {
				return errNoPushTarget
			}

			artifacts, _, err := service.InitializeStore(ctx, cfg.Store(), logger)
			if err != nil {
				return err
			}
			defer artifacts.Close()

			return runPush(ctx, artifacts, p, logger)
		},
	}
}

// runPush sends the whole store in one request.
func runPush(ctx context.Context, store recordLister, p recordPusher, logger *zap.Logger) error {
	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored accounts: %w", err)
	}
	if len(records) == 0 {
		logger.Info("No stored accounts to push.")
		return nil
	}
	if !p.Push(ctx, records) {
		return fmt.Errorf("push of %d records failed", len(records))
	}
	logger.Info("Pushed stored accounts.", zap.Int("records", len(records)))
	return nil
}
