package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/internal/acquisition"
	"github.com/EvanDbg/refresh-gemini-business/internal/observability"
	"github.com/EvanDbg/refresh-gemini-business/internal/service"
	"github.com/EvanDbg/refresh-gemini-business/internal/store"
)

func newRefreshCmd(factory service.ComponentFactory) *cobra.Command {
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refreshes cookies for every ledger account not yet stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			// Read the ledger before launching anything so a bad path fails fast.
			ledgerPath := cfg.Store().LedgerPath
			entries, err := store.NewLedger(ledgerPath, logger).ReadAll()
			if err != nil {
				return fmt.Errorf("failed to read ledger: %w", err)
			}
			if len(entries) == 0 {
				logger.Info("Ledger is empty, nothing to refresh.", zap.String("path", ledgerPath))
				return nil
			}
			logger.Info("Loaded ledger.", zap.String("path", ledgerPath), zap.Int("entries", len(entries)))

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			var p recordPusher
			if components.Pusher != nil {
				p = components.Pusher
			}
			opts := acquisition.RefreshOptions{Node: cfg.Proxy().Node}
			return runRefresh(ctx, components.Orchestrator, components.Store, p, entries, opts, logger)
		},
	}
	refreshCmd.Flags().String("proxy-node", "", "pin this proxy node instead of searching for a healthy one")
	refreshCmd.Flags().StringP("input", "i", "", "seed ledger CSV (overrides store.ledger_path)")
	addBrowserFlags(refreshCmd)
	return refreshCmd
}
