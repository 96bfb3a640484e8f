package cmd

import (
	"github.com/spf13/cobra"

	"github.com/EvanDbg/refresh-gemini-business/internal/observability"
	"github.com/EvanDbg/refresh-gemini-business/internal/service"
)

func newRegisterCmd(factory service.ComponentFactory) *cobra.Command {
	var count int
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Registers new accounts with fresh mailboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			var p recordPusher
			if components.Pusher != nil {
				p = components.Pusher
			}
			return runRegister(ctx, components.Orchestrator, components.Store, components.Ledger, p, count, logger)
		},
	}
	registerCmd.Flags().IntVarP(&count, "count", "n", 1, "number of accounts to register")
	addBrowserFlags(registerCmd)
	return registerCmd
}
