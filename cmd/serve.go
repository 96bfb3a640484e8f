package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/internal/api"
	"github.com/EvanDbg/refresh-gemini-business/internal/jobs"
	"github.com/EvanDbg/refresh-gemini-business/internal/observability"
	"github.com/EvanDbg/refresh-gemini-business/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the job API",
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

			runner, err := components.AttachRunner(jobs.Options{
				JobTimeout: cfg.Acquisition().JobTimeout,
				MaxJobs:    cfg.Server().MaxJobs,
			})
			if err != nil {
				return err
			}

			var proxyStatus api.ProxyStatus
			if components.Proxy != nil {
				proxyStatus = components.Proxy
			}
			server, err := api.NewServer(cfg.Server(), runner, proxyStatus, logger)
			if err != nil {
				return err
			}

			logger.Info("Starting job API.", zap.String("addr", cfg.Server().Addr))
			// Run returns once ctx is canceled and the server has drained.
			return server.Run(ctx)
		},
	}
	serveCmd.Flags().String("addr", ":8000", "listen address")
	addBrowserFlags(serveCmd)
	return serveCmd
}
