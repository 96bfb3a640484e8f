// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/internal/config"
	"github.com/EvanDbg/refresh-gemini-business/internal/store"
)

// InitializeStore opens the artifact store and the seed ledger. Commands that
// never touch the browser, such as push, use it on its own.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.ArtifactStore, *store.Ledger, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("Using JSON file artifact store.", zap.String("path", cfg.AccountsPath))
	} else {
		logger.Info("Using PostgreSQL artifact store.")
	}
	artifacts, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return artifacts, store.NewLedger(cfg.LedgerPath, logger), nil
}
