// File: internal/service/components.go
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/internal/acquisition"
	"github.com/EvanDbg/refresh-gemini-business/internal/browser"
	"github.com/EvanDbg/refresh-gemini-business/internal/jobs"
	"github.com/EvanDbg/refresh-gemini-business/internal/proxy"
	"github.com/EvanDbg/refresh-gemini-business/internal/push"
	"github.com/EvanDbg/refresh-gemini-business/internal/store"
)

const (
	browserShutdownTimeout = 30 * time.Second
	runnerShutdownTimeout  = 30 * time.Second
)

// ProxyManager is the routing process as the components see it.
type ProxyManager interface {
	Acquire(ctx context.Context) (*proxy.Lease, error)
	Running() bool
	Stop()
}

// BrowserManager is the shared browser process.
type BrowserManager interface {
	NewSession(egressURL string) *browser.Session
	Shutdown(ctx context.Context) error
}

// JobRunner is the background job registry, present only when serving.
type JobRunner interface {
	Shutdown(ctx context.Context) error
}

// Components holds everything an acquisition run needs and owns its
// lifecycle.
type Components struct {
	Proxy        ProxyManager
	Browser      BrowserManager
	Store        store.ArtifactStore
	Ledger       *store.Ledger
	Orchestrator *acquisition.Orchestrator
	Pusher       *push.Pusher
	Runner       JobRunner

	logger *zap.Logger
}

// Shutdown releases components in reverse dependency order: jobs first so no
// new work starts, then the browser, the routing process and the store.
// It is safe on a partially built Components.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.Runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), runnerShutdownTimeout)
		if err := c.Runner.Shutdown(ctx); err != nil {
			logger.Warn("Job runner did not stop cleanly.", zap.Error(err))
		} else {
			logger.Debug("Job runner stopped.")
		}
		cancel()
	}

	if c.Browser != nil {
		// Separate context so shutdown completes even after the caller's
		// context is canceled.
		ctx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
		if err := c.Browser.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
		cancel()
	}

	if c.Proxy != nil {
		c.Proxy.Stop()
		logger.Debug("Proxy process stopped.")
	}

	if c.Store != nil {
		c.Store.Close()
		logger.Debug("Artifact store closed.")
	}

	logger.Info("All components shut down.")
}

// AttachRunner builds the job runner on top of the orchestrator and store
// and registers it for shutdown.
func (c *Components) AttachRunner(opts jobs.Options) (*jobs.Runner, error) {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Orchestrator == nil || c.Store == nil || c.Ledger == nil {
		return nil, fmt.Errorf("cannot attach job runner to incomplete components")
	}
	runner, err := jobs.NewRunner(c.Orchestrator, c.Store, c.Ledger, opts, logger)
	if err != nil {
		return nil, err
	}
	c.Runner = runner
	return runner, nil
}
