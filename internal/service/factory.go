// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/internal/acquisition"
	"github.com/EvanDbg/refresh-gemini-business/internal/browser"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
	"github.com/EvanDbg/refresh-gemini-business/internal/proxy"
	"github.com/EvanDbg/refresh-gemini-business/internal/push"
)

// ComponentFactory builds the full set of components for an acquisition run.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// startableProxy is a ProxyManager that still has to be launched.
type startableProxy interface {
	ProxyManager
	Start(ctx context.Context) error
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	newProxy   func(cfg config.ProxyConfig, logger *zap.Logger) startableProxy
	newBrowser func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (BrowserManager, error)
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		newProxy: func(cfg config.ProxyConfig, logger *zap.Logger) startableProxy {
			return proxy.NewManager(cfg, logger)
		},
		newBrowser: func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (BrowserManager, error) {
			m, err := browser.NewManager(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

// Create wires the store, the routing process, the browser and the
// orchestrator. ctx bounds the browser process for the life of the
// components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store and ledger
	artifacts, ledger, err := InitializeStore(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = artifacts
	components.Ledger = ledger
	logger.Debug("Artifact store initialized.")

	// 2. Routing process
	proxyManager := f.newProxy(cfg.Proxy(), logger)
	// Added before Start so a half-started process is still stopped.
	components.Proxy = proxyManager
	if err := proxyManager.Start(ctx); err != nil {
		initializationErr = fmt.Errorf("failed to start proxy: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Proxy manager started.")

	// 3. Browser
	browserManager, err := f.newBrowser(ctx, cfg.Browser(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize browser manager: %w", err)
		return nil, initializationErr
	}
	components.Browser = browserManager
	logger.Debug("Browser manager initialized.")

	// 4. Orchestrator
	orch, err := acquisition.New(
		cfg,
		proxyPool{manager: proxyManager},
		mailboxFactory{cfg: cfg.Mailbox(), logger: logger},
		sessionFactory{manager: browserManager},
		logger,
	)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	// 5. Optional downstream push
	components.Pusher = push.New(cfg.Push(), logger)
	if components.Pusher == nil {
		logger.Debug("No push target configured.")
	}

	logger.Info("All acquisition components initialized successfully.")
	return components, nil
}
