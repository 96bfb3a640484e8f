package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/internal/acquisition"
	"github.com/EvanDbg/refresh-gemini-business/internal/browser"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
	"github.com/EvanDbg/refresh-gemini-business/internal/mailbox"
	"github.com/EvanDbg/refresh-gemini-business/internal/proxy"
)

var (
	_ acquisition.Lease        = (*proxy.Lease)(nil)
	_ acquisition.Mailbox      = (*mailbox.Client)(nil)
	_ acquisition.LoginSession = (*browser.Session)(nil)
	_ ProxyManager             = (*proxy.Manager)(nil)
	_ BrowserManager           = (*browser.Manager)(nil)
)

// proxyPool hands out leases on the managed route.
type proxyPool struct {
	manager ProxyManager
}

func (p proxyPool) Acquire(ctx context.Context) (acquisition.Lease, error) {
	lease, err := p.manager.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// mailboxFactory builds a fresh inbox client per attempt so the mailbox
// traffic shares the attempt's egress.
type mailboxFactory struct {
	cfg    config.MailboxConfig
	logger *zap.Logger
}

func (f mailboxFactory) NewMailbox(egressURL string) (acquisition.Mailbox, error) {
	client, err := mailbox.NewClient(f.cfg, egressURL, f.logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type sessionFactory struct {
	manager BrowserManager
}

func (f sessionFactory) NewSession(egressURL string) acquisition.LoginSession {
	return f.manager.NewSession(egressURL)
}
