package acquisition

import (
	"context"
	"time"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

// ProxyPool hands out exclusive use of the egress route.
type ProxyPool interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is exclusive use of the egress route until Release.
type Lease interface {
	EgressURL() string
	FindHealthyNode(ctx context.Context, group string) (string, error)
	SwitchNode(ctx context.Context, node string) error
	Release()
}

// Mailbox is one inbox, new or existing, reached through the lease's egress.
type Mailbox interface {
	Register(ctx context.Context, domain string) (schemas.MailIdentity, error)
	UseExisting(address, secret string)
	Authenticate(ctx context.Context) (string, error)
	ClearInbox(ctx context.Context) int
	WaitForCode(ctx context.Context, timeout time.Duration) (string, error)
	Delete(ctx context.Context)
}

// MailboxFactory builds a fresh mailbox client per attempt.
type MailboxFactory interface {
	NewMailbox(egressURL string) (Mailbox, error)
}

// LoginSession is a single-use browser session.
type LoginSession interface {
	Start(ctx context.Context) error
	Login(ctx context.Context, email string) bool
	EnterVerificationCode(ctx context.Context, code string) bool
	WaitForLoginComplete(ctx context.Context, timeout time.Duration) bool
	ExtractCookies(ctx context.Context) (schemas.CookieBundle, error)
	Stop()
}

// SessionFactory opens browser sessions bound to an egress URL.
type SessionFactory interface {
	NewSession(egressURL string) LoginSession
}
