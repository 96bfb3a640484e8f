// File: internal/acquisition/orchestrator.go
// Description: Drives one account through proxy selection, mailbox, browser
// login and cookie extraction, retrying whole attempts on failure.

package acquisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

// Stage is how far an attempt got.
type Stage int

const (
	StageProxy Stage = iota
	StageMailbox
	StageSession
	StageLogin
	StageCode
	StageVerify
	StageLoginComplete
	StageExtract
	StageDone
)

var stageNames = [...]string{"proxy", "mailbox", "session", "login", "code", "verify", "login_complete", "extract", "done"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// AttemptState records one attempt for diagnostics. It is logged when the
// attempt ends and then dropped.
type AttemptState struct {
	Attempt int
	Stage   Stage
	Node    string
	Email   string
	Err     error
}

// RefreshOptions tunes a refresh.
type RefreshOptions struct {
	// Node pins the egress to a named node instead of searching for one.
	Node string
}

const mailboxCleanupTimeout = 10 * time.Second

// Orchestrator composes the proxy pool, mailboxes and browser sessions.
type Orchestrator struct {
	cfg       config.AcquisitionConfig
	group     string
	node      string
	proxies   ProxyPool
	mailboxes MailboxFactory
	sessions  SessionFactory
	logger    *zap.Logger

	// sleep is swapped out in tests to skip cooldowns.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates an Orchestrator. Every dependency is required.
func New(
	cfg config.Interface,
	proxies ProxyPool,
	mailboxes MailboxFactory,
	sessions SessionFactory,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if cfg == nil || proxies == nil || mailboxes == nil || sessions == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	acq := cfg.Acquisition()
	if acq.MaxAttempts < 1 {
		acq.MaxAttempts = 1
	}
	return &Orchestrator{
		cfg:       acq,
		group:     cfg.Proxy().Group,
		node:      cfg.Proxy().Node,
		proxies:   proxies,
		mailboxes: mailboxes,
		sessions:  sessions,
		logger:    logger.Named("acquisition"),
		sleep:     sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// attemptFunc runs one attempt on an already selected route.
type attemptFunc func(ctx context.Context, lease Lease, state *AttemptState) (*schemas.CookieBundle, error)

// RegisterAccount creates a new mailbox identity and logs it in. A missing
// proxy aborts without consuming attempts; any other failure discards the
// mailbox and session and retries on the same node.
func (o *Orchestrator) RegisterAccount(ctx context.Context) (*schemas.CookieBundle, error) {
	o.logger.Info("Registering new account.")
	return o.run(ctx, "", o.registerAttempt)
}

// RefreshAccount logs an existing mailbox identity in again. It never
// registers or deletes the mailbox.
func (o *Orchestrator) RefreshAccount(ctx context.Context, email, secret string, opts RefreshOptions) (*schemas.CookieBundle, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: account has no email", ErrMailbox)
	}
	node := opts.Node
	if node == "" {
		node = o.node
	}
	o.logger.Info("Refreshing account.", zap.String("email", email))
	return o.run(ctx, node, func(ctx context.Context, lease Lease, state *AttemptState) (*schemas.CookieBundle, error) {
		return o.refreshAttempt(ctx, lease, state, email, secret)
	})
}

func (o *Orchestrator) run(ctx context.Context, pinned string, attempt attemptFunc) (*schemas.CookieBundle, error) {
	lease, node, err := o.acquireRoute(ctx, pinned)
	if err != nil {
		o.logger.Error("No proxy route available.", zap.Error(err))
		return nil, err
	}
	defer lease.Release()
	o.logger.Info("Using proxy node.", zap.String("node", node))

	var lastErr error
	for n := 1; n <= o.cfg.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state := &AttemptState{Attempt: n, Stage: StageMailbox, Node: node}
		bundle, err := attempt(ctx, lease, state)
		state.Err = err
		o.logAttempt(state)
		if err == nil {
			return bundle, nil
		}
		lastErr = err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", o.cfg.MaxAttempts, lastErr)
}

func (o *Orchestrator) acquireRoute(ctx context.Context, pinned string) (Lease, string, error) {
	lease, err := o.proxies.Acquire(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrProxyUnavailable, err)
	}
	if pinned != "" {
		if err := lease.SwitchNode(ctx, pinned); err != nil {
			lease.Release()
			return nil, "", fmt.Errorf("%w: switch to %q: %w", ErrProxyUnavailable, pinned, err)
		}
		return lease, pinned, nil
	}
	node, err := lease.FindHealthyNode(ctx, o.group)
	if err != nil {
		lease.Release()
		return nil, "", fmt.Errorf("%w: %w", ErrProxyUnavailable, err)
	}
	return lease, node, nil
}

func (o *Orchestrator) logAttempt(s *AttemptState) {
	fields := []zap.Field{
		zap.Int("attempt", s.Attempt),
		zap.Int("max_attempts", o.cfg.MaxAttempts),
		zap.Stringer("stage", s.Stage),
		zap.String("node", s.Node),
		zap.String("email", s.Email),
	}
	if s.Err != nil {
		o.logger.Warn("Attempt failed.", append(fields, zap.Error(s.Err))...)
		return
	}
	o.logger.Info("Attempt succeeded.", fields...)
}

func (o *Orchestrator) registerAttempt(ctx context.Context, lease Lease, state *AttemptState) (*schemas.CookieBundle, error) {
	state.Stage = StageMailbox
	mb, err := o.mailboxes.NewMailbox(lease.EgressURL())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMailbox, err)
	}
	identity, err := mb.Register(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMailbox, err)
	}
	state.Email = identity.Address

	bundle, err := o.drive(ctx, lease.EgressURL(), mb, identity.Address, state, nil)
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailboxCleanupTimeout)
		mb.Delete(cleanupCtx)
		cancel()
		return nil, err
	}

	merged := bundle.WithIdentity(identity.Address, identity.Secret)
	return &merged, nil
}

func (o *Orchestrator) refreshAttempt(ctx context.Context, lease Lease, state *AttemptState, email, secret string) (*schemas.CookieBundle, error) {
	state.Stage = StageMailbox
	state.Email = email
	mb, err := o.mailboxes.NewMailbox(lease.EgressURL())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMailbox, err)
	}
	mb.UseExisting(email, secret)
	if _, err := mb.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMailbox, err)
	}

	// Stale codes from earlier logins must not be picked up.
	clearInbox := func(ctx context.Context) {
		n := mb.ClearInbox(ctx)
		o.logger.Debug("Cleared inbox before login.", zap.String("email", email), zap.Int("deleted", n))
	}
	bundle, err := o.drive(ctx, lease.EgressURL(), mb, email, state, clearInbox)
	if err != nil {
		return nil, err
	}

	merged := bundle.WithIdentity(email, secret)
	return &merged, nil
}

// drive runs the browser half of an attempt. The session is always stopped
// before drive returns.
func (o *Orchestrator) drive(
	ctx context.Context,
	egressURL string,
	mb Mailbox,
	email string,
	state *AttemptState,
	beforeLogin func(context.Context),
) (schemas.CookieBundle, error) {
	log := o.logger.With(zap.String("email", email), zap.Int("attempt", state.Attempt))

	state.Stage = StageSession
	session := o.sessions.NewSession(egressURL)
	defer session.Stop()
	if err := session.Start(ctx); err != nil {
		return schemas.CookieBundle{}, fmt.Errorf("%w: start session: %w", ErrLoginStepFailed, err)
	}
	if beforeLogin != nil {
		beforeLogin(ctx)
	}

	state.Stage = StageLogin
	if !session.Login(ctx, email) {
		return schemas.CookieBundle{}, fmt.Errorf("%w: identity was not submitted", ErrLoginStepFailed)
	}

	state.Stage = StageCode
	code, err := mb.WaitForCode(ctx, o.cfg.CodeTimeout)
	if err != nil {
		return schemas.CookieBundle{}, fmt.Errorf("%w: %w", ErrCodeTimeout, err)
	}
	log.Info("Got verification code.", zap.String("code", code))

	state.Stage = StageVerify
	if !session.EnterVerificationCode(ctx, code) {
		return schemas.CookieBundle{}, fmt.Errorf("%w: verification code rejected", ErrLoginStepFailed)
	}

	state.Stage = StageLoginComplete
	if !session.WaitForLoginComplete(ctx, o.cfg.LoginCompleteTimeout) {
		return schemas.CookieBundle{}, fmt.Errorf("%w: login did not complete", ErrLoginStepFailed)
	}

	state.Stage = StageExtract
	bundle, err := session.ExtractCookies(ctx)
	if err != nil || !bundle.IsValid() {
		if err == nil {
			err = errors.New("empty session cookie")
		}
		return schemas.CookieBundle{}, fmt.Errorf("%w: %w", ErrExtractionIncomplete, err)
	}

	state.Stage = StageDone
	log.Info("Login succeeded.", zap.String("expires_at", bundle.ExpiresAt))
	return bundle, nil
}
