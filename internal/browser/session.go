package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/browser/stealth"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

// targetHandle is an attached tab inside its own browser context.
type targetHandle struct {
	sessionCtx       context.Context
	browserContextID cdp.BrowserContextID
	close            func()
}

type targetOpener func(ctx context.Context, egressURL string) (targetHandle, error)

func targetCreateBrowserContext(egressURL string) *target.CreateBrowserContextParams {
	p := target.CreateBrowserContext()
	if egressURL != "" {
		p = p.WithProxyServer(egressURL)
	}
	return p
}

func targetCreate(id cdp.BrowserContextID) *target.CreateTargetParams {
	return target.CreateTarget("about:blank").WithBrowserContextID(id)
}

func targetDispose(id cdp.BrowserContextID) *target.DisposeBrowserContextParams {
	return target.DisposeBrowserContext(id)
}

// timing collects every wait of the login flow.
type timing struct {
	navAttempts int
	navRetry    time.Duration
	settle      time.Duration
	probe       time.Duration

	identitySearch time.Duration
	stableChecks   int
	stableInterval time.Duration
	fillPause      time.Duration

	raceDeadline time.Duration
	raceInterval time.Duration
	raceNudge    time.Duration

	codeSearch   time.Duration
	codeInterval time.Duration
	submitPause  time.Duration

	verifyAttempts int
	verifyInterval time.Duration

	extractAttempts int
	extractInterval time.Duration

	loginPoll time.Duration
}

func defaultTiming(cfg config.BrowserConfig) timing {
	t := timing{
		navAttempts:     3,
		navRetry:        3 * time.Second,
		settle:          3 * time.Second,
		probe:           250 * time.Millisecond,
		identitySearch:  10 * time.Second,
		stableChecks:    10,
		stableInterval:  300 * time.Millisecond,
		fillPause:       500 * time.Millisecond,
		raceDeadline:    15 * time.Second,
		raceInterval:    time.Second,
		raceNudge:       5 * time.Second,
		codeSearch:      5 * time.Second,
		codeInterval:    500 * time.Millisecond,
		submitPause:     500 * time.Millisecond,
		verifyAttempts:  10,
		verifyInterval:  3 * time.Second,
		extractAttempts: 15,
		extractInterval: 2 * time.Second,
		loginPoll:       3 * time.Second,
	}
	if cfg.NavAttempts > 0 {
		t.navAttempts = cfg.NavAttempts
	}
	if cfg.NavRetryDelay > 0 {
		t.navRetry = cfg.NavRetryDelay
	}
	return t
}

// Session is one isolated browser context with a single page, bound to an
// egress proxy. A Session is used for exactly one login attempt.
type Session struct {
	id        string
	cfg       config.BrowserConfig
	persona   schemas.Persona
	egressURL string
	logger    *zap.Logger
	timing    timing
	now       func() time.Time
	opener    targetOpener

	mu      sync.Mutex
	state   State
	page    Page
	handle  targetHandle
	stopped bool
}

func newSession(cfg config.BrowserConfig, persona schemas.Persona, logger *zap.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:      id,
		cfg:     cfg,
		persona: persona,
		logger:  logger.Named("browser_session").With(zap.String("session_id", id)),
		timing:  defaultTiming(cfg),
		now:     time.Now,
		state:   StateNew,
	}
}

// newSessionWithPage builds a started session around an existing page.
func newSessionWithPage(cfg config.BrowserConfig, page Page, logger *zap.Logger) *Session {
	s := newSession(cfg, schemas.DefaultPersona, logger)
	s.page = page
	s.state = StateStarted
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current position in the login sequence.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.state.next(to)
}

func (s *Session) fail() { s.advance(StateFailed) }

func (s *Session) activePage() (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.page == nil {
		return nil, ErrSessionClosed
	}
	return s.page, nil
}

// Start opens the isolated context and applies the persona. Persona
// failures are logged and do not fail the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.page != nil {
		s.mu.Unlock()
		return nil
	}
	opener := s.opener
	s.mu.Unlock()

	if opener == nil {
		s.fail()
		return fmt.Errorf("%w: no browser attached", ErrLaunch)
	}

	s.logger.Debug("Opening isolated browser context.", zap.String("egress", s.egressURL))
	handle, err := opener(ctx, s.egressURL)
	if err != nil {
		s.fail()
		return fmt.Errorf("failed to open browser session: %w", err)
	}

	personaCtx, cancel := CombineContext(handle.sessionCtx, ctx)
	outcome := Soft(chromedp.Run(personaCtx, stealth.Apply(s.persona, s.logger)))
	cancel()
	outcome.Log(s.logger, "Failed to apply browser persona, continuing without it.")

	s.mu.Lock()
	s.handle = handle
	s.page = newCDPPage(handle.sessionCtx, handle.browserContextID)
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		handle.close()
		return ErrSessionClosed
	}
	s.advance(StateStarted)
	s.logger.Info("Browser session started.")
	return nil
}

// Stop tears the context down. It is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	closeFn := s.handle.close
	state := s.state
	s.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}
	s.logger.Debug("Browser session stopped.", zap.Stringer("state", state))
}
