// File: internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

const launchTimeout = 30 * time.Second

// Manager owns the browser process. Every session is an isolated browser
// context inside it with its own proxy and cookie jar.
type Manager struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	persona schemas.Persona

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	// Browser context creation is serialized; concurrent CreateBrowserContext
	// calls have been observed to race inside Chrome.
	creationLock sync.Mutex
	wg           sync.WaitGroup
}

// NewManager launches the browser and confirms it answers. Any failure is
// returned wrapped in ErrLaunch.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		logger:  logger.Named("browser_manager"),
		persona: PersonaFromConfig(cfg),
	}

	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", cfg.Headless))
	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	m.browserCtx, m.browserStop = chromedp.NewContext(m.allocCtx)

	launchCtx, cancel := context.WithTimeout(m.browserCtx, launchTimeout)
	defer cancel()
	// Run with no actions starts the process and attaches the first tab.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserStop()
		m.allocCancel()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	if err := chromedp.Run(launchCtx, chromedp.Navigate("about:blank")); err != nil {
		m.browserStop()
		m.allocCancel()
		return nil, fmt.Errorf("%w: browser did not respond: %v", ErrLaunch, err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return m, nil
}

// PersonaFromConfig overlays configured fingerprint values on the default persona.
func PersonaFromConfig(cfg config.BrowserConfig) schemas.Persona {
	p := schemas.DefaultPersona
	p.Languages = append([]string(nil), p.Languages...)
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
		if cfg.Locale != p.Languages[0] {
			p.Languages = []string{cfg.Locale, strings.SplitN(cfg.Locale, "-", 2)[0]}
		}
	}
	if cfg.Timezone != "" {
		p.Timezone = cfg.Timezone
	}
	if w := cfg.Viewport["width"]; w > 0 {
		p.Width = int64(w)
	}
	if h := cfg.Viewport["height"]; h > 0 {
		p.Height = int64(h)
	}
	return p
}

// buildAllocatorOptions layers launchFlags over chromedp's defaults.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range launchFlags(m.cfg, m.persona) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	return opts
}

type launchFlag struct {
	name  string
	value interface{}
}

// launchFlags lists the flags layered over chromedp's defaults. Later flags
// with the same name win, so enable-automation is switched off here rather
// than filtered out of the defaults.
func launchFlags(cfg config.BrowserConfig, persona schemas.Persona) []launchFlag {
	flags := []launchFlag{
		{"enable-automation", false},
		{"headless", cfg.Headless},
		{"disable-blink-features", "AutomationControlled"},
		{"disable-gpu", true},
		{"window-size", fmt.Sprintf("%d,%d", persona.Width, persona.Height)},
		{"user-agent", persona.UserAgent},
	}
	if cfg.Headless {
		flags = append(flags,
			launchFlag{"hide-scrollbars", true},
			launchFlag{"mute-audio", true},
		)
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, launchFlag{name, parts[1]})
		} else {
			flags = append(flags, launchFlag{name, true})
		}
	}

	if runtime.GOOS == "linux" {
		flags = append(flags,
			launchFlag{"no-sandbox", true},
			launchFlag{"disable-dev-shm-usage", true},
			launchFlag{"disable-setuid-sandbox", true},
		)
	}
	return flags
}

// NewSession prepares a session bound to egressURL. Call Start before use.
func (m *Manager) NewSession(egressURL string) *Session {
	s := newSession(m.cfg, m.persona, m.logger)
	s.egressURL = egressURL
	s.opener = m.openTarget
	return s
}

// openTarget creates an isolated, proxied browser context with one blank tab
// and attaches to it.
func (m *Manager) openTarget(ctx context.Context, egressURL string) (targetHandle, error) {
	m.creationLock.Lock()
	defer m.creationLock.Unlock()

	if err := ctx.Err(); err != nil {
		return targetHandle{}, err
	}

	c := chromedp.FromContext(m.browserCtx)
	if c == nil || c.Browser == nil {
		return targetHandle{}, fmt.Errorf("%w: browser not running", ErrLaunch)
	}
	controllerCtx := cdp.WithExecutor(m.browserCtx, c.Browser)
	controllerCtx, cancel := CombineContext(controllerCtx, ctx)
	defer cancel()

	create := targetCreateBrowserContext(egressURL)
	browserContextID, err := create.Do(controllerCtx)
	if err != nil {
		return targetHandle{}, fmt.Errorf("failed to create browser context: %w", err)
	}

	targetID, err := targetCreate(browserContextID).Do(controllerCtx)
	if err != nil {
		m.disposeBrowserContext(browserContextID)
		return targetHandle{}, fmt.Errorf("failed to create target: %w", err)
	}

	sessionCtx, sessionCancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(sessionCtx); err != nil {
		sessionCancel()
		m.disposeBrowserContext(browserContextID)
		return targetHandle{}, fmt.Errorf("failed to attach to target: %w", err)
	}

	m.wg.Add(1)
	return targetHandle{
		sessionCtx:       sessionCtx,
		browserContextID: browserContextID,
		close: func() {
			defer m.wg.Done()
			sessionCancel()
			m.disposeBrowserContext(browserContextID)
		},
	}, nil
}

func (m *Manager) disposeBrowserContext(id cdp.BrowserContextID) {
	if m.browserCtx.Err() != nil {
		return
	}
	c := chromedp.FromContext(m.browserCtx)
	ctx, cancel := context.WithTimeout(cdp.WithExecutor(m.browserCtx, c.Browser), 10*time.Second)
	defer cancel()
	if err := targetDispose(id).Do(ctx); err != nil {
		m.logger.Warn("Failed to dispose of browser context. It may be orphaned.",
			zap.String("browserContextID", string(id)), zap.Error(err))
		return
	}
	m.logger.Debug("Disposed browser context.", zap.String("browserContextID", string(id)))
}

// Shutdown waits for open sessions, bounded by ctx, then ends the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated.")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.logger.Warn("Timed out waiting for browser sessions to close.")
	}

	if cerr := chromedp.Cancel(m.browserCtx); cerr != nil && err == nil && m.browserCtx.Err() == nil {
		err = cerr
	}
	m.browserStop()
	m.allocCancel()
	m.logger.Info("Browser stopped.")
	return err
}
