package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

// fakePage is a scripted Page. Elements are keyed by Locator.String().
type fakePage struct {
	mu sync.Mutex

	navErrs  []error
	navCalls int

	url      string
	present  map[string]bool
	notReady bool
	fillFail bool
	values   map[string]string

	filled []string
	typed  []string
	clicks []string
	enters int

	buttonAvailable bool
	buttonSkip      []string
	buttonClicks    int

	cookies   []schemas.Cookie
	cookieErr error

	// onSubmit runs (under the lock) whenever a continue click or Enter lands.
	onSubmit func(p *fakePage, submits int)
	submits  int
}

func newFakePage() *fakePage {
	return &fakePage{
		url:     "about:blank",
		present: map[string]bool{},
		values:  map[string]string{},
	}
}

func (p *fakePage) show(locs ...Locator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range locs {
		p.present[l.String()] = true
	}
}

func (p *fakePage) setURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

func (p *fakePage) submit() {
	p.submits++
	if p.onSubmit != nil {
		p.onSubmit(p, p.submits)
	}
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navCalls++
	if len(p.navErrs) > 0 {
		err := p.navErrs[0]
		p.navErrs = p.navErrs[1:]
		if err != nil {
			return err
		}
	}
	p.url = url
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Exists(_ context.Context, loc Locator) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[loc.String()], nil
}

func (p *fakePage) Ready(_ context.Context, loc Locator) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[loc.String()] && !p.notReady, nil
}

func (p *fakePage) Value(_ context.Context, loc Locator) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[loc.String()], nil
}

func (p *fakePage) Fill(_ context.Context, loc Locator, value string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fillFail {
		return false, nil
	}
	p.filled = append(p.filled, value)
	p.values[loc.String()] = value
	return true, nil
}

func (p *fakePage) TypeNative(_ context.Context, loc Locator, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = append(p.typed, text)
	p.values[loc.String()] = text
	return nil
}

func (p *fakePage) Click(_ context.Context, loc Locator) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.present[loc.String()] {
		return false, nil
	}
	p.clicks = append(p.clicks, loc.String())
	p.submit()
	return true, nil
}

func (p *fakePage) ClickButtonExcept(_ context.Context, skip []string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buttonSkip = skip
	if !p.buttonAvailable {
		return false, nil
	}
	p.buttonClicks++
	p.submit()
	return true, nil
}

func (p *fakePage) PressEnter(context.Context, Locator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enters++
	p.submit()
	return nil
}

func (p *fakePage) Cookies(context.Context) ([]schemas.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cookies, p.cookieErr
}

type pageSnapshot struct {
	navCalls     int
	url          string
	filled       []string
	typed        []string
	clicks       []string
	enters       int
	buttonSkip   []string
	buttonClicks int
	submits      int
}

func (p *fakePage) snapshot() pageSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pageSnapshot{
		navCalls:     p.navCalls,
		url:          p.url,
		filled:       append([]string(nil), p.filled...),
		typed:        append([]string(nil), p.typed...),
		clicks:       append([]string(nil), p.clicks...),
		enters:       p.enters,
		buttonSkip:   p.buttonSkip,
		buttonClicks: p.buttonClicks,
		submits:      p.submits,
	}
}

var errFakeNav = errors.New("page load error net::ERR_NAME_NOT_RESOLVED")

func fastTiming() timing {
	return timing{
		navAttempts:     3,
		navRetry:        time.Millisecond,
		settle:          time.Millisecond,
		probe:           time.Millisecond,
		identitySearch:  20 * time.Millisecond,
		stableChecks:    3,
		stableInterval:  time.Millisecond,
		fillPause:       time.Millisecond,
		raceDeadline:    200 * time.Millisecond,
		raceInterval:    5 * time.Millisecond,
		raceNudge:       40 * time.Millisecond,
		codeSearch:      20 * time.Millisecond,
		codeInterval:    2 * time.Millisecond,
		submitPause:     time.Millisecond,
		verifyAttempts:  5,
		verifyInterval:  2 * time.Millisecond,
		extractAttempts: 5,
		extractInterval: 2 * time.Millisecond,
		loginPoll:       5 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, page Page) *Session {
	t.Helper()
	return newTestSessionWithLogger(page, zaptest.NewLogger(t))
}

func newTestSessionWithLogger(page Page, logger *zap.Logger) *Session {
	cfg := config.BrowserConfig{LoginURL: "https://login.example.test/"}
	s := newSessionWithPage(cfg, page, logger)
	s.timing = fastTiming()
	return s
}
