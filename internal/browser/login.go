package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

var (
	// URL fragments seen once the verification step has been accepted.
	successMarkers = []string{"home", "admin", "setup", "create", "dashboard"}
	// URL fragments meaning the verification page is still, or again, showing.
	failureMarkers = []string{"verify", "oob", "error"}

	retryableNavErrors = []string{"ERR_CONNECTION_CLOSED", "ERR_CONNECTION_RESET"}
)

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Login opens the login page and submits email. It reports false only on a
// hard failure; a page that does not visibly react is tolerated, since the
// code wait that follows is the real check.
func (s *Session) Login(ctx context.Context, email string) bool {
	page, err := s.activePage()
	if err != nil {
		s.logger.Error("Login called on a closed session.")
		return false
	}
	logger := s.logger.With(zap.String("email", email))

	if err := s.navigate(ctx, page, s.cfg.LoginURL); err != nil {
		logger.Error("Failed to open login page.", zap.Error(err))
		s.fail()
		return false
	}
	if !sleepCtx(ctx, s.timing.settle) {
		s.fail()
		return false
	}

	field, ok := FindFirst(ctx, page.Exists, EmailChain, s.timing.identitySearch, s.timing.probe)
	if !ok {
		logger.Error("Identity input not found on login page.")
		s.fail()
		return false
	}
	logger.Debug("Found identity input.", zap.Stringer("locator", field))

	if !s.waitStable(ctx, page, field) {
		logger.Warn("Identity input never became editable, trying anyway.")
	}
	if err := s.fill(ctx, page, field, email); err != nil {
		logger.Error("Failed to enter email.", zap.Error(err))
		s.fail()
		return false
	}
	if !sleepCtx(ctx, s.timing.fillPause) {
		s.fail()
		return false
	}

	before, _ := page.URL(ctx)
	s.pressContinue(ctx, page, field)
	s.advance(StateIdentitySubmitted)

	winner, ok := s.raceIdentity(ctx, page, before, field)
	if !ok && ctx.Err() == nil {
		if value, err := page.Value(ctx, field); err == nil && value == "" {
			logger.Warn("Identity field was cleared without a transition, entering it again.")
			if err := s.fill(ctx, page, field, email); err == nil {
				s.pressContinue(ctx, page, field)
				winner, ok = s.raceIdentity(ctx, page, before, field)
			}
		}
	}
	if ctx.Err() != nil {
		s.fail()
		return false
	}

	if ok {
		logger.Info("Identity submitted.", zap.String("condition", winner))
		s.advance(StateCodePromptReady)
	} else {
		logger.Warn("No transition observed after identity submission, continuing.")
	}
	return true
}

func (s *Session) navigate(ctx context.Context, page Page, url string) error {
	attempts := s.timing.navAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = page.Navigate(ctx, url); err == nil {
			return nil
		}
		if !containsAny(err.Error(), retryableNavErrors) || attempt == attempts {
			break
		}
		s.logger.Warn("Navigation dropped, retrying.",
			zap.Int("attempt", attempt), zap.Error(err))
		if !sleepCtx(ctx, s.timing.navRetry) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrNavigation, err)
}

func (s *Session) waitStable(ctx context.Context, page Page, loc Locator) bool {
	for i := 0; i < s.timing.stableChecks; i++ {
		if ok, err := page.Ready(ctx, loc); err == nil && ok {
			return true
		}
		if !sleepCtx(ctx, s.timing.stableInterval) {
			return false
		}
	}
	return false
}

// fill sets the value through script and falls back to real typing.
func (s *Session) fill(ctx context.Context, page Page, loc Locator, value string) error {
	ok, err := page.Fill(ctx, loc, value)
	if err == nil && ok {
		return nil
	}
	s.logger.Debug("Scripted fill did not stick, typing instead.", zap.Stringer("locator", loc), zap.Error(err))
	return page.TypeNative(ctx, loc, value)
}

func (s *Session) pressContinue(ctx context.Context, page Page, field Locator) {
	for _, loc := range ContinueChain {
		if ok, err := page.Exists(ctx, loc); err != nil || !ok {
			continue
		}
		if clicked, err := page.Click(ctx, loc); err == nil && clicked {
			s.logger.Debug("Pressed continue.", zap.Stringer("locator", loc))
			return
		}
	}
	if err := page.PressEnter(ctx, field); err != nil {
		s.logger.Warn("Failed to submit with Enter.", zap.Error(err))
	}
}

func (s *Session) codeInputPresent(ctx context.Context, page Page) (bool, error) {
	for _, loc := range CodeChain {
		if ok, err := page.Exists(ctx, loc); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) raceIdentity(ctx context.Context, page Page, before string, field Locator) (string, bool) {
	urlChanged := Condition{
		Name: "url-changed",
		Check: func(ctx context.Context) (bool, error) {
			u, err := page.URL(ctx)
			if err != nil {
				return false, err
			}
			return u != "" && u != before, nil
		},
	}
	codeInput := Condition{
		Name: "code-input",
		Check: func(ctx context.Context) (bool, error) {
			return s.codeInputPresent(ctx, page)
		},
	}
	nudge := Hook{
		After: s.timing.raceNudge,
		Fn: func(ctx context.Context) {
			s.logger.Debug("Page has not moved, pressing continue again.")
			s.pressContinue(ctx, page, field)
		},
	}
	return RaceWithHook(ctx, s.timing.raceDeadline, s.timing.raceInterval, nudge, urlChanged, codeInput)
}

// EnterVerificationCode submits code and watches where the page goes. When
// the page settles on neither a success nor a failure URL the step is treated
// as passed and logged as a warning.
func (s *Session) EnterVerificationCode(ctx context.Context, code string) bool {
	page, err := s.activePage()
	if err != nil {
		s.logger.Error("EnterVerificationCode called on a closed session.")
		return false
	}

	field, ok := FindFirst(ctx, page.Exists, CodeChain, s.timing.codeSearch, s.timing.codeInterval)
	if !ok {
		s.logger.Error("Verification code input not found.")
		s.fail()
		return false
	}
	s.advance(StateCodePromptReady)

	if err := s.fill(ctx, page, field, code); err != nil {
		s.logger.Error("Failed to enter verification code.", zap.Error(err))
		s.fail()
		return false
	}
	if !sleepCtx(ctx, s.timing.submitPause) {
		s.fail()
		return false
	}

	if clicked, err := page.ClickButtonExcept(ctx, ResendKeywords); err != nil || !clicked {
		if err := page.PressEnter(ctx, field); err != nil {
			s.logger.Warn("Failed to submit code with Enter.", zap.Error(err))
		}
	}
	s.advance(StateCodeSubmitted)

	var current string
	for i := 0; i < s.timing.verifyAttempts; i++ {
		if !sleepCtx(ctx, s.timing.verifyInterval) {
			s.fail()
			return false
		}
		u, err := page.URL(ctx)
		if err != nil {
			continue
		}
		current = u
		if containsAny(u, successMarkers) {
			s.logger.Info("Verification code accepted.", zap.String("url", u))
			return true
		}
	}

	if u, err := page.URL(ctx); err == nil {
		current = u
	}
	if containsAny(current, failureMarkers) {
		s.logger.Error("Verification did not complete.", zap.String("url", current))
		s.fail()
		return false
	}
	s.logger.Warn("No success marker after code submission, assuming success.", zap.String("url", current))
	return true
}

// WaitForLoginComplete polls the page URL until it shows the workspace.
func (s *Session) WaitForLoginComplete(ctx context.Context, timeout time.Duration) bool {
	page, err := s.activePage()
	if err != nil {
		return false
	}
	markers := append(append([]string(nil), successMarkers...), "cid")

	iterations := int(timeout / s.timing.loginPoll)
	if iterations < 1 {
		iterations = 1
	}
	for i := 0; i < iterations; i++ {
		if u, err := page.URL(ctx); err == nil && containsAny(u, markers) {
			s.logger.Info("Login complete.", zap.String("url", u))
			s.advance(StateLoginComplete)
			return true
		}
		if !sleepCtx(ctx, s.timing.loginPoll) {
			break
		}
	}
	s.logger.Warn("Timed out waiting for login to complete.", zap.Duration("timeout", timeout))
	return false
}

// ExtractCookies waits for the workspace URL and assembles the artifact from
// it and the context's cookie jar.
func (s *Session) ExtractCookies(ctx context.Context) (schemas.CookieBundle, error) {
	page, err := s.activePage()
	if err != nil {
		return schemas.CookieBundle{}, err
	}

	var current string
	for i := 0; i < s.timing.extractAttempts; i++ {
		if u, err := page.URL(ctx); err == nil {
			current = u
			if LoggedInURL(u) {
				break
			}
		}
		if i < s.timing.extractAttempts-1 && !sleepCtx(ctx, s.timing.extractInterval) {
			s.fail()
			return schemas.CookieBundle{}, ctx.Err()
		}
	}
	if !LoggedInURL(current) {
		s.logger.Warn("Workspace URL not reached, extracting anyway.", zap.String("url", current))
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		s.fail()
		return schemas.CookieBundle{}, fmt.Errorf("failed to read cookies: %w", err)
	}

	bundle, err := BuildBundle(current, cookies, s.now())
	if err != nil {
		s.logger.Error("Session cookie missing.", zap.Int("cookies", len(cookies)), zap.String("url", current))
		s.fail()
		return bundle, err
	}

	s.advance(StateCookiesExtracted)
	s.logger.Info("Extracted session cookies.",
		zap.String("config_id", bundle.ConfigID),
		zap.String("expires_at", bundle.ExpiresAt))
	return bundle, nil
}
