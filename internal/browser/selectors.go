package browser

import (
	"context"
	"time"
)

// LocatorKind says how a Locator expression is resolved.
type LocatorKind string

const (
	// ByCSS resolves Expr with querySelectorAll.
	ByCSS LocatorKind = "css"
	// ByButtonText matches <button> elements whose text contains Expr.
	ByButtonText LocatorKind = "button-text"
)

// Locator is one way of finding an element.
type Locator struct {
	Kind LocatorKind
	Expr string
}

func (l Locator) String() string {
	if l.Kind == ByButtonText {
		return `button:has-text("` + l.Expr + `")`
	}
	return l.Expr
}

// CSS builds a CSS locator.
func CSS(expr string) Locator { return Locator{Kind: ByCSS, Expr: expr} }

// ButtonText builds a button-text locator.
func ButtonText(text string) Locator { return Locator{Kind: ByButtonText, Expr: text} }

// Selector chains, most specific first. UI markup is not under our control,
// so each step falls back to broader matches.
var (
	EmailChain = []Locator{
		CSS(`#email-input`),
		CSS(`input[name="loginHint"]`),
		CSS(`input[type="email"]`),
		CSS(`input[type="text"]`),
		CSS(`input[placeholder*="email" i]`),
	}

	CodeChain = []Locator{
		CSS(`input[type="tel"]`),
		CSS(`input[name="pinInput"]`),
		CSS(`input[autocomplete="one-time-code"]`),
		CSS(`input[inputmode="numeric"]`),
		CSS(`input[maxlength="6"]`),
		CSS(`input[pattern*="[0-9]"]`),
	}

	ContinueChain = []Locator{
		CSS(`#log-in-button`),
		CSS(`button[type="submit"]`),
		ButtonText("继续"),
		ButtonText("Continue"),
	}
)

// ResendKeywords mark buttons that must never be pressed to submit a code.
var ResendKeywords = []string{"重新", "发送", "resend"}

// ProbeFunc reports whether a locator currently matches a usable element.
type ProbeFunc func(ctx context.Context, loc Locator) (bool, error)

// FindFirst walks chain in order, repeatedly, until a locator matches or
// timeout elapses. Probe errors count as a miss for that locator.
func FindFirst(ctx context.Context, probe ProbeFunc, chain []Locator, timeout, interval time.Duration) (Locator, bool) {
	if len(chain) == 0 {
		return Locator{}, false
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		for _, loc := range chain {
			if ctx.Err() != nil {
				return Locator{}, false
			}
			if ok, err := probe(ctx, loc); err == nil && ok {
				return loc, true
			}
		}
		if !time.Now().Add(interval).Before(deadline) {
			return Locator{}, false
		}
		if !sleepCtx(ctx, interval) {
			return Locator{}, false
		}
	}
}

// sleepCtx waits d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
