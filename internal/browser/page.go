package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

// Page is the driver surface the login flow needs. The chromedp
// implementation talks to a real target; tests substitute a scripted page.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Exists reports whether loc matches a visible element.
	Exists(ctx context.Context, loc Locator) (bool, error)
	// Ready reports whether loc's element is visible, enabled and writable.
	Ready(ctx context.Context, loc Locator) (bool, error)
	Value(ctx context.Context, loc Locator) (string, error)
	// Fill sets the value through the native setter and fires input and
	// change events. ok is false when the value did not stick.
	Fill(ctx context.Context, loc Locator, value string) (ok bool, err error)
	// TypeNative clicks, clears and types with real key events.
	TypeNative(ctx context.Context, loc Locator, text string) error
	Click(ctx context.Context, loc Locator) (bool, error)
	// ClickButtonExcept clicks the first visible button with text that
	// contains none of skip.
	ClickButtonExcept(ctx context.Context, skip []string) (bool, error)
	PressEnter(ctx context.Context, loc Locator) error
	Cookies(ctx context.Context) ([]schemas.Cookie, error)
}

// nativeActionTimeout bounds chromedp element queries, which otherwise wait
// for the element forever.
const nativeActionTimeout = 5 * time.Second

type cdpPage struct {
	sessionCtx       context.Context
	browserContextID cdp.BrowserContextID
}

func newCDPPage(sessionCtx context.Context, id cdp.BrowserContextID) *cdpPage {
	return &cdpPage{sessionCtx: sessionCtx, browserContextID: id}
}

func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	c, cancel := CombineContext(p.sessionCtx, ctx)
	defer cancel()
	return chromedp.Run(c, actions...)
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *cdpPage) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

// locatorJS holds the element lookup shared by every evaluated snippet.
const locatorJS = `
const __visible = (el) => {
  const s = window.getComputedStyle(el);
  const r = el.getBoundingClientRect();
  return s.visibility !== 'hidden' && s.display !== 'none' && (r.width > 0 || r.height > 0);
};
const __find = (kind, expr) => {
  let els = [];
  try {
    if (kind === 'css') {
      els = Array.from(document.querySelectorAll(expr));
    } else {
      els = Array.from(document.querySelectorAll('button')).filter((b) => (b.textContent || '').includes(expr));
    }
  } catch (e) {
    return null;
  }
  return els.find(__visible) || null;
};
`

func jsArgs(args ...interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		raw, _ := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(a)
		parts[i] = string(raw)
	}
	return strings.Join(parts, ", ")
}

func (p *cdpPage) eval(ctx context.Context, body string, out interface{}, args ...interface{}) error {
	script := fmt.Sprintf("((...args) => {%s\n%s\n})(%s)", locatorJS, body, jsArgs(args...))
	return p.run(ctx, chromedp.Evaluate(script, out))
}

func (p *cdpPage) Exists(ctx context.Context, loc Locator) (bool, error) {
	var ok bool
	err := p.eval(ctx, `return __find(args[0], args[1]) !== null;`, &ok, string(loc.Kind), loc.Expr)
	return ok, err
}

func (p *cdpPage) Ready(ctx context.Context, loc Locator) (bool, error) {
	var ok bool
	err := p.eval(ctx, `
const el = __find(args[0], args[1]);
return !!el && !el.disabled && !el.readOnly;`, &ok, string(loc.Kind), loc.Expr)
	return ok, err
}

func (p *cdpPage) Value(ctx context.Context, loc Locator) (string, error) {
	var v string
	err := p.eval(ctx, `
const el = __find(args[0], args[1]);
return el ? String(el.value || '') : '';`, &v, string(loc.Kind), loc.Expr)
	return v, err
}

func (p *cdpPage) Fill(ctx context.Context, loc Locator, value string) (bool, error) {
	var ok bool
	err := p.eval(ctx, `
const el = __find(args[0], args[1]);
if (!el) return false;
el.focus();
const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value')
  || Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, 'value');
if (desc && desc.set) { desc.set.call(el, args[2]); } else { el.value = args[2]; }
el.dispatchEvent(new Event('input', { bubbles: true }));
el.dispatchEvent(new Event('change', { bubbles: true }));
return el.value === args[2];`, &ok, string(loc.Kind), loc.Expr, value)
	return ok, err
}

func (p *cdpPage) Click(ctx context.Context, loc Locator) (bool, error) {
	var ok bool
	err := p.eval(ctx, `
const el = __find(args[0], args[1]);
if (!el) return false;
el.click();
return true;`, &ok, string(loc.Kind), loc.Expr)
	return ok, err
}

func (p *cdpPage) ClickButtonExcept(ctx context.Context, skip []string) (bool, error) {
	var ok bool
	err := p.eval(ctx, `
const skip = args[0].map((s) => s.toLowerCase());
for (const btn of document.querySelectorAll('button')) {
  const text = (btn.textContent || '').trim();
  if (!text || !__visible(btn)) continue;
  const lower = text.toLowerCase();
  if (skip.some((s) => lower.includes(s))) continue;
  btn.click();
  return true;
}
return false;`, &ok, skip)
	return ok, err
}

// query maps a locator to a chromedp selector.
func query(loc Locator) (string, []chromedp.QueryOption) {
	if loc.Kind == ByButtonText {
		q := `"`
		if strings.Contains(loc.Expr, `"`) {
			q = `'`
		}
		return `//button[contains(normalize-space(.), ` + q + loc.Expr + q + `)]`, []chromedp.QueryOption{chromedp.BySearch, chromedp.NodeVisible}
	}
	return loc.Expr, []chromedp.QueryOption{chromedp.ByQuery, chromedp.NodeVisible}
}

func (p *cdpPage) TypeNative(ctx context.Context, loc Locator, text string) error {
	ctx, cancel := context.WithTimeout(ctx, nativeActionTimeout)
	defer cancel()
	sel, opts := query(loc)
	return p.run(ctx,
		chromedp.Click(sel, opts...),
		chromedp.Sleep(200*time.Millisecond),
		chromedp.SetValue(sel, "", opts...),
		chromedp.SendKeys(sel, text, opts...),
	)
}

func (p *cdpPage) PressEnter(ctx context.Context, loc Locator) error {
	ctx, cancel := context.WithTimeout(ctx, nativeActionTimeout)
	defer cancel()
	sel, opts := query(loc)
	return p.run(ctx, chromedp.SendKeys(sel, kb.Enter, opts...))
}

func (p *cdpPage) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) (err error) {
		raw, err = storage.GetCookies().WithBrowserContextID(p.browserContextID).Do(c)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]schemas.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
		})
	}
	return out, nil
}
