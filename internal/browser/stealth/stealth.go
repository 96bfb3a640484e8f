package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

//go:embed evasions.js
var evasionsTemplate string

const personaPlaceholder = "__PERSONA__"

// BuildScript renders the evasions script for p.
func BuildScript(p schemas.Persona) (string, error) {
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode persona: %w", err)
	}
	return strings.Replace(evasionsTemplate, personaPlaceholder, string(raw), 1), nil
}

// AcceptLanguage renders the persona's languages as a header value.
func AcceptLanguage(p schemas.Persona) string {
	if len(p.Languages) == 0 {
		return p.Locale
	}
	parts := []string{p.Languages[0]}
	for i, lang := range p.Languages[1:] {
		q := 0.9 - float64(i)*0.1
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the CDP actions that make a fresh target look like the
// persona's desktop browser.
func Apply(p schemas.Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.String("timezone", p.Timezone),
	)

	return chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithAcceptLanguage(AcceptLanguage(p)).
			WithPlatform(p.Platform),

		chromedp.ActionFunc(func(ctx context.Context) error {
			script, err := BuildScript(p)
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),

		emulation.SetDeviceMetricsOverride(p.Width, p.Height, 1, p.Mobile),
		emulation.SetTimezoneOverride(p.Timezone),
		emulation.SetLocaleOverride().WithLocale(p.Locale),

		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": AcceptLanguage(p),
		}),
	}
}
