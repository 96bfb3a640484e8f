package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

func flagMap(flags []launchFlag) map[string]interface{} {
	m := make(map[string]interface{}, len(flags))
	for _, f := range flags {
		m[f.name] = f.value
	}
	return m
}

func TestLaunchFlags(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		flags := flagMap(launchFlags(config.BrowserConfig{Headless: true}, schemas.DefaultPersona))

		assert.Equal(t, false, flags["enable-automation"])
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
		assert.Equal(t, "1920,1080", flags["window-size"])
		assert.Equal(t, schemas.DefaultPersona.UserAgent, flags["user-agent"])
		if runtime.GOOS == "linux" {
			assert.Equal(t, true, flags["no-sandbox"])
			assert.Equal(t, true, flags["disable-dev-shm-usage"])
		}
	})

	t.Run("Headful", func(t *testing.T) {
		flags := flagMap(launchFlags(config.BrowserConfig{Headless: false}, schemas.DefaultPersona))
		assert.Equal(t, false, flags["headless"])
		assert.NotContains(t, flags, "hide-scrollbars")
	})

	t.Run("CustomArgs", func(t *testing.T) {
		cfg := config.BrowserConfig{Args: []string{"--lang=de-DE", "--disable-extensions", "--"}}
		flags := flagMap(launchFlags(cfg, schemas.DefaultPersona))
		assert.Equal(t, "de-DE", flags["lang"])
		assert.Equal(t, true, flags["disable-extensions"])
		assert.NotContains(t, flags, "")
	})
}

func TestPersonaFromConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		assert.Equal(t, schemas.DefaultPersona, PersonaFromConfig(config.BrowserConfig{}))
	})

	t.Run("Overrides", func(t *testing.T) {
		p := PersonaFromConfig(config.BrowserConfig{
			UserAgent: "UA/1.0",
			Locale:    "de-DE",
			Timezone:  "Europe/Berlin",
			Viewport:  map[string]int{"width": 1280, "height": 800},
		})
		assert.Equal(t, "UA/1.0", p.UserAgent)
		assert.Equal(t, []string{"de-DE", "de"}, p.Languages)
		assert.Equal(t, "Europe/Berlin", p.Timezone)
		assert.EqualValues(t, 1280, p.Width)
		assert.EqualValues(t, 800, p.Height)
		assert.Equal(t, []string{"en-US", "en"}, schemas.DefaultPersona.Languages, "default persona untouched")
	})
}

func findChrome() string {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// TestManagerSmoke drives a real browser through an isolated session.
func TestManagerSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	chrome := findChrome()
	if chrome == "" {
		t.Skip("no Chrome binary found")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><input id="email-input" type="email"><button id="log-in-button">Continue</button></body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := zaptest.NewLogger(t)
	m, err := NewManager(ctx, config.BrowserConfig{Headless: true, ExecPath: chrome}, logger)
	require.NoError(t, err)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(shutdownCtx))
	}()

	s := m.NewSession("")
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	assert.Equal(t, StateStarted, s.State())

	page, err := s.activePage()
	require.NoError(t, err)
	require.NoError(t, page.Navigate(ctx, srv.URL))

	ok, err := page.Exists(ctx, CSS("#email-input"))
	require.NoError(t, err)
	assert.True(t, ok)

	filled, err := page.Fill(ctx, CSS("#email-input"), "smoke@example.test")
	require.NoError(t, err)
	assert.True(t, filled)

	value, err := page.Value(ctx, CSS("#email-input"))
	require.NoError(t, err)
	assert.Equal(t, "smoke@example.test", value)

	clicked, err := page.ClickButtonExcept(ctx, ResendKeywords)
	require.NoError(t, err)
	assert.True(t, clicked)
}
