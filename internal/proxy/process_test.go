package proxy

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

type countingPinger struct {
	calls     atomic.Int32
	readyFrom int32
}

func (p *countingPinger) Ping(context.Context) error {
	if p.calls.Add(1) >= p.readyFrom && p.readyFrom > 0 {
		return nil
	}
	return errors.New("connection refused")
}

// shellScript returns a script path; "sh -f script" runs it, which lets the
// real -f argument convention drive a stand-in process.
func shellScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-mihomo.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))
	return path
}

func TestProcess_StartWaitsForController(t *testing.T) {
	script := shellScript(t, "echo booting\nexec sleep 30\n")
	probe := &countingPinger{readyFrom: 3}

	p := NewProcess("sh", script, 10, probe, zaptest.NewLogger(t))
	p.interval = 10 * time.Millisecond

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Running())
	assert.EqualValues(t, 3, probe.calls.Load())

	require.NoError(t, p.Start(context.Background()), "starting twice is a no-op")

	p.Stop()
	assert.False(t, p.Running())
	p.Stop()
}

func TestProcess_ExitDuringStartup(t *testing.T) {
	script := shellScript(t, "echo bad config >&2\nexit 1\n")

	p := NewProcess("sh", script, 50, &countingPinger{}, zaptest.NewLogger(t))
	p.interval = 20 * time.Millisecond

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, ErrExited)
	assert.False(t, p.Running())
}

func TestProcess_NeverReady(t *testing.T) {
	script := shellScript(t, "exec sleep 30\n")

	p := NewProcess("sh", script, 3, &countingPinger{}, zaptest.NewLogger(t))
	p.interval = 5 * time.Millisecond

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, p.Running(), "a slow controller does not kill the process")
	p.Stop()
	assert.False(t, p.Running())
}

func TestManager_StartToleratesSilentController(t *testing.T) {
	dir := t.TempDir()
	script := shellScript(t, "exec sleep 30\n")
	src := filepath.Join(dir, "local.yaml")
	require.NoError(t, os.WriteFile(src, []byte("proxies:\n  - {name: A, type: ss}\n"), 0o600))

	cfg := config.ProxyConfig{
		ConfigPath:  src,
		RuntimePath: filepath.Join(dir, "runtime.yaml"),
		MixedPort:   17890,
		APIPort:     19090,
	}
	logger := zaptest.NewLogger(t)
	m := newManager(cfg, NewClient("http://127.0.0.1:1", logger), logger)
	m.process = NewProcess("sh", script, 2, &countingPinger{}, logger)
	m.process.interval = 5 * time.Millisecond
	t.Cleanup(m.Stop)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
}

func TestManager_StartFailsWhenProcessExits(t *testing.T) {
	dir := t.TempDir()
	script := shellScript(t, "exit 1\n")
	src := filepath.Join(dir, "local.yaml")
	require.NoError(t, os.WriteFile(src, []byte("proxies:\n  - {name: A, type: ss}\n"), 0o600))

	cfg := config.ProxyConfig{ConfigPath: src, RuntimePath: filepath.Join(dir, "runtime.yaml"), MixedPort: 17890, APIPort: 19090}
	logger := zaptest.NewLogger(t)
	m := newManager(cfg, NewClient("http://127.0.0.1:1", logger), logger)
	m.process = NewProcess("sh", script, 50, &countingPinger{}, logger)
	m.process.interval = 20 * time.Millisecond

	assert.ErrorIs(t, m.Start(context.Background()), ErrExited)
	assert.False(t, m.Running())
}

func TestProcess_MissingExecutable(t *testing.T) {
	p := NewProcess(filepath.Join(t.TempDir(), "missing"), "runtime.yaml", 1, &countingPinger{}, zaptest.NewLogger(t))
	err := p.Start(context.Background())
	assert.Error(t, err)
	assert.False(t, p.Running())
}
