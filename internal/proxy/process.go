package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotReady is returned when the routing process is running but its
	// controller has not answered yet. The process is left running.
	ErrNotReady = errors.New("proxy process did not become ready")
	// ErrExited is returned when the routing process dies while booting.
	ErrExited = errors.New("proxy process exited during startup")
)

const stopGracePeriod = 5 * time.Second

// pinger is the readiness probe used while the process boots.
type pinger interface {
	Ping(ctx context.Context) error
}

// Process supervises one mihomo child process.
type Process struct {
	executable  string
	runtimePath string
	attempts    int
	interval    time.Duration
	probe       pinger
	logger      *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewProcess prepares a supervisor; nothing is launched until Start.
func NewProcess(executable, runtimePath string, attempts int, probe pinger, logger *zap.Logger) *Process {
	if attempts <= 0 {
		attempts = 10
	}
	return &Process{
		executable:  executable,
		runtimePath: runtimePath,
		attempts:    attempts,
		interval:    time.Second,
		probe:       probe,
		logger:      logger.Named("proxy_process"),
	}
}

// Start launches the process and waits until its controller answers.
// Calling Start on a running process is a no-op. When the controller stays
// silent for every attempt, Start returns ErrNotReady and keeps the process.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return nil
	}

	cmd := exec.Command(p.executable, "-f", p.runtimePath)
	output, sink := io.Pipe()
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		_ = sink.Close()
		return fmt.Errorf("failed to launch %s: %w", p.executable, err)
	}
	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.mu.Unlock()

	outputDone := make(chan struct{})
	go func() {
		p.pipeOutput(output)
		close(outputDone)
	}()
	go func() {
		err := cmd.Wait()
		_ = sink.Close()
		<-outputDone
		p.logger.Info("Proxy process exited.", zap.Error(err))
		close(done)
	}()

	p.logger.Info("Proxy process launched.", zap.String("executable", p.executable), zap.Int("pid", cmd.Process.Pid))

	for i := 0; i < p.attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, p.interval)
		err := p.probe.Ping(pingCtx)
		cancel()
		if err == nil {
			p.logger.Info("Proxy controller is ready.")
			return nil
		}
		select {
		case <-ctx.Done():
			p.Stop()
			return ctx.Err()
		case <-done:
			p.Stop()
			return ErrExited
		case <-time.After(p.interval):
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrNotReady, p.attempts)
}

// pipeOutput forwards the child's log lines at debug level.
func (p *Process) pipeOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug(scanner.Text())
	}
	// Keep the pipe flowing after an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

// Running reports whether the child process is alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop terminates the process, killing it if it ignores SIGTERM.
// Safe to call more than once.
func (p *Process) Stop() {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.cmd, p.done = nil, nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	select {
	case <-done:
		return
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		p.logger.Warn("Proxy process ignored SIGTERM; killing.")
		_ = cmd.Process.Kill()
		<-done
	}
	p.logger.Info("Proxy process stopped.")
}
