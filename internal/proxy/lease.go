package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Lease is exclusive use of the egress route. The holder may probe, select
// and send traffic; nobody else can change the route until Release.
type Lease struct {
	m      *Manager
	gate   *Gate
	logger *zap.Logger

	mu       sync.Mutex
	node     string
	released bool
}

// Acquire blocks until the egress route is free or ctx is done.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	if err := m.lease.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for egress lease: %w", err)
	}

	l := &Lease{m: m, logger: m.logger}
	if m.cfg.EgressGate {
		gate, err := m.openGate()
		if err != nil {
			m.lease.Release(1)
			return nil, err
		}
		l.gate = gate
		l.logger = m.logger.With(zap.String("gate", gate.URL()))
	}
	l.logger.Debug("Egress lease acquired.")
	return l, nil
}

func (m *Manager) openGate() (*Gate, error) {
	upstream, err := NewUpstreamDialer(net.JoinHostPort("127.0.0.1", strconv.Itoa(m.cfg.MixedPort)))
	if err != nil {
		return nil, err
	}
	return StartGate(upstream, m.logger)
}

// EgressURL is the proxy URL the lease holder must route traffic through.
func (l *Lease) EgressURL() string {
	if l.gate != nil {
		return l.gate.URL()
	}
	return l.m.EgressURL()
}

// FindHealthyNode runs the health search, verifying reachability through
// this lease's egress URL.
func (l *Lease) FindHealthyNode(ctx context.Context, group string) (string, error) {
	node, err := l.m.findHealthyNode(ctx, group, l.EgressURL())
	if err != nil {
		return "", err
	}
	l.setNode(node)
	return node, nil
}

// SwitchNode pins a specific node for this lease.
func (l *Lease) SwitchNode(ctx context.Context, node string) error {
	if err := l.m.SwitchNode(ctx, node); err != nil {
		return err
	}
	l.setNode(node)
	return nil
}

// Node is the node selected under this lease, if any.
func (l *Lease) Node() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.node
}

func (l *Lease) setNode(node string) {
	l.mu.Lock()
	l.node = node
	l.mu.Unlock()
}

// Release gives the route back. Only the first call has an effect.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	if l.gate != nil {
		if err := l.gate.Close(); err != nil {
			l.logger.Warn("Failed to close egress gate.", zap.Error(err))
		}
	}
	l.m.lease.Release(1)
	l.logger.Debug("Egress lease released.")
}
