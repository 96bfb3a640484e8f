package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

// ErrNoHealthyNode means every candidate failed the latency probe or the
// reachability check, or no candidates could be listed at all.
var ErrNoHealthyNode = errors.New("no healthy proxy node")

// Node is the latest health observation for one proxy node.
type Node struct {
	Name        string
	Group       string
	Type        string
	LastLatency time.Duration
	Reachable   bool
	CheckedAt   time.Time
}

// nodeAPI is the part of the controller the health search needs.
type nodeAPI interface {
	ListNodes(ctx context.Context) (Inventory, error)
	ProbeLatency(ctx context.Context, node, probeURL string, timeout time.Duration) (time.Duration, bool)
	SelectNode(ctx context.Context, group, node string) error
}

// Manager owns the routing process and the single shared egress route.
// Selecting a node affects every client using the egress URL, so callers that
// may run concurrently must hold a Lease for the whole probe, select and use
// sequence.
type Manager struct {
	cfg     config.ProxyConfig
	api     nodeAPI
	process *Process
	logger  *zap.Logger

	lease   *semaphore.Weighted
	shuffle func([]string)

	mu    sync.RWMutex
	nodes map[string]Node
}

// NewManager builds a manager for the mihomo instance described by cfg.
// The process is not started until Start.
func NewManager(cfg config.ProxyConfig, logger *zap.Logger) *Manager {
	client := NewClient(cfg.APIURL(), logger)
	m := newManager(cfg, client, logger)
	m.process = NewProcess(cfg.Executable, cfg.RuntimePath, cfg.StartupAttempts, client, logger)
	return m
}

func newManager(cfg config.ProxyConfig, api nodeAPI, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		api:    api,
		logger: logger.Named("proxy_manager"),
		lease:  semaphore.NewWeighted(1),
		shuffle: func(names []string) {
			rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
		},
		nodes: make(map[string]Node),
	}
}

// Start writes the runtime configuration and launches the routing process.
// A missing node definition file is returned as ErrConfigNotFound. A
// controller that is slow to answer is only logged; node searches fail with
// ErrNoHealthyNode until it comes up.
func (m *Manager) Start(ctx context.Context) error {
	if err := WriteInlineConfig(m.cfg.ConfigPath, m.cfg.InlineConfig); err != nil {
		return err
	}
	if m.cfg.InlineConfig != "" {
		m.logger.Info("Wrote inline proxy configuration.", zap.String("path", m.cfg.ConfigPath))
	}
	if err := PrepareRuntimeConfig(m.cfg.ConfigPath, m.cfg.RuntimePath, RuntimeOptions{
		MixedPort: m.cfg.MixedPort,
		APIPort:   m.cfg.APIPort,
	}); err != nil {
		return err
	}
	m.logger.Info("Runtime configuration ready.", zap.String("path", m.cfg.RuntimePath))

	if m.process == nil {
		return nil
	}
	err := m.process.Start(ctx)
	if errors.Is(err, ErrNotReady) {
		m.logger.Error("Proxy controller is not answering; continuing without a verified proxy.", zap.Error(err))
		return nil
	}
	return err
}

// Stop terminates the routing process.
func (m *Manager) Stop() {
	if m.process != nil {
		m.process.Stop()
	}
}

// Running reports whether the routing process is alive.
func (m *Manager) Running() bool {
	return m.process != nil && m.process.Running()
}

// EgressURL is the local mixed-protocol listener. It does not change for the
// lifetime of the manager.
func (m *Manager) EgressURL() string {
	return m.cfg.MixedURL()
}

// ListNodes returns the controller's groups in listing order.
func (m *Manager) ListNodes(ctx context.Context) (Inventory, error) {
	return m.api.ListNodes(ctx)
}

// ProbeLatency measures one node. ok is false for unreachable nodes, which
// must never be treated as zero latency. A zero timeout uses the configured one.
func (m *Manager) ProbeLatency(ctx context.Context, node string, timeout time.Duration) (latency time.Duration, ok bool) {
	if timeout <= 0 {
		timeout = m.cfg.ProbeTimeout
	}
	return m.api.ProbeLatency(ctx, node, m.cfg.ProbeURL, timeout)
}

// SelectNode routes group through node.
func (m *Manager) SelectNode(ctx context.Context, group, node string) error {
	return m.api.SelectNode(ctx, group, node)
}

// Nodes returns the most recent health observations.
func (m *Manager) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

func (m *Manager) record(n Node) {
	n.CheckedAt = time.Now()
	m.mu.Lock()
	m.nodes[n.Name] = n
	m.mu.Unlock()
}

// Denied reports whether name is a utility or informational pseudo-node.
func (m *Manager) Denied(name string) bool {
	for _, kw := range m.cfg.Denylist {
		if kw != "" && strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// FindHealthyNode searches group (or the first selectable group when empty)
// for a node that passes the latency probe and then a real request through
// the egress URL. The passing node is left selected.
func (m *Manager) FindHealthyNode(ctx context.Context, group string) (string, error) {
	return m.findHealthyNode(ctx, group, m.EgressURL())
}

func (m *Manager) findHealthyNode(ctx context.Context, groupName, egressURL string) (string, error) {
	inv, err := m.api.ListNodes(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoHealthyNode, err)
	}

	group, ok := resolveGroup(inv, groupName)
	if !ok && groupName != "" {
		m.logger.Warn("Requested proxy group not usable; falling back to the first selectable group.",
			zap.String("requested", groupName))
		group, ok = resolveGroup(inv, "")
	}
	if !ok {
		return "", fmt.Errorf("%w: no selectable group (requested %q)", ErrNoHealthyNode, groupName)
	}

	candidates := append([]string(nil), group.Members...)
	m.shuffle(candidates)

	log := m.logger.With(zap.String("group", group.Name))
	log.Info("Searching for a healthy node.", zap.Int("candidates", len(candidates)))

	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if m.Denied(name) {
			continue
		}

		latency, ok := m.ProbeLatency(ctx, name, 0)
		if !ok {
			log.Debug("Node failed latency probe.", zap.String("node", name))
			m.record(Node{Name: name, Group: group.Name, Type: inv.Types[name]})
			continue
		}

		if err := m.api.SelectNode(ctx, group.Name, name); err != nil {
			log.Warn("Failed to select node.", zap.String("node", name), zap.Error(err))
			continue
		}

		reachable := m.checkReachability(ctx, egressURL)
		m.record(Node{Name: name, Group: group.Name, Type: inv.Types[name], LastLatency: latency, Reachable: reachable})
		if !reachable {
			log.Info("Node passed latency probe but egress check failed.", zap.String("node", name), zap.Duration("latency", latency))
			continue
		}

		log.Info("Healthy node selected.", zap.String("node", name), zap.Duration("latency", latency))
		return name, nil
	}

	return "", fmt.Errorf("%w: tested every candidate in %q", ErrNoHealthyNode, group.Name)
}

// resolveGroup picks the named group, or the first selectable one.
func resolveGroup(inv Inventory, name string) (Group, bool) {
	if name != "" {
		g, ok := inv.Group(name)
		return g, ok && len(g.Members) > 0
	}
	for _, g := range inv.Groups {
		if g.Selectable() {
			return g, true
		}
	}
	return Group{}, false
}

// SwitchNode selects node in whichever selectable group contains it.
func (m *Manager) SwitchNode(ctx context.Context, node string) error {
	inv, err := m.api.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, g := range inv.Groups {
		if g.Type != GroupTypeSelector {
			continue
		}
		for _, member := range g.Members {
			if member == node {
				if err := m.api.SelectNode(ctx, g.Name, node); err != nil {
					return err
				}
				m.logger.Info("Switched node.", zap.String("group", g.Name), zap.String("node", node))
				return nil
			}
		}
	}
	return fmt.Errorf("node %q not found in any selectable group", node)
}

// checkReachability sends one real request through egressURL after giving
// the route a moment to settle.
func (m *Manager) checkReachability(ctx context.Context, egressURL string) bool {
	if m.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.SettleDelay):
		}
	}

	proxyURL, err := url.Parse(egressURL)
	if err != nil {
		return false
	}
	client := &http.Client{
		Timeout: m.cfg.ReachabilityTimeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DialContext:       (&net.Dialer{Timeout: m.cfg.ReachabilityTimeout}).DialContext,
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ReachabilityURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		m.logger.Debug("Reachability request failed.", zap.Error(err))
		return false
	}
	drain(resp.Body)
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}
