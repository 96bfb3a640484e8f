package proxy

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

func testProxyConfig(fake *fakeController, t *testing.T) config.ProxyConfig {
	return config.ProxyConfig{
		MixedPort:           fake.port(t),
		Denylist:            []string{"DIRECT", "REJECT", "剩余"},
		ProbeURL:            "http://www.gstatic.com/generate_204",
		ProbeTimeout:        time.Second,
		ReachabilityURL:     "http://reachability.test/generate_204",
		ReachabilityTimeout: 2 * time.Second,
	}
}

func newTestManager(t *testing.T, fake *fakeController) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return newManager(testProxyConfig(fake, t), NewClient(fake.server.URL, logger), logger)
}

func TestManager_FindHealthyNodeReturnsPassingMember(t *testing.T) {
	fake := newFakeController(t, sampleListing)
	fake.delays["JP-01"] = 120
	fake.delays["US-01"] = 80
	fake.reachable["US-01"] = true

	m := newTestManager(t, fake)
	node, err := m.FindHealthyNode(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "US-01", node, "the only node passing both checks")
	assert.Equal(t, "US-01", fake.selectedIn("Proxy"), "the returned node stays selected")

	var observed *Node
	for _, n := range m.Nodes() {
		if n.Name == "US-01" {
			n := n
			observed = &n
		}
	}
	require.NotNil(t, observed)
	assert.True(t, observed.Reachable)
	assert.Equal(t, 80*time.Millisecond, observed.LastLatency)
}

func TestManager_FindHealthyNodeTestsEachCandidateOnce(t *testing.T) {
	fake := newFakeController(t, sampleListing)
	fake.delays["HK-01"] = 50 // passes latency, fails reachability

	m := newTestManager(t, fake)
	_, err := m.FindHealthyNode(context.Background(), "Proxy")
	require.ErrorIs(t, err, ErrNoHealthyNode)

	for _, node := range []string{"HK-01", "JP-01", "US-01"} {
		assert.Equal(t, 1, fake.probeCount(node), "node %s", node)
	}
	assert.Zero(t, fake.probeCount("DIRECT"))
	assert.Zero(t, fake.probeCount("剩余流量：10GB"))
}

func TestManager_FindHealthyNodeShufflesCandidates(t *testing.T) {
	fake := newFakeController(t, sampleListing)
	m := newTestManager(t, fake)

	var seen []string
	m.shuffle = func(names []string) {
		seen = append([]string(nil), names...)
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}
	_, err := m.FindHealthyNode(context.Background(), "")
	require.ErrorIs(t, err, ErrNoHealthyNode)
	assert.Equal(t, []string{"HK-01", "JP-01", "US-01", "剩余流量：10GB", "DIRECT"}, seen)
}

func TestManager_FindHealthyNodeFallsBackFromUnknownGroup(t *testing.T) {
	fake := newFakeController(t, sampleListing)
	fake.delays["US-01"] = 80
	fake.reachable["US-01"] = true

	node, err := newTestManager(t, fake).FindHealthyNode(context.Background(), "Missing")
	require.NoError(t, err)
	assert.Equal(t, "US-01", node)
	assert.Equal(t, "US-01", fake.selectedIn("Proxy"), "the first selector group is used instead")
}

func TestManager_FindHealthyNodeGroupErrors(t *testing.T) {
	t.Run("unknown group and no selectable fallback", func(t *testing.T) {
		fake := newFakeController(t, `{"proxies": {"DIRECT": {"type": "Direct"}}}`)
		_, err := newTestManager(t, fake).FindHealthyNode(context.Background(), "Missing")
		assert.ErrorIs(t, err, ErrNoHealthyNode)
	})

	t.Run("no selectable group", func(t *testing.T) {
		fake := newFakeController(t, `{"proxies": {"DIRECT": {"type": "Direct"}}}`)
		_, err := newTestManager(t, fake).FindHealthyNode(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoHealthyNode)
	})

	t.Run("controller down", func(t *testing.T) {
		fake := newFakeController(t, sampleListing)
		m := newTestManager(t, fake)
		fake.server.Close()

		_, err := m.FindHealthyNode(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoHealthyNode)
		assert.ErrorIs(t, err, ErrProxyAPI)
	})
}

func TestManager_FindHealthyNodeHonorsCancellation(t *testing.T) {
	fake := newFakeController(t, sampleListing)
	m := newTestManager(t, fake)
	m.shuffle = func([]string) {}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.FindHealthyNode(ctx, "")
	assert.Error(t, err)
	assert.Zero(t, fake.probeCount("HK-01"))
}

func TestManager_SwitchNode(t *testing.T) {
	fake := newFakeController(t, sampleListing)
	m := newTestManager(t, fake)

	require.NoError(t, m.SwitchNode(context.Background(), "JP-01"))
	assert.Equal(t, "JP-01", fake.selectedIn("Proxy"))
	assert.Empty(t, fake.selectedIn("Auto"), "url-test groups are never switched")

	err := m.SwitchNode(context.Background(), "XX-99")
	assert.ErrorContains(t, err, "not found")
}

func TestManager_Denied(t *testing.T) {
	fake := newFakeController(t, sampleListing)
	m := newTestManager(t, fake)

	assert.True(t, m.Denied("DIRECT"))
	assert.True(t, m.Denied("剩余流量：10GB"))
	assert.False(t, m.Denied("HK-01"))
}

func TestManager_EgressURLIsStable(t *testing.T) {
	m := newManager(config.ProxyConfig{MixedPort: 17890}, nil, zaptest.NewLogger(t))
	assert.Equal(t, "http://127.0.0.1:17890", m.EgressURL())
	assert.False(t, m.Running())
	m.Stop()
}
