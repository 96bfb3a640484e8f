package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeController imitates the mihomo controller and, for absolute-form
// requests, its mixed listener. A proxied request succeeds only when the
// currently selected node is marked reachable.
type fakeController struct {
	mu        sync.Mutex
	listing   string
	delays    map[string]int64
	reachable map[string]bool
	selected  map[string]string
	last      string
	probes    map[string]int
	selects   []string

	server *httptest.Server
}

func newFakeController(t *testing.T, listing string) *fakeController {
	t.Helper()
	f := &fakeController{
		listing:   listing,
		delays:    map[string]int64{},
		reachable: map[string]bool{},
		selected:  map[string]string{},
		probes:    map[string]int{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeController) port(t *testing.T) int {
	t.Helper()
	u, err := url.Parse(f.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *fakeController) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Host != "" {
		if f.reachable[f.last] {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, `{"hello":"mihomo"}`)
	case r.URL.Path == "/proxies" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, f.listing)
	case strings.HasSuffix(r.URL.Path, "/delay"):
		node := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/proxies/"), "/delay")
		f.probes[node]++
		delay, ok := f.delays[node]
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"message":"An error occurred in the delay test"}`)
			return
		}
		_, _ = io.WriteString(w, `{"delay":`+strconv.FormatInt(delay, 10)+`}`)
	case strings.HasPrefix(r.URL.Path, "/proxies/") && r.Method == http.MethodPut:
		group := strings.TrimPrefix(r.URL.Path, "/proxies/")
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.selected[group] = body.Name
		f.last = body.Name
		f.selects = append(f.selects, group+"="+body.Name)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeController) probeCount(node string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[node]
}

func (f *fakeController) selectedIn(group string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected[group]
}

const sampleListing = `{
  "proxies": {
    "DIRECT": {"type": "Direct", "name": "DIRECT"},
    "Auto": {"type": "URLTest", "name": "Auto", "all": ["HK-01", "JP-01"], "now": "HK-01"},
    "Proxy": {"type": "Selector", "name": "Proxy", "all": ["HK-01", "JP-01", "US-01", "剩余流量：10GB", "DIRECT"], "now": "HK-01"},
    "GLOBAL": {"type": "Selector", "name": "GLOBAL", "all": ["Proxy", "Auto", "DIRECT"], "now": "Proxy"},
    "HK-01": {"type": "Shadowsocks", "name": "HK-01"},
    "JP-01": {"type": "Vmess", "name": "JP-01"},
    "US-01": {"type": "Trojan", "name": "US-01"}
  }
}`
