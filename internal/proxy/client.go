package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrProxyAPI is returned when the mihomo control API is unreachable or
// answers with an unexpected status.
var ErrProxyAPI = errors.New("proxy control api error")

// GroupTypeSelector is the only group type that accepts manual selection.
const GroupTypeSelector = "Selector"

// Group is a named, ordered set of node identifiers.
type Group struct {
	Name    string
	Type    string
	Members []string
	// Now is the member currently routed, if reported.
	Now string
}

// Selectable reports whether the group takes manual selection and has members.
func (g Group) Selectable() bool {
	return g.Type == GroupTypeSelector && len(g.Members) > 0
}

// Inventory is the decoded /proxies listing: groups in document order plus
// the type of every entry.
type Inventory struct {
	Groups []Group
	Types  map[string]string
}

// Group finds a group by name.
func (inv Inventory) Group(name string) (Group, bool) {
	for _, g := range inv.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// Client talks to the external controller of a running mihomo instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a control API client for baseURL (e.g. http://127.0.0.1:29090).
func NewClient(baseURL string, logger *zap.Logger) *Client {
	// The controller is local; never route it through HTTP_PROXY.
	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{Proxy: nil, MaxIdleConnsPerHost: 4},
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.Named("proxy_api"),
	}
}

// Ping checks that the controller accepts connections. Any HTTP answer counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyAPI, err)
	}
	drain(resp.Body)
	return nil
}

// ListNodes returns every proxy group with its members, preserving the order
// in which the controller lists them.
func (c *Client) ListNodes(ctx context.Context) (Inventory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/proxies", nil)
	if err != nil {
		return Inventory{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Inventory{}, fmt.Errorf("%w: %v", ErrProxyAPI, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Inventory{}, fmt.Errorf("%w: proxies returned %d", ErrProxyAPI, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Inventory{}, fmt.Errorf("%w: reading proxies: %v", ErrProxyAPI, err)
	}
	return decodeInventory(body)
}

type proxyEntry struct {
	Type string   `json:"type"`
	All  []string `json:"all"`
	Now  string   `json:"now"`
}

// decodeInventory walks the "proxies" object with an iterator so group order
// survives decoding.
func decodeInventory(body []byte) (Inventory, error) {
	inv := Inventory{Types: make(map[string]string)}
	iter := jsoniter.ParseBytes(json, body)
	iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		if field != "proxies" {
			it.Skip()
			return true
		}
		it.ReadObjectCB(func(it *jsoniter.Iterator, name string) bool {
			var entry proxyEntry
			it.ReadVal(&entry)
			inv.Types[name] = entry.Type
			if len(entry.All) > 0 || entry.Type == GroupTypeSelector {
				inv.Groups = append(inv.Groups, Group{Name: name, Type: entry.Type, Members: entry.All, Now: entry.Now})
			}
			return true
		})
		return true
	})
	if iter.Error != nil && iter.Error != io.EOF {
		return Inventory{}, fmt.Errorf("%w: decoding proxies: %v", ErrProxyAPI, iter.Error)
	}
	return inv, nil
}

// ProbeLatency asks the controller to measure node against probeURL. The
// boolean is false when the node did not answer or reported a non-positive delay.
func (c *Client) ProbeLatency(ctx context.Context, node, probeURL string, timeout time.Duration) (time.Duration, bool) {
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	q.Set("url", probeURL)
	endpoint := fmt.Sprintf("%s/proxies/%s/delay?%s", c.baseURL, url.PathEscape(node), q.Encode())

	// The controller enforces timeout itself; leave it a second to answer.
	reqCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Latency probe failed.", zap.String("node", node), zap.Error(err))
		return 0, false
	}
	defer drain(resp.Body)

	var result struct {
		Delay *int64 `json:"delay"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Delay == nil {
		return 0, false
	}
	if *result.Delay <= 0 {
		return 0, false
	}
	return time.Duration(*result.Delay) * time.Millisecond, true
}

// SelectNode routes group through node.
func (c *Client) SelectNode(ctx context.Context, group, node string) error {
	payload, err := json.Marshal(map[string]string{"name": node})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/proxies/%s", c.baseURL, url.PathEscape(group))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: selecting %q in %q: %v", ErrProxyAPI, node, group, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: selecting %q in %q returned %d", ErrProxyAPI, node, group, resp.StatusCode)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
