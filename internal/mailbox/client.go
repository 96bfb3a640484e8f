// File: internal/mailbox/client.go
package mailbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrRegistration covers every failure to create a new inbox.
	ErrRegistration = errors.New("mailbox registration failed")
	// ErrAuthentication means the inbox credential was rejected or no identity is bound.
	ErrAuthentication = errors.New("mailbox authentication failed")
	// ErrCodeTimeout means no message with a code arrived in time.
	ErrCodeTimeout = errors.New("timed out waiting for verification code")
	// ErrUnexpectedStatus wraps any other non-success answer.
	ErrUnexpectedStatus = errors.New("unexpected mailbox api status")
)

// Message is one inbox entry as returned by the detail endpoint.
type Message struct {
	ID   string   `json:"id"`
	Text string   `json:"text"`
	HTML htmlBody `json:"html"`
}

// htmlBody accepts the html field either as a string or as a list of parts.
type htmlBody string

func (h *htmlBody) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*h = htmlBody(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*h = htmlBody(strings.Join(parts, "\n"))
	return nil
}

type collection[T any] struct {
	Members []T `json:"hydra:member"`
}

// Client drives one inbox on a DuckMail compatible API. All traffic goes
// through the egress URL it was built with. A Client is safe for concurrent
// use but binds a single identity at a time.
type Client struct {
	baseURL       string
	defaultDomain string
	httpClient    *http.Client
	retries       int
	backoff       time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger

	now    func() time.Time
	random func(n int) string

	mu       sync.Mutex
	identity schemas.MailIdentity
}

// NewClient builds an inbox client. egressURL may be empty for direct access.
func NewClient(cfg config.MailboxConfig, egressURL string, logger *zap.Logger) (*Client, error) {
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConnsPerHost: 2,
	}
	if egressURL != "" {
		u, err := url.Parse(egressURL)
		if err != nil {
			return nil, fmt.Errorf("invalid egress url %q: %w", egressURL, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		defaultDomain: cfg.DefaultDomain,
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		retries:       cfg.RetryCount,
		backoff:       cfg.RetryBackoff,
		pollInterval:  pollInterval,
		logger:        logger.Named("mailbox"),
		now:           time.Now,
		random:        randomString,
	}, nil
}

// Identity returns the currently bound identity.
func (c *Client) Identity() schemas.MailIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Register creates a new inbox on domain, or on the first domain the service
// offers when domain is empty.
func (c *Client) Register(ctx context.Context, domain string) (schemas.MailIdentity, error) {
	if domain == "" {
		domain = c.pickDomain(ctx)
	}

	now := c.now()
	ts := strconv.FormatInt(now.Unix(), 10)
	ts = ts[len(ts)-4:]
	suffix := c.random(10)

	identity := schemas.MailIdentity{
		Address:   "t" + ts + suffix + "@" + domain,
		Secret:    "Pwd" + suffix + ts,
		CreatedAt: now,
	}
	log := c.logger.With(zap.String("email", identity.Address))
	log.Info("Registering inbox.")

	resp, err := c.do(ctx, http.MethodPost, "/accounts", credentials(identity), "")
	if err != nil {
		return schemas.MailIdentity{}, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return schemas.MailIdentity{}, fmt.Errorf("%w: accounts returned %d", ErrRegistration, resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return schemas.MailIdentity{}, fmt.Errorf("%w: decoding account: %v", ErrRegistration, err)
	}
	identity.AccountID = created.ID

	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()

	log.Info("Inbox registered.", zap.String("account_id", created.ID))
	return identity, nil
}

func (c *Client) pickDomain(ctx context.Context) string {
	domain := c.defaultDomain
	if domain == "" {
		domain = "virgilian.com"
	}
	resp, err := c.do(ctx, http.MethodGet, "/domains", nil, "")
	if err != nil {
		c.logger.Warn("Failed to list domains, using default.", zap.String("domain", domain), zap.Error(err))
		return domain
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Domain listing refused, using default.", zap.Int("status", resp.StatusCode))
		return domain
	}

	var list collection[struct {
		Domain string `json:"domain"`
	}]
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || len(list.Members) == 0 || list.Members[0].Domain == "" {
		return domain
	}
	return list.Members[0].Domain
}

// UseExisting binds an existing inbox. No request is made.
func (c *Client) UseExisting(address, secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = schemas.MailIdentity{Address: address, Secret: secret, CreatedAt: c.now()}
}

// Authenticate fetches a bearer token for the bound identity and caches it.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	identity := c.Identity()
	if identity.Address == "" {
		return "", fmt.Errorf("%w: no identity bound", ErrAuthentication)
	}

	resp, err := c.do(ctx, http.MethodPost, "/token", credentials(identity), "")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token returned %d", ErrAuthentication, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
		ID    string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
		return "", fmt.Errorf("%w: no token in response", ErrAuthentication)
	}

	c.mu.Lock()
	if c.identity.Address == identity.Address {
		c.identity.SessionToken = body.Token
		if c.identity.AccountID == "" {
			c.identity.AccountID = body.ID
		}
	}
	c.mu.Unlock()

	c.logger.Debug("Inbox authenticated.", zap.String("email", identity.Address))
	return body.Token, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.identity.SessionToken
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.Authenticate(ctx)
}

func (c *Client) invalidateToken(stale string) {
	c.mu.Lock()
	if c.identity.SessionToken == stale {
		c.identity.SessionToken = ""
	}
	c.mu.Unlock()
}

// authorized sends an authenticated request. A 401 drops the cached token
// and the request is repeated once with a fresh one.
func (c *Client) authorized(ctx context.Context, method, path string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, method, path, nil, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		drain(resp.Body)
		c.invalidateToken(token)
		if attempt > 0 {
			return nil, fmt.Errorf("%w: %s %s returned 401", ErrAuthentication, method, path)
		}
		c.logger.Debug("Token rejected, re-authenticating.", zap.String("path", path))
	}
}

// ClearInbox deletes every message currently in the inbox and returns how
// many were removed. Failures are logged, never returned.
func (c *Client) ClearInbox(ctx context.Context) int {
	ids, err := c.listMessageIDs(ctx)
	if err != nil {
		c.logger.Warn("Failed to list messages for clearing.", zap.Error(err))
		return 0
	}

	deleted := 0
	for _, id := range ids {
		resp, err := c.authorized(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id))
		if err != nil {
			c.logger.Warn("Failed to delete message.", zap.String("message_id", id), zap.Error(err))
			continue
		}
		drain(resp.Body)
		if resp.StatusCode >= 300 {
			c.logger.Warn("Message delete refused.", zap.String("message_id", id), zap.Int("status", resp.StatusCode))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		c.logger.Info("Cleared old messages.", zap.Int("count", deleted))
	}
	return deleted
}

func (c *Client) listMessageIDs(ctx context.Context) ([]string, error) {
	resp, err := c.authorized(ctx, http.MethodGet, "/messages")
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: messages returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	var list collection[struct {
		ID string `json:"id"`
	}]
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	ids := make([]string, 0, len(list.Members))
	for _, m := range list.Members {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// FetchMessage loads the full body of one message.
func (c *Client) FetchMessage(ctx context.Context, id string) (Message, error) {
	resp, err := c.authorized(ctx, http.MethodGet, "/messages/"+url.PathEscape(id))
	if err != nil {
		return Message{}, err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Message{}, fmt.Errorf("%w: message returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// WaitForCode polls the newest message until it yields a code or timeout
// elapses. Transient errors during polling are logged and polling goes on.
func (c *Client) WaitForCode(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.logger.With(zap.String("email", c.Identity().Address))
	log.Info("Waiting for verification code.", zap.Duration("timeout", timeout))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if code, ok := c.checkNewest(ctx, log); ok {
			log.Info("Verification code received.", zap.String("code", code))
			return code, nil
		}
		select {
		case <-ctx.Done():
			log.Warn("No verification code before timeout.")
			return "", ErrCodeTimeout
		case <-ticker.C:
		}
	}
}

func (c *Client) checkNewest(ctx context.Context, log *zap.Logger) (string, bool) {
	ids, err := c.listMessageIDs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Error checking messages.", zap.Error(err))
		}
		return "", false
	}
	if len(ids) == 0 {
		return "", false
	}
	msg, err := c.FetchMessage(ctx, ids[0])
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Error fetching message.", zap.String("message_id", ids[0]), zap.Error(err))
		}
		return "", false
	}
	return ExtractCode(messageText(msg))
}

// Delete removes the inbox. Best effort; failures are only logged.
func (c *Client) Delete(ctx context.Context) {
	identity := c.Identity()
	if identity.AccountID == "" {
		return
	}
	resp, err := c.authorized(ctx, http.MethodDelete, "/accounts/"+url.PathEscape(identity.AccountID))
	if err != nil {
		c.logger.Warn("Failed to delete inbox.", zap.String("email", identity.Address), zap.Error(err))
		return
	}
	drain(resp.Body)
	if resp.StatusCode >= 300 {
		c.logger.Warn("Inbox delete refused.", zap.String("email", identity.Address), zap.Int("status", resp.StatusCode))
		return
	}
	c.logger.Info("Inbox deleted.", zap.String("email", identity.Address))
}

func credentials(id schemas.MailIdentity) map[string]string {
	return map[string]string{"address": id.Address, "password": id.Secret}
}

// do sends one request, retrying transport errors and 5xx answers.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, token string) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if !c.shouldRetry(ctx, resp, err, attempt) {
			return resp, err
		}
		if resp != nil {
			drain(resp.Body)
		}

		wait := c.backoff * time.Duration(1<<attempt)
		c.logger.Debug("Retrying mailbox request.", zap.String("path", path), zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) shouldRetry(ctx context.Context, resp *http.Response, err error, attempt int) bool {
	if attempt >= c.retries || ctx.Err() != nil {
		return false
	}
	if err != nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) string {
	var sb strings.Builder
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			sb.WriteByte(alphabet[i%len(alphabet)])
			continue
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String()
}
