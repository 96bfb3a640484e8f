// File: internal/push/push.go
// Description: Delivers stored account records to the downstream panel.

package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pusher POSTs record arrays to a single target URL.
type Pusher struct {
	targetURL  string
	attempts   int
	httpClient *http.Client
	logger     *zap.Logger
}

// New returns nil when no target is configured.
func New(cfg config.PushConfig, logger *zap.Logger) *Pusher {
	if cfg.TargetURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	return &Pusher{
		targetURL:  cfg.TargetURL,
		attempts:   attempts,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("pusher").With(zap.String("target", cfg.TargetURL)),
	}
}

// Push sends records as one JSON array. It reports false after the last
// failed attempt; callers treat that as a warning, never as fatal.
func (p *Pusher) Push(ctx context.Context, records []schemas.AccountRecord) bool {
	if p == nil {
		return false
	}
	if records == nil {
		records = []schemas.AccountRecord{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		p.logger.Error("Failed to encode records.", zap.Error(err))
		return false
	}

	for attempt := 1; attempt <= p.attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		p.logger.Info("Sending records.", zap.Int("count", len(records)), zap.Int("attempt", attempt))
		status, err := p.send(ctx, body)
		switch {
		case err != nil:
			p.logger.Warn("Push request failed.", zap.Int("attempt", attempt), zap.Error(err))
		case status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent:
			p.logger.Info("Push successful.", zap.Int("status", status))
			return true
		default:
			p.logger.Warn("Push rejected.", zap.Int("attempt", attempt), zap.Int("status", status))
		}
	}
	p.logger.Error("All push attempts failed.", zap.Int("attempts", p.attempts))
	return false
}

func (p *Pusher) send(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}
