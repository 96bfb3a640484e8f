package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/config"
)

// ErrInvalidBundle is returned, before anything is written, for a bundle
// without a session cookie.
var ErrInvalidBundle = errors.New("bundle has no session cookie")

// defaultValidity applies when a bundle arrives without an expiry.
const defaultValidityDays = 7

// ArtifactStore persists one record per account email.
type ArtifactStore interface {
	// Upsert inserts or replaces the record for bundle.Email. An existing
	// record keeps its id and creation time.
	Upsert(ctx context.Context, bundle schemas.CookieBundle) (schemas.AccountRecord, error)
	List(ctx context.Context) ([]schemas.AccountRecord, error)
	// Emails returns the set of accounts already stored.
	Emails(ctx context.Context) (map[string]struct{}, error)
	Close()
}

// Open returns the PostgreSQL store when a database URL is configured and the
// JSON file store otherwise.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (ArtifactStore, error) {
	if cfg.DatabaseURL == "" {
		return NewFileStore(cfg.AccountsPath, logger), nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func validate(b schemas.CookieBundle) error {
	if !b.IsValid() {
		return ErrInvalidBundle
	}
	if b.Email == "" {
		return fmt.Errorf("%w: bundle has no email", ErrInvalidBundle)
	}
	return nil
}

// newRecord renders bundle as a record stamped at now.
func newRecord(id string, b schemas.CookieBundle, now time.Time) schemas.AccountRecord {
	ts := now.Format(schemas.TimeLayout)
	expires := b.ExpiresAt
	if expires == "" {
		expires = now.AddDate(0, 0, defaultValidityDays).Format(schemas.TimeLayout)
	}
	return schemas.AccountRecord{
		ID:              id,
		Email:           b.Email,
		SessionCookie:   b.SessionCookie,
		SessionIndex:    b.SessionIndex,
		ConfigID:        b.ConfigID,
		SecondaryCookie: b.SecondaryCookie,
		ExpiresAt:       expires,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

func accountID(n int) string {
	return "account_" + strconv.Itoa(n)
}

// nextAccountID is one past the highest account_N in use.
func nextAccountID(records []schemas.AccountRecord) string {
	highest := 0
	for _, r := range records {
		n, err := strconv.Atoi(strings.TrimPrefix(r.ID, "account_"))
		if err == nil && n > highest {
			highest = n
		}
	}
	return accountID(highest + 1)
}
