package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	sqlCreateAccounts = `
        CREATE TABLE IF NOT EXISTS accounts (
            id           TEXT NOT NULL,
            email        TEXT PRIMARY KEY,
            secure_c_ses TEXT NOT NULL,
            csesidx      TEXT NOT NULL DEFAULT '',
            config_id    TEXT NOT NULL DEFAULT '',
            host_c_oses  TEXT NOT NULL DEFAULT '',
            expires_at   TEXT NOT NULL,
            created_at   TEXT NOT NULL,
            updated_at   TEXT NOT NULL
        );
    `

	sqlNextAccountNumber = `SELECT COUNT(*) + 1 FROM accounts;`

	sqlUpsertAccount = `
        INSERT INTO accounts (id, email, secure_c_ses, csesidx, config_id, host_c_oses, expires_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (email) DO UPDATE SET
            secure_c_ses = EXCLUDED.secure_c_ses,
            csesidx = EXCLUDED.csesidx,
            config_id = EXCLUDED.config_id,
            host_c_oses = EXCLUDED.host_c_oses,
            expires_at = EXCLUDED.expires_at,
            updated_at = EXCLUDED.updated_at
        RETURNING id, created_at;
    `

	sqlListAccounts = `
        SELECT id, email, secure_c_ses, csesidx, config_id, host_c_oses, expires_at, created_at, updated_at
        FROM accounts
        ORDER BY created_at ASC, id ASC;
    `

	sqlListEmails = `SELECT email FROM accounts;`
)

// Postgres stores account records in a single table keyed by email.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// NewPostgres creates a new store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Migrate creates the accounts table if it is missing.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateAccounts); err != nil {
		return fmt.Errorf("failed to create accounts table: %w", err)
	}
	return nil
}

func (s *Postgres) Upsert(ctx context.Context, b schemas.CookieBundle) (schemas.AccountRecord, error) {
	if err := validate(b); err != nil {
		return schemas.AccountRecord{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schemas.AccountRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var next int
	if err := tx.QueryRow(ctx, sqlNextAccountNumber).Scan(&next); err != nil {
		return schemas.AccountRecord{}, fmt.Errorf("failed to allocate account id: %w", err)
	}

	rec := newRecord(accountID(next), b, s.now())
	err = tx.QueryRow(ctx, sqlUpsertAccount,
		rec.ID, rec.Email, rec.SessionCookie, rec.SessionIndex, rec.ConfigID,
		rec.SecondaryCookie, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return schemas.AccountRecord{}, fmt.Errorf("failed to upsert account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return schemas.AccountRecord{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Stored account.", zap.String("email", rec.Email), zap.String("id", rec.ID))
	return rec, nil
}

func (s *Postgres) List(ctx context.Context) ([]schemas.AccountRecord, error) {
	rows, err := s.pool.Query(ctx, sqlListAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var records []schemas.AccountRecord
	for rows.Next() {
		var r schemas.AccountRecord
		if err := rows.Scan(
			&r.ID, &r.Email, &r.SessionCookie, &r.SessionIndex, &r.ConfigID,
			&r.SecondaryCookie, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

func (s *Postgres) Emails(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, sqlListEmails)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	emails := make(map[string]struct{})
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan email row: %w", err)
		}
		emails[e] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return emails, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}
