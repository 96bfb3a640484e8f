package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.Local)

func newPostgresForTest(t *testing.T, logger *zap.Logger) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := NewPostgres(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s, mockPool
}

func TestNewPostgres(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresMigrate(t *testing.T) {
	s, mockPool := newPostgresForTest(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateAccounts)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresUpsert(t *testing.T) {
	ctx := context.Background()
	bundle := schemas.CookieBundle{
		SessionCookie:   "ses",
		SessionIndex:    "idx",
		ConfigID:        "cid",
		SecondaryCookie: "oses",
		ExpiresAt:       "2025-01-08 12:00:00",
		Email:           "a@example.test",
	}

	t.Run("should insert and commit without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newPostgresForTest(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlNextAccountNumber)).
			WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(4))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlUpsertAccount)).
			WithArgs("account_4", "a@example.test", "ses", "idx", "cid", "oses",
				"2025-01-08 12:00:00", "2025-01-01 12:00:00", "2025-01-01 12:00:00").
			WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("account_4", "2025-01-01 12:00:00"))
		// Expect Commit AND the subsequent Rollback (which returns ErrTxClosed)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		rec, err := s.Upsert(ctx, bundle)
		require.NoError(t, err)
		assert.Equal(t, "account_4", rec.ID)
		assert.Equal(t, "2025-01-01 12:00:00", rec.UpdatedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Equal(t, 0, observedLogs.Len(), "ErrTxClosed after commit must not be logged")
	})

	t.Run("should keep the id and creation time of an existing row", func(t *testing.T) {
		s, mockPool := newPostgresForTest(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlNextAccountNumber)).
			WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(4))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlUpsertAccount)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("account_1", "2024-12-01 08:00:00"))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		rec, err := s.Upsert(ctx, bundle)
		require.NoError(t, err)
		assert.Equal(t, "account_1", rec.ID)
		assert.Equal(t, "2024-12-01 08:00:00", rec.CreatedAt)
		assert.Equal(t, "2025-01-01 12:00:00", rec.UpdatedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject an empty session cookie before touching the database", func(t *testing.T) {
		s, mockPool := newPostgresForTest(t, zap.NewNop())

		invalid := bundle
		invalid.SessionCookie = ""
		_, err := s.Upsert(ctx, invalid)
		assert.ErrorIs(t, err, ErrInvalidBundle)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the upsert fails", func(t *testing.T) {
		s, mockPool := newPostgresForTest(t, zap.NewNop())
		dbErr := errors.New("constraint violated")

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlNextAccountNumber)).
			WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(1))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlUpsertAccount)).WillReturnError(dbErr)
		mockPool.ExpectRollback()

		_, err := s.Upsert(ctx, bundle)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresList(t *testing.T) {
	s, mockPool := newPostgresForTest(t, zap.NewNop())
	columns := []string{"id", "email", "secure_c_ses", "csesidx", "config_id", "host_c_oses", "expires_at", "created_at", "updated_at"}
	rows := pgxmock.NewRows(columns).
		AddRow("account_1", "a@example.test", "s1", "i1", "c1", "o1", "2025-01-08 00:00:00", "2025-01-01 00:00:00", "2025-01-01 00:00:00").
		AddRow("account_2", "b@example.test", "s2", "i2", "c2", "o2", "2025-01-09 00:00:00", "2025-01-02 00:00:00", "2025-01-02 00:00:00")
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListAccounts)).WillReturnRows(rows)

	records, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b@example.test", records[1].Email)
	assert.Equal(t, "s2", records[1].SessionCookie)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresEmails(t *testing.T) {
	s, mockPool := newPostgresForTest(t, zap.NewNop())
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListEmails)).
		WillReturnRows(pgxmock.NewRows([]string{"email"}).AddRow("a@example.test").AddRow("b@example.test"))

	emails, err := s.Emails(context.Background())
	require.NoError(t, err)
	assert.Len(t, emails, 2)
	assert.Contains(t, emails, "a@example.test")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestNextAccountID(t *testing.T) {
	assert.Equal(t, "account_1", nextAccountID(nil))
	assert.Equal(t, "account_4", nextAccountID([]schemas.AccountRecord{
		{ID: "account_1"}, {ID: "account_3"}, {ID: "custom"},
	}))
}

func TestNewRecordDefaultsExpiry(t *testing.T) {
	rec := newRecord("account_1", schemas.CookieBundle{SessionCookie: "s", Email: "a@example.test"},
		time.Date(2025, 1, 28, 9, 30, 0, 0, time.Local))
	// Crosses the month boundary.
	assert.Equal(t, "2025-02-04 09:30:00", rec.ExpiresAt)
	assert.Equal(t, "2025-01-28 09:30:00", rec.CreatedAt)
}
