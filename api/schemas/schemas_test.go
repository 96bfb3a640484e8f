package schemas_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

func TestCookieBundleValidity(t *testing.T) {
	t.Parallel()

	t.Run("session cookie alone is enough", func(t *testing.T) {
		b := schemas.CookieBundle{SessionCookie: "abc"}
		assert.True(t, b.IsValid())
	})

	t.Run("everything but the session cookie is not", func(t *testing.T) {
		b := schemas.CookieBundle{
			SessionIndex:    "123",
			ConfigID:        "cfg",
			SecondaryCookie: "oses",
			ExpiresAt:       "2025-01-08 00:00:00",
		}
		assert.False(t, b.IsValid())
	})
}

func TestCookieBundleWithIdentity(t *testing.T) {
	t.Parallel()
	original := schemas.CookieBundle{SessionCookie: "abc", ExpiresAt: "2025-01-08 00:00:00"}
	merged := original.WithIdentity("t1234abc@example.com", "PwdSecret")

	assert.Equal(t, "t1234abc@example.com", merged.Email)
	assert.Equal(t, "PwdSecret", merged.Password)
	assert.Equal(t, "abc", merged.SessionCookie)
	assert.Empty(t, original.Email, "the receiver must not be modified")
}

// The JSON names are consumed by the downstream panel and must not drift.
func TestAccountRecordJSONTags(t *testing.T) {
	t.Parallel()
	rec := schemas.AccountRecord{
		ID:              "account_1",
		Email:           "a@b.c",
		SessionCookie:   "ses",
		SessionIndex:    "idx",
		ConfigID:        "cid",
		SecondaryCookie: "oses",
		ExpiresAt:       "2025-01-08 00:00:00",
		CreatedAt:       "2025-01-01 00:00:00",
		UpdatedAt:       "2025-01-01 00:00:00",
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "email", "secure_c_ses", "csesidx", "config_id", "host_c_oses", "expires_at", "created_at", "updated_at"} {
		assert.Contains(t, raw, key)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		status   schemas.JobStatus
		terminal bool
	}{
		{schemas.JobPending, false},
		{schemas.JobRunning, false},
		{schemas.JobSuccess, true},
		{schemas.JobFailed, true},
	}
	for _, tc := range testCases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.status.Terminal())
		})
	}
}
