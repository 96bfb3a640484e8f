package schemas

import (
	"time"
)

// TimeLayout is the wall-clock format used for every persisted timestamp.
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout is the format of the seed ledger's date column.
const DateLayout = "2006-01-02"

// -- Identity Schemas --

// MailIdentity is an address plus credential able to read one inbox.
type MailIdentity struct {
	Address   string `json:"address"`
	Secret    string `json:"password"`
	AccountID string `json:"account_id,omitempty"`
	// SessionToken is fetched lazily and dropped on any 401.
	SessionToken string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// -- Artifact Schemas --

// CookieBundle is the artifact produced by one successful login.
type CookieBundle struct {
	SessionCookie   string `json:"secure_c_ses"`
	SessionIndex    string `json:"csesidx"`
	ConfigID        string `json:"config_id"`
	SecondaryCookie string `json:"host_c_oses"`
	ExpiresAt       string `json:"expires_at"`
	Email           string `json:"email,omitempty"`
	Password        string `json:"password,omitempty"`
}

// IsValid reports whether the bundle carries a session cookie. Nothing else
// is required of a bundle.
func (b CookieBundle) IsValid() bool {
	return b.SessionCookie != ""
}

// WithIdentity returns a copy of b carrying the account identity.
func (b CookieBundle) WithIdentity(email, password string) CookieBundle {
	b.Email = email
	b.Password = password
	return b
}

// AccountRecord is one row of the artifact store, keyed by email.
type AccountRecord struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	SessionCookie   string `json:"secure_c_ses"`
	SessionIndex    string `json:"csesidx"`
	ConfigID        string `json:"config_id"`
	SecondaryCookie string `json:"host_c_oses"`
	ExpiresAt       string `json:"expires_at"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// LedgerEntry is one row of the append-only seed ledger.
type LedgerEntry struct {
	ID       int    `json:"id"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Date     string `json:"date"`
}
