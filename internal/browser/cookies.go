package browser

import (
	"net/url"
	"strings"
	"time"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
)

const (
	// SessionCookieName is the primary session artifact.
	SessionCookieName = "__Secure-C_SES"
	// SecondaryCookieName is stored alongside it when present.
	SecondaryCookieName = "__Host-C_OSES"

	// The artifact should be refreshed this long before the cookie dies.
	refreshMargin = 12 * time.Hour
	// Used when the session cookie carries no expiry.
	defaultLifetimeDays = 7
)

// LoggedInURL reports whether u looks like the post-login workspace.
func LoggedInURL(u string) bool {
	return strings.Contains(u, "/cid/") || strings.Contains(u, "csesidx=")
}

// BuildBundle assembles a CookieBundle from the final page URL and the
// cookies of the isolated context. An empty session cookie yields the
// partial bundle together with ErrExtractionIncomplete.
func BuildBundle(pageURL string, cookies []schemas.Cookie, now time.Time) (schemas.CookieBundle, error) {
	var b schemas.CookieBundle

	if u, err := url.Parse(pageURL); err == nil {
		segments := strings.Split(u.Path, "/")
		for i, seg := range segments {
			if seg == "cid" && i+1 < len(segments) {
				b.ConfigID = segments[i+1]
				break
			}
		}
		b.SessionIndex = u.Query().Get("csesidx")
	}

	var expiry time.Time
	for _, c := range cookies {
		switch c.Name {
		case SessionCookieName:
			b.SessionCookie = c.Value
			if c.Expires > 0 && !c.Session {
				sec := int64(c.Expires)
				nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
				expiry = time.Unix(sec, nsec).Add(-refreshMargin)
			}
		case SecondaryCookieName:
			b.SecondaryCookie = c.Value
		}
	}

	if expiry.IsZero() {
		expiry = now.AddDate(0, 0, defaultLifetimeDays)
	}
	b.ExpiresAt = expiry.Local().Format(schemas.TimeLayout)

	if !b.IsValid() {
		return b, ErrExtractionIncomplete
	}
	return b, nil
}
