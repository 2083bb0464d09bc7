// Package identity carries the participant's opaque session token through
// requests.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName        = "study_session"
	SessionHeaderName = "X-Session-ID"
	QueryParam        = "session_id"
	cookieMaxAge      = 30 * 24 * time.Hour
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	issuedKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the session token from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// IssuedFromContext reports whether the token was generated for this request.
func IssuedFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(issuedKey).(bool)
	return v
}

// WithSessionID returns ctx carrying the session token.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ValidSessionID reports whether id is acceptable as a session token.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// sessionIDFromRequest looks in the query string first so links carrying a
// token resume that session, then the header, then the cookie.
func sessionIDFromRequest(r *http.Request) string {
	if sid := strings.TrimSpace(r.URL.Query().Get(QueryParam)); sid != "" {
		return sid
	}
	if sid := strings.TrimSpace(r.Header.Get(SessionHeaderName)); sid != "" {
		return sid
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func setCookie(w http.ResponseWriter, sessionID string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware resolves the session token for each request, issuing a new one
// when the request carries none. A malformed token is rejected.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			issued := false
			if sessionID == "" {
				sessionID = uuid.NewString()
				issued = true
			} else if !ValidSessionID(sessionID) {
				http.Error(w, `{"error":"invalid session token"}`, http.StatusBadRequest)
				return
			}

			setCookie(w, sessionID, isDev)
			w.Header().Set(SessionHeaderName, sessionID)

			ctx := WithSessionID(r.Context(), sessionID)
			ctx = context.WithValue(ctx, issuedKey, issued)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns the remote IP without its port, for logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
