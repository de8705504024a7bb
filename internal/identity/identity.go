// Package identity resolves the request-scoped user id. The service has no
// authentication; callers identify themselves by header, query or body.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// UserHeaderName carries the caller's user id.
const UserHeaderName = "X-User-ID"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Sanitize returns id when it is a well-formed user id, or "".
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Resolve picks the effective user id: an explicit value from the request
// body wins over the middleware-resolved one.
func Resolve(ctx context.Context, explicit string) string {
	if id := Sanitize(explicit); id != "" {
		return id
	}
	return UserIDFromContext(ctx)
}

func userIDFromRequest(r *http.Request) string {
	id := r.Header.Get(UserHeaderName)
	if id == "" {
		id = r.URL.Query().Get("user_id")
	}
	return Sanitize(id)
}

// Middleware injects the caller's user id, falling back to defaultUserID.
func Middleware(defaultUserID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFromRequest(r)
			if userID == "" {
				userID = defaultUserID
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
