package middleware

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader carries the id of the user a request acts for. The websocket
// endpoint also accepts it as the user_id query parameter, since browsers
// cannot set headers on an upgrade.
const UserHeader = "X-User-ID"

const maxUserIDLen = 128

type userKey struct{}

// User returns middleware that requires a user id on every request whose
// path starts with one of the prefixes, and stores it in the context.
func User(prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasAnyPrefix(r.URL.Path, prefixes) {
				next.ServeHTTP(w, r)
				return
			}
			id := strings.TrimSpace(r.Header.Get(UserHeader))
			if id == "" {
				id = strings.TrimSpace(r.URL.Query().Get("user_id"))
			}
			if !validUserID(id) {
				reject(w, http.StatusBadRequest, "missing or invalid user id")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

// WithUserID returns a copy of ctx carrying id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserID returns the user id stored by User, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

func validUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '@':
		default:
			return false
		}
	}
	return true
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
