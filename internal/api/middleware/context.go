package middleware

import (
	"context"
	"net/http"
	"strings"
)

// UserIDHeader carries the caller's user id. The web tier authenticates the
// user and sets it on every proxied request.
const UserIDHeader = "X-User-ID"

type contextKey string

const userIDKey contextKey = "user_id"

func SetUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func GetUserID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userIDKey).(string)
	return id, ok && id != ""
}

// UserID copies the caller header into the request context. Requests without
// it pass through anonymous.
func UserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
			r = r.WithContext(SetUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
