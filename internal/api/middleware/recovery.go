package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gas/internal/api/response"
)

// Recovery turns a handler panic into a 500 and logs it with the job route
// and caller. http.ErrAbortHandler is re-raised so net/http can abort the
// connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			attrs := []any{
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if id := rctx.URLParam("jobID"); id != "" {
					attrs = append(attrs, "job_id", id)
				}
			}
			if user, ok := GetUserID(r); ok {
				attrs = append(attrs, "user_id", user)
			}
			slog.Error("handler panicked", attrs...)
			response.InternalError(w)
		}()
		next.ServeHTTP(w, r)
	})
}
