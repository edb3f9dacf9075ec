package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/gas/internal/api/response"
)

const healthTimeout = 2 * time.Second

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. Each
// named dependency is pinged; any failure turns the response into a 503.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		results := make(map[string]string, len(names))
		healthy := true
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				results[name] = err.Error()
				healthy = false
				continue
			}
			results[name] = "ok"
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "DEPENDENCY_UNAVAILABLE",
				"One or more dependencies are unavailable", results)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": results})
	}
}
