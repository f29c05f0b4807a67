// Package httptransport is the thin HTTP layer. Handlers delegate to the
// login service and device client without embedding business logic so
// transport concerns remain isolated.
package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"mihome/pkg/platform/httputil"
)

// NewRouter wires all public endpoints.
func NewRouter(auth *AuthHandler, devices *DeviceHandler, health http.HandlerFunc, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(90 * time.Second)) // must outlive the 60s long-poll

	auth.Register(r)
	devices.Register(r)

	r.Get("/healthz", health)
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	return r
}

// Health reports liveness plus the health of optional backing services.
// check may be nil when no external store is configured.
func Health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				httputil.WriteFailure(w, http.StatusServiceUnavailable, "backing store unavailable")
				return
			}
		}
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	}
}
