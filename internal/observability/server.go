package observability

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugServer serves /healthz and /metrics for an operator's scrape and
// liveness tooling. It is not a REST API for mail operations; the SMTP
// protocol engine is the only ingress for message traffic.
type DebugServer struct {
	server *http.Server
}

// NewDebugServer builds a DebugServer listening on addr, exposing gatherer
// via promhttp and a trivial liveness check at /healthz.
func NewDebugServer(addr string, gatherer prometheus.Gatherer) *DebugServer {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &DebugServer{
		server: &http.Server{Addr: addr, Handler: r},
	}
}

// ListenAndServe starts the debug server. It returns http.ErrServerClosed
// after a call to Shutdown.
func (s *DebugServer) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the debug server.
func (s *DebugServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
