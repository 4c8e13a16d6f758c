package ipc

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an HTTP server with governance routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           NewRouter(h),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewRouter returns the full route table wrapped in CORS handling.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Bus.
	mux.HandleFunc("GET /api/v1/bus/stats", h.BusStats)
	mux.HandleFunc("GET /api/v1/bus/history", h.BusHistory)
	mux.HandleFunc("GET /api/v1/events/stream", h.StreamEvents)

	// Gateway.
	mux.HandleFunc("GET /api/v1/gateway/stats", h.GatewayStats)
	mux.HandleFunc("POST /api/v1/engines", h.RegisterEngine)
	mux.HandleFunc("GET /api/v1/engines/{engineID}", h.GetEngine)
	mux.HandleFunc("GET /api/v1/engines/{engineID}/audit", h.ListAudit)
	mux.HandleFunc("POST /api/v1/emit", h.Emit)
	mux.HandleFunc("POST /api/v1/actions", h.Authorize)

	// Breaker.
	mux.HandleFunc("GET /api/v1/breaker/state", h.BreakerState)
	mux.HandleFunc("POST /api/v1/breaker/recover", h.RecoverBreaker)
	mux.HandleFunc("POST /api/v1/breaker/assess", h.AssessRisk)

	// Temporal and adaptive.
	mux.HandleFunc("GET /api/v1/temporal/{scope}", h.Timeline)
	mux.HandleFunc("GET /api/v1/temporal/{scope}/analysis", h.Analysis)
	mux.HandleFunc("POST /api/v1/temporal/{scope}/analyze", h.Analyze)
	mux.HandleFunc("GET /api/v1/adaptive/parameters", h.Parameters)

	mux.HandleFunc("GET /api/v1/alerts", h.ListAlerts)

	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(mux)
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local dashboard access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
