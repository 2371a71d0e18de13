package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns a configured chi.Router for the Gateway's operator and
// agent-facing HTTP surface.
//
// Route layout:
//
//	GET  /health    – liveness probe (no authentication required)
//	GET  /metrics   – Prometheus exposition (no authentication required)
//	GET  /ws        – agent WebSocket upgrade (authenticated via TLS client
//	                  certificate at the transport layer, not JWT)
//	GET  /agents    – list the connected fleet (JWT required)
//	POST /commands  – originate a command against one agent or a label set
//	                  (JWT required)
//	GET  /history   – query agent connect/disconnect history (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on the
// JWT-protected routes. Pass nil to disable JWT validation (dev mode).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", srv.handleWS)

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/agents", srv.handleAgents)
		r.Post("/commands", srv.handlePostCommand)
		r.Get("/history", srv.handleHistory)
	})

	return r
}
