// ABOUTME: HTTP route table for the gateway
// ABOUTME: Health and metrics are open; /api routes require a bearer token, /api/admin an admin

package gateway

import (
	"net/http"

	"github.com/2389/fireside-gateway/internal/auth"
	"github.com/2389/fireside-gateway/internal/metrics"
)

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler())
	}

	// The broker authenticates its own handshake so browsers can pass the
	// token as a query parameter.
	mux.Handle("GET /ws", g.broker)

	authed := auth.HTTPAuthMiddleware(g.store, g.verifier)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAdminHTTP()(h))
	}

	mux.Handle("POST /api/conversations", authed(http.HandlerFunc(g.handleCreateConversation)))
	mux.Handle("GET /api/conversations", authed(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("GET /api/conversations/{id}/messages", authed(http.HandlerFunc(g.handleGetMessages)))
	mux.Handle("POST /api/conversations/{id}/messages", authed(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("PATCH /api/conversations/{id}/pause", authed(http.HandlerFunc(g.handlePause)))
	mux.Handle("PATCH /api/conversations/{id}/resume", authed(http.HandlerFunc(g.handleResume)))
	mux.Handle("PATCH /api/conversations/{id}/close", authed(http.HandlerFunc(g.handleClose)))
	mux.Handle("GET /api/notifications", authed(http.HandlerFunc(g.handleListNotifications)))
	mux.Handle("PUT /api/admin/users/{id}", admin(g.handleUpsertUser))

	g.logger.Info("HTTP routes registered", "metrics", g.config.Metrics.Enabled)
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
