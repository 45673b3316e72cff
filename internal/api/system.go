package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/opsdeck-io/opsdeck/internal/auth"
	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/metrics"
	"github.com/opsdeck-io/opsdeck/internal/ratelimit"
)

type systemHandler struct {
	ready   func(ctx context.Context) error
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	auth    *auth.Service
}

// Health is liveness: 200 whenever the process is up.
func (h *systemHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready is readiness: 503 until the database is reachable, migrations are
// applied and the vault key is loaded.
func (h *systemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Metrics serves the registry: JSON by default, Prometheus text exposition
// when the client asks for text/plain. Localhost callers get it for free;
// remote callers must present an admin token.
func (h *systemHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(clientIP(r)) {
		token := bearerToken(r)
		if token == "" {
			unauthorized(w)
			return
		}
		identity, err := h.auth.Verify(r.Context(), token)
		if err != nil {
			unauthorized(w)
			return
		}
		if identity.Role != db.RoleAdmin {
			forbidden(w)
			return
		}
	}

	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		h.metrics.Handler().ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.JSON())
}

// ClearRateLimit resets all limiter state for one IP. Registered only when
// CI mode is on; integration suites use it between rate-limit scenarios.
func (h *systemHandler) ClearRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ip := req.IP
	if ip == "" {
		ip = clientIP(r)
	}
	h.limiter.Clear(ip)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
