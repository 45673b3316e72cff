package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/terminal"
)

type terminalHandler struct {
	server   *terminal.Server
	sessions repositories.TerminalSessionRepository
	logger   *zap.Logger
}

// List returns terminal session rows, newest first. ?active=true narrows to
// live sessions.
func (h *terminalHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		sessions, err := h.sessions.ListActive(r.Context())
		if err != nil {
			internalError(w)
			return
		}
		writeJSON(w, http.StatusOK, listEnvelope{Items: sessions, Total: int64(len(sessions))})
		return
	}

	var hostID, userID uint
	if s := r.URL.Query().Get("server_id"); s != "" {
		if id, err := strconv.ParseUint(s, 10, 32); err == nil {
			hostID = uint(id)
		}
	}
	if s := r.URL.Query().Get("user_id"); s != "" {
		if id, err := strconv.ParseUint(s, 10, 32); err == nil {
			userID = uint(id)
		}
	}

	sessions, total, err := h.sessions.List(r.Context(), hostID, userID, listOpts(r))
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Items: sessions, Total: total})
}

// Stop force-terminates a live session. 404 if the session is not active in
// this process.
func (h *terminalHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, "invalid session id")
		return
	}
	if !h.server.Stop(id) {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
