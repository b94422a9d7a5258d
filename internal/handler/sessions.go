package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/httputil"
	"github.com/deskrelay/relay-server-go/internal/service"
	"github.com/deskrelay/relay-server-go/internal/util"
)

type SessionHandler struct {
	sessions *service.SessionService
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{sessionId}", h.Get)

	return r
}

// GET /v1/sessions/{sessionId}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	if !util.IsValidUUID(sessionID) {
		httputil.WriteError(w, apperrors.NotFound("Session"))
		return
	}

	session, err := h.sessions.GetForOwner(r.Context(), p.OwnerID, sessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatSession(session))
}
