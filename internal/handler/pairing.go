package handler

import (
	"net/http"
	"time"

	"github.com/deskrelay/relay-server-go/internal/httputil"
	"github.com/deskrelay/relay-server-go/internal/service"
)

type PairingHandler struct {
	pairing *service.PairingService
}

func NewPairingHandler(pairing *service.PairingService) *PairingHandler {
	return &PairingHandler{pairing: pairing}
}

// POST /v1/pairing-codes
// Issues a one-time code the host app redeems with a "pair" message.
func (h *PairingHandler) Issue(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	pc, err := h.pairing.Issue(r.Context(), p.OwnerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"code":      pc.Code,
		"expiresAt": pc.ExpiresAt.Format(time.RFC3339),
	})
}
