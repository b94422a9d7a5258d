package handler

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/httputil"
	"github.com/deskrelay/relay-server-go/internal/middleware"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.ValidationError("Invalid request body")
	}
	return nil
}

// principal returns the caller resolved by the auth middleware.
func principal(w http.ResponseWriter, r *http.Request) (service.Principal, bool) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
	}
	return p, ok
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func formatDevice(d model.Device) map[string]any {
	return map[string]any{
		"id":        d.ID,
		"name":      d.Name,
		"status":    d.Status,
		"osInfo":    d.OSInfo,
		"lastSeen":  formatTime(d.LastSeen),
		"createdAt": d.CreatedAt.Format(time.RFC3339),
	}
}

func formatSession(s *model.Session) map[string]any {
	return map[string]any{
		"id":        s.ID,
		"deviceId":  s.DeviceID,
		"status":    s.Status,
		"startedAt": s.StartedAt.Format(time.RFC3339),
		"endedAt":   formatTime(s.EndedAt),
	}
}
