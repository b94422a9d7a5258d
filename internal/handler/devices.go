package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/httputil"
	"github.com/deskrelay/relay-server-go/internal/service"
	"github.com/deskrelay/relay-server-go/internal/util"
)

type DeviceHandler struct {
	devices *service.DeviceService
}

func NewDeviceHandler(devices *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Patch("/{deviceId}", h.Rename)
	r.Delete("/{deviceId}", h.Delete)

	return r
}

// GET /v1/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	devices, err := h.devices.List(r.Context(), p.OwnerID)
	if err != nil {
		log.Error().Err(err).Str("ownerId", p.OwnerID).Msg("failed to list devices")
		httputil.WriteError(w, err)
		return
	}

	params := ParsePagination(r)
	page := Page(devices, params)
	items := make([]map[string]any, 0, len(page))
	for _, d := range page {
		items = append(items, formatDevice(d))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": items,
		"total":   len(devices),
		"limit":   params.Limit,
		"offset":  params.Offset,
	})
}

// PATCH /v1/devices/{deviceId}
func (h *DeviceHandler) Rename(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	device, err := h.devices.Rename(r.Context(), p.OwnerID, deviceID, req.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatDevice(*device))
}

// DELETE /v1/devices/{deviceId}
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	if err := h.devices.Delete(r.Context(), p.OwnerID, deviceID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	log.Info().Str("deviceId", deviceID).Str("ownerId", p.OwnerID).Msg("device deleted")
	w.WriteHeader(http.StatusNoContent)
}

func deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := chi.URLParam(r, "deviceId")
	if !util.IsValidUUID(deviceID) {
		httputil.WriteError(w, apperrors.NotFound("Device"))
		return "", false
	}
	return deviceID, true
}
