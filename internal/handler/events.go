package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/protocol"
	"github.com/deskrelay/relay-server-go/internal/service"
	"github.com/deskrelay/relay-server-go/internal/sse"
)

// EventsHandler streams deviceStatus presence events to dashboards that do
// not hold a controller WebSocket.
type EventsHandler struct {
	broker  *sse.Broker
	devices *service.DeviceService
}

func NewEventsHandler(broker *sse.Broker, devices *service.DeviceService) *EventsHandler {
	return &EventsHandler{
		broker:  broker,
		devices: devices,
	}
}

// GET /v1/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(p.OwnerID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("ownerId", p.OwnerID).
		Msg("sse connection established")

	ctx := r.Context()

	// Current state first, so the stream only needs to carry changes.
	if err := h.sendSnapshot(w, flusher, p.OwnerID, r); err != nil {
		log.Error().Err(err).Str("ownerId", p.OwnerID).Msg("failed to send device snapshot")
		return
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("ownerId", p.OwnerID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("ownerId", p.OwnerID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("ownerId", p.OwnerID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendSnapshot(w http.ResponseWriter, flusher http.Flusher, ownerID string, r *http.Request) error {
	devices, err := h.devices.List(r.Context(), ownerID)
	if err != nil {
		return err
	}

	for _, d := range devices {
		data, err := json.Marshal(protocol.DeviceStatus{DeviceID: d.ID, Status: string(d.Status)})
		if err != nil {
			return err
		}
		if err := sendRawEvent(w, flusher, sse.Event{Type: protocol.TypeDeviceStatus, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

func sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
