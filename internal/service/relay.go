package service

import (
	"github.com/rs/zerolog/log"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/metrics"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/protocol"
)

const defaultFrameBacklog = 50 * 1024

// RelayService moves frames from a session's host to its controllers and
// input events the other way. Nothing here ever blocks on a slow peer.
type RelayService struct {
	sessions *SessionService
	backlog  int64
}

func NewRelayService(sessions *SessionService, frameBacklogBytes int64) *RelayService {
	if frameBacklogBytes <= 0 {
		frameBacklogBytes = defaultFrameBacklog
	}
	return &RelayService{sessions: sessions, backlog: frameBacklogBytes}
}

// SubmitFrame forwards a frame to every controller of the session. raw is the
// message as received and is forwarded without re-encoding when non-empty.
// It returns the number of controllers the frame was queued for.
func (r *RelayService) SubmitFrame(host *hub.Conn, frame protocol.Frame, raw []byte) int {
	ls, ok := r.sessions.lookup(frame.SessionID)
	if !ok {
		metrics.FramesDropped.WithLabelValues(metrics.DropInactive).Inc()
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.status != model.SessionStatusActive || ls.host != host {
		metrics.FramesDropped.WithLabelValues(metrics.DropInactive).Inc()
		return 0
	}
	if ls.hasFrame && frame.FrameNumber < ls.lastFrame {
		metrics.FramesDropped.WithLabelValues(metrics.DropStale).Inc()
		return 0
	}
	ls.lastFrame = frame.FrameNumber
	ls.hasFrame = true

	if len(raw) == 0 {
		encoded, err := protocol.Encode(protocol.TypeFrame, frame)
		if err != nil {
			log.Error().Err(err).Str("sessionId", ls.id).Msg("failed to encode frame")
			return 0
		}
		raw = encoded
	}

	queued := 0
	for _, c := range ls.controllers {
		if c.Closed() {
			metrics.FramesDropped.WithLabelValues(metrics.DropClosed).Inc()
			continue
		}
		if !c.EnqueueFrame(raw, r.backlog) {
			metrics.FramesDropped.WithLabelValues(metrics.DropBacklog).Inc()
			continue
		}
		queued++
		metrics.FramesForwarded.Inc()
		metrics.FrameBytes.Add(float64(len(raw)))
	}
	return queued
}

// SubmitInput validates an input event from a controller and forwards it to
// the session's host. Invalid events are reported; undeliverable ones are
// dropped silently.
func (r *RelayService) SubmitInput(ctrl *hub.Conn, input protocol.Input, raw []byte) error {
	if err := protocol.ValidateInput(input); err != nil {
		return apperrors.ValidationError(err.Error())
	}

	host, ok := r.sessionHost(ctrl, input.SessionID)
	if !ok {
		metrics.InputsDropped.Inc()
		return nil
	}

	if len(raw) == 0 {
		encoded, err := protocol.Encode(protocol.TypeInput, input)
		if err != nil {
			return apperrors.Internal("Failed to encode input")
		}
		raw = encoded
	}

	if !host.Enqueue(raw) {
		metrics.InputsDropped.Inc()
		return nil
	}
	metrics.InputsForwarded.Inc()
	return nil
}

// SubmitHostInfo forwards the host's screen geometry to the session's controllers.
func (r *RelayService) SubmitHostInfo(host *hub.Conn, info protocol.HostInfo) {
	if info.SessionID == "" {
		info.SessionID = host.SessionID()
	}
	ls, ok := r.sessions.lookup(info.SessionID)
	if !ok {
		return
	}

	ls.mu.Lock()
	if ls.host != host {
		ls.mu.Unlock()
		return
	}
	controllers := ls.controllerList()
	ls.mu.Unlock()

	broadcast(controllers, protocol.TypeHostInfo, info)
}

func (r *RelayService) sessionHost(ctrl *hub.Conn, sessionID string) (*hub.Conn, bool) {
	ls, ok := r.sessions.lookup(sessionID)
	if !ok {
		return nil, false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.status != model.SessionStatusActive || ls.host == nil {
		return nil, false
	}
	if _, joined := ls.controllers[ctrl.ID]; !joined {
		return nil, false
	}
	return ls.host, true
}
