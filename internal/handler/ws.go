package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/audit"
	"github.com/deskrelay/relay-server-go/internal/config"
	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/middleware"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/protocol"
	"github.com/deskrelay/relay-server-go/internal/service"
)

type WSOptions struct {
	// Origins is the browser origin allowlist. Empty allows any origin.
	Origins               []string
	MaxMessageBytes       int64
	PairAttemptsPerMinute int
}

// WSHandler upgrades /ws requests and runs one read loop and one write loop
// per connection. Messages from a single connection are handled in order.
type WSHandler struct {
	registry *hub.Registry
	devices  *service.DeviceService
	sessions *service.SessionService
	relay    *service.RelayService
	pairing  *service.PairingService
	users    *service.UserService
	limiter  middleware.Limiter
	opts     WSOptions
	upgrader websocket.Upgrader
}

func NewWSHandler(
	registry *hub.Registry,
	devices *service.DeviceService,
	sessions *service.SessionService,
	relay *service.RelayService,
	pairing *service.PairingService,
	users *service.UserService,
	limiter middleware.Limiter,
	opts WSOptions,
) *WSHandler {
	h := &WSHandler{
		registry: registry,
		devices:  devices,
		sessions: sessions,
		relay:    relay,
		pairing:  pairing,
		users:    users,
		limiter:  limiter,
		opts:     opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// wsClient is the per-connection state the dispatcher needs beyond the
// registry binding.
type wsClient struct {
	conn  *hub.Conn
	ip    string
	label string
}

// GET /ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: h.registry.Register(audit.ClientIP(r)),
		ip:   audit.ClientIP(r),
	}

	log.Info().
		Str("connId", client.conn.ID).
		Str("remoteAddr", client.ip).
		Msg("websocket connection established")

	go h.writePump(ws, client.conn)
	h.readPump(r.Context(), ws, client)

	h.registry.Remove(client.conn.ID)

	log.Info().
		Str("connId", client.conn.ID).
		Str("role", string(client.conn.Role())).
		Int64("framesSent", client.conn.FramesSent()).
		Int64("framesDropped", client.conn.FramesDropped()).
		Msg("websocket connection closed")
}

func (h *WSHandler) readPump(ctx context.Context, ws *websocket.Conn, client *wsClient) {
	if h.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.opts.MaxMessageBytes)
	}
	clk := h.registry.Clock()
	ws.SetPongHandler(func(string) error {
		client.conn.Touch(clk.Now())
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("connId", client.conn.ID).Msg("websocket read failed")
			}
			return
		}
		if client.conn.Closed() {
			return
		}
		client.conn.Touch(clk.Now())
		h.dispatch(ctx, client, data)
	}
}

// writePump is the only writer on ws. It exits once the connection is
// removed from the registry or a write fails.
func (h *WSHandler) writePump(ws *websocket.Conn, c *hub.Conn) {
	defer ws.Close()

	for {
		select {
		case msg := <-c.Send():
			if err := writeMessage(ws, c, msg); err != nil {
				log.Debug().Err(err).Str("connId", c.ID).Msg("websocket write failed")
				h.registry.Remove(c.ID)
				return
			}

		case <-c.Done():
			// Deliver whatever is already queued, such as a final error.
			if drainQueue(ws, c) != nil {
				return
			}
			deadline := time.Now().Add(config.WSWriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func drainQueue(ws *websocket.Conn, c *hub.Conn) error {
	for {
		select {
		case msg := <-c.Send():
			if err := writeMessage(ws, c, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func writeMessage(ws *websocket.Conn, c *hub.Conn, msg []byte) error {
	defer c.Flushed(len(msg))
	if err := ws.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, msg)
}

// dispatch handles one inbound message. Failures are reported to the sender
// as an error message and never end the read loop.
func (h *WSHandler) dispatch(ctx context.Context, client *wsClient, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("connId", client.conn.ID).Msg("message handler panicked")
			sendError(client.conn, apperrors.Internal("Internal error"))
		}
	}()

	msgType, err := protocol.Peek(data)
	if err != nil {
		sendError(client.conn, apperrors.ValidationError("Malformed message"))
		return
	}

	switch msgType {
	case protocol.TypePing:
		client.conn.Enqueue(protocol.MustEncode(protocol.TypePong, struct{}{}))
		return
	case protocol.TypePong:
		return
	case protocol.TypeFrame:
		h.handleFrame(client, data)
		return
	}

	var handleErr error
	switch msgType {
	case protocol.TypePair:
		handleErr = h.handlePair(ctx, client, data)
	case protocol.TypeAuthenticate:
		handleErr = h.handleAuthenticate(ctx, client, data)
	case protocol.TypeControllerAuth, protocol.TypeControllerConnect:
		handleErr = h.handleControllerAuth(ctx, client, data)
	case protocol.TypeStartSession:
		handleErr = h.handleStartSession(ctx, client, data)
	case protocol.TypeSessionResponse:
		handleErr = h.handleSessionResponse(ctx, client, data)
	case protocol.TypeJoinSession:
		handleErr = h.handleJoinSession(ctx, client, data)
	case protocol.TypeEndSession:
		handleErr = h.handleEndSession(ctx, client, data)
	case protocol.TypeInput:
		handleErr = h.handleInput(client, data)
	case protocol.TypeHostInfo:
		handleErr = h.handleHostInfo(client, data)
	default:
		handleErr = apperrors.ValidationError(fmt.Sprintf("Unknown message type %q", msgType))
	}

	if handleErr == nil {
		return
	}

	sendError(client.conn, handleErr)

	if appErr, ok := apperrors.AsAppError(handleErr); ok && appErr.Code == apperrors.ErrCodeInvalidCredential {
		log.Warn().Str("connId", client.conn.ID).Str("remoteAddr", client.ip).Msg("closing connection after invalid device credential")
		h.registry.Remove(client.conn.ID)
		return
	}
	if !apperrors.IsAuthError(handleErr) && !apperrors.IsStateConflict(handleErr) {
		log.Debug().Err(handleErr).Str("connId", client.conn.ID).Str("type", msgType).Msg("message rejected")
	}
}

func (h *WSHandler) handlePair(ctx context.Context, client *wsClient, data []byte) error {
	if client.conn.Role() != hub.RoleUnauthenticated {
		return apperrors.InvalidState("Connection is already authenticated")
	}

	var req protocol.PairRequest
	if err := protocol.Decode(data, &req); err != nil {
		return apperrors.ValidationError("Malformed pair message")
	}

	if h.limiter != nil && h.opts.PairAttemptsPerMinute > 0 {
		allowed, _, _ := h.limiter.Check(ctx, "pair:"+client.ip, h.opts.PairAttemptsPerMinute)
		if !allowed {
			audit.Log(ctx, audit.Event{
				Type:    audit.EventRateLimitExceed,
				IP:      client.ip,
				Details: map[string]any{"scope": "pair"},
			})
			return apperrors.RateLimitExceeded()
		}
	}

	device, token, err := h.pairing.Redeem(ctx, strings.TrimSpace(req.PairingCode), req.DeviceName, req.OSInfo)
	if err != nil {
		return err
	}

	client.conn.Enqueue(protocol.MustEncode(protocol.TypePaired, protocol.Paired{
		DeviceID:    device.ID,
		DeviceToken: token,
	}))
	return nil
}

func (h *WSHandler) handleAuthenticate(ctx context.Context, client *wsClient, data []byte) error {
	if client.conn.Role() != hub.RoleUnauthenticated {
		return apperrors.InvalidState("Connection is already authenticated")
	}

	var req protocol.AuthenticateRequest
	if err := protocol.Decode(data, &req); err != nil {
		return apperrors.ValidationError("Malformed authenticate message")
	}

	device, err := h.devices.AuthenticateHost(ctx, req.DeviceToken)
	if err != nil {
		return err
	}

	if err := h.registry.BindHost(client.conn.ID, device.ID, device.OwnerID); err != nil {
		return apperrors.InvalidState("Connection is already authenticated")
	}

	// The ack goes out before any pending session request SetOnline re-sends.
	client.conn.Enqueue(protocol.MustEncode(protocol.TypeAuthenticated, protocol.Authenticated{
		Role:     string(hub.RoleHost),
		DeviceID: device.ID,
	}))
	if !h.devices.SetOnline(ctx, device, client.conn) {
		log.Debug().Str("connId", client.conn.ID).Str("deviceId", device.ID).Msg("host left during authentication")
	}
	return nil
}

func (h *WSHandler) handleControllerAuth(ctx context.Context, client *wsClient, data []byte) error {
	if client.conn.Role() != hub.RoleUnauthenticated {
		return apperrors.InvalidState("Connection is already authenticated")
	}

	var req protocol.ControllerAuthRequest
	if err := protocol.Decode(data, &req); err != nil {
		return apperrors.ValidationError("Malformed controller auth message")
	}
	token := req.Token
	if req.Anonymous {
		token = ""
	}

	principal, err := h.users.Authenticate(ctx, token)
	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventAuthFailure,
			IP:      client.ip,
			Details: map[string]any{"transport": "websocket"},
		})
		return err
	}

	if err := h.registry.BindController(client.conn.ID, principal.OwnerID); err != nil {
		return apperrors.InvalidState("Connection is already authenticated")
	}
	client.label = principal.Label

	devices, err := h.devices.List(ctx, principal.OwnerID)
	if err != nil {
		log.Error().Err(err).Str("ownerId", principal.OwnerID).Msg("failed to list devices for controller")
		devices = nil
	}

	client.conn.Enqueue(protocol.MustEncode(protocol.TypeAuthenticated, protocol.ControllerAuthenticated{
		Role:    string(hub.RoleController),
		Devices: deviceSummaries(devices),
	}))
	return nil
}

func (h *WSHandler) handleStartSession(ctx context.Context, client *wsClient, data []byte) error {
	var req protocol.StartSessionRequest
	if err := protocol.Decode(data, &req); err != nil || req.DeviceID == "" {
		return apperrors.ValidationError("startSession requires deviceId")
	}

	sess, err := h.sessions.Create(ctx, client.conn, req.DeviceID, client.label)
	if err != nil {
		return err
	}

	client.conn.Enqueue(protocol.MustEncode(protocol.TypeSessionPending, protocol.SessionOutcome{
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
		Status:    string(sess.Status),
	}))
	return nil
}

func (h *WSHandler) handleSessionResponse(ctx context.Context, client *wsClient, data []byte) error {
	var req protocol.SessionResponse
	if err := protocol.Decode(data, &req); err != nil || req.SessionID == "" {
		return apperrors.ValidationError("sessionResponse requires sessionId")
	}

	if req.Accepted {
		return h.sessions.Accept(ctx, client.conn, req.SessionID)
	}
	return h.sessions.Decline(ctx, client.conn, req.SessionID)
}

func (h *WSHandler) handleJoinSession(ctx context.Context, client *wsClient, data []byte) error {
	var req protocol.SessionRef
	if err := protocol.Decode(data, &req); err != nil || req.SessionID == "" {
		return apperrors.ValidationError("joinSession requires sessionId")
	}
	return h.sessions.Join(ctx, client.conn, req.SessionID)
}

func (h *WSHandler) handleEndSession(ctx context.Context, client *wsClient, data []byte) error {
	var req protocol.SessionRef
	if err := protocol.Decode(data, &req); err != nil {
		return apperrors.ValidationError("Malformed endSession message")
	}
	if req.SessionID == "" {
		req.SessionID = client.conn.SessionID()
	}
	if req.SessionID == "" {
		return apperrors.ValidationError("endSession requires sessionId")
	}
	if client.conn.Role() == hub.RoleUnauthenticated {
		return apperrors.Unauthorized("Authentication required")
	}
	return h.sessions.End(ctx, client.conn, req.SessionID)
}

// handleFrame never reports back: a frame that cannot be relayed is dropped.
func (h *WSHandler) handleFrame(client *wsClient, data []byte) {
	if client.conn.Role() != hub.RoleHost {
		return
	}
	var frame protocol.Frame
	if err := protocol.Decode(data, &frame); err != nil {
		return
	}
	h.relay.SubmitFrame(client.conn, frame, data)
}

func (h *WSHandler) handleInput(client *wsClient, data []byte) error {
	if client.conn.Role() != hub.RoleController {
		return apperrors.Unauthorized("Controller authentication required")
	}
	var in protocol.Input
	if err := protocol.Decode(data, &in); err != nil {
		return apperrors.ValidationError("Malformed input message")
	}
	return h.relay.SubmitInput(client.conn, in, data)
}

func (h *WSHandler) handleHostInfo(client *wsClient, data []byte) error {
	if client.conn.Role() != hub.RoleHost {
		return apperrors.Unauthorized("Host authentication required")
	}
	var info protocol.HostInfo
	if err := protocol.Decode(data, &info); err != nil {
		return apperrors.ValidationError("Malformed hostInfo message")
	}
	if info.Width <= 0 || info.Height <= 0 {
		return apperrors.ValidationError("hostInfo requires positive width and height")
	}
	h.relay.SubmitHostInfo(client.conn, info)
	return nil
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.Origins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.opts.Origins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

func sendError(c *hub.Conn, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Str("connId", c.ID).Msg("unexpected message handler error")
		appErr = apperrors.Internal("Internal error")
	}
	c.Enqueue(protocol.MustEncode(protocol.TypeError, protocol.Error{
		Code:    string(appErr.Code),
		Message: appErr.Message,
	}))
}

func deviceSummaries(devices []model.Device) []protocol.DeviceSummary {
	out := make([]protocol.DeviceSummary, 0, len(devices))
	for _, d := range devices {
		summary := protocol.DeviceSummary{
			ID:     d.ID,
			Name:   d.Name,
			Status: string(d.Status),
			OSInfo: d.OSInfo,
		}
		if d.LastSeen != nil {
			ms := d.LastSeen.UnixMilli()
			summary.LastSeen = &ms
		}
		out = append(out, summary)
	}
	return out
}
