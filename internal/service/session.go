package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/metrics"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/protocol"
	"github.com/deskrelay/relay-server-go/internal/repository"
)

// Reasons carried on sessionEnded and sessionDeclined.
const (
	ReasonTimeout          = "timeout"
	ReasonDeclined         = "declined"
	ReasonEndedByHost      = "endedByHost"
	ReasonEndedByCtrl      = "endedByController"
	ReasonHostDisconnected = "hostDisconnected"
	ReasonHostSuperseded   = "hostSuperseded"
	ReasonControllerLeft   = "controllerDisconnected"
	ReasonShutdown         = "shutdown"
)

const defaultPendingTimeout = 60 * time.Second

type SessionServiceOptions struct {
	PendingTimeout time.Duration
	// OpenAccess disables per-owner isolation.
	OpenAccess bool
}

// liveSession is the in-memory state of a pending or active session. All
// fields are guarded by mu. persistMu orders status writes so a terminal
// status is never overwritten by an earlier transition.
type liveSession struct {
	mu             sync.Mutex
	persistMu      sync.Mutex
	id             string
	ownerID        string
	deviceID       string
	requesterLabel string
	status         model.SessionStatus
	startedAt      time.Time
	host           *hub.Conn
	controllers    map[string]*hub.Conn
	lastFrame      int64
	hasFrame       bool
	persisted      bool
	timer          *clock.Timer
}

func (ls *liveSession) controllerList() []*hub.Conn {
	out := make([]*hub.Conn, 0, len(ls.controllers))
	for _, c := range ls.controllers {
		out = append(out, c)
	}
	return out
}

// SessionService runs the session lifecycle. Every transition is a single
// read-modify-write under the service lock, so concurrent requests for one
// device produce exactly one winner.
type SessionService struct {
	repo     repository.SessionRepository
	devices  *DeviceService
	registry *hub.Registry
	clock    clock.Clock
	opts     SessionServiceOptions

	mu       sync.RWMutex
	sessions map[string]*liveSession
	// byDevice holds a device until its session's terminal status is stored.
	byDevice map[string]string // deviceID -> sessionID
}

func NewSessionService(
	repo repository.SessionRepository,
	devices *DeviceService,
	registry *hub.Registry,
	opts SessionServiceOptions,
) *SessionService {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = defaultPendingTimeout
	}
	s := &SessionService{
		repo:     repo,
		devices:  devices,
		registry: registry,
		clock:    registry.Clock(),
		opts:     opts,
		sessions: make(map[string]*liveSession),
		byDevice: make(map[string]string),
	}
	registry.OnDisconnect(s.handleDisconnect)
	devices.OnOnline(s.handleHostOnline)
	devices.OnOffline(func(deviceID string) {
		s.ForceEndForDevice(context.Background(), deviceID, ReasonHostDisconnected)
	})
	return s
}

// Create opens a pending session from ctrl to deviceID and prompts the host.
func (s *SessionService) Create(ctx context.Context, ctrl *hub.Conn, deviceID, requesterLabel string) (*model.Session, error) {
	id := ctrl.Identity()
	if id.Role != hub.RoleController {
		return nil, apperrors.Unauthorized("Controller authentication required")
	}
	if err := s.checkDetached(ctrl, id.SessionID, ""); err != nil {
		return nil, err
	}

	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !s.opts.OpenAccess && device.OwnerID != id.OwnerID {
		return nil, apperrors.NotFound("Device")
	}

	ls := &liveSession{
		id:             uuid.NewString(),
		ownerID:        device.OwnerID,
		deviceID:       deviceID,
		requesterLabel: requesterLabel,
		status:         model.SessionStatusPending,
		startedAt:      s.clock.Now(),
		controllers:    map[string]*hub.Conn{ctrl.ID: ctrl},
	}

	s.mu.Lock()
	if _, busy := s.byDevice[deviceID]; busy {
		s.mu.Unlock()
		return nil, apperrors.DeviceBusy()
	}
	if !s.devices.IsOnline(deviceID) {
		s.mu.Unlock()
		return nil, apperrors.DeviceOffline()
	}
	s.sessions[ls.id] = ls
	s.byDevice[deviceID] = ls.id
	s.mu.Unlock()

	_, err = s.repo.Create(ctx, model.CreateSessionParams{
		ID:        ls.id,
		OwnerID:   ls.ownerID,
		DeviceID:  deviceID,
		StartedAt: ls.startedAt,
	})
	if err != nil {
		s.mu.Lock()
		s.forget(ls)
		s.releaseDeviceLocked(ls)
		s.mu.Unlock()
		log.Error().Err(err).Str("sessionId", ls.id).Msg("failed to persist session")
		return nil, apperrors.Database(err)
	}

	ls.mu.Lock()
	ls.persisted = true
	status := ls.status
	if status == model.SessionStatusPending {
		ls.timer = s.clock.AfterFunc(s.opts.PendingTimeout, func() { s.expire(ls.id) })
		// Bound while pending so a later finish always clears it.
		s.registry.SetSession(ctrl, ls.id)
	}
	ls.mu.Unlock()

	// The session was terminated while the insert was in flight; finish
	// left storing the outcome and freeing the device to us.
	if status.IsTerminal() {
		s.writeStatus(ls, status)
		s.releaseDevice(ls)
		return nil, apperrors.DeviceOffline()
	}

	metrics.SessionTransitions.WithLabelValues(string(model.SessionStatusPending)).Inc()

	if host, ok := s.devices.HostConn(deviceID); ok {
		host.Enqueue(protocol.MustEncode(protocol.TypeSessionRequest, protocol.SessionRequest{
			SessionID:      ls.id,
			RequesterLabel: requesterLabel,
		}))
	}

	log.Info().
		Str("sessionId", ls.id).
		Str("deviceId", deviceID).
		Str("controllerConnId", ctrl.ID).
		Msg("session requested")

	return ls.snapshot(), nil
}

// Accept moves a pending session to active and binds host as its frame source.
func (s *SessionService) Accept(ctx context.Context, host *hub.Conn, sessionID string) error {
	ls, err := s.hostTransition(ctx, host, sessionID, model.SessionStatusActive)
	if err != nil {
		return err
	}

	s.writeStatus(ls, model.SessionStatusActive)

	// A concurrent end has already told the participants; sessionStarted
	// must not follow its sessionEnded.
	ls.mu.Lock()
	if ls.status != model.SessionStatusActive {
		ls.mu.Unlock()
		return apperrors.InvalidState("Session has ended")
	}
	broadcast(ls.controllerList(), protocol.TypeSessionStarted, protocol.SessionOutcome{
		SessionID: sessionID,
		DeviceID:  ls.deviceID,
		Status:    string(model.SessionStatusActive),
	})
	ls.mu.Unlock()

	log.Info().Str("sessionId", sessionID).Str("deviceId", ls.deviceID).Msg("session accepted")
	return nil
}

// Decline refuses a pending session.
func (s *SessionService) Decline(ctx context.Context, host *hub.Conn, sessionID string) error {
	ls, err := s.hostTransition(ctx, host, sessionID, model.SessionStatusDeclined)
	if err != nil {
		return err
	}

	s.finish(ls, model.SessionStatusDeclined, ReasonDeclined)
	return nil
}

func (s *SessionService) hostTransition(ctx context.Context, host *hub.Conn, sessionID string, to model.SessionStatus) (*liveSession, error) {
	id := host.Identity()
	if id.Role != hub.RoleHost {
		return nil, apperrors.Unauthorized("Host authentication required")
	}
	if bound, ok := s.devices.HostConn(id.DeviceID); !ok || bound.ID != host.ID {
		return nil, apperrors.InvalidState("Connection is no longer the device's host")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.sessions[sessionID]
	if !ok {
		return nil, s.missing(ctx, sessionID)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.deviceID != id.DeviceID {
		return nil, apperrors.NotFound("Session")
	}
	if ls.status != model.SessionStatusPending {
		return nil, apperrors.InvalidState("Session is not pending")
	}

	if ls.timer != nil {
		ls.timer.Stop()
	}
	ls.status = to
	metrics.SessionTransitions.WithLabelValues(string(to)).Inc()

	if to == model.SessionStatusActive {
		ls.host = host
		s.registry.SetSession(host, sessionID)
	} else {
		s.forgetLocked(ls)
	}
	return ls, nil
}

// End terminates a pending or active session on behalf of one of its participants.
func (s *SessionService) End(ctx context.Context, c *hub.Conn, sessionID string) error {
	id := c.Identity()

	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		s.registry.ClearSession(c, sessionID)
		return s.missing(ctx, sessionID)
	}

	ls.mu.Lock()
	allowed := false
	reason := ReasonEndedByCtrl
	switch id.Role {
	case hub.RoleController:
		_, allowed = ls.controllers[c.ID]
	case hub.RoleHost:
		allowed = id.DeviceID == ls.deviceID && (ls.host == nil || ls.host.ID == c.ID)
		reason = ReasonEndedByHost
	}
	if !allowed {
		ls.mu.Unlock()
		s.mu.Unlock()
		return apperrors.NotFound("Session")
	}
	s.terminateLocked(ls, model.SessionStatusEnded)
	ls.mu.Unlock()
	s.mu.Unlock()

	s.finish(ls, model.SessionStatusEnded, reason)
	return nil
}

// Join attaches another controller connection to a live session.
func (s *SessionService) Join(ctx context.Context, ctrl *hub.Conn, sessionID string) error {
	id := ctrl.Identity()
	if id.Role != hub.RoleController {
		return apperrors.Unauthorized("Controller authentication required")
	}
	if err := s.checkDetached(ctrl, id.SessionID, sessionID); err != nil {
		return err
	}

	s.mu.RLock()
	ls, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return s.missing(ctx, sessionID)
	}

	ls.mu.Lock()
	if !s.opts.OpenAccess && ls.ownerID != id.OwnerID {
		ls.mu.Unlock()
		return apperrors.NotFound("Session")
	}
	if ls.status.IsTerminal() {
		ls.mu.Unlock()
		return apperrors.InvalidState("Session has ended")
	}
	ls.controllers[ctrl.ID] = ctrl
	s.registry.SetSession(ctrl, sessionID)
	status := ls.status
	ls.mu.Unlock()

	ctrl.Enqueue(protocol.MustEncode(protocol.TypeSessionJoined, protocol.SessionOutcome{
		SessionID: sessionID,
		DeviceID:  ls.deviceID,
		Status:    string(status),
	}))

	log.Info().Str("sessionId", sessionID).Str("controllerConnId", ctrl.ID).Msg("controller joined session")
	return nil
}

// ForceEndForDevice ends whatever live session deviceID has.
func (s *SessionService) ForceEndForDevice(ctx context.Context, deviceID, reason string) {
	s.mu.Lock()
	sid, ok := s.byDevice[deviceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ls, ok := s.sessions[sid]
	if !ok {
		// Already terminated; finish is storing its outcome.
		s.mu.Unlock()
		return
	}
	ls.mu.Lock()
	s.terminateLocked(ls, model.SessionStatusEnded)
	ls.mu.Unlock()
	s.mu.Unlock()

	s.finish(ls, model.SessionStatusEnded, reason)
}

// EndAll terminates every live session; used on shutdown.
func (s *SessionService) EndAll(ctx context.Context) {
	s.mu.RLock()
	devices := make([]string, 0, len(s.byDevice))
	for deviceID := range s.byDevice {
		devices = append(devices, deviceID)
	}
	s.mu.RUnlock()

	for _, deviceID := range devices {
		s.ForceEndForDevice(ctx, deviceID, ReasonShutdown)
	}
}

// Get returns the session, preferring live state over the persisted record.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	ls, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		return ls.snapshotLocked(), nil
	}

	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

// GetForOwner is Get restricted to sessions ownerID may see.
func (s *SessionService) GetForOwner(ctx context.Context, ownerID, sessionID string) (*model.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.opts.OpenAccess && session.OwnerID != ownerID {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

func (s *SessionService) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionService) lookup(sessionID string) (*liveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[sessionID]
	return ls, ok
}

// expire declines a session the host never answered.
func (s *SessionService) expire(sessionID string) {
	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ls.mu.Lock()
	if ls.status != model.SessionStatusPending {
		ls.mu.Unlock()
		s.mu.Unlock()
		return
	}
	s.terminateLocked(ls, model.SessionStatusDeclined)
	ls.mu.Unlock()
	s.mu.Unlock()

	log.Info().Str("sessionId", sessionID).Str("deviceId", ls.deviceID).Msg("pending session timed out")
	s.finish(ls, model.SessionStatusDeclined, ReasonTimeout)
}

func (s *SessionService) handleDisconnect(c *hub.Conn) {
	id := c.Identity()
	if id.SessionID == "" {
		return
	}

	switch id.Role {
	case hub.RoleHost:
		s.endIfHost(id.SessionID, c.ID, ReasonHostDisconnected)
	case hub.RoleController:
		s.dropController(id.SessionID, c.ID)
	}
}

func (s *SessionService) handleHostOnline(deviceID string, conn *hub.Conn, superseded string) {
	s.mu.RLock()
	sid, ok := s.byDevice[deviceID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	ls, ok := s.lookup(sid)
	if !ok {
		return
	}

	ls.mu.Lock()
	status := ls.status
	hostID := ""
	if ls.host != nil {
		hostID = ls.host.ID
	}
	label := ls.requesterLabel
	ls.mu.Unlock()

	switch {
	case status == model.SessionStatusPending:
		conn.Enqueue(protocol.MustEncode(protocol.TypeSessionRequest, protocol.SessionRequest{
			SessionID:      sid,
			RequesterLabel: label,
		}))
	case status == model.SessionStatusActive && superseded != "" && hostID == superseded:
		s.endIfHost(sid, superseded, ReasonHostSuperseded)
	}
}

func (s *SessionService) endIfHost(sessionID, connID, reason string) {
	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ls.mu.Lock()
	if ls.host == nil || ls.host.ID != connID {
		ls.mu.Unlock()
		s.mu.Unlock()
		return
	}
	s.terminateLocked(ls, model.SessionStatusEnded)
	ls.mu.Unlock()
	s.mu.Unlock()

	s.finish(ls, model.SessionStatusEnded, reason)
}

// dropController detaches a departed controller. The session ends once no
// controller remains.
func (s *SessionService) dropController(sessionID, connID string) {
	s.mu.Lock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ls.mu.Lock()
	delete(ls.controllers, connID)
	if len(ls.controllers) > 0 {
		ls.mu.Unlock()
		s.mu.Unlock()
		return
	}
	s.terminateLocked(ls, model.SessionStatusEnded)
	ls.mu.Unlock()
	s.mu.Unlock()

	s.finish(ls, model.SessionStatusEnded, ReasonControllerLeft)
}

// terminateLocked requires s.mu and ls.mu.
func (s *SessionService) terminateLocked(ls *liveSession, status model.SessionStatus) {
	if ls.timer != nil {
		ls.timer.Stop()
	}
	ls.status = status
	s.forgetLocked(ls)
	metrics.SessionTransitions.WithLabelValues(string(status)).Inc()
}

func (s *SessionService) forget(ls *liveSession) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s.forgetLocked(ls)
}

// forgetLocked drops the session from the live set. The device stays
// reserved until releaseDevice.
func (s *SessionService) forgetLocked(ls *liveSession) {
	delete(s.sessions, ls.id)
}

func (s *SessionService) releaseDevice(ls *liveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseDeviceLocked(ls)
}

func (s *SessionService) releaseDeviceLocked(ls *liveSession) {
	if s.byDevice[ls.deviceID] == ls.id {
		delete(s.byDevice, ls.deviceID)
	}
}

// checkDetached rejects a controller already attached to a live session other
// than allowed. A pointer to a session that has since finished is cleared.
func (s *SessionService) checkDetached(ctrl *hub.Conn, current, allowed string) error {
	if current == "" || current == allowed {
		return nil
	}
	if _, live := s.lookup(current); live {
		return apperrors.InvalidState("Connection is already attached to a session")
	}
	s.registry.ClearSession(ctrl, current)
	return nil
}

// finish persists a terminal status, clears connection pointers and notifies
// every participant. It runs without locks held.
func (s *SessionService) finish(ls *liveSession, status model.SessionStatus, reason string) {
	ls.mu.Lock()
	persisted := ls.persisted
	ls.mu.Unlock()
	// An unpersisted session is still being inserted by Create, which stores
	// the outcome and frees the device itself.
	if persisted {
		s.writeStatus(ls, status)
		s.releaseDevice(ls)
	}

	s.detach(ls)

	ls.mu.Lock()
	controllers := ls.controllerList()
	host := ls.host
	ls.mu.Unlock()

	if host == nil {
		// Pending sessions have not bound a host yet; tell the device's live
		// connection so it can dismiss its prompt.
		host, _ = s.devices.HostConn(ls.deviceID)
	}

	outcome := protocol.SessionOutcome{SessionID: ls.id, DeviceID: ls.deviceID, Reason: reason}
	if status == model.SessionStatusDeclined {
		broadcast(controllers, protocol.TypeSessionDeclined, outcome)
	} else {
		broadcast(controllers, protocol.TypeSessionEnded, outcome)
	}
	if host != nil {
		host.Enqueue(protocol.MustEncode(protocol.TypeSessionEnded, outcome))
	}

	log.Info().
		Str("sessionId", ls.id).
		Str("deviceId", ls.deviceID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("session closed")
}

func (s *SessionService) detach(ls *liveSession) {
	ls.mu.Lock()
	controllers := ls.controllerList()
	host := ls.host
	ls.mu.Unlock()

	for _, c := range controllers {
		s.registry.ClearSession(c, ls.id)
	}
	if host != nil {
		s.registry.ClearSession(host, ls.id)
	}
}

// writeStatus stores status unless the session has already moved past it.
// Writes for one session are serialized, so a terminal status always lands
// after the active status it replaces.
func (s *SessionService) writeStatus(ls *liveSession, status model.SessionStatus) {
	ls.persistMu.Lock()
	defer ls.persistMu.Unlock()

	ls.mu.Lock()
	current := ls.status
	ls.mu.Unlock()
	if current != status {
		return
	}
	s.persistStatus(ls.id, status)
}

func (s *SessionService) persistStatus(sessionID string, status model.SessionStatus) {
	var endedAt *time.Time
	if status.IsTerminal() {
		now := s.clock.Now()
		endedAt = &now
	}
	if err := s.repo.UpdateStatus(context.Background(), sessionID, status, endedAt); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Str("status", string(status)).Msg("failed to persist session status")
	}
}

// missing distinguishes an unknown session from one that already finished.
func (s *SessionService) missing(ctx context.Context, sessionID string) error {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil || session == nil {
		return apperrors.NotFound("Session")
	}
	return apperrors.InvalidState("Session is " + string(session.Status))
}

func (ls *liveSession) snapshot() *model.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.snapshotLocked()
}

func (ls *liveSession) snapshotLocked() *model.Session {
	return &model.Session{
		ID:        ls.id,
		OwnerID:   ls.ownerID,
		DeviceID:  ls.deviceID,
		Status:    ls.status,
		StartedAt: ls.startedAt,
	}
}

func broadcast(conns []*hub.Conn, msgType string, msg any) {
	if len(conns) == 0 {
		return
	}
	encoded := protocol.MustEncode(msgType, msg)
	for _, c := range conns {
		c.Enqueue(encoded)
	}
}
