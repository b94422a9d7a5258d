package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/audit"
	"github.com/deskrelay/relay-server-go/internal/config"
	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/protocol"
	"github.com/deskrelay/relay-server-go/internal/repository"
	"github.com/deskrelay/relay-server-go/internal/sse"
	"github.com/deskrelay/relay-server-go/internal/util"
)

const maxDeviceNameLength = 64

// PresencePublisher receives device status changes for out-of-band listeners.
type PresencePublisher interface {
	Publish(ctx context.Context, ownerID string, event sse.Event) error
}

// OnlineFunc runs after a host binds to deviceID. superseded is the ID of the
// connection it replaced, or empty.
type OnlineFunc func(deviceID string, conn *hub.Conn, superseded string)

// OfflineFunc runs after the device's bound host connection goes away.
type OfflineFunc func(deviceID string)

type DeviceServiceOptions struct {
	CloseSuperseded bool
	// OpenListing lets any controller see every device.
	OpenListing bool
}

// DeviceService owns device records and the device -> host connection binding.
// At most one connection is bound per device.
type DeviceService struct {
	repo     repository.DeviceRepository
	registry *hub.Registry
	presence PresencePublisher
	clock    clock.Clock
	opts     DeviceServiceOptions

	mu        sync.RWMutex
	bindings  map[string]string // deviceID -> connID
	onOnline  []OnlineFunc
	onOffline []OfflineFunc
}

func NewDeviceService(
	repo repository.DeviceRepository,
	registry *hub.Registry,
	presence PresencePublisher,
	opts DeviceServiceOptions,
) *DeviceService {
	s := &DeviceService{
		repo:     repo,
		registry: registry,
		presence: presence,
		clock:    registry.Clock(),
		opts:     opts,
		bindings: make(map[string]string),
	}
	registry.OnDisconnect(s.handleDisconnect)
	return s
}

func (s *DeviceService) OnOnline(fn OnlineFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOnline = append(s.onOnline, fn)
}

func (s *DeviceService) OnOffline(fn OfflineFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOffline = append(s.onOffline, fn)
}

// PairNewDevice creates a device for ownerID and returns it with its
// plaintext credential. Only the credential hash is stored.
func (s *DeviceService) PairNewDevice(ctx context.Context, ownerID, name string, osInfo *string) (*model.Device, string, error) {
	name = normalizeDeviceName(name)

	token, err := util.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate device token: %w", err)
	}

	device, err := s.repo.Create(ctx, model.CreateDeviceParams{
		Name:      name,
		OwnerID:   ownerID,
		TokenHash: util.HashToken(token),
		OSInfo:    osInfo,
	})
	if err != nil {
		return nil, "", apperrors.Database(err)
	}

	log.Info().
		Str("deviceId", device.ID).
		Str("ownerId", ownerID).
		Str("name", device.Name).
		Msg("device paired")

	return device, token, nil
}

// AuthenticateHost resolves a device credential.
func (s *DeviceService) AuthenticateHost(ctx context.Context, credential string) (*model.Device, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, apperrors.InvalidCredential()
	}

	device, err := s.repo.FindByTokenHash(ctx, util.HashToken(credential))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		audit.Log(ctx, audit.Event{Type: audit.EventHostAuthFailure})
		return nil, apperrors.InvalidCredential()
	}
	return device, nil
}

func (s *DeviceService) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	device, err := s.repo.FindByID(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		return nil, apperrors.NotFound("Device")
	}
	s.overlay(device)
	return device, nil
}

// List returns the devices visible to ownerID with live status applied.
func (s *DeviceService) List(ctx context.Context, ownerID string) ([]model.Device, error) {
	var (
		devices []model.Device
		err     error
	)
	if s.opts.OpenListing {
		devices, err = s.repo.ListAll(ctx)
	} else {
		devices, err = s.repo.ListByOwner(ctx, ownerID)
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	for i := range devices {
		s.overlay(&devices[i])
	}
	return devices, nil
}

// CanAccess reports whether ownerID may drive or manage device.
func (s *DeviceService) CanAccess(ownerID string, device *model.Device) bool {
	return s.opts.OpenListing || device.OwnerID == ownerID
}

func (s *DeviceService) Rename(ctx context.Context, ownerID, deviceID, name string) (*model.Device, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !s.CanAccess(ownerID, device) {
		return nil, apperrors.NotFound("Device")
	}

	name = normalizeDeviceName(name)
	if err := s.repo.Rename(ctx, deviceID, name); err != nil {
		return nil, apperrors.Database(err)
	}
	device.Name = name
	return device, nil
}

// Delete forgets the device. A connected host is disconnected first so the
// usual offline cascade ends its sessions.
func (s *DeviceService) Delete(ctx context.Context, ownerID, deviceID string) error {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if !s.CanAccess(ownerID, device) {
		return apperrors.NotFound("Device")
	}

	if connID, ok := s.binding(deviceID); ok {
		s.registry.Remove(connID)
	}

	if err := s.repo.Delete(ctx, deviceID); err != nil {
		return apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{Type: audit.EventDeviceDelete, OwnerID: ownerID, DeviceID: deviceID})
	return nil
}

// SetOnline binds conn as the device's host. A previously bound connection
// is superseded and, when configured, closed. It reports false when conn
// closed before it could be bound.
func (s *DeviceService) SetOnline(ctx context.Context, device *model.Device, conn *hub.Conn) bool {
	s.mu.Lock()
	// Registry.Remove closes the connection before its disconnect hooks run,
	// so a connection that is still open here will be unbound by SetOffline.
	if conn.Closed() {
		s.mu.Unlock()
		log.Debug().Str("deviceId", device.ID).Str("connId", conn.ID).Msg("host closed before binding")
		return false
	}
	previous, had := s.bindings[device.ID]
	s.bindings[device.ID] = conn.ID
	hooks := s.onOnline
	s.mu.Unlock()

	superseded := ""
	if had && previous != conn.ID {
		superseded = previous
		audit.Log(ctx, audit.Event{
			Type:     audit.EventHostSuperseded,
			OwnerID:  device.OwnerID,
			DeviceID: device.ID,
			Details:  map[string]any{"previousConnId": previous, "connId": conn.ID},
		})
		if s.opts.CloseSuperseded {
			s.registry.Remove(previous)
		}
	}

	if err := s.repo.UpdateStatus(ctx, device.ID, model.DeviceStatusOnline, s.clock.Now()); err != nil {
		log.Error().Err(err).Str("deviceId", device.ID).Msg("failed to persist device online")
	}
	// SetOffline may have persisted offline while the write above was in flight.
	if _, bound := s.binding(device.ID); !bound {
		if err := s.repo.UpdateStatus(ctx, device.ID, model.DeviceStatusOffline, s.clock.Now()); err != nil {
			log.Error().Err(err).Str("deviceId", device.ID).Msg("failed to persist device offline")
		}
		return false
	}

	for _, fn := range hooks {
		fn(device.ID, conn, superseded)
	}

	if !had {
		s.announce(ctx, device.OwnerID, device.ID, model.DeviceStatusOnline)
	}

	log.Info().
		Str("deviceId", device.ID).
		Str("connId", conn.ID).
		Str("superseded", superseded).
		Msg("host online")
	return true
}

// SetOffline unbinds the device if connID is still its bound connection.
// It reports whether the device went offline.
func (s *DeviceService) SetOffline(ctx context.Context, deviceID, ownerID, connID string) bool {
	s.mu.Lock()
	if s.bindings[deviceID] != connID {
		s.mu.Unlock()
		return false
	}
	delete(s.bindings, deviceID)
	hooks := s.onOffline
	s.mu.Unlock()

	if err := s.repo.UpdateStatus(ctx, deviceID, model.DeviceStatusOffline, s.clock.Now()); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist device offline")
	}

	for _, fn := range hooks {
		fn(deviceID)
	}

	s.announce(ctx, ownerID, deviceID, model.DeviceStatusOffline)

	log.Info().Str("deviceId", deviceID).Str("connId", connID).Msg("host offline")
	return true
}

func (s *DeviceService) IsOnline(deviceID string) bool {
	_, ok := s.HostConn(deviceID)
	return ok
}

// HostConn returns the live connection bound to deviceID.
func (s *DeviceService) HostConn(deviceID string) (*hub.Conn, bool) {
	connID, ok := s.binding(deviceID)
	if !ok {
		return nil, false
	}
	c, ok := s.registry.Lookup(connID)
	if !ok || c.Closed() {
		return nil, false
	}
	return c, true
}

func (s *DeviceService) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}

func (s *DeviceService) binding(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connID, ok := s.bindings[deviceID]
	return connID, ok
}

func (s *DeviceService) handleDisconnect(c *hub.Conn) {
	id := c.Identity()
	if id.Role != hub.RoleHost {
		return
	}
	s.SetOffline(context.Background(), id.DeviceID, id.OwnerID, c.ID)
}

func (s *DeviceService) overlay(d *model.Device) {
	if s.IsOnline(d.ID) {
		d.Status = model.DeviceStatusOnline
	} else {
		d.Status = model.DeviceStatusOffline
	}
}

// announce pushes a deviceStatus message to the owner's controllers and to
// the presence publisher.
func (s *DeviceService) announce(ctx context.Context, ownerID, deviceID string, status model.DeviceStatus) {
	msg := protocol.DeviceStatus{DeviceID: deviceID, Status: string(status)}
	encoded := protocol.MustEncode(protocol.TypeDeviceStatus, msg)

	for _, c := range s.registry.Snapshot() {
		id := c.Identity()
		if id.Role != hub.RoleController {
			continue
		}
		if s.opts.OpenListing || id.OwnerID == ownerID {
			c.Enqueue(encoded)
		}
	}

	if s.presence == nil {
		return
	}
	owners := []string{ownerID}
	if s.opts.OpenListing && ownerID != config.AnonymousOwnerID {
		// Anonymous subscribers see every device.
		owners = append(owners, config.AnonymousOwnerID)
	}
	data, _ := json.Marshal(msg)
	for _, owner := range owners {
		if err := s.presence.Publish(ctx, owner, sse.Event{Type: protocol.TypeDeviceStatus, Data: data}); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Str("ownerId", owner).Msg("failed to publish presence")
		}
	}
}

func normalizeDeviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Unnamed device"
	}
	if r := []rune(name); len(r) > maxDeviceNameLength {
		name = string(r[:maxDeviceNameLength])
	}
	return name
}
