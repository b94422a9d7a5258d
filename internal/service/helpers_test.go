package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/repository"
)

type testEnv struct {
	clock    *clock.Mock
	store    *repository.MemoryStore
	registry *hub.Registry
	devices  *DeviceService
	sessions *SessionService
	relay    *RelayService
	pairing  *PairingService
	users    *UserService
}

type envConfig struct {
	devices  DeviceServiceOptions
	sessions SessionServiceOptions
	// wrapSessions lets a test intercept session persistence.
	wrapSessions func(repository.SessionRepository) repository.SessionRepository
}

type envOption func(*envConfig)

func openAccess(c *envConfig) {
	c.devices.OpenListing = true
	c.sessions.OpenAccess = true
}

func keepSuperseded(c *envConfig) {
	c.devices.CloseSuperseded = false
}

func withSessionRepo(wrap func(repository.SessionRepository) repository.SessionRepository) envOption {
	return func(c *envConfig) { c.wrapSessions = wrap }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := envConfig{
		devices:  DeviceServiceOptions{CloseSuperseded: true},
		sessions: SessionServiceOptions{PendingTimeout: time.Minute},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := repository.NewMemoryStore()
	registry := hub.NewRegistry(clk, hub.Options{QueueSize: 32})
	devices := NewDeviceService(store.Devices(), registry, nil, cfg.devices)
	var sessionRepo repository.SessionRepository = store.Sessions()
	if cfg.wrapSessions != nil {
		sessionRepo = cfg.wrapSessions(sessionRepo)
	}
	sessions := NewSessionService(sessionRepo, devices, registry, cfg.sessions)

	return &testEnv{
		clock:    clk,
		store:    store,
		registry: registry,
		devices:  devices,
		sessions: sessions,
		relay:    NewRelayService(sessions, 1024),
		pairing:  NewPairingService(store.PairingCodes(), devices, clk, 15*time.Minute),
		users:    NewUserService(store.Users(), clk, cfg.devices.OpenListing),
	}
}

// connectHost pairs a fresh device for ownerID and brings a host online for it.
func (e *testEnv) connectHost(t *testing.T, ownerID string) (*model.Device, *hub.Conn) {
	t.Helper()
	device, _, err := e.devices.PairNewDevice(context.Background(), ownerID, "desk", nil)
	require.NoError(t, err)
	return device, e.reconnectHost(t, device)
}

func (e *testEnv) reconnectHost(t *testing.T, device *model.Device) *hub.Conn {
	t.Helper()
	c := e.registry.Register("host")
	require.NoError(t, e.registry.BindHost(c.ID, device.ID, device.OwnerID))
	e.devices.SetOnline(context.Background(), device, c)
	return c
}

func (e *testEnv) connectController(t *testing.T, ownerID string) *hub.Conn {
	t.Helper()
	c := e.registry.Register("controller")
	require.NoError(t, e.registry.BindController(c.ID, ownerID))
	return c
}

// activeSession runs create and accept and drains the handshake messages.
func (e *testEnv) activeSession(t *testing.T, ctrl, host *hub.Conn, deviceID string) string {
	t.Helper()
	ctx := context.Background()
	sess, err := e.sessions.Create(ctx, ctrl, deviceID, "tester")
	require.NoError(t, err)
	require.NoError(t, e.sessions.Accept(ctx, host, sess.ID))
	drain(ctrl)
	drain(host)
	return sess.ID
}

type received struct {
	Type string
	Body map[string]any
}

// drain pops every queued message without blocking.
func drain(c *hub.Conn) []received {
	var out []received
	for {
		select {
		case msg := <-c.Send():
			c.Flushed(len(msg))
			var body map[string]any
			_ = json.Unmarshal(msg, &body)
			typ, _ := body["type"].(string)
			out = append(out, received{Type: typ, Body: body})
		default:
			return out
		}
	}
}

func typesOf(msgs []received) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func findType(msgs []received, typ string) (received, bool) {
	for _, m := range msgs {
		if m.Type == typ {
			return m, true
		}
	}
	return received{}, false
}
