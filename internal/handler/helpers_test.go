package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/relay-server-go/internal/hub"
	"github.com/deskrelay/relay-server-go/internal/middleware"
	"github.com/deskrelay/relay-server-go/internal/repository"
	"github.com/deskrelay/relay-server-go/internal/service"
	"github.com/deskrelay/relay-server-go/internal/sse"
)

const readTimeout = 2 * time.Second

type testOptions struct {
	anonymous    bool
	origins      []string
	pairAttempts int
}

type testServer struct {
	clock    *clock.Mock
	store    *repository.MemoryStore
	registry *hub.Registry
	devices  *service.DeviceService
	sessions *service.SessionService
	pairing  *service.PairingService
	users    *service.UserService
	broker   *sse.Broker
	server   *httptest.Server
}

func newTestServer(t *testing.T, opts testOptions) *testServer {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if opts.pairAttempts == 0 {
		opts.pairAttempts = 10
	}

	store := repository.NewMemoryStore()
	broker := sse.NewBroker(nil)
	registry := hub.NewRegistry(clk, hub.Options{QueueSize: 64})
	devices := service.NewDeviceService(store.Devices(), registry, broker, service.DeviceServiceOptions{
		CloseSuperseded: true,
		OpenListing:     opts.anonymous,
	})
	sessions := service.NewSessionService(store.Sessions(), devices, registry, service.SessionServiceOptions{
		PendingTimeout: time.Minute,
		OpenAccess:     opts.anonymous,
	})
	pairing := service.NewPairingService(store.PairingCodes(), devices, clk, 15*time.Minute)
	users := service.NewUserService(store.Users(), clk, opts.anonymous)

	router := NewRouter(Dependencies{
		Registry: registry,
		Devices:  devices,
		Sessions: sessions,
		Relay:    service.NewRelayService(sessions, 50*1024),
		Pairing:  pairing,
		Users:    users,
		Broker:   broker,
		Limiter:  middleware.NewRateLimiter(clk),
		WS: WSOptions{
			Origins:               opts.origins,
			MaxMessageBytes:       1 << 20,
			PairAttemptsPerMinute: opts.pairAttempts,
		},
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
		broker.Close()
	})

	return &testServer{
		clock:    clk,
		store:    store,
		registry: registry,
		devices:  devices,
		sessions: sessions,
		pairing:  pairing,
		users:    users,
		broker:   broker,
		server:   srv,
	}
}

// login creates a user and returns a bearer token for it.
func (s *testServer) login(t *testing.T, email string) string {
	t.Helper()
	_, err := s.users.Create(context.Background(), email, "correct horse")
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, rec.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (s *testServer) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

// readUntil returns the first message of type msgType, skipping any others.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimeout)))
		var msg map[string]any
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %s", msgType)
		if msg["type"] == msgType {
			return msg
		}
	}
}

// pairHost issues a code for token's owner, redeems it over a fresh host
// connection and authenticates that connection.
func (s *testServer) pairHost(t *testing.T, token string) (*websocket.Conn, string) {
	t.Helper()

	resp := s.do(t, http.MethodPost, "/v1/pairing-codes", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	code := decodeBody(t, resp)["code"].(string)

	host := s.dial(t, nil)
	send(t, host, map[string]any{"type": "pair", "pairingCode": code, "deviceName": "Office PC", "osInfo": "linux"})
	paired := readUntil(t, host, "paired")
	deviceID := paired["deviceId"].(string)

	send(t, host, map[string]any{"type": "authenticate", "deviceToken": paired["deviceToken"]})
	readUntil(t, host, "authenticated")
	return host, deviceID
}

func (s *testServer) connectController(t *testing.T, token string) (*websocket.Conn, map[string]any) {
	t.Helper()
	ctrl := s.dial(t, nil)
	send(t, ctrl, map[string]any{"type": "controllerAuth", "token": token})
	return ctrl, readUntil(t, ctrl, "authenticated")
}
