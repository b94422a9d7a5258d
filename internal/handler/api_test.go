package handler

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
)

func TestLogin(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	_, err := srv.users.Create(context.Background(), "alice@example.com", "correct horse")
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
			"email":    "alice@example.com",
			"password": "battery staple",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, string(apperrors.ErrCodeInvalidCredential), decodeBody(t, resp)["code"])
	})

	t.Run("returns a working token", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
			"email":    "alice@example.com",
			"password": "correct horse",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, "alice@example.com", body["user"].(map[string]any)["email"])

		resp = srv.do(t, http.MethodGet, "/v1/devices", body["token"].(string), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "/v1/auth/login", "", "not an object")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t, testOptions{})

	resp := srv.do(t, http.MethodGet, "/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/v1/pairing-codes", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, string(apperrors.ErrCodeInvalidToken), decodeBody(t, resp)["code"])
}

func TestPairingCodesEndpoint(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	token := srv.login(t, "alice@example.com")

	resp := srv.do(t, http.MethodPost, "/v1/pairing-codes", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Regexp(t, `^[0-9]{6}$`, body["code"])

	expiresAt, err := time.Parse(time.RFC3339, body["expiresAt"].(string))
	require.NoError(t, err)
	assert.True(t, expiresAt.Equal(srv.clock.Now().Add(15*time.Minute)))
}

func TestDeviceEndpoints(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	alice := srv.login(t, "alice@example.com")
	bob := srv.login(t, "bob@example.com")
	_, deviceID := srv.pairHost(t, alice)

	t.Run("lists the owner's devices", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/v1/devices", alice, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, float64(1), body["total"])
		device := body["devices"].([]any)[0].(map[string]any)
		assert.Equal(t, deviceID, device["id"])
		assert.Equal(t, "online", device["status"])

		resp = srv.do(t, http.MethodGet, "/v1/devices", bob, nil)
		assert.Equal(t, float64(0), decodeBody(t, resp)["total"])
	})

	t.Run("paginates", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/v1/devices?offset=5", alice, nil)
		body := decodeBody(t, resp)
		assert.Equal(t, float64(1), body["total"])
		assert.Empty(t, body["devices"])
	})

	t.Run("renames", func(t *testing.T) {
		resp := srv.do(t, http.MethodPatch, "/v1/devices/"+deviceID, alice, map[string]string{"name": "Den"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Den", decodeBody(t, resp)["name"])

		resp = srv.do(t, http.MethodPatch, "/v1/devices/"+deviceID, bob, map[string]string{"name": "Mine"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete takes the device offline", func(t *testing.T) {
		resp := srv.do(t, http.MethodDelete, "/v1/devices/"+deviceID, bob, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = srv.do(t, http.MethodDelete, "/v1/devices/"+deviceID, alice, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.False(t, srv.devices.IsOnline(deviceID))

		resp = srv.do(t, http.MethodGet, "/v1/devices", alice, nil)
		assert.Equal(t, float64(0), decodeBody(t, resp)["total"])
	})

	t.Run("unknown ids are not found", func(t *testing.T) {
		resp := srv.do(t, http.MethodDelete, "/v1/devices/not-a-uuid", alice, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSessionEndpoint(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	alice := srv.login(t, "alice@example.com")
	bob := srv.login(t, "bob@example.com")
	host, deviceID := srv.pairHost(t, alice)
	ctrl, _ := srv.connectController(t, alice)

	send(t, ctrl, map[string]any{"type": "startSession", "deviceId": deviceID})
	sessionID := readUntil(t, ctrl, "sessionPending")["sessionId"].(string)
	readUntil(t, host, "sessionRequest")

	resp := srv.do(t, http.MethodGet, "/v1/sessions/"+sessionID, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, deviceID, body["deviceId"])

	resp = srv.do(t, http.MethodGet, "/v1/sessions/"+sessionID, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testOptions{})

	resp := srv.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["onlineDevices"])
}

func TestEventsStream(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	alice := srv.login(t, "alice@example.com")
	_, deviceID := srv.pairHost(t, alice)

	resp := srv.do(t, http.MethodGet, "/v1/events?token="+alice, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	nextData := func() string {
		t.Helper()
		timeout := time.After(readTimeout)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed")
				if strings.HasPrefix(line, "data: ") {
					return strings.TrimPrefix(line, "data: ")
				}
			case <-timeout:
				t.Fatal("timed out waiting for event")
			}
		}
	}

	snapshot := nextData()
	assert.Contains(t, snapshot, deviceID)
	assert.Contains(t, snapshot, `"online"`)

	// A second host for the same owner announces itself over the stream.
	_, otherID := srv.pairHost(t, alice)
	update := nextData()
	assert.Contains(t, update, otherID)
}
