package audit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventLoginSuccess    EventType = "login_success"
	EventLoginFailure    EventType = "login_failure"
	EventCodeIssue       EventType = "pairing_code_issue"
	EventDevicePaired    EventType = "device_paired"
	EventPairingFailure  EventType = "pairing_failure"
	EventHostAuthFailure EventType = "host_auth_failure"
	EventHostSuperseded  EventType = "host_superseded"
	EventDeviceDelete    EventType = "device_delete"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventAuthFailure     EventType = "auth_failure"
	EventUserCreate      EventType = "user_create"
)

type Event struct {
	Type     EventType
	UserID   string
	OwnerID  string
	DeviceID string
	IP       string
	Details  map[string]any
}

// Log writes one security event. Empty identity fields are omitted.
func Log(ctx context.Context, event Event) {
	entry := log.Info().
		Str("audit", "security").
		Str("eventType", string(event.Type))

	for key, value := range map[string]string{
		"userId":   event.UserID,
		"ownerId":  event.OwnerID,
		"deviceId": event.DeviceID,
		"ip":       event.IP,
	} {
		if value != "" {
			entry = entry.Str(key, value)
		}
	}
	for k, v := range event.Details {
		entry = addField(entry, k, v)
	}
	entry.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	Log(r.Context(), event)
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
