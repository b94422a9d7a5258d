// Package protocol defines the JSON envelope exchanged over the relay WebSocket.
//
// Every message is a single JSON object whose "type" field selects the payload
// shape. Inbound messages are decoded in two steps: the envelope first, then the
// concrete payload for the type.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// host → server
	TypePair            = "pair"
	TypeAuthenticate    = "authenticate"
	TypeSessionResponse = "sessionResponse"
	TypeHostInfo        = "hostInfo"

	// controller → server
	TypeControllerConnect = "controllerConnect"
	TypeControllerAuth    = "controllerAuth"
	TypeStartSession      = "startSession"
	TypeJoinSession       = "joinSession"

	// either direction
	TypeFrame      = "frame"
	TypeInput      = "input"
	TypeEndSession = "endSession"
	TypePing       = "ping"
	TypePong       = "pong"

	// server → client
	TypePaired          = "paired"
	TypeAuthenticated   = "authenticated"
	TypeSessionRequest  = "sessionRequest"
	TypeSessionPending  = "sessionPending"
	TypeSessionStarted  = "sessionStarted"
	TypeSessionDeclined = "sessionDeclined"
	TypeSessionJoined   = "sessionJoined"
	TypeSessionEnded    = "sessionEnded"
	TypeDeviceStatus    = "deviceStatus"
	TypeError           = "error"
)

// Envelope carries only the discriminator; the rest of the object is decoded per type.
type Envelope struct {
	Type string `json:"type"`
}

// Peek returns the message type without decoding the payload.
func Peek(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message has no type")
	}
	return env.Type, nil
}

// Decode unmarshals a full message into v.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// Encode marshals msg, stamping it with msgType.
func Encode(msgType string, msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("message %s must encode to a JSON object", msgType)
	}
	typeField := []byte(`{"type":` + quote(msgType))
	if len(body) == 2 {
		return append(typeField, '}'), nil
	}
	out := make([]byte, 0, len(typeField)+len(body))
	out = append(out, typeField...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(msgType string, msg any) []byte {
	data, err := Encode(msgType, msg)
	if err != nil {
		panic(err)
	}
	return data
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Inbound payloads

type PairRequest struct {
	PairingCode string  `json:"pairingCode"`
	DeviceName  string  `json:"deviceName"`
	OSInfo      *string `json:"osInfo,omitempty"`
}

type AuthenticateRequest struct {
	DeviceToken string `json:"deviceToken"`
}

type ControllerAuthRequest struct {
	Token     string `json:"token,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

type StartSessionRequest struct {
	DeviceID string `json:"deviceId"`
}

type SessionResponse struct {
	SessionID string `json:"sessionId"`
	Accepted  bool   `json:"accepted"`
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type HostInfo struct {
	SessionID string `json:"sessionId,omitempty"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Frame is relayed verbatim; Payload is opaque encoded image data.
type Frame struct {
	SessionID   string          `json:"sessionId"`
	FrameNumber int64           `json:"frameNumber"`
	Payload     json.RawMessage `json:"payload"`
}

type Input struct {
	SessionID string          `json:"sessionId"`
	InputType string          `json:"inputType"`
	Data      json.RawMessage `json:"data"`
}

// Outbound payloads

type Paired struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
}

type DeviceSummary struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	OSInfo   *string `json:"osInfo,omitempty"`
	LastSeen *int64  `json:"lastSeen,omitempty"`
}

// Authenticated acknowledges a host.
type Authenticated struct {
	Role     string `json:"role"`
	DeviceID string `json:"deviceId"`
}

// ControllerAuthenticated acknowledges a controller. Devices is always
// present, empty when the controller can see none.
type ControllerAuthenticated struct {
	Role    string          `json:"role"`
	Devices []DeviceSummary `json:"devices"`
}

type SessionRequest struct {
	SessionID      string `json:"sessionId"`
	RequesterLabel string `json:"requesterLabel"`
}

type SessionOutcome struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type DeviceStatus struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
