package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("stamps type first", func(t *testing.T) {
		data, err := Encode(TypeSessionStarted, SessionOutcome{SessionID: "s-1"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"sessionStarted","sessionId":"s-1"}`, string(data))
		assert.True(t, strings.HasPrefix(string(data), `{"type":"sessionStarted",`))
	})

	t.Run("empty object", func(t *testing.T) {
		data, err := Encode(TypePing, struct{}{})
		require.NoError(t, err)
		assert.Equal(t, `{"type":"ping"}`, string(data))
	})

	t.Run("passes raw frame payload through", func(t *testing.T) {
		data := MustEncode(TypeFrame, Frame{
			SessionID:   "s-1",
			FrameNumber: 7,
			Payload:     json.RawMessage(`"aGVsbG8="`),
		})
		var f Frame
		require.NoError(t, Decode(data, &f))
		assert.Equal(t, int64(7), f.FrameNumber)
		assert.Equal(t, `"aGVsbG8="`, string(f.Payload))
	})

	t.Run("controller ack always lists devices", func(t *testing.T) {
		data := MustEncode(TypeAuthenticated, ControllerAuthenticated{Role: "controller", Devices: []DeviceSummary{}})
		assert.JSONEq(t, `{"type":"authenticated","role":"controller","devices":[]}`, string(data))
	})

	t.Run("rejects non-object payloads", func(t *testing.T) {
		_, err := Encode(TypeError, "oops")
		assert.Error(t, err)
	})
}

func TestPeek(t *testing.T) {
	typ, err := Peek([]byte(`{"type":"startSession","deviceId":"d"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeStartSession, typ)

	_, err = Peek([]byte(`{"deviceId":"d"}`))
	assert.Error(t, err)

	_, err = Peek([]byte(`not json`))
	assert.Error(t, err)
}

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		wantErr bool
	}{
		{"mouse move in range", Input{InputType: InputMouseMove, Data: json.RawMessage(`{"x":0.5,"y":1}`)}, false},
		{"mouse move out of range", Input{InputType: InputMouseMove, Data: json.RawMessage(`{"x":1.2,"y":0}`)}, true},
		{"mouse down missing y", Input{InputType: InputMouseDown, Data: json.RawMessage(`{"x":0.1,"button":0}`)}, true},
		{"wheel without position", Input{InputType: InputWheel, Data: json.RawMessage(`{"deltaY":-120}`)}, false},
		{"wheel with position", Input{InputType: InputWheel, Data: json.RawMessage(`{"x":0,"y":0,"deltaY":3}`)}, false},
		{"key down", Input{InputType: InputKeyDown, Data: json.RawMessage(`{"key":"a","code":"KeyA"}`)}, false},
		{"key up empty", Input{InputType: InputKeyUp, Data: json.RawMessage(`{}`)}, true},
		{"unknown type", Input{InputType: "clipboard", Data: json.RawMessage(`{}`)}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInput(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
