package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	InputMouseMove = "mouseMove"
	InputMouseDown = "mouseDown"
	InputMouseUp   = "mouseUp"
	InputWheel     = "wheel"
	InputKeyDown   = "keyDown"
	InputKeyUp     = "keyUp"
)

type pointerData struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type keyData struct {
	Key  string `json:"key"`
	Code string `json:"code"`
}

// ValidateInput checks the inputType and that pointer coordinates are
// normalized to [0,1]. The data object is otherwise passed through untouched.
func ValidateInput(in Input) error {
	switch in.InputType {
	case InputMouseMove, InputMouseDown, InputMouseUp, InputWheel:
		var p pointerData
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &p); err != nil {
				return fmt.Errorf("invalid pointer data: %w", err)
			}
		}
		if in.InputType == InputWheel && p.X == nil && p.Y == nil {
			return nil
		}
		if p.X == nil || p.Y == nil {
			return fmt.Errorf("%s requires x and y", in.InputType)
		}
		if *p.X < 0 || *p.X > 1 || *p.Y < 0 || *p.Y > 1 {
			return fmt.Errorf("coordinates must be normalized to [0,1]")
		}
		return nil
	case InputKeyDown, InputKeyUp:
		var k keyData
		if err := json.Unmarshal(in.Data, &k); err != nil {
			return fmt.Errorf("invalid key data: %w", err)
		}
		if k.Key == "" && k.Code == "" {
			return fmt.Errorf("%s requires key or code", in.InputType)
		}
		return nil
	default:
		return fmt.Errorf("unknown inputType %q", in.InputType)
	}
}
