package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ============================================================================
// Control actions
// ============================================================================
// Actions come from IPC clients, the status server, and (for calibration
// steps) controller buttons. They are all applied by the engine's dispatch.
// ============================================================================

// Action is a marker interface for all control actions.
type Action interface {
	actionMarker()
}

type StartGyroCalibration struct{}

func (StartGyroCalibration) actionMarker() {}

type StartFlickCalibration struct{}

func (StartFlickCalibration) actionMarker() {}

// FlickTestTurn performs (or repeats) the calibration turn.
type FlickTestTurn struct{}

func (FlickTestTurn) actionMarker() {}

// FlickAdjust changes the working flick value by Delta mouse units.
type FlickAdjust struct {
	Delta float64 `json:"delta"`
}

func (FlickAdjust) actionMarker() {}

type FlickCommit struct{}

func (FlickCommit) actionMarker() {}

type CancelCalibration struct{}

func (CancelCalibration) actionMarker() {}

// ListenAimBinding binds the next pressed button or pulled trigger.
type ListenAimBinding struct{}

func (ListenAimBinding) actionMarker() {}

type ClearAimBinding struct{}

func (ClearAimBinding) actionMarker() {}

type UpdateSettings struct {
	Patch SettingsPatch `json:"patch"`
}

func (UpdateSettings) actionMarker() {}

type SetLEDColor struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (SetLEDColor) actionMarker() {}

// ResetSettings restores the startup settings.
type ResetSettings struct{}

func (ResetSettings) actionMarker() {}

// RequestStatus asks for a status snapshot on Reply (buffered, size 1).
type RequestStatus struct {
	Reply chan StatusSnapshot `json:"-"`
}

func (RequestStatus) actionMarker() {}

// ============================================================================
// JSON envelope
// ============================================================================

// ActionEnvelope wraps an action with a type discriminator.
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var errMissingData = errors.New("missing data")

// flickAdjustSteps names the adjustment magnitudes.
var flickAdjustSteps = map[string]float64{
	"ultra_fine_up":   flickAdjustUltraFine,
	"ultra_fine_down": -flickAdjustUltraFine,
	"fine_up":         flickAdjustFine,
	"fine_down":       -flickAdjustFine,
	"coarse_up":       flickAdjustCoarse,
	"coarse_down":     -flickAdjustCoarse,
}

// UnmarshalAction decodes a JSON envelope into a concrete Action.
// RequestStatus is returned without a reply channel.
func UnmarshalAction(data []byte) (Action, error) {
	var env ActionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "start_gyro_calibration":
		return StartGyroCalibration{}, nil
	case "start_flick_calibration":
		return StartFlickCalibration{}, nil
	case "flick_test_turn":
		return FlickTestTurn{}, nil
	case "flick_commit":
		return FlickCommit{}, nil
	case "cancel_calibration":
		return CancelCalibration{}, nil
	case "listen_aim_binding":
		return ListenAimBinding{}, nil
	case "clear_aim_binding":
		return ClearAimBinding{}, nil
	case "reset_settings":
		return ResetSettings{}, nil
	case "status":
		return RequestStatus{}, nil

	case "flick_adjust":
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("unmarshal FlickAdjust: %w", errMissingData)
		}
		var raw struct {
			Delta *float64 `json:"delta"`
			Step  string   `json:"step"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("unmarshal FlickAdjust: %w", err)
		}
		if raw.Step != "" {
			d, ok := flickAdjustSteps[raw.Step]
			if !ok {
				return nil, fmt.Errorf("unknown flick adjust step: %q", raw.Step)
			}
			return FlickAdjust{Delta: d}, nil
		}
		if raw.Delta == nil {
			return nil, fmt.Errorf("unmarshal FlickAdjust: %w", errMissingData)
		}
		if d := *raw.Delta; math.IsNaN(d) || math.Abs(d) > flickMaxValue {
			return nil, fmt.Errorf("flick adjust delta %g out of range (max magnitude %g)", d, flickMaxValue)
		}
		return FlickAdjust{Delta: *raw.Delta}, nil

	case "update_settings":
		var a UpdateSettings
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("unmarshal UpdateSettings: %w", errMissingData)
		}
		if err := json.Unmarshal(env.Data, &a.Patch); err != nil {
			return nil, fmt.Errorf("unmarshal UpdateSettings: %w", err)
		}
		if a.Patch.Empty() {
			return nil, fmt.Errorf("unmarshal UpdateSettings: %w", errMissingData)
		}
		return a, nil

	case "set_led_color":
		var a SetLEDColor
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("unmarshal SetLEDColor: %w", errMissingData)
		}
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetLEDColor: %w", err)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown action type: %q", env.Type)
	}
}

// actionType returns the envelope type of a, or "" if a has none.
func actionType(a Action) string {
	switch a.(type) {
	case StartGyroCalibration:
		return "start_gyro_calibration"
	case StartFlickCalibration:
		return "start_flick_calibration"
	case FlickTestTurn:
		return "flick_test_turn"
	case FlickAdjust:
		return "flick_adjust"
	case FlickCommit:
		return "flick_commit"
	case CancelCalibration:
		return "cancel_calibration"
	case ListenAimBinding:
		return "listen_aim_binding"
	case ClearAimBinding:
		return "clear_aim_binding"
	case UpdateSettings:
		return "update_settings"
	case SetLEDColor:
		return "set_led_color"
	case ResetSettings:
		return "reset_settings"
	case RequestStatus:
		return "status"
	default:
		return ""
	}
}

// MarshalAction serializes an Action into a JSON envelope.
func MarshalAction(a Action) ([]byte, error) {
	env := ActionEnvelope{Type: actionType(a)}
	if env.Type == "" {
		return nil, fmt.Errorf("unsupported action type: %T", a)
	}

	var payload any
	switch a := a.(type) {
	case FlickAdjust:
		payload = a
	case UpdateSettings:
		payload = a.Patch
	case SetLEDColor:
		payload = a
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}
