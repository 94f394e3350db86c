package main

import (
	"time"

	"github.com/golang/geo/r3"
)

// Event is the input to the engine: controller input from the device
// source, or a control action request.
type Event interface {
	eventMarker()
}

// DeviceID identifies a physical controller, e.g. its event node path.
type DeviceID string

// ============================================================================
// Input events (produced by the controller source)
// ============================================================================

type ButtonChanged struct {
	Device DeviceID
	Button Button
	Down   bool
	At     time.Time
}

func (ButtonChanged) eventMarker() {}

// AxisChanged carries a normalized value: sticks in [-32768, 32767] with
// positive Y down, triggers in [0, 32767].
type AxisChanged struct {
	Device DeviceID
	Axis   Axis
	Value  int16
	At     time.Time
}

func (AxisChanged) eventMarker() {}

// GyroSample is one uncalibrated angular rate reading in rad/s.
type GyroSample struct {
	Device DeviceID
	Rate   r3.Vector
	At     time.Time
}

func (GyroSample) eventMarker() {}

type DeviceAdded struct {
	Device  DeviceID
	Name    string
	Vendor  uint16
	Product uint16
	LEDPath string // sysfs multi_intensity file, empty if the pad has no RGB light
	At      time.Time
}

func (DeviceAdded) eventMarker() {}

type DeviceRemoved struct {
	Device DeviceID
	At     time.Time
}

func (DeviceRemoved) eventMarker() {}

// ============================================================================
// Action requests (produced by IPC and the status server)
// ============================================================================

// ActionRequest delivers a control action to the engine. If Reply is non-nil
// it receives the action's result; it must be buffered.
type ActionRequest struct {
	Action Action
	Reply  chan error
	At     time.Time
}

func (ActionRequest) eventMarker() {}

func eventTime(ev Event) time.Time {
	switch e := ev.(type) {
	case ButtonChanged:
		return e.At
	case AxisChanged:
		return e.At
	case GyroSample:
		return e.At
	case DeviceAdded:
		return e.At
	case DeviceRemoved:
		return e.At
	case ActionRequest:
		return e.At
	default:
		return time.Time{}
	}
}
