package main

import "time"

// DeviceStatus describes the bound controller.
type DeviceStatus struct {
	Bound   bool     `json:"bound"`
	ID      DeviceID `json:"id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Vendor  uint16   `json:"vendor,omitempty"`
	Product uint16   `json:"product,omitempty"`
}

// CalibrationStatus describes the calibration session, if any.
type CalibrationStatus struct {
	State      CalibrationState `json:"state"`
	Samples    int              `json:"samples,omitempty"`
	FlickValue float64          `json:"flick_value,omitempty"` // working value during a flick session
}

// StatusSnapshot is a coherent, copyable view of engine state for other
// goroutines. It never aliases engine internals.
type StatusSnapshot struct {
	Device      DeviceStatus      `json:"device"`
	Calibration CalibrationStatus `json:"calibration"`
	Settings    Settings          `json:"settings"`
	Dirty       bool              `json:"dirty"`
	AimActive   bool              `json:"aim_active"`
	Listening   bool              `json:"listening"`
	At          time.Time         `json:"at"`
}

// StatusBroadcast is emitted by the engine when externally visible state
// changes. Every broadcast carries the full snapshot taken at that moment.
type StatusBroadcast interface {
	broadcastMarker()
	Status() StatusSnapshot
}

// BroadcastCalibrationChanged reports a session state transition. Completed
// is set when the transition to idle stored a result (offset or flick value).
type BroadcastCalibrationChanged struct {
	Previous  CalibrationState
	Completed bool
	Snapshot  StatusSnapshot
}

func (BroadcastCalibrationChanged) broadcastMarker()         {}
func (b BroadcastCalibrationChanged) Status() StatusSnapshot { return b.Snapshot }

type BroadcastSettingsChanged struct {
	Snapshot StatusSnapshot
}

func (BroadcastSettingsChanged) broadcastMarker()         {}
func (b BroadcastSettingsChanged) Status() StatusSnapshot { return b.Snapshot }

type BroadcastAimChanged struct {
	Snapshot StatusSnapshot
}

func (BroadcastAimChanged) broadcastMarker()         {}
func (b BroadcastAimChanged) Status() StatusSnapshot { return b.Snapshot }

type BroadcastDeviceChanged struct {
	Snapshot StatusSnapshot
}

func (BroadcastDeviceChanged) broadcastMarker()         {}
func (b BroadcastDeviceChanged) Status() StatusSnapshot { return b.Snapshot }
