package main

import "time"

// Identifiers of the virtual gamepad this daemon creates.
// Controllers reporting this vendor/product pair are never bound as input.
const (
	virtualVendorID  = 0xFEED
	virtualProductID = 0xBEEF
)

// Gyro offset calibration
const (
	gyroStabilityThreshold = 0.1 // rad/s, per axis, on the uncalibrated sample
	gyroStabilityDuration  = 3000 * time.Millisecond
	gyroCalibrationSamples = 200
)

// Flick stick turn calibration
const (
	flickTurnDecay   = 0.15 // fraction of the remaining turn emitted per tick
	flickTurnSnap    = 1.0  // below this the remainder is emitted in one step
	flickTurnEpsilon = 0.1  // turn is complete once |remaining| drops below this

	flickAdjustUltraFine = 1.0
	flickAdjustFine      = 50.0
	flickAdjustCoarse    = 500.0

	flickMinValue = 1.0
	flickMaxValue = 1_000_000.0 // mouse units per full turn
)

// Mapping pipeline thresholds, all in raw stick units (signed 16-bit).
const (
	stickMax = 32767.0

	flickDeadzone       = 28000.0
	stickInUseThreshold = 8000.0
	triggerEngaged      = 8000 // trigger value above which a trigger aim binding is held

	joystickGyroScale = 10000.0
	antiDeadzoneFloor = 0.01 // magnitudes at or below this are left untouched
)

// Settings defaults and user-facing ranges.
const (
	defaultSensitivity      = 5.0
	minSensitivity          = 0.5
	maxSensitivity          = 50.0
	defaultMouseSensitivity = 5000.0
	minMouseSensitivity     = 100.0
	maxMouseSensitivity     = 20000.0
	maxAntiDeadzone         = 100.0
	defaultFlickValue       = 12000.0

	defaultLEDLevel = 48
)

// Runtime defaults.
const (
	defaultTickHz            = 250
	defaultIntegratorPeriod  = time.Millisecond
	defaultMotionBatchSize   = 64
	maxStepsPerIteration     = 1 << 16 // unit steps emitted per integrator iteration, the rest is carried
	defaultMaxDt             = 50 * time.Millisecond
	defaultRescanInterval    = 2 * time.Second
	defaultGyroResolution    = 1024 // evdev units per deg/s when the kernel reports none
	defaultIPCReplyTimeout   = time.Second
	defaultWebsocketPath     = "/ws/status"
	defaultMQTTTopicPrefix   = "gyroaim"
	defaultMQTTPublishWait   = 2 * time.Second
	defaultUinputPath        = "/dev/uinput"
	defaultGamepadDeviceName = "gyroaim virtual gamepad"
	defaultMouseDeviceName   = "gyroaim virtual mouse"
)
