package main

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
)

// CalibrationState is the state of the single calibration session.
// Gyro and flick sessions share it, so at most one can run.
type CalibrationState uint8

const (
	CalibrationIdle CalibrationState = iota
	CalibrationWaitingForStability
	CalibrationSampling
	FlickCalibrationStart
	FlickCalibrationTurning
	FlickCalibrationAdjust
)

func (s CalibrationState) String() string {
	switch s {
	case CalibrationIdle:
		return "idle"
	case CalibrationWaitingForStability:
		return "waiting_for_stability"
	case CalibrationSampling:
		return "sampling"
	case FlickCalibrationStart:
		return "flick_start"
	case FlickCalibrationTurning:
		return "flick_turning"
	case FlickCalibrationAdjust:
		return "flick_adjust"
	default:
		return "unknown"
	}
}

func (s CalibrationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *CalibrationState) UnmarshalText(text []byte) error {
	for c := CalibrationIdle; c <= FlickCalibrationAdjust; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown calibration state %q", text)
}

func (s CalibrationState) isGyro() bool {
	return s == CalibrationWaitingForStability || s == CalibrationSampling
}

func (s CalibrationState) isFlick() bool {
	return s == FlickCalibrationStart || s == FlickCalibrationTurning || s == FlickCalibrationAdjust
}

var (
	ErrCalibrationActive       = errors.New("a calibration is already in progress")
	ErrInvalidCalibrationState = errors.New("action not valid in the current calibration state")
	ErrInvalidFlickAdjust      = errors.New("flick adjustment must be a finite number")
)

// CalibrationConfig holds the tunables of both state machines.
type CalibrationConfig struct {
	StabilityThreshold float64
	StabilityDuration  time.Duration
	Samples            int

	TurnDecay   float64
	TurnSnap    float64
	TurnEpsilon float64
}

func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		StabilityThreshold: gyroStabilityThreshold,
		StabilityDuration:  gyroStabilityDuration,
		Samples:            gyroCalibrationSamples,
		TurnDecay:          flickTurnDecay,
		TurnSnap:           flickTurnSnap,
		TurnEpsilon:        flickTurnEpsilon,
	}
}

// Calibrator runs the gyro-offset and flick-stick calibration sessions.
// It owns no settings: results are returned to the caller to store.
// Single-owner; not safe for concurrent use.
type Calibrator struct {
	cfg   CalibrationConfig
	state CalibrationState

	// gyro session
	stableSince time.Time // zero while the timer is unset
	accum       r3.Vector
	count       int

	// flick session
	value     float64 // working copy of the flick calibration value
	remaining float64
}

func NewCalibrator(cfg CalibrationConfig) *Calibrator {
	if cfg.Samples <= 0 {
		cfg.Samples = gyroCalibrationSamples
	}
	return &Calibrator{cfg: cfg}
}

func (c *Calibrator) State() CalibrationState { return c.state }

func (c *Calibrator) Idle() bool { return c.state == CalibrationIdle }

// FlickValue is the working flick value of the current flick session.
func (c *Calibrator) FlickValue() float64 { return c.value }

// SampleCount is the number of samples taken so far while sampling.
func (c *Calibrator) SampleCount() int { return c.count }

// StartGyro begins an offset calibration.
func (c *Calibrator) StartGyro() error {
	if c.state != CalibrationIdle {
		return ErrCalibrationActive
	}
	c.resetGyro()
	c.state = CalibrationWaitingForStability
	return nil
}

// FeedGyro consumes one uncalibrated gyro sample. It returns the new offset
// and true when the session completes with this sample.
func (c *Calibrator) FeedGyro(raw r3.Vector, at time.Time) (r3.Vector, bool) {
	switch c.state {
	case CalibrationWaitingForStability:
		if !c.stable(raw) {
			c.stableSince = time.Time{}
			return r3.Vector{}, false
		}
		if c.stableSince.IsZero() {
			c.stableSince = at
			return r3.Vector{}, false
		}
		if at.Sub(c.stableSince) >= c.cfg.StabilityDuration {
			c.accum = r3.Vector{}
			c.count = 0
			c.state = CalibrationSampling
		}
		return r3.Vector{}, false

	case CalibrationSampling:
		c.accum = c.accum.Add(raw)
		c.count++
		if c.count < c.cfg.Samples {
			return r3.Vector{}, false
		}
		offset := c.accum.Mul(1 / float64(c.cfg.Samples))
		c.resetGyro()
		c.state = CalibrationIdle
		return offset, true

	default:
		return r3.Vector{}, false
	}
}

func (c *Calibrator) stable(v r3.Vector) bool {
	t := c.cfg.StabilityThreshold
	return math.Abs(v.X) < t && math.Abs(v.Y) < t && math.Abs(v.Z) < t
}

func (c *Calibrator) resetGyro() {
	c.stableSince = time.Time{}
	c.accum = r3.Vector{}
	c.count = 0
}

// StartFlick begins a flick calibration from the currently stored value.
func (c *Calibrator) StartFlick(value float64) error {
	if c.state != CalibrationIdle {
		return ErrCalibrationActive
	}
	c.value = clampFloat(value, flickMinValue, flickMaxValue)
	c.remaining = 0
	c.state = FlickCalibrationStart
	return nil
}

// TestTurn performs a full turn of the working value, from Start or Adjust.
func (c *Calibrator) TestTurn() error {
	if c.state != FlickCalibrationStart && c.state != FlickCalibrationAdjust {
		return ErrInvalidCalibrationState
	}
	c.remaining = c.value
	c.state = FlickCalibrationTurning
	return nil
}

// Update advances a running test turn by one tick and returns the flick
// delta to emit. Outside Turning it returns 0.
func (c *Calibrator) Update() float64 {
	if c.state != FlickCalibrationTurning {
		return 0
	}
	if math.IsNaN(c.remaining) || math.IsInf(c.remaining, 0) {
		c.remaining = 0
		c.state = FlickCalibrationAdjust
		return 0
	}
	step := c.remaining * c.cfg.TurnDecay
	if math.Abs(c.remaining) < c.cfg.TurnSnap {
		step = c.remaining
	}
	c.remaining -= step
	if math.Abs(c.remaining) < c.cfg.TurnEpsilon {
		c.state = FlickCalibrationAdjust
	}
	return step
}

// Adjust changes the working value by delta, clamped to the flick value range.
func (c *Calibrator) Adjust(delta float64) error {
	if c.state != FlickCalibrationAdjust {
		return ErrInvalidCalibrationState
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return ErrInvalidFlickAdjust
	}
	c.value = clampFloat(c.value+delta, flickMinValue, flickMaxValue)
	return nil
}

// Commit ends the flick session and returns the value to store as calibrated.
func (c *Calibrator) Commit() (float64, error) {
	if c.state != FlickCalibrationAdjust {
		return 0, ErrInvalidCalibrationState
	}
	c.state = CalibrationIdle
	c.remaining = 0
	return c.value, nil
}

// Cancel abandons the session without producing a result. A running test
// turn cannot be cancelled; it finishes first.
func (c *Calibrator) Cancel() error {
	switch c.state {
	case CalibrationWaitingForStability, CalibrationSampling,
		FlickCalibrationStart, FlickCalibrationAdjust:
		c.Abort()
		return nil
	default:
		return ErrInvalidCalibrationState
	}
}

// Abort returns to Idle from any state and reports whether a session was active.
func (c *Calibrator) Abort() bool {
	active := c.state != CalibrationIdle
	c.state = CalibrationIdle
	c.resetGyro()
	c.remaining = 0
	return active
}
