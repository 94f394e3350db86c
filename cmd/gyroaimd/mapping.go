package main

import (
	"math"

	"github.com/golang/geo/r3"
)

// flickTracker remembers the right stick angle between ticks while a flick is held.
type flickTracker struct {
	Active    bool
	LastAngle float64
}

// MapInput is everything one tick of the mapping pipeline reads.
type MapInput struct {
	Sample RawControllerSample
	Gyro   r3.Vector // calibrated: raw minus offset
	Mode   ModeSettings
	Flick  FlickStickCalibration
	Aim    AimBinding

	// Masked buttons are held but were consumed by calibration; they do not
	// engage the aim binding until released.
	Masked ButtonSet

	CalibrationIdle bool
	Tracker         flickTracker
}

// MapResult is the output of one tick.
type MapResult struct {
	Report  VirtualReport
	Motion  MotionUpdate
	Tracker flickTracker

	// AimActive is the binding/always-on decision before stick priority.
	AimActive bool
}

// Map runs the per-tick mapping pipeline. It has no side effects.
func Map(in MapInput) MapResult {
	s := in.Sample
	m := in.Mode

	var out MapResult

	// While a calibration session runs the face buttons drive it, so only the
	// right stick reaches the virtual pad.
	if in.CalibrationIdle {
		out.Report.Buttons = s.Buttons
		out.Report.LeftTrigger = scaleTrigger(s.Axes[AxisLeftTrigger])
		out.Report.RightTrigger = scaleTrigger(s.Axes[AxisRightTrigger])
		out.Report.LeftX = s.Axes[AxisLeftX]
		out.Report.LeftY = flipY(s.Axes[AxisLeftY])
	}

	aim := (in.Aim.engaged(s, in.Masked) || m.AlwaysOnGyro) && in.CalibrationIdle
	out.AimActive = aim
	out.Motion.Gyro = in.Gyro

	rx := float64(s.Axes[AxisRightX])
	ry := float64(s.Axes[AxisRightY])
	mag := math.Hypot(rx, ry)

	if m.FlickStick {
		// Right stick is consumed by flick stick.
		out.Motion.AimActive = aim
		if !in.CalibrationIdle {
			return out
		}
		delta, tracker := flickStep(rx, ry, mag, in.Flick.Value, in.Tracker)
		out.Motion.FlickDelta = delta
		out.Tracker = tracker
		return out
	}

	out.Report.RightX = s.Axes[AxisRightX]
	out.Report.RightY = flipY(s.Axes[AxisRightY])

	if mag > stickInUseThreshold || !aim {
		// Stick priority: the physical stick wins and gyro adds nothing.
		return out
	}

	if m.MouseMode {
		out.Motion.AimActive = true
		return out
	}

	xSign, ySign := -joystickGyroScale, joystickGyroScale
	if m.InvertX {
		xSign = joystickGyroScale
	}
	if m.InvertY {
		ySign = -joystickGyroScale
	}
	gx := in.Gyro.Y * m.Sensitivity * xSign
	gy := in.Gyro.X * m.Sensitivity * ySign
	gx, gy = antiDeadzone(gx, gy, m.AntiDeadzone)

	out.Report.RightX = clampStick(float64(out.Report.RightX) + gx)
	out.Report.RightY = clampStick(float64(out.Report.RightY) + gy)
	return out
}

// flickStep computes this tick's flick delta in mouse units. The stick angle
// is measured with up = +pi/2, so a flick straight up turns nothing.
//
// The held-stick delta assumes less than half a revolution per tick; faster
// rotation under-counts.
func flickStep(rx, ry, mag, value float64, t flickTracker) (float64, flickTracker) {
	if mag <= flickDeadzone {
		return 0, flickTracker{}
	}
	angle := math.Atan2(-ry, rx)

	var delta float64
	if !t.Active {
		offset := wrapAngle(angle - math.Pi/2)
		delta = -(offset / math.Pi) * (value / 2)
	} else {
		d := wrapAngle(angle - t.LastAngle)
		delta = -(d / (2 * math.Pi)) * value
	}
	return delta, flickTracker{Active: true, LastAngle: angle}
}

// wrapAngle maps a into (-pi, pi].
func wrapAngle(a float64) float64 {
	a = math.Remainder(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// antiDeadzone rescales (x, y) so any non-negligible vector reaches at least
// dzPercent of full stick deflection. Vectors already past full deflection
// are returned unchanged.
func antiDeadzone(x, y, dzPercent float64) (float64, float64) {
	m := math.Hypot(x, y)
	if m <= antiDeadzoneFloor {
		return x, y
	}
	n := m / stickMax
	if n > 1 {
		return x, y
	}
	dz := dzPercent / 100
	scale := (dz + (1-dz)*n) / n
	return x * scale, y * scale
}

// scaleTrigger maps [0, 32767] to [0, 255].
func scaleTrigger(v int16) uint8 {
	out := int32(v) * 255 / 32767
	if out < 0 {
		return 0
	}
	if out > 255 {
		return 255
	}
	return uint8(out)
}

// flipY converts between evdev (down positive) and XInput (up positive).
// -32768 has no positive counterpart and maps to 32767.
func flipY(v int16) int16 {
	if v == math.MinInt16 {
		return math.MaxInt16
	}
	return -v
}

func clampStick(v float64) int16 {
	if v > stickMax {
		return math.MaxInt16
	}
	if v < -stickMax {
		return -math.MaxInt16
	}
	return int16(v)
}
