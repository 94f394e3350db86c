package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/geo/r3"
)

// Button identifies one digital control of a gamepad, independent of the
// physical controller's evdev codes.
type Button uint8

const (
	ButtonSouth Button = iota
	ButtonEast
	ButtonWest
	ButtonNorth
	ButtonLeftShoulder
	ButtonRightShoulder
	ButtonBack
	ButtonStart
	ButtonGuide
	ButtonLeftStick
	ButtonRightStick
	ButtonDpadUp
	ButtonDpadDown
	ButtonDpadLeft
	ButtonDpadRight

	buttonCount
)

var buttonNames = [buttonCount]string{
	ButtonSouth:         "south",
	ButtonEast:          "east",
	ButtonWest:          "west",
	ButtonNorth:         "north",
	ButtonLeftShoulder:  "left_shoulder",
	ButtonRightShoulder: "right_shoulder",
	ButtonBack:          "back",
	ButtonStart:         "start",
	ButtonGuide:         "guide",
	ButtonLeftStick:     "left_stick",
	ButtonRightStick:    "right_stick",
	ButtonDpadUp:        "dpad_up",
	ButtonDpadDown:      "dpad_down",
	ButtonDpadLeft:      "dpad_left",
	ButtonDpadRight:     "dpad_right",
}

func (b Button) String() string {
	if b < buttonCount {
		return buttonNames[b]
	}
	return fmt.Sprintf("button(%d)", uint8(b))
}

func (b Button) MarshalText() ([]byte, error) {
	if b >= buttonCount {
		return nil, fmt.Errorf("invalid button %d", uint8(b))
	}
	return []byte(b.String()), nil
}

func (b *Button) UnmarshalText(text []byte) error {
	v, err := parseButton(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func parseButton(s string) (Button, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range buttonNames {
		if name == s {
			return Button(i), nil
		}
	}
	return 0, fmt.Errorf("unknown button %q", s)
}

// ButtonSet is a bitmask of held buttons.
type ButtonSet uint16

func (s ButtonSet) Has(b Button) bool { return s&(1<<b) != 0 }

// With returns the set with b held (down=true) or released.
func (s ButtonSet) With(b Button, down bool) ButtonSet {
	if down {
		return s | 1<<b
	}
	return s &^ (1 << b)
}

// Axis identifies an analog input. Sticks span the signed 16-bit range with
// positive Y pointing down; triggers span [0, 32767].
type Axis uint8

const (
	AxisLeftX Axis = iota
	AxisLeftY
	AxisRightX
	AxisRightY
	AxisLeftTrigger
	AxisRightTrigger

	axisCount
)

var axisNames = [axisCount]string{
	AxisLeftX:        "left_x",
	AxisLeftY:        "left_y",
	AxisRightX:       "right_x",
	AxisRightY:       "right_y",
	AxisLeftTrigger:  "left_trigger",
	AxisRightTrigger: "right_trigger",
}

func (a Axis) String() string {
	if a < axisCount {
		return axisNames[a]
	}
	return fmt.Sprintf("axis(%d)", uint8(a))
}

func (a Axis) IsTrigger() bool { return a == AxisLeftTrigger || a == AxisRightTrigger }

func (a Axis) MarshalText() ([]byte, error) {
	if a >= axisCount {
		return nil, fmt.Errorf("invalid axis %d", uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Axis) UnmarshalText(text []byte) error {
	v, err := parseAxis(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func parseAxis(s string) (Axis, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range axisNames {
		if name == s {
			return Axis(i), nil
		}
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// RawControllerSample is the latest known state of the bound controller.
// Gyro is angular rate in rad/s with X=pitch, Y=yaw, Z=roll.
type RawControllerSample struct {
	Buttons ButtonSet
	Axes    [axisCount]int16
	Gyro    r3.Vector

	InputAt time.Time
	GyroAt  time.Time
}

// calibrateGyro subtracts the calibration offset componentwise.
func calibrateGyro(raw, offset r3.Vector) r3.Vector {
	return raw.Sub(offset)
}

// VirtualReport is one tick's output for the virtual gamepad.
// Sticks use the XInput convention: positive Y points up.
type VirtualReport struct {
	Buttons      ButtonSet
	LeftTrigger  uint8
	RightTrigger uint8
	LeftX        int16
	LeftY        int16
	RightX       int16
	RightY       int16
}

// MotionStep is a single unit relative mouse move. DX and DY are in {-1, 0, 1}.
type MotionStep struct {
	DX int32
	DY int32
}

// ReportSink accepts one VirtualReport per tick.
type ReportSink interface {
	Send(r VirtualReport) error
}

// MotionSink accepts a batch of unit steps. Callers never pass more than the
// configured batch size in one call.
type MotionSink interface {
	Move(steps []MotionStep) error
}
