package main

import (
	"errors"
	"fmt"

	"github.com/bendahl/uinput"
)

// padKeys maps buttons to the key codes of the virtual pad.
var padKeys = [buttonCount]int{
	ButtonSouth:         uinput.ButtonSouth,
	ButtonEast:          uinput.ButtonEast,
	ButtonNorth:         uinput.ButtonNorth,
	ButtonWest:          uinput.ButtonWest,
	ButtonLeftShoulder:  uinput.ButtonBumperLeft,
	ButtonRightShoulder: uinput.ButtonBumperRight,
	ButtonBack:          uinput.ButtonSelect,
	ButtonStart:         uinput.ButtonStart,
	ButtonGuide:         uinput.ButtonMode,
	ButtonLeftStick:     uinput.ButtonThumbLeft,
	ButtonRightStick:    uinput.ButtonThumbRight,
	ButtonDpadUp:        uinput.ButtonDpadUp,
	ButtonDpadDown:      uinput.ButtonDpadDown,
	ButtonDpadLeft:      uinput.ButtonDpadLeft,
	ButtonDpadRight:     uinput.ButtonDpadRight,
}

// gamepadSink writes VirtualReports to a uinput gamepad, sending only what
// changed since the previous report.
type gamepadSink struct {
	pad  uinput.Gamepad
	last VirtualReport
}

func newGamepadSink(path, name string) (*gamepadSink, error) {
	pad, err := uinput.CreateGamepad(path, []byte(name), virtualVendorID, virtualProductID)
	if err != nil {
		return nil, fmt.Errorf("create virtual gamepad: %w", err)
	}
	return &gamepadSink{pad: pad}, nil
}

func (g *gamepadSink) Send(r VirtualReport) error {
	var errs []error

	if changed := r.Buttons ^ g.last.Buttons; changed != 0 {
		for b := Button(0); b < buttonCount; b++ {
			if !changed.Has(b) {
				continue
			}
			key := padKeys[b]
			if r.Buttons.Has(b) {
				errs = append(errs, g.pad.ButtonDown(key))
			} else {
				errs = append(errs, g.pad.ButtonUp(key))
			}
		}
	}

	// uinput sticks take [-1, 1] in evdev orientation, so Y is flipped back.
	if r.LeftX != g.last.LeftX || r.LeftY != g.last.LeftY {
		errs = append(errs, g.pad.LeftStickMove(stickUnit(r.LeftX), -stickUnit(r.LeftY)))
	}
	if r.RightX != g.last.RightX || r.RightY != g.last.RightY {
		errs = append(errs, g.pad.RightStickMove(stickUnit(r.RightX), -stickUnit(r.RightY)))
	}

	if r.LeftTrigger != g.last.LeftTrigger || r.RightTrigger != g.last.RightTrigger {
		errs = append(errs, g.sendTriggers(r))
	}

	g.last = r
	return errors.Join(errs...)
}

// sendTriggers presses the digital trigger buttons past half travel.
// uinput.Gamepad has no method to move its trigger axes.
func (g *gamepadSink) sendTriggers(r VirtualReport) error {
	var errs []error
	for _, t := range []struct {
		now, prev uint8
		key       int
	}{
		{r.LeftTrigger, g.last.LeftTrigger, uinput.ButtonTriggerLeft},
		{r.RightTrigger, g.last.RightTrigger, uinput.ButtonTriggerRight},
	} {
		down, wasDown := t.now > 127, t.prev > 127
		switch {
		case down && !wasDown:
			errs = append(errs, g.pad.ButtonDown(t.key))
		case !down && wasDown:
			errs = append(errs, g.pad.ButtonUp(t.key))
		}
	}
	return errors.Join(errs...)
}

func (g *gamepadSink) Close() error { return g.pad.Close() }

func stickUnit(v int16) float32 {
	f := float32(v) / stickMax
	if f < -1 {
		return -1
	}
	return f
}

// mouseSink emits unit steps as relative mouse motion.
type mouseSink struct {
	mouse uinput.Mouse
}

func newMouseSink(path, name string) (*mouseSink, error) {
	m, err := uinput.CreateMouse(path, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("create virtual mouse: %w", err)
	}
	return &mouseSink{mouse: m}, nil
}

func (m *mouseSink) Move(steps []MotionStep) error {
	for _, s := range steps {
		if err := m.mouse.Move(s.DX, s.DY); err != nil {
			return err
		}
	}
	return nil
}

func (m *mouseSink) Close() error { return m.mouse.Close() }
