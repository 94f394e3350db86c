package main

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	evdev "github.com/gvalkov/golang-evdev"
)

// keyButtons maps kernel gamepad key codes to buttons. Face buttons use the
// positional names (BTN_SOUTH == BTN_A, BTN_NORTH == BTN_X).
var keyButtons = map[uint16]Button{
	evdev.BTN_SOUTH:      ButtonSouth,
	evdev.BTN_EAST:       ButtonEast,
	evdev.BTN_NORTH:      ButtonNorth,
	evdev.BTN_WEST:       ButtonWest,
	evdev.BTN_TL:         ButtonLeftShoulder,
	evdev.BTN_TR:         ButtonRightShoulder,
	evdev.BTN_SELECT:     ButtonBack,
	evdev.BTN_START:      ButtonStart,
	evdev.BTN_MODE:       ButtonGuide,
	evdev.BTN_THUMBL:     ButtonLeftStick,
	evdev.BTN_THUMBR:     ButtonRightStick,
	evdev.BTN_DPAD_UP:    ButtonDpadUp,
	evdev.BTN_DPAD_DOWN:  ButtonDpadDown,
	evdev.BTN_DPAD_LEFT:  ButtonDpadLeft,
	evdev.BTN_DPAD_RIGHT: ButtonDpadRight,
}

// hasCapability reports whether dev advertises code for the given event type.
func hasCapability(dev *evdev.InputDevice, evType, code int) bool {
	for ct, codes := range dev.Capabilities {
		if ct.Type != evType {
			continue
		}
		for _, c := range codes {
			if c.Code == code {
				return true
			}
		}
	}
	return false
}

var absAxes = map[uint16]Axis{
	evdev.ABS_X:  AxisLeftX,
	evdev.ABS_Y:  AxisLeftY,
	evdev.ABS_RX: AxisRightX,
	evdev.ABS_RY: AxisRightY,
	evdev.ABS_Z:  AxisLeftTrigger,
	evdev.ABS_RZ: AxisRightTrigger,
}

// absRange is the kernel-reported range of one ABS axis.
type absRange struct {
	Min, Max int32
}

// defaultAbsRange is used when the kernel range is unknown or degenerate.
func defaultAbsRange(a Axis) absRange {
	if a.IsTrigger() {
		return absRange{Min: 0, Max: 255}
	}
	return absRange{Min: math.MinInt16, Max: math.MaxInt16}
}

// normalizeStick maps [min, max] onto [-32768, 32767].
func normalizeStick(v int32, r absRange) int16 {
	span := int64(r.Max) - int64(r.Min)
	if span <= 0 {
		return 0
	}
	out := (int64(v)-int64(r.Min))*65535/span - 32768
	if out < math.MinInt16 {
		out = math.MinInt16
	}
	if out > math.MaxInt16 {
		out = math.MaxInt16
	}
	return int16(out)
}

// normalizeTrigger maps [min, max] onto [0, 32767].
func normalizeTrigger(v int32, r absRange) int16 {
	span := int64(r.Max) - int64(r.Min)
	if span <= 0 {
		return 0
	}
	out := (int64(v) - int64(r.Min)) * 32767 / span
	if out < 0 {
		out = 0
	}
	if out > math.MaxInt16 {
		out = math.MaxInt16
	}
	return int16(out)
}

// padTranslator converts raw events of the controller node into engine events.
type padTranslator struct {
	device DeviceID
	ranges map[uint16]absRange

	hatX, hatY int32
}

func newPadTranslator(device DeviceID, ranges map[uint16]absRange) *padTranslator {
	if ranges == nil {
		ranges = map[uint16]absRange{}
	}
	return &padTranslator{device: device, ranges: ranges}
}

func (t *padTranslator) translate(ev evdev.InputEvent, at time.Time) []Event {
	switch ev.Type {
	case evdev.EV_KEY:
		b, ok := keyButtons[ev.Code]
		if !ok || ev.Value == 2 { // 2 is autorepeat
			return nil
		}
		return []Event{ButtonChanged{Device: t.device, Button: b, Down: ev.Value != 0, At: at}}

	case evdev.EV_ABS:
		switch ev.Code {
		case evdev.ABS_HAT0X:
			out := t.hat(ev.Value, t.hatX, ButtonDpadLeft, ButtonDpadRight, at)
			t.hatX = ev.Value
			return out
		case evdev.ABS_HAT0Y:
			out := t.hat(ev.Value, t.hatY, ButtonDpadUp, ButtonDpadDown, at)
			t.hatY = ev.Value
			return out
		}

		a, ok := absAxes[ev.Code]
		if !ok {
			return nil
		}
		r, ok := t.ranges[ev.Code]
		if !ok || r.Max <= r.Min {
			r = defaultAbsRange(a)
		}
		var v int16
		if a.IsTrigger() {
			v = normalizeTrigger(ev.Value, r)
		} else {
			v = normalizeStick(ev.Value, r)
		}
		return []Event{AxisChanged{Device: t.device, Axis: a, Value: v, At: at}}
	}
	return nil
}

// hat turns a hat axis transition into d-pad button changes.
func (t *padTranslator) hat(next, prev int32, neg, pos Button, at time.Time) []Event {
	if next == prev {
		return nil
	}
	var out []Event
	if prev < 0 {
		out = append(out, ButtonChanged{Device: t.device, Button: neg, Down: false, At: at})
	}
	if prev > 0 {
		out = append(out, ButtonChanged{Device: t.device, Button: pos, Down: false, At: at})
	}
	if next < 0 {
		out = append(out, ButtonChanged{Device: t.device, Button: neg, Down: true, At: at})
	}
	if next > 0 {
		out = append(out, ButtonChanged{Device: t.device, Button: pos, Down: true, At: at})
	}
	return out
}

// motionTranslator converts the motion sensor node's gyro axes into
// GyroSample events, one per SYN_REPORT. Accelerometer axes are ignored.
type motionTranslator struct {
	device DeviceID
	res    [3]float64 // units per deg/s for ABS_RX, ABS_RY, ABS_RZ

	pending r3.Vector
	dirty   bool
}

func newMotionTranslator(device DeviceID, res [3]float64) *motionTranslator {
	for i := range res {
		if res[i] <= 0 {
			res[i] = defaultGyroResolution
		}
	}
	return &motionTranslator{device: device, res: res}
}

func (m *motionTranslator) translate(ev evdev.InputEvent, at time.Time) (Event, bool) {
	switch ev.Type {
	case evdev.EV_ABS:
		switch ev.Code {
		case evdev.ABS_RX:
			m.pending.X = gyroRadians(ev.Value, m.res[0])
		case evdev.ABS_RY:
			m.pending.Y = gyroRadians(ev.Value, m.res[1])
		case evdev.ABS_RZ:
			m.pending.Z = gyroRadians(ev.Value, m.res[2])
		default:
			return nil, false
		}
		m.dirty = true

	case evdev.EV_SYN:
		if ev.Code != evdev.SYN_REPORT || !m.dirty {
			return nil, false
		}
		m.dirty = false
		return GyroSample{Device: m.device, Rate: m.pending, At: at}, true
	}
	return nil, false
}

// gyroRadians converts a raw reading to rad/s.
func gyroRadians(v int32, unitsPerDegree float64) float64 {
	return float64(v) / unitsPerDegree * math.Pi / 180
}
