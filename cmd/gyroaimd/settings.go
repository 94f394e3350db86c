package main

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r3"
)

// ModeSettings selects how gyro input reaches the output.
type ModeSettings struct {
	MouseMode        bool    `json:"mouse_mode"` // false: joystick mode
	FlickStick       bool    `json:"flick_stick"`
	AlwaysOnGyro     bool    `json:"always_on_gyro"`
	InvertX          bool    `json:"invert_x"`
	InvertY          bool    `json:"invert_y"`
	Sensitivity      float64 `json:"sensitivity"`
	MouseSensitivity float64 `json:"mouse_sensitivity"`
	AntiDeadzone     float64 `json:"anti_deadzone"` // percent, 0-100
}

// AimBindingKind says what, if anything, engages gyro aim.
type AimBindingKind string

const (
	AimBindingNone    AimBindingKind = "none"
	AimBindingButton  AimBindingKind = "button"
	AimBindingTrigger AimBindingKind = "trigger"
)

// AimBinding holds either a button or a trigger, never both.
type AimBinding struct {
	Kind    AimBindingKind
	Button  Button
	Trigger Axis
}

// MarshalJSON writes only the field that belongs to Kind.
func (b AimBinding) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind    AimBindingKind `json:"kind"`
		Button  *Button        `json:"button,omitempty"`
		Trigger *Axis          `json:"trigger,omitempty"`
	}
	w := wire{Kind: b.Kind}
	switch b.Kind {
	case AimBindingButton:
		w.Button = &b.Button
	case AimBindingTrigger:
		w.Trigger = &b.Trigger
	}
	return json.Marshal(w)
}

func noAimBinding() AimBinding { return AimBinding{Kind: AimBindingNone} }

func buttonAimBinding(b Button) AimBinding {
	return AimBinding{Kind: AimBindingButton, Button: b}
}

func triggerAimBinding(a Axis) AimBinding {
	return AimBinding{Kind: AimBindingTrigger, Trigger: a}
}

// engaged reports whether the binding is currently held in s. Buttons in
// masked do not count as held.
func (b AimBinding) engaged(s RawControllerSample, masked ButtonSet) bool {
	switch b.Kind {
	case AimBindingButton:
		return s.Buttons.Has(b.Button) && !masked.Has(b.Button)
	case AimBindingTrigger:
		return s.Axes[b.Trigger] > triggerEngaged
	default:
		return false
	}
}

// FlickStickCalibration is the number of mouse units that make a full 360 turn.
type FlickStickCalibration struct {
	Value      float64 `json:"value"`
	Calibrated bool    `json:"calibrated"`
}

// LEDColor is the requested colour of the controller light bar.
type LEDColor struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (c LEDColor) String() string { return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B) }

// Settings is the whole user-adjustable record. It is read and written as a unit.
type Settings struct {
	Mode   ModeSettings          `json:"mode"`
	Aim    AimBinding            `json:"aim"`
	Offset r3.Vector             `json:"gyro_offset"`
	Flick  FlickStickCalibration `json:"flick"`
	LED    LEDColor              `json:"led"`
}

// DefaultSettings returns the settings used on first start and on reset.
func DefaultSettings() Settings {
	return Settings{
		Mode: ModeSettings{
			Sensitivity:      defaultSensitivity,
			MouseSensitivity: defaultMouseSensitivity,
		},
		Aim:   noAimBinding(),
		Flick: FlickStickCalibration{Value: defaultFlickValue},
		LED:   LEDColor{R: defaultLEDLevel, G: defaultLEDLevel, B: defaultLEDLevel},
	}
}

// normalize enforces the cross-field invariants and clamps numeric ranges.
func (s *Settings) normalize() {
	m := &s.Mode
	if m.FlickStick {
		// Flick output is relative mouse motion and needs continuous gyro.
		m.MouseMode = true
		m.AlwaysOnGyro = true
	}
	m.Sensitivity = clampFloat(m.Sensitivity, minSensitivity, maxSensitivity)
	m.MouseSensitivity = clampFloat(m.MouseSensitivity, minMouseSensitivity, maxMouseSensitivity)
	m.AntiDeadzone = clampFloat(m.AntiDeadzone, 0, maxAntiDeadzone)

	s.Flick.Value = clampFloat(s.Flick.Value, flickMinValue, flickMaxValue)

	switch s.Aim.Kind {
	case AimBindingButton:
		s.Aim.Trigger = 0
	case AimBindingTrigger:
		s.Aim.Button = 0
		if !s.Aim.Trigger.IsTrigger() {
			s.Aim = noAimBinding()
		}
	default:
		s.Aim = noAimBinding()
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SettingsError reports a rejected settings change.
type SettingsError struct {
	Field  string
	Reason string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("settings: %s: %s", e.Field, e.Reason)
}

// SettingsPatch is a partial update. Nil fields are left unchanged.
type SettingsPatch struct {
	MouseMode        *bool    `json:"mouse_mode,omitempty"`
	FlickStick       *bool    `json:"flick_stick,omitempty"`
	AlwaysOnGyro     *bool    `json:"always_on_gyro,omitempty"`
	InvertX          *bool    `json:"invert_x,omitempty"`
	InvertY          *bool    `json:"invert_y,omitempty"`
	Sensitivity      *float64 `json:"sensitivity,omitempty"`
	MouseSensitivity *float64 `json:"mouse_sensitivity,omitempty"`
	AntiDeadzone     *float64 `json:"anti_deadzone,omitempty"`
	FlickValue       *float64 `json:"flick_value,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p == SettingsPatch{}
}

// Apply validates the patch against s and applies it. On error s is unchanged.
func (p SettingsPatch) Apply(s *Settings) error {
	next := *s
	m := &next.Mode

	if p.Sensitivity != nil {
		if err := checkRange("sensitivity", *p.Sensitivity, minSensitivity, maxSensitivity); err != nil {
			return err
		}
		m.Sensitivity = *p.Sensitivity
	}
	if p.MouseSensitivity != nil {
		if err := checkRange("mouse_sensitivity", *p.MouseSensitivity, minMouseSensitivity, maxMouseSensitivity); err != nil {
			return err
		}
		m.MouseSensitivity = *p.MouseSensitivity
	}
	if p.AntiDeadzone != nil {
		if err := checkRange("anti_deadzone", *p.AntiDeadzone, 0, maxAntiDeadzone); err != nil {
			return err
		}
		m.AntiDeadzone = *p.AntiDeadzone
	}
	if p.FlickValue != nil {
		if err := checkRange("flick_value", *p.FlickValue, flickMinValue, flickMaxValue); err != nil {
			return err
		}
		next.Flick.Value = *p.FlickValue
	}
	if p.InvertX != nil {
		m.InvertX = *p.InvertX
	}
	if p.InvertY != nil {
		m.InvertY = *p.InvertY
	}
	if p.MouseMode != nil {
		m.MouseMode = *p.MouseMode
	}

	if p.FlickStick != nil && *p.FlickStick != m.FlickStick {
		m.FlickStick = *p.FlickStick
		// Toggling flick stick carries always-on gyro with it.
		m.AlwaysOnGyro = m.FlickStick
	}
	if p.AlwaysOnGyro != nil {
		if m.FlickStick && !*p.AlwaysOnGyro {
			return &SettingsError{Field: "always_on_gyro", Reason: "cannot be disabled while flick stick is enabled"}
		}
		m.AlwaysOnGyro = *p.AlwaysOnGyro
	}
	if m.FlickStick && !m.MouseMode {
		return &SettingsError{Field: "flick_stick", Reason: "requires mouse mode"}
	}

	next.normalize()
	*s = next
	return nil
}

func checkRange(field string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return &SettingsError{Field: field, Reason: fmt.Sprintf("must be between %g and %g", lo, hi)}
	}
	return nil
}

// Store is the in-memory settings record shared by the tick loop and the
// motion integrator. Writes mark the record dirty.
type Store struct {
	mu    sync.RWMutex
	s     Settings
	dirty bool
}

// NewStore creates a store holding a normalized copy of initial.
func NewStore(initial Settings) *Store {
	initial.normalize()
	return &Store{s: initial}
}

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Set replaces the whole record.
func (st *Store) Set(s Settings) {
	s.normalize()
	st.mu.Lock()
	st.s = s
	st.dirty = true
	st.mu.Unlock()
}

// Update applies fn to a copy of the settings and stores the result if fn
// returns nil. It returns the settings as stored afterwards.
func (st *Store) Update(fn func(*Settings) error) (Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.s
	if err := fn(&next); err != nil {
		return st.s, err
	}
	next.normalize()
	st.s = next
	st.dirty = true
	return st.s, nil
}

// Dirty reports whether the settings changed since the daemon started.
func (st *Store) Dirty() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.dirty
}
