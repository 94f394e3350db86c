package main

import (
	"errors"
	"log/slog"
	"time"
)

var (
	ErrFlickDisabled = errors.New("flick stick is disabled")
	ErrNoDevice      = errors.New("no controller bound")
)

// StepResult is what one Handle or Tick call asks the daemon loop to do.
type StepResult struct {
	Report     *VirtualReport // set by Tick only
	Commands   []Command
	Broadcasts []StatusBroadcast
}

// boundDevice is the controller whose events the engine accepts.
type boundDevice struct {
	ID      DeviceID
	Name    string
	Vendor  uint16
	Product uint16
	LEDPath string
}

// published holds what was last broadcast, so changes can be detected after
// each step without every mutation having to announce itself.
type published struct {
	cal       CalibrationState
	settings  Settings
	aim       bool
	device    DeviceID
	listening bool
}

// Engine is the application context. It owns the current sample, the
// calibration sessions, the flick tracker and the aim-binding listener.
//
// Single-owner: all methods must be called from the daemon goroutine.
// The Store and MotionState it holds are safe to share.
type Engine struct {
	store    *Store
	motion   *MotionState
	cal      *Calibrator
	logger   *slog.Logger
	defaults Settings

	device    boundDevice
	sample    RawControllerSample
	tracker   flickTracker
	listening bool
	masked    ButtonSet
	aimActive bool
	completed bool // a session stored its result since the last broadcast

	last published
}

// NewEngine creates an engine. ResetSettings restores the store's contents
// at construction time.
func NewEngine(store *Store, motion *MotionState, cal *Calibrator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = discardLogger()
	}
	if cal == nil {
		cal = NewCalibrator(DefaultCalibrationConfig())
	}
	e := &Engine{
		store:    store,
		motion:   motion,
		cal:      cal,
		logger:   logger,
		defaults: store.Get(),
	}
	e.last = e.marks()
	return e
}

// Handle applies one input event or action request.
func (e *Engine) Handle(ev Event) StepResult {
	var res StepResult
	at := eventTime(ev)
	if at.IsZero() {
		at = time.Now()
	}

	switch ev := ev.(type) {
	case ActionRequest:
		err := e.dispatch(ev.Action, at, &res)
		if err != nil {
			e.logger.Warn("action rejected", "action", actionType(ev.Action), "error", err)
		}
		if ev.Reply != nil {
			res.Commands = append(res.Commands, CmdReply{Reply: ev.Reply, Err: err})
		}
	default:
		e.handleInput(ev, &res)
	}

	res.Broadcasts = e.collectBroadcasts(at)
	return res
}

// Tick advances the flick calibration turn, runs the mapping pipeline,
// publishes the motion update and returns the report for the virtual pad.
func (e *Engine) Tick(now time.Time) StepResult {
	var res StepResult

	if turn := e.cal.Update(); turn != 0 {
		e.motion.AddFlick(turn)
	}

	var report VirtualReport
	var update MotionUpdate
	aim := false

	if e.device.ID != "" {
		s := e.store.Get()
		out := Map(MapInput{
			Sample:          e.sample,
			Gyro:            calibrateGyro(e.sample.Gyro, s.Offset),
			Mode:            s.Mode,
			Flick:           s.Flick,
			Aim:             s.Aim,
			Masked:          e.masked,
			CalibrationIdle: e.cal.Idle(),
			Tracker:         e.tracker,
		})
		report = out.Report
		e.tracker = out.Tracker
		update.Gyro = out.Motion.Gyro
		update.AimActive = out.Motion.AimActive
		update.FlickDelta = out.Motion.FlickDelta
		aim = out.AimActive
	}

	e.motion.Apply(update)
	e.aimActive = aim

	res.Report = &report
	res.Broadcasts = e.collectBroadcasts(now)
	return res
}

// ============================================================================
// Input
// ============================================================================

func (e *Engine) handleInput(ev Event, res *StepResult) {
	switch ev := ev.(type) {
	case DeviceAdded:
		e.handleDeviceAdded(ev, res)
		return
	case DeviceRemoved:
		if ev.Device == e.device.ID && ev.Device != "" {
			e.handleDeviceRemoved()
		}
		return
	}

	switch ev := ev.(type) {
	case ButtonChanged:
		if !e.accepts(ev.Device) || ev.Button >= buttonCount {
			return
		}
		e.sample.Buttons = e.sample.Buttons.With(ev.Button, ev.Down)
		e.sample.InputAt = ev.At
		if !ev.Down {
			e.masked = e.masked.With(ev.Button, false)
			return
		}
		if e.listening {
			e.bindAim(buttonAimBinding(ev.Button))
			e.masked = e.masked.With(ev.Button, true)
			return
		}
		if !e.cal.Idle() && e.routeCalibrationButton(ev.Button) {
			e.masked = e.masked.With(ev.Button, true)
		}

	case AxisChanged:
		if !e.accepts(ev.Device) || ev.Axis >= axisCount {
			return
		}
		e.sample.Axes[ev.Axis] = ev.Value
		e.sample.InputAt = ev.At
		if e.listening && ev.Axis.IsTrigger() && ev.Value > triggerEngaged {
			e.bindAim(triggerAimBinding(ev.Axis))
		}

	case GyroSample:
		if !e.accepts(ev.Device) {
			return
		}
		e.sample.Gyro = ev.Rate
		e.sample.GyroAt = ev.At
		if e.cal.State().isGyro() {
			offset, done := e.cal.FeedGyro(ev.Rate, ev.At)
			if done {
				e.updateSettings(func(s *Settings) error {
					s.Offset = offset
					return nil
				})
				e.completed = true
				e.logger.Info("gyro calibration complete",
					"pitch", offset.X, "yaw", offset.Y, "roll", offset.Z)
			}
		}
	}
}

func (e *Engine) accepts(id DeviceID) bool {
	return e.device.ID != "" && id == e.device.ID
}

func (e *Engine) handleDeviceAdded(ev DeviceAdded, res *StepResult) {
	if ev.Vendor == virtualVendorID && ev.Product == virtualProductID {
		e.logger.Debug("ignoring own virtual device", "device", ev.Device)
		return
	}
	if e.device.ID != "" {
		if ev.Device != e.device.ID {
			e.logger.Debug("controller already bound, ignoring", "device", ev.Device, "bound", e.device.ID)
		}
		return
	}

	e.device = boundDevice{
		ID:      ev.Device,
		Name:    ev.Name,
		Vendor:  ev.Vendor,
		Product: ev.Product,
		LEDPath: ev.LEDPath,
	}
	e.sample = RawControllerSample{}
	e.tracker = flickTracker{}
	e.masked = 0
	e.logger.Info("controller bound", "device", ev.Device, "name", ev.Name,
		"vendor", ev.Vendor, "product", ev.Product)

	if ev.LEDPath != "" {
		res.Commands = append(res.Commands, CmdSetLED{Path: ev.LEDPath, Color: e.store.Get().LED})
	}
}

func (e *Engine) handleDeviceRemoved() {
	if e.cal.Abort() {
		e.logger.Warn("controller lost, calibration cancelled")
	}
	e.listening = false
	if e.store.Get().Aim.Kind != AimBindingNone {
		e.updateSettings(func(s *Settings) error {
			s.Aim = noAimBinding()
			return nil
		})
	}
	e.motion.Reset()
	e.logger.Info("controller unbound", "device", e.device.ID)

	e.device = boundDevice{}
	e.sample = RawControllerSample{}
	e.tracker = flickTracker{}
	e.masked = 0
	e.aimActive = false
}

// routeCalibrationButton applies the controller shortcuts of the active
// session and reports whether the button was consumed.
func (e *Engine) routeCalibrationButton(b Button) bool {
	var err error
	switch e.cal.State() {
	case CalibrationWaitingForStability, CalibrationSampling:
		if b != ButtonEast {
			return false
		}
		err = e.cancelCalibration()

	case FlickCalibrationStart:
		switch b {
		case ButtonSouth:
			err = e.cal.TestTurn()
		case ButtonEast:
			err = e.cancelCalibration()
		default:
			return false
		}

	case FlickCalibrationAdjust:
		switch b {
		case ButtonDpadUp:
			err = e.cal.Adjust(flickAdjustFine)
		case ButtonDpadDown:
			err = e.cal.Adjust(-flickAdjustFine)
		case ButtonDpadRight:
			err = e.cal.Adjust(flickAdjustUltraFine)
		case ButtonDpadLeft:
			err = e.cal.Adjust(-flickAdjustUltraFine)
		case ButtonRightShoulder:
			err = e.cal.Adjust(flickAdjustCoarse)
		case ButtonLeftShoulder:
			err = e.cal.Adjust(-flickAdjustCoarse)
		case ButtonSouth:
			err = e.cal.TestTurn()
		case ButtonEast:
			err = e.commitFlick()
		default:
			return false
		}

	default:
		return false
	}

	if err != nil {
		e.logger.Warn("calibration button rejected", "button", b, "error", err)
	}
	return true
}

// ============================================================================
// Actions
// ============================================================================

func (e *Engine) dispatch(a Action, at time.Time, res *StepResult) error {
	switch a := a.(type) {
	case StartGyroCalibration:
		if e.device.ID == "" {
			return ErrNoDevice
		}
		if err := e.cal.StartGyro(); err != nil {
			return err
		}
		e.listening = false
		e.logger.Info("gyro calibration started, hold the controller still")

	case StartFlickCalibration:
		if e.device.ID == "" {
			return ErrNoDevice
		}
		s := e.store.Get()
		if !s.Mode.FlickStick {
			return ErrFlickDisabled
		}
		if err := e.cal.StartFlick(s.Flick.Value); err != nil {
			return err
		}
		e.listening = false
		e.logger.Info("flick calibration started", "value", s.Flick.Value)

	case FlickTestTurn:
		return e.cal.TestTurn()

	case FlickAdjust:
		return e.cal.Adjust(a.Delta)

	case FlickCommit:
		return e.commitFlick()

	case CancelCalibration:
		return e.cancelCalibration()

	case ListenAimBinding:
		if !e.cal.Idle() {
			return ErrCalibrationActive
		}
		e.listening = true

	case ClearAimBinding:
		e.listening = false
		e.updateSettings(func(s *Settings) error {
			s.Aim = noAimBinding()
			return nil
		})

	case UpdateSettings:
		next, err := e.store.Update(a.Patch.Apply)
		if err != nil {
			return err
		}
		if !next.Mode.FlickStick && e.cal.State().isFlick() {
			e.cal.Abort()
			e.logger.Info("flick stick disabled, flick calibration cancelled")
		}

	case SetLEDColor:
		c := LEDColor{R: a.R, G: a.G, B: a.B}
		e.updateSettings(func(s *Settings) error {
			s.LED = c
			return nil
		})
		if e.device.LEDPath != "" {
			res.Commands = append(res.Commands, CmdSetLED{Path: e.device.LEDPath, Color: c})
		}

	case ResetSettings:
		e.listening = false
		s := e.defaults
		e.store.Set(s)
		if !s.Mode.FlickStick && e.cal.State().isFlick() {
			e.cal.Abort()
		}
		if e.device.LEDPath != "" {
			res.Commands = append(res.Commands, CmdSetLED{Path: e.device.LEDPath, Color: s.LED})
		}

	case RequestStatus:
		if a.Reply == nil {
			return errors.New("status request without reply channel")
		}
		res.Commands = append(res.Commands, CmdPublishStatus{Reply: a.Reply, Snapshot: e.Snapshot(at)})

	default:
		return errors.New("unsupported action")
	}
	return nil
}

func (e *Engine) commitFlick() error {
	v, err := e.cal.Commit()
	if err != nil {
		return err
	}
	e.updateSettings(func(s *Settings) error {
		s.Flick = FlickStickCalibration{Value: v, Calibrated: true}
		return nil
	})
	e.completed = true
	e.logger.Info("flick calibration committed", "value", v)
	return nil
}

func (e *Engine) cancelCalibration() error {
	prev := e.cal.State()
	if err := e.cal.Cancel(); err != nil {
		return err
	}
	e.logger.Info("calibration cancelled", "state", prev)
	return nil
}

func (e *Engine) bindAim(b AimBinding) {
	e.listening = false
	e.updateSettings(func(s *Settings) error {
		s.Aim = b
		return nil
	})
	e.logger.Info("aim binding set", "kind", b.Kind, "button", b.Button, "trigger", b.Trigger)
}

// updateSettings is for engine-internal writes that cannot fail.
func (e *Engine) updateSettings(fn func(*Settings) error) {
	if _, err := e.store.Update(fn); err != nil {
		e.logger.Error("settings update failed", "error", err)
	}
}

// ============================================================================
// Status
// ============================================================================

// Snapshot returns the current status.
func (e *Engine) Snapshot(at time.Time) StatusSnapshot {
	snap := StatusSnapshot{
		Device: DeviceStatus{
			Bound:   e.device.ID != "",
			ID:      e.device.ID,
			Name:    e.device.Name,
			Vendor:  e.device.Vendor,
			Product: e.device.Product,
		},
		Calibration: CalibrationStatus{State: e.cal.State()},
		Settings:    e.store.Get(),
		Dirty:       e.store.Dirty(),
		AimActive:   e.aimActive,
		Listening:   e.listening,
		At:          at,
	}
	switch {
	case e.cal.State() == CalibrationSampling:
		snap.Calibration.Samples = e.cal.SampleCount()
	case e.cal.State().isFlick():
		snap.Calibration.FlickValue = e.cal.FlickValue()
	}
	return snap
}

func (e *Engine) marks() published {
	return published{
		cal:       e.cal.State(),
		settings:  e.store.Get(),
		aim:       e.aimActive,
		device:    e.device.ID,
		listening: e.listening,
	}
}

func (e *Engine) collectBroadcasts(at time.Time) []StatusBroadcast {
	cur := e.marks()
	if cur == e.last {
		return nil
	}
	prev := e.last
	e.last = cur

	snap := e.Snapshot(at)
	var out []StatusBroadcast
	if cur.device != prev.device {
		out = append(out, BroadcastDeviceChanged{Snapshot: snap})
	}
	if cur.cal != prev.cal {
		out = append(out, BroadcastCalibrationChanged{Previous: prev.cal, Completed: e.completed, Snapshot: snap})
		e.completed = false
	}
	if cur.settings != prev.settings || cur.listening != prev.listening {
		out = append(out, BroadcastSettingsChanged{Snapshot: snap})
	}
	if cur.aim != prev.aim {
		out = append(out, BroadcastAimChanged{Snapshot: snap})
	}
	return out
}
