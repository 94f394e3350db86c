package main

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
)

const testPad DeviceID = "/dev/input/event7"

func newTestEngine(s Settings) (*Engine, *Store, *MotionState) {
	cfg := DefaultCalibrationConfig()
	cfg.StabilityDuration = 0
	cfg.Samples = 3

	store := NewStore(s)
	motion := NewMotionState()
	return NewEngine(store, motion, NewCalibrator(cfg), discardLogger()), store, motion
}

func flickSettings() Settings {
	s := DefaultSettings()
	s.Mode.MouseMode = true
	s.Mode.FlickStick = true
	return s
}

func bindPad(t *testing.T, e *Engine) StepResult {
	t.Helper()
	res := e.Handle(DeviceAdded{
		Device:  testPad,
		Name:    "Wireless Controller",
		Vendor:  0x054c,
		Product: 0x0ce6,
		LEDPath: "/sys/class/leds/pad:rgb:indicator/multi_intensity",
		At:      time.Unix(1000, 0),
	})
	if !e.Snapshot(time.Time{}).Device.Bound {
		t.Fatalf("expected controller to be bound")
	}
	return res
}

// request runs an action through Handle and returns the engine's verdict.
func request(t *testing.T, e *Engine, a Action) (StepResult, error) {
	t.Helper()
	reply := make(chan error, 1)
	res := e.Handle(ActionRequest{Action: a, Reply: reply, At: time.Unix(1000, 0)})
	for _, c := range res.Commands {
		if r, ok := c.(CmdReply); ok {
			return res, r.Err
		}
	}
	t.Fatalf("expected a CmdReply for %T", a)
	return res, nil
}

func press(e *Engine, b Button, down bool) StepResult {
	return e.Handle(ButtonChanged{Device: testPad, Button: b, Down: down, At: time.Unix(1000, 0)})
}

func hasBroadcast[T StatusBroadcast](bs []StatusBroadcast) (T, bool) {
	for _, b := range bs {
		if v, ok := b.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func TestEngine_BindsFirstControllerOnly(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())

	res := bindPad(t, e)
	if _, ok := hasBroadcast[BroadcastDeviceChanged](res.Broadcasts); !ok {
		t.Fatalf("expected device_changed broadcast, got %v", res.Broadcasts)
	}
	if len(res.Commands) != 1 {
		t.Fatalf("expected 1 command on bind, got %d", len(res.Commands))
	}
	if cmd, ok := res.Commands[0].(CmdSetLED); !ok || cmd.Color != DefaultSettings().LED {
		t.Fatalf("expected CmdSetLED with the stored colour, got %v", res.Commands[0])
	}

	res = e.Handle(DeviceAdded{Device: "/dev/input/event9", Name: "Other"})
	if len(res.Broadcasts) != 0 || len(res.Commands) != 0 {
		t.Fatalf("expected a second controller to be ignored, got %+v", res)
	}
	if id := e.Snapshot(time.Time{}).Device.ID; id != testPad {
		t.Fatalf("expected %s to stay bound, got %s", testPad, id)
	}
}

func TestEngine_IgnoresOwnVirtualDevice(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	e.Handle(DeviceAdded{Device: "/dev/input/event20", Vendor: virtualVendorID, Product: virtualProductID})
	if e.Snapshot(time.Time{}).Device.Bound {
		t.Fatalf("expected the virtual gamepad never to be bound")
	}
}

func TestEngine_IgnoresEventsFromOtherDevices(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	bindPad(t, e)

	e.Handle(ButtonChanged{Device: "/dev/input/event9", Button: ButtonSouth, Down: true})
	res := e.Tick(time.Unix(1000, 0))
	if res.Report.Buttons != 0 {
		t.Fatalf("expected no buttons from a foreign device, got %b", res.Report.Buttons)
	}

	press(e, ButtonSouth, true)
	res = e.Tick(time.Unix(1000, 0))
	if !res.Report.Buttons.Has(ButtonSouth) {
		t.Fatalf("expected south held on the virtual pad")
	}
}

func TestEngine_TickWithoutDeviceIsNeutral(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	res := e.Tick(time.Unix(1000, 0))
	if res.Report == nil || *res.Report != (VirtualReport{}) {
		t.Fatalf("expected a neutral report, got %+v", res.Report)
	}
}

func TestEngine_TickAppliesGyroInJoystickMode(t *testing.T) {
	s := DefaultSettings()
	s.Mode.AlwaysOnGyro = true
	e, _, motion := newTestEngine(s)
	bindPad(t, e)

	e.Handle(GyroSample{Device: testPad, Rate: r3.Vector{Y: 0.01}, At: time.Unix(1000, 0)})
	res := e.Tick(time.Unix(1000, 0))
	if res.Report.RightX != -500 {
		t.Fatalf("expected gyro on the right stick (-500), got %d", res.Report.RightX)
	}
	if _, ok := hasBroadcast[BroadcastAimChanged](res.Broadcasts); !ok {
		t.Fatalf("expected aim_changed broadcast on the first aiming tick")
	}
	if motion.AimActive() {
		t.Fatalf("expected no mouse motion in joystick mode")
	}
}

func TestEngine_TickAppliesGyroOffset(t *testing.T) {
	s := DefaultSettings()
	s.Mode.AlwaysOnGyro = true
	s.Offset = r3.Vector{Y: 0.01}
	e, _, _ := newTestEngine(s)
	bindPad(t, e)

	e.Handle(GyroSample{Device: testPad, Rate: r3.Vector{Y: 0.01}})
	if res := e.Tick(time.Unix(1000, 0)); res.Report.RightX != 0 {
		t.Fatalf("expected the offset to cancel the drift, got %d", res.Report.RightX)
	}
}

func TestEngine_CalibrationRequiresDevice(t *testing.T) {
	e, _, _ := newTestEngine(flickSettings())

	if _, err := request(t, e, StartGyroCalibration{}); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if _, err := request(t, e, StartFlickCalibration{}); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestEngine_GyroCalibrationStoresOffset(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())
	bindPad(t, e)

	res, err := request(t, e, StartGyroCalibration{})
	if err != nil {
		t.Fatalf("StartGyroCalibration: %v", err)
	}
	if b, ok := hasBroadcast[BroadcastCalibrationChanged](res.Broadcasts); !ok || b.Snapshot.Calibration.State != CalibrationWaitingForStability {
		t.Fatalf("expected calibration_changed to waiting_for_stability, got %v", res.Broadcasts)
	}

	drift := r3.Vector{X: 0.02, Y: -0.01, Z: 0.03}
	at := time.Unix(1000, 0)
	var last StepResult
	for i := 0; i < 5; i++ { // two to pass the stability check, three samples
		last = e.Handle(GyroSample{Device: testPad, Rate: drift, At: at.Add(time.Duration(i) * 5 * time.Millisecond)})
	}

	if got := store.Get().Offset; got.Sub(drift).Norm() > 1e-12 {
		t.Fatalf("expected offset %v, got %v", drift, got)
	}
	b, ok := hasBroadcast[BroadcastCalibrationChanged](last.Broadcasts)
	if !ok || !b.Completed || b.Previous != CalibrationSampling {
		t.Fatalf("expected a completed calibration broadcast, got %+v", last.Broadcasts)
	}
	if _, ok := hasBroadcast[BroadcastSettingsChanged](last.Broadcasts); !ok {
		t.Fatalf("expected settings_changed with the new offset")
	}
	if !store.Dirty() {
		t.Fatalf("expected settings to be marked dirty")
	}
}

func TestEngine_GyroCalibrationSuppressesOutput(t *testing.T) {
	s := DefaultSettings()
	s.Mode.AlwaysOnGyro = true
	e, _, _ := newTestEngine(s)
	bindPad(t, e)
	_, _ = request(t, e, StartGyroCalibration{})

	press(e, ButtonWest, true)
	e.Handle(GyroSample{Device: testPad, Rate: r3.Vector{Y: 0.05}})
	res := e.Tick(time.Unix(1000, 0))
	if res.Report.Buttons != 0 || res.Report.RightX != 0 {
		t.Fatalf("expected a suppressed report while calibrating, got %+v", res.Report)
	}

	// East cancels from the controller.
	press(e, ButtonEast, true)
	if st := e.Snapshot(time.Time{}).Calibration.State; st != CalibrationIdle {
		t.Fatalf("expected east to cancel, got %s", st)
	}
}

func TestEngine_FlickCalibrationWithButtons(t *testing.T) {
	e, store, motion := newTestEngine(flickSettings())
	bindPad(t, e)

	if _, err := request(t, e, StartFlickCalibration{}); err != nil {
		t.Fatalf("StartFlickCalibration: %v", err)
	}

	press(e, ButtonSouth, true)
	if st := e.Snapshot(time.Time{}).Calibration.State; st != FlickCalibrationTurning {
		t.Fatalf("expected south to start the test turn, got %s", st)
	}

	now := time.Unix(1000, 0)
	for i := 0; e.Snapshot(now).Calibration.State == FlickCalibrationTurning; i++ {
		if i > 1000 {
			t.Fatalf("test turn did not finish")
		}
		e.Tick(now)
	}
	if turned := motion.Drain().FlickDelta; math.Abs(turned-defaultFlickValue) > 1e-6 {
		t.Fatalf("expected a full turn of %v, got %v", defaultFlickValue, turned)
	}

	press(e, ButtonDpadUp, true)
	press(e, ButtonRightShoulder, true)
	if v := e.Snapshot(now).Calibration.FlickValue; v != defaultFlickValue+flickAdjustFine+flickAdjustCoarse {
		t.Fatalf("unexpected working value %v", v)
	}
	if store.Get().Flick.Value != defaultFlickValue {
		t.Fatalf("expected the stored value untouched before commit")
	}

	res := press(e, ButtonEast, true)
	want := defaultFlickValue + flickAdjustFine + flickAdjustCoarse
	if f := store.Get().Flick; f.Value != want || !f.Calibrated {
		t.Fatalf("expected committed %v, got %+v", want, f)
	}
	if b, ok := hasBroadcast[BroadcastCalibrationChanged](res.Broadcasts); !ok || !b.Completed {
		t.Fatalf("expected a completed calibration broadcast, got %v", res.Broadcasts)
	}
}

func TestEngine_FlickCalibrationNeedsFlickStick(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	bindPad(t, e)
	if _, err := request(t, e, StartFlickCalibration{}); !errors.Is(err, ErrFlickDisabled) {
		t.Fatalf("expected ErrFlickDisabled, got %v", err)
	}
}

func TestEngine_DisablingFlickStickAbortsSession(t *testing.T) {
	e, _, _ := newTestEngine(flickSettings())
	bindPad(t, e)
	_, _ = request(t, e, StartFlickCalibration{})

	off := false
	if _, err := request(t, e, UpdateSettings{Patch: SettingsPatch{FlickStick: &off}}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if st := e.Snapshot(time.Time{}).Calibration.State; st != CalibrationIdle {
		t.Fatalf("expected flick session aborted, got %s", st)
	}
}

func TestEngine_CancelDuringTurnRejected(t *testing.T) {
	e, _, _ := newTestEngine(flickSettings())
	bindPad(t, e)
	_, _ = request(t, e, StartFlickCalibration{})
	_, _ = request(t, e, FlickTestTurn{})

	if _, err := request(t, e, CancelCalibration{}); !errors.Is(err, ErrInvalidCalibrationState) {
		t.Fatalf("expected cancel during the turn to be rejected, got %v", err)
	}
}

func TestEngine_ListenBindsButtonAndMasksIt(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())
	bindPad(t, e)

	res, err := request(t, e, ListenAimBinding{})
	if err != nil {
		t.Fatalf("ListenAimBinding: %v", err)
	}
	if !e.Snapshot(time.Time{}).Listening {
		t.Fatalf("expected listening")
	}
	if _, ok := hasBroadcast[BroadcastSettingsChanged](res.Broadcasts); !ok {
		t.Fatalf("expected settings_changed when listening starts")
	}

	press(e, ButtonLeftShoulder, true)
	if a := store.Get().Aim; a.Kind != AimBindingButton || a.Button != ButtonLeftShoulder {
		t.Fatalf("expected left shoulder binding, got %+v", a)
	}
	if e.Snapshot(time.Time{}).Listening {
		t.Fatalf("expected listening to end after binding")
	}

	// The press that created the binding does not engage aim.
	e.Tick(time.Unix(1000, 0))
	if e.Snapshot(time.Time{}).AimActive {
		t.Fatalf("expected the binding press to be masked")
	}

	press(e, ButtonLeftShoulder, false)
	press(e, ButtonLeftShoulder, true)
	e.Tick(time.Unix(1000, 0))
	if !e.Snapshot(time.Time{}).AimActive {
		t.Fatalf("expected aim active after re-pressing the binding")
	}
}

func TestEngine_ListenBindsTrigger(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())
	bindPad(t, e)
	_, _ = request(t, e, ListenAimBinding{})

	e.Handle(AxisChanged{Device: testPad, Axis: AxisLeftTrigger, Value: 2000})
	if store.Get().Aim.Kind != AimBindingNone {
		t.Fatalf("expected a light pull to be ignored")
	}
	e.Handle(AxisChanged{Device: testPad, Axis: AxisLeftTrigger, Value: 30000})
	if a := store.Get().Aim; a.Kind != AimBindingTrigger || a.Trigger != AxisLeftTrigger {
		t.Fatalf("expected left trigger binding, got %+v", a)
	}
}

func TestEngine_ListenRejectedDuringCalibration(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	bindPad(t, e)
	_, _ = request(t, e, StartGyroCalibration{})
	if _, err := request(t, e, ListenAimBinding{}); !errors.Is(err, ErrCalibrationActive) {
		t.Fatalf("expected ErrCalibrationActive, got %v", err)
	}
}

func TestEngine_DeviceRemovedResetsState(t *testing.T) {
	s := DefaultSettings()
	s.Aim = buttonAimBinding(ButtonLeftShoulder)
	e, store, motion := newTestEngine(s)
	bindPad(t, e)
	_, _ = request(t, e, StartGyroCalibration{})
	motion.AddFlick(40)

	res := e.Handle(DeviceRemoved{Device: testPad})

	snap := e.Snapshot(time.Time{})
	if snap.Device.Bound || snap.Calibration.State != CalibrationIdle {
		t.Fatalf("expected unbound and idle, got %+v", snap)
	}
	if store.Get().Aim.Kind != AimBindingNone {
		t.Fatalf("expected the aim binding cleared")
	}
	if d := motion.Drain(); d.FlickDelta != 0 {
		t.Fatalf("expected pending motion discarded, got %v", d.FlickDelta)
	}
	if b, ok := hasBroadcast[BroadcastCalibrationChanged](res.Broadcasts); !ok || b.Completed {
		t.Fatalf("expected an aborted calibration broadcast, got %v", res.Broadcasts)
	}

	// A new controller may now bind.
	e.Handle(DeviceAdded{Device: "/dev/input/event9", Name: "Other"})
	if id := e.Snapshot(time.Time{}).Device.ID; id != "/dev/input/event9" {
		t.Fatalf("expected the new controller bound, got %q", id)
	}
}

func TestEngine_SetLEDColor(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())

	res, err := request(t, e, SetLEDColor{R: 255, G: 0, B: 128})
	if err != nil {
		t.Fatalf("SetLEDColor: %v", err)
	}
	for _, c := range res.Commands {
		if _, ok := c.(CmdSetLED); ok {
			t.Fatalf("expected no LED write without a bound controller")
		}
	}
	if c := store.Get().LED; c != (LEDColor{R: 255, B: 128}) {
		t.Fatalf("expected stored colour, got %v", c)
	}

	bindPad(t, e)
	res, _ = request(t, e, SetLEDColor{R: 1, G: 2, B: 3})
	found := false
	for _, c := range res.Commands {
		if cmd, ok := c.(CmdSetLED); ok && cmd.Color == (LEDColor{R: 1, G: 2, B: 3}) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CmdSetLED, got %v", res.Commands)
	}
}

func TestEngine_UpdateSettingsRejectsInvalid(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())
	bad := 1000.0
	if _, err := request(t, e, UpdateSettings{Patch: SettingsPatch{Sensitivity: &bad}}); err == nil {
		t.Fatalf("expected out-of-range sensitivity to be rejected")
	}
	if store.Dirty() {
		t.Fatalf("expected a rejected update to leave the store clean")
	}
}

func TestEngine_ResetSettings(t *testing.T) {
	e, store, _ := newTestEngine(DefaultSettings())
	on := true
	_, _ = request(t, e, UpdateSettings{Patch: SettingsPatch{InvertX: &on}})

	if _, err := request(t, e, ResetSettings{}); err != nil {
		t.Fatalf("ResetSettings: %v", err)
	}
	if store.Get() != DefaultSettings() {
		t.Fatalf("expected defaults restored, got %+v", store.Get())
	}
}

func TestEngine_RequestStatus(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	bindPad(t, e)

	status := make(chan StatusSnapshot, 1)
	res, err := request(t, e, RequestStatus{Reply: status})
	if err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	var pub CmdPublishStatus
	for _, c := range res.Commands {
		if p, ok := c.(CmdPublishStatus); ok {
			pub = p
		}
	}
	if pub.Reply != status || pub.Snapshot.Device.Name != "Wireless Controller" {
		t.Fatalf("expected a status command with the bound device, got %+v", pub)
	}

	if _, err := request(t, e, RequestStatus{}); err == nil {
		t.Fatalf("expected a status request without reply channel to fail")
	}
}
