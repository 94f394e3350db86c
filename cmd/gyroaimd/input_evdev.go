package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	evdev "github.com/gvalkov/golang-evdev"
)

// motionSuffix is appended by the kernel hid drivers to the name of a
// controller's IMU node.
const motionSuffix = " Motion Sensors"

var errNoController = errors.New("no matching controller found")

// ControllerSource finds the controller and its motion node, reads both and
// pushes engine events. When the controller goes away it reports
// DeviceRemoved and looks again every rescan interval.
type ControllerSource struct {
	cfg    InputConfig
	events chan<- Event
	logger *slog.Logger
}

func NewControllerSource(cfg InputConfig, events chan<- Event, logger *slog.Logger) *ControllerSource {
	return &ControllerSource{cfg: cfg, events: events, logger: logger}
}

// Run loops until ctx is canceled.
func (s *ControllerSource) Run(ctx context.Context) error {
	rescan := time.Duration(s.cfg.RescanIntervalMS) * time.Millisecond
	if rescan <= 0 {
		rescan = defaultRescanInterval
	}

	warned := false
	for {
		pad, motion, err := s.open()
		if err != nil {
			if !warned {
				s.logger.Warn("controller not available, will retry", "error", err, "every", rescan)
				warned = true
			}
		} else {
			warned = false
			s.serve(ctx, pad, motion)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rescan):
		}
	}
}

// open locates and opens the controller node and (if present) its motion node.
func (s *ControllerSource) open() (*evdev.InputDevice, *evdev.InputDevice, error) {
	var pad *evdev.InputDevice
	var err error

	if s.cfg.Controller != "" {
		pad, err = evdev.Open(s.cfg.Controller)
		if err != nil {
			return nil, nil, fmt.Errorf("open controller %s: %w", s.cfg.Controller, err)
		}
	} else {
		devices, err := evdev.ListInputDevices()
		if err != nil {
			return nil, nil, fmt.Errorf("list input devices: %w", err)
		}
		pad = s.pickController(devices)
		closeAllExcept(devices, pad)
		if pad == nil {
			return nil, nil, errNoController
		}
	}

	motion, err := s.openMotion(pad)
	if err != nil {
		s.logger.Warn("motion sensors not found, gyro disabled", "controller", pad.Name, "error", err)
	}
	return pad, motion, nil
}

func (s *ControllerSource) pickController(devices []*evdev.InputDevice) *evdev.InputDevice {
	match := strings.ToLower(s.cfg.NameMatch)
	for _, d := range devices {
		if d.Vendor == virtualVendorID && d.Product == virtualProductID {
			continue
		}
		if strings.HasSuffix(d.Name, motionSuffix) || strings.Contains(d.Name, "Touchpad") {
			continue
		}
		if match != "" && !strings.Contains(strings.ToLower(d.Name), match) {
			continue
		}
		if !hasCapability(d, evdev.EV_KEY, evdev.BTN_SOUTH) {
			continue
		}
		return d
	}
	return nil
}

func (s *ControllerSource) openMotion(pad *evdev.InputDevice) (*evdev.InputDevice, error) {
	if s.cfg.Motion != "" {
		d, err := evdev.Open(s.cfg.Motion)
		if err != nil {
			return nil, fmt.Errorf("open motion %s: %w", s.cfg.Motion, err)
		}
		return d, nil
	}

	devices, err := evdev.ListInputDevices()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}
	var found *evdev.InputDevice
	for _, d := range devices {
		if d.Name == pad.Name+motionSuffix && d.Vendor == pad.Vendor && d.Product == pad.Product && d.Fn != pad.Fn {
			found = d
			break
		}
	}
	closeAllExcept(devices, found)
	if found == nil {
		return nil, fmt.Errorf("no %q node", pad.Name+motionSuffix)
	}
	return found, nil
}

func closeAllExcept(devices []*evdev.InputDevice, keep *evdev.InputDevice) {
	for _, d := range devices {
		if d != keep && d.File != nil {
			_ = d.File.Close()
		}
	}
}

// serve announces the controller, reads both nodes until either fails or ctx
// is canceled, then announces its removal.
func (s *ControllerSource) serve(ctx context.Context, pad, motion *evdev.InputDevice) {
	id := DeviceID(pad.Fn)
	logger := s.logger.With("device", pad.Fn)

	if s.cfg.Grab {
		if err := pad.Grab(); err != nil {
			logger.Warn("exclusive grab failed", "error", err)
		} else {
			defer func() { _ = pad.Release() }()
		}
	}

	padT := newPadTranslator(id, readAbsRanges(pad.File.Fd()))

	var motionT *motionTranslator
	if motion != nil {
		res := readGyroResolution(motion.File.Fd(),
			[3]uint16{evdev.ABS_RX, evdev.ABS_RY, evdev.ABS_RZ}, float64(s.cfg.GyroResolution))
		motionT = newMotionTranslator(id, res)
		logger.Info("motion sensors attached", "motion", motion.Fn, "resolution", res[0])
	}

	if !s.send(ctx, DeviceAdded{
		Device:  id,
		Name:    pad.Name,
		Vendor:  pad.Vendor,
		Product: pad.Product,
		LEDPath: findLEDPath("", pad.Fn),
		At:      time.Now(),
	}) {
		closeNodes(pad, motion)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readLoop(ctx, pad, logger, func(ev evdev.InputEvent, at time.Time) bool {
			for _, out := range padT.translate(ev, at) {
				if !s.send(ctx, out) {
					return false
				}
			}
			return true
		})
	}()

	if motion != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			s.readLoop(ctx, motion, logger, func(ev evdev.InputEvent, at time.Time) bool {
				if out, ok := motionT.translate(ev, at); ok {
					return s.send(ctx, out)
				}
				return true
			})
		}()
	}

	// Closing the files unblocks the readers.
	<-ctx.Done()
	closeNodes(pad, motion)
	wg.Wait()

	logger.Info("controller disconnected")
	// Deliver the removal even while shutting down so the engine resets cleanly.
	select {
	case s.events <- DeviceRemoved{Device: id, At: time.Now()}:
	case <-time.After(time.Second):
	}
}

func (s *ControllerSource) readLoop(ctx context.Context, dev *evdev.InputDevice, logger *slog.Logger, handle func(evdev.InputEvent, time.Time) bool) {
	for {
		evs, err := dev.Read()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("read failed", "node", dev.Fn, "error", err)
			}
			return
		}
		now := time.Now()
		for _, ev := range evs {
			if !handle(ev, now) {
				return
			}
		}
	}
}

func (s *ControllerSource) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func closeNodes(devs ...*evdev.InputDevice) {
	for _, d := range devs {
		if d != nil && d.File != nil {
			_ = d.File.Close()
		}
	}
}
