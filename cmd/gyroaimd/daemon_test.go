package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingReportSink struct {
	mu      sync.Mutex
	reports []VirtualReport
	err     error
}

func (s *recordingReportSink) Send(r VirtualReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingReportSink) last() (VirtualReport, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return VirtualReport{}, 0
	}
	return s.reports[len(s.reports)-1], len(s.reports)
}

type recordingLEDs struct {
	mu    sync.Mutex
	calls map[string]LEDColor
	err   error
}

func (l *recordingLEDs) SetColor(path string, c LEDColor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string]LEDColor{}
	}
	l.calls[path] = c
	return l.err
}

func (l *recordingLEDs) get(path string) (LEDColor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.calls[path]
	return c, ok
}

type daemonHarness struct {
	events chan Event
	subs   chan StatusBroadcast
	sink   *recordingReportSink
	leds   *recordingLEDs
	cancel context.CancelFunc
	done   chan struct{}
}

func startDaemon(t *testing.T, s Settings) *daemonHarness {
	t.Helper()
	e, _, _ := newTestEngine(s)
	h := &daemonHarness{
		events: make(chan Event, 16),
		subs:   make(chan StatusBroadcast, 64),
		sink:   &recordingReportSink{},
		leds:   &recordingLEDs{},
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		runDaemon(ctx, h.events, e, h.sink, h.leds, []chan<- StatusBroadcast{h.subs, nil}, 1000, discardLogger())
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *daemonHarness) stop() {
	h.cancel()
	<-h.done
}

func (h *daemonHarness) send(t *testing.T, a Action) error {
	t.Helper()
	reply := make(chan error, 1)
	h.events <- ActionRequest{Action: a, Reply: reply, At: time.Now()}
	select {
	case err := <-reply:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %T reply", a)
		return nil
	}
}

func TestDaemon_BindAndForwardReports(t *testing.T) {
	h := startDaemon(t, DefaultSettings())

	h.events <- DeviceAdded{Device: testPad, Name: "pad", LEDPath: "/sys/led"}
	h.events <- ButtonChanged{Device: testPad, Button: ButtonNorth, Down: true}

	waitUntil(t, time.Second, func() bool {
		r, _ := h.sink.last()
		return r.Buttons.Has(ButtonNorth)
	}, "expected north on the virtual pad")

	if c, ok := h.leds.get("/sys/led"); !ok || c != DefaultSettings().LED {
		t.Fatalf("expected the LED set on bind, got %v (%v)", c, ok)
	}

	select {
	case b := <-h.subs:
		if _, ok := b.(BroadcastDeviceChanged); !ok {
			t.Fatalf("expected device_changed first, got %T", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a broadcast after binding")
	}
}

func TestDaemon_ActionReplies(t *testing.T) {
	h := startDaemon(t, DefaultSettings())

	if err := h.send(t, StartGyroCalibration{}); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if err := h.send(t, SetLEDColor{R: 1}); err != nil {
		t.Fatalf("SetLEDColor: %v", err)
	}

	status := make(chan StatusSnapshot, 1)
	if err := h.send(t, RequestStatus{Reply: status}); err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	select {
	case snap := <-status:
		if snap.Settings.LED != (LEDColor{R: 1}) || !snap.Dirty {
			t.Fatalf("expected the new colour in status, got %+v", snap.Settings.LED)
		}
	default:
		t.Fatalf("expected the snapshot before the reply")
	}
}

func TestDaemon_SinkErrorsDoNotStopTicks(t *testing.T) {
	h := startDaemon(t, DefaultSettings())
	h.sink.mu.Lock()
	h.sink.err = errors.New("uinput gone")
	h.sink.mu.Unlock()

	waitUntil(t, time.Second, func() bool {
		_, n := h.sink.last()
		return n >= 5
	}, "expected ticks to keep running after write errors")
}

func TestDaemon_StopsWhenEventsClosed(t *testing.T) {
	e, _, _ := newTestEngine(DefaultSettings())
	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runDaemon(context.Background(), events, e, nil, nil, nil, 100, discardLogger())
	}()
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected the daemon to stop on a closed events channel")
	}
}
