package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// Hub tests run without network I/O: clients have a nil websocket.Conn,
// which the hub tolerates when evicting.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(discardLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func startHub(t *testing.T, hub *Hub) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	}
}

func registerTestClient(t *testing.T, hub *Hub, name string, buf int) *Client {
	t.Helper()
	c := &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     discardLogger(),
	}
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, name+" not registered in time")
	return c
}

func recvFrame(t *testing.T, ch <-chan []byte, who string) []byte {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for %s to receive a frame", who)
		return nil
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := startHub(t, hub)
	defer stop()

	c1 := registerTestClient(t, hub, "c1", 4)
	c2 := registerTestClient(t, hub, "c2", 4)

	msg := []byte(`{"type":"aim_changed","data":{"aim_active":true}}`)
	// Direct send: BroadcastBytes may drop under scheduling pressure.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		if got := recvFrame(t, c.send, c.remoteAddr); string(got) != string(msg) {
			t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
		}
	}
	if n := hub.ClientCount(); n != 2 {
		t.Fatalf("expected 2 clients, got %d", n)
	}
}

func TestHub_SlowClientEvicted(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	stop := startHub(t, hub)
	defer stop()

	slow := registerTestClient(t, hub, "slow", 1)
	fast := registerTestClient(t, hub, "fast", 8)

	slow.send <- []byte(`"stuck"`)

	msg := []byte(`{"type":"settings_changed"}`)
	hub.broadcast <- msg

	if got := recvFrame(t, fast.send, "fast"); string(got) != string(msg) {
		t.Fatalf("fast client got %q, want %q", got, msg)
	}

	<-slow.send // the pre-filled frame
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.ClientCount(); n != 1 {
		t.Fatalf("expected 1 client after eviction, got %d", n)
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := newTestHub(t, 2, 2)
	stop := startHub(t, hub)
	c := registerTestClient(t, hub, "c", 2)

	stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatalf("expected closed send channel, got a frame")
		}
	default:
		t.Fatalf("expected send channel to be closed on shutdown")
	}
}

func decodeFrame(t *testing.T, b []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("invalid frame %q: %v", b, err)
	}
	return env.Type, env.Data
}

func TestBroadcaster_CoalescesAimChanges(t *testing.T) {
	hub := newTestHub(t, 16, 16)
	src := make(chan StatusBroadcast, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunBroadcaster(ctx, hub, src, discardLogger())

	at := time.Unix(1000, 0)
	src <- BroadcastAimChanged{Snapshot: StatusSnapshot{AimActive: true, At: at}}
	src <- BroadcastAimChanged{Snapshot: StatusSnapshot{AimActive: false, At: at}}
	src <- BroadcastAimChanged{Snapshot: StatusSnapshot{AimActive: true, At: at}}

	got := recvFrame(t, hub.broadcast, "hub")
	typ, data := decodeFrame(t, got)
	if typ != "aim_changed" || data["aim_active"] != true {
		t.Fatalf("expected latest aim_changed(true), got %s %v", typ, data)
	}

	select {
	case extra := <-hub.broadcast:
		t.Fatalf("expected a single coalesced frame, got another: %s", extra)
	case <-time.After(3 * wsAimCoalesceWindow):
	}
}

func TestBroadcaster_PendingAimFlushedBeforeOtherEvents(t *testing.T) {
	hub := newTestHub(t, 16, 16)
	src := make(chan StatusBroadcast, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunBroadcaster(ctx, hub, src, discardLogger())

	src <- BroadcastAimChanged{Snapshot: StatusSnapshot{AimActive: true}}
	src <- BroadcastDeviceChanged{Snapshot: StatusSnapshot{Device: DeviceStatus{Bound: true, Name: "pad"}}}

	first, _ := decodeFrame(t, recvFrame(t, hub.broadcast, "hub"))
	second, data := decodeFrame(t, recvFrame(t, hub.broadcast, "hub"))
	if first != "aim_changed" || second != "device_changed" {
		t.Fatalf("expected aim_changed then device_changed, got %s then %s", first, second)
	}
	dev, _ := data["device"].(map[string]any)
	if dev["name"] != "pad" {
		t.Fatalf("expected device name in payload, got %v", data)
	}
}

func TestConvertBroadcast_CalibrationResult(t *testing.T) {
	snap := StatusSnapshot{Settings: DefaultSettings()}
	snap.Settings.Flick = FlickStickCalibration{Value: 9000, Calibrated: true}

	ev, ok := convertBroadcast(BroadcastCalibrationChanged{
		Previous:  FlickCalibrationAdjust,
		Completed: true,
		Snapshot:  snap,
	})
	if !ok || ev.Type != "calibration_changed" {
		t.Fatalf("expected calibration_changed, got %+v", ev)
	}
	data := ev.Data.(wsCalibrationData)
	if data.Flick == nil || *data.Flick != 9000 {
		t.Fatalf("expected committed flick 9000, got %+v", data.Flick)
	}
	if data.Offset != nil {
		t.Fatalf("expected no gyro offset for a flick session")
	}

	// A cancelled session carries no result.
	ev, _ = convertBroadcast(BroadcastCalibrationChanged{Previous: FlickCalibrationAdjust, Snapshot: snap})
	if data := ev.Data.(wsCalibrationData); data.Flick != nil {
		t.Fatalf("expected no result for a cancelled session")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
