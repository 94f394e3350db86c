package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
)

// recordingMotionSink records every batch it receives.
type recordingMotionSink struct {
	mu      sync.Mutex
	batches [][]MotionStep
	err     error
}

func (s *recordingMotionSink) Move(steps []MotionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]MotionStep(nil), steps...))
	return s.err
}

func (s *recordingMotionSink) total() (dx, dy int32, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		for _, st := range b {
			dx += st.DX
			dy += st.DY
			n++
		}
	}
	return dx, dy, n
}

func newTestIntegrator(mouseSens float64, batch int) (*MotionIntegrator, *MotionState, *recordingMotionSink) {
	s := DefaultSettings()
	s.Mode.MouseMode = true
	s.Mode.MouseSensitivity = mouseSens
	state := NewMotionState()
	sink := &recordingMotionSink{}
	cfg := DefaultIntegratorConfig()
	cfg.BatchSize = batch
	return NewMotionIntegrator(state, NewStore(s), sink, cfg, discardLogger()), state, sink
}

func TestIntegrator_SubPixelAccumulation(t *testing.T) {
	mi, state, sink := newTestIntegrator(1000, 64)

	for i := 1; i <= 7; i++ {
		state.Apply(MotionUpdate{Gyro: r3.Vector{Y: 0.01}, AimActive: true})
		n := mi.Step(16 * time.Millisecond)
		if i < 7 && n != 0 {
			t.Fatalf("iteration %d: expected no step yet, got %d", i, n)
		}
		if i == 7 && n != 1 {
			t.Fatalf("iteration 7: expected exactly one step, got %d", n)
		}
	}

	dx, dy, _ := sink.total()
	if dx != -1 || dy != 0 {
		t.Fatalf("expected a single -1 px step, got (%d, %d)", dx, dy)
	}
	rx, _ := mi.Remainder()
	if math.Abs(rx-(-0.12)) > 1e-9 {
		t.Fatalf("expected remainder -0.12, got %v", rx)
	}
}

func TestIntegrator_IdleEmitsNothing(t *testing.T) {
	mi, state, sink := newTestIntegrator(5000, 64)
	state.Apply(MotionUpdate{Gyro: r3.Vector{X: 2, Y: 3}, AimActive: false})

	for i := 0; i < 100; i++ {
		if n := mi.Step(time.Millisecond); n != 0 {
			t.Fatalf("expected no motion while aim is inactive, got %d steps", n)
		}
	}
	if _, _, n := sink.total(); n != 0 {
		t.Fatalf("expected no sink calls, got %d steps", n)
	}
	if rx, ry := mi.Remainder(); rx != 0 || ry != 0 {
		t.Fatalf("expected zero accumulators, got (%v, %v)", rx, ry)
	}
}

func TestIntegrator_FlickDrainedOnce(t *testing.T) {
	mi, state, sink := newTestIntegrator(5000, 64)

	state.AddFlick(10)
	state.AddFlick(5.5)
	mi.Step(time.Millisecond)
	mi.Step(time.Millisecond)

	dx, _, _ := sink.total()
	if dx != 15 {
		t.Fatalf("expected 15 px of flick motion, got %d", dx)
	}
	if rx, _ := mi.Remainder(); math.Abs(rx-0.5) > 1e-9 {
		t.Fatalf("expected 0.5 remainder, got %v", rx)
	}
}

func TestIntegrator_BatchesAndInterleavesSteps(t *testing.T) {
	mi, state, sink := newTestIntegrator(1000, 4)
	state.AddFlick(-6)
	// dy = -(pitch * dt * sens) = 3.5
	state.Apply(MotionUpdate{Gyro: r3.Vector{X: -3.5}, AimActive: true})

	n := mi.Step(time.Millisecond)
	if n != 9 {
		t.Fatalf("expected 9 unit steps, got %d", n)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 3 {
		t.Fatalf("expected batches of 4, 4, 1, got %d batches", len(sink.batches))
	}
	for i, b := range sink.batches[:2] {
		if len(b) != 4 {
			t.Fatalf("batch %d: expected 4 steps, got %d", i, len(b))
		}
	}
	for _, b := range sink.batches {
		for _, st := range b {
			if abs32(st.DX)+abs32(st.DY) != 1 {
				t.Fatalf("expected unit steps, got %+v", st)
			}
		}
	}
	// The larger component leads.
	if first := sink.batches[0][0]; first.DX != -1 {
		t.Fatalf("expected first step along X, got %+v", first)
	}
}

func TestIntegrator_DtClamp(t *testing.T) {
	mi, state, sink := newTestIntegrator(1000, 64)
	state.Apply(MotionUpdate{Gyro: r3.Vector{Y: -1.01}, AimActive: true})

	mi.Step(10 * time.Second) // clamped to 50 ms -> 50.5 px
	if dx, _, _ := sink.total(); dx != 50 {
		t.Fatalf("expected clamped 50 px, got %d", dx)
	}
}

func TestIntegrator_BoundsRunawayFlick(t *testing.T) {
	mi, state, sink := newTestIntegrator(1000, 64)

	state.AddFlick(1e300)
	if n := mi.Step(time.Millisecond); n != maxStepsPerIteration {
		t.Fatalf("expected %d steps in one iteration, got %d", maxStepsPerIteration, n)
	}
	if dx, _, _ := sink.total(); dx != maxStepsPerIteration {
		t.Fatalf("expected %d px, got %d", maxStepsPerIteration, dx)
	}
	if rx, _ := mi.Remainder(); rx != flickMaxValue-maxStepsPerIteration {
		t.Fatalf("expected the backlog capped at one full turn, got %v", rx)
	}

	state.AddFlick(math.NaN())
	if n := mi.Step(time.Millisecond); n != 0 {
		t.Fatalf("expected NaN input to emit nothing, got %d", n)
	}
	if rx, ry := mi.Remainder(); rx != 0 || ry != 0 {
		t.Fatalf("expected NaN input to reset the accumulators, got (%v, %v)", rx, ry)
	}

	state.AddFlick(math.Inf(-1))
	if n := mi.Step(time.Millisecond); n != 0 {
		t.Fatalf("expected infinite input to emit nothing, got %d", n)
	}
}

func TestIntegrator_StartStop(t *testing.T) {
	mi, state, sink := newTestIntegrator(1000, 64)
	mi.Start(context.Background())
	state.AddFlick(3)

	waitUntil(t, time.Second, func() bool {
		dx, _, _ := sink.total()
		return dx == 3
	}, "integrator did not emit flick motion")

	mi.Stop()
	mi.Stop() // second Stop is a no-op
}

func TestIntegrator_SinkErrorDoesNotStop(t *testing.T) {
	mi, state, sink := newTestIntegrator(1000, 64)
	sink.err = errors.New("uinput gone")

	state.AddFlick(2)
	if n := mi.Step(time.Millisecond); n != 2 {
		t.Fatalf("expected 2 steps attempted, got %d", n)
	}
	sink.err = nil
	state.AddFlick(1)
	if n := mi.Step(time.Millisecond); n != 1 {
		t.Fatalf("expected integrator to keep going after a sink error, got %d", n)
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
