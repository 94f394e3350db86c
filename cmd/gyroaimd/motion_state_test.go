package main

import (
	"sync"
	"testing"

	"github.com/golang/geo/r3"
)

func TestMotionState_FlickIsAdditiveAndDrainedOnce(t *testing.T) {
	m := NewMotionState()
	m.Apply(MotionUpdate{FlickDelta: 10})
	m.Apply(MotionUpdate{FlickDelta: -2.5})
	m.AddFlick(0.5)

	if got := m.Drain().FlickDelta; got != 8 {
		t.Fatalf("expected summed flick 8, got %v", got)
	}
	if got := m.Drain().FlickDelta; got != 0 {
		t.Fatalf("expected the accumulator zeroed by Drain, got %v", got)
	}
}

func TestMotionState_ApplyReplacesGyro(t *testing.T) {
	m := NewMotionState()
	m.Apply(MotionUpdate{Gyro: r3.Vector{X: 1}, AimActive: true})
	m.Apply(MotionUpdate{Gyro: r3.Vector{Y: 2}, AimActive: true})

	snap := m.Drain()
	if snap.Gyro != (r3.Vector{Y: 2}) || !snap.AimActive {
		t.Fatalf("expected latest gyro and aim, got %+v", snap)
	}
	// Gyro survives a drain; only the flick is consumed.
	if again := m.Drain(); again.Gyro != snap.Gyro || !m.AimActive() {
		t.Fatalf("expected gyro kept across drains, got %+v", again)
	}

	m.Reset()
	if snap := m.Drain(); snap != (MotionSnapshot{}) {
		t.Fatalf("expected zero state after Reset, got %+v", snap)
	}
}

func TestMotionState_ConcurrentFlicksSum(t *testing.T) {
	m := NewMotionState()

	var wg sync.WaitGroup
	total := 0.0
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			d := m.Drain().FlickDelta
			mu.Lock()
			total += d
			mu.Unlock()
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				m.AddFlick(1)
			}
		}()
	}
	wg.Wait()
	<-done

	total += m.Drain().FlickDelta
	if total != 1000 {
		t.Fatalf("expected every flick unit drained exactly once, got %v", total)
	}
}
