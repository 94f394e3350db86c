package main

import (
	"sync"

	"github.com/golang/geo/r3"
)

// MotionState bridges the tick loop (writer) and the motion integrator
// (reader/drainer). Every method holds the lock only for a field copy or swap.
//
// The flick delta is only ever read through Drain, which zeroes it in the
// same critical section; reading it any other way would apply motion twice.
type MotionState struct {
	mu        sync.Mutex
	gyro      r3.Vector
	flick     float64
	aimActive bool
}

// MotionUpdate is what one tick asks the shared state to change.
type MotionUpdate struct {
	Gyro       r3.Vector // calibrated rate, replaces the previous value
	AimActive  bool
	FlickDelta float64 // added to the accumulator
}

// MotionSnapshot is what the integrator consumes per iteration.
type MotionSnapshot struct {
	Gyro       r3.Vector
	AimActive  bool
	FlickDelta float64
}

func NewMotionState() *MotionState {
	return &MotionState{}
}

// Apply publishes gyro and aim-active and adds the flick delta.
// Flicks are additive: several ticks between drains must sum.
func (m *MotionState) Apply(u MotionUpdate) {
	m.mu.Lock()
	m.gyro = u.Gyro
	m.aimActive = u.AimActive
	m.flick += u.FlickDelta
	m.mu.Unlock()
}

// AddFlick adds to the flick accumulator without touching gyro or aim state.
func (m *MotionState) AddFlick(delta float64) {
	m.mu.Lock()
	m.flick += delta
	m.mu.Unlock()
}

// Drain copies gyro and aim-active and takes the flick accumulator, leaving zero.
func (m *MotionState) Drain() MotionSnapshot {
	m.mu.Lock()
	snap := MotionSnapshot{
		Gyro:       m.gyro,
		AimActive:  m.aimActive,
		FlickDelta: m.flick,
	}
	m.flick = 0
	m.mu.Unlock()
	return snap
}

// AimActive reports the last published aim-active flag.
func (m *MotionState) AimActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aimActive
}

// Reset zeroes everything, e.g. when the controller goes away.
func (m *MotionState) Reset() {
	m.mu.Lock()
	m.gyro = r3.Vector{}
	m.flick = 0
	m.aimActive = false
	m.mu.Unlock()
}
