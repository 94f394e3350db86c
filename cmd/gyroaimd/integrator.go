package main

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// IntegratorConfig contains the tunables of the motion integrator.
type IntegratorConfig struct {
	Interval  time.Duration // sleep between iterations
	BatchSize int           // max steps per MotionSink.Move call
	MaxDt     time.Duration // clamp on elapsed time per iteration, 0 disables
}

func DefaultIntegratorConfig() IntegratorConfig {
	return IntegratorConfig{
		Interval:  defaultIntegratorPeriod,
		BatchSize: defaultMotionBatchSize,
		MaxDt:     defaultMaxDt,
	}
}

// MotionIntegrator turns gyro rate and flick deltas into unit mouse steps at
// a much higher cadence than the tick loop.
type MotionIntegrator struct {
	state  *MotionState
	store  *Store
	sink   MotionSink
	cfg    IntegratorConfig
	logger *slog.Logger

	// Sub-pixel remainders. They stay within (-1, 1) unless an iteration
	// hit maxStepsPerIteration, in which case the excess is carried.
	accX, accY float64
	steps      []MotionStep

	sinkFailing bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMotionIntegrator(state *MotionState, store *Store, sink MotionSink, cfg IntegratorConfig, logger *slog.Logger) *MotionIntegrator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultIntegratorPeriod
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultMotionBatchSize
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &MotionIntegrator{
		state:  state,
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		steps:  make([]MotionStep, 0, cfg.BatchSize),
	}
}

// Start runs the worker in its own goroutine until Stop or ctx is done.
func (mi *MotionIntegrator) Start(ctx context.Context) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if mi.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	mi.cancel = cancel
	mi.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		mi.run(ctx)
	}(mi.done)
}

// Stop cancels the worker and waits for it to exit.
func (mi *MotionIntegrator) Stop() {
	mi.mu.Lock()
	cancel, done := mi.cancel, mi.done
	mi.cancel, mi.done = nil, nil
	mi.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run is the worker loop. It returns when ctx is done.
func (mi *MotionIntegrator) run(ctx context.Context) {
	ticker := time.NewTicker(mi.cfg.Interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mi.Step(now.Sub(last))
			last = now
		}
	}
}

// Step runs one integration iteration for the given elapsed time and
// returns the number of unit steps emitted.
func (mi *MotionIntegrator) Step(dt time.Duration) int {
	if dt < 0 {
		dt = 0
	}
	if mi.cfg.MaxDt > 0 && dt > mi.cfg.MaxDt {
		dt = mi.cfg.MaxDt
	}

	snap := mi.state.Drain()
	mode := mi.store.Get().Mode

	dx := snap.FlickDelta
	dy := 0.0
	if snap.AimActive && dt > 0 {
		secs := dt.Seconds()
		xSign, ySign := -1.0, -1.0
		if mode.InvertX {
			xSign = 1
		}
		if mode.InvertY {
			ySign = 1
		}
		dx += snap.Gyro.Y * secs * mode.MouseSensitivity * xSign
		dy += snap.Gyro.X * secs * mode.MouseSensitivity * ySign
	}

	mi.accX = boundMotion(mi.accX + dx)
	mi.accY = boundMotion(mi.accY + dy)

	ix := clampFloat(math.Trunc(mi.accX), -maxStepsPerIteration, maxStepsPerIteration)
	iy := clampFloat(math.Trunc(mi.accY), -maxStepsPerIteration, maxStepsPerIteration)
	mi.accX -= ix
	mi.accY -= iy
	if ix == 0 && iy == 0 {
		return 0
	}
	return mi.emit(int64(ix), int64(iy))
}

// boundMotion drops non-finite input and caps the carried backlog at one
// full flick turn.
func boundMotion(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Max(-flickMaxValue, math.Min(v, flickMaxValue))
}

// emit decomposes (x, y) into unit steps, always advancing the larger
// remaining component, and flushes every BatchSize steps.
func (mi *MotionIntegrator) emit(x, y int64) int {
	total := 0
	for x != 0 || y != 0 {
		var step MotionStep
		if abs64(x) > abs64(y) {
			step.DX = int32(sign64(x))
		} else {
			step.DY = int32(sign64(y))
		}
		x -= int64(step.DX)
		y -= int64(step.DY)

		mi.steps = append(mi.steps, step)
		total++
		if len(mi.steps) == mi.cfg.BatchSize {
			mi.flush()
		}
	}
	mi.flush()
	return total
}

func (mi *MotionIntegrator) flush() {
	if len(mi.steps) == 0 {
		return
	}
	err := mi.sink.Move(mi.steps)
	mi.steps = mi.steps[:0]

	// Log transitions only; a broken sink would otherwise log a thousand times a second.
	if err != nil && !mi.sinkFailing {
		mi.sinkFailing = true
		mi.logger.Warn("motion sink failed", "error", err)
	} else if err == nil && mi.sinkFailing {
		mi.sinkFailing = false
		mi.logger.Info("motion sink recovered")
	}
}

// Remainder returns the sub-pixel accumulators.
func (mi *MotionIntegrator) Remainder() (float64, float64) {
	return mi.accX, mi.accY
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign64(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
