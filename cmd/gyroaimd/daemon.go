package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// The daemon loop is the single owner of the Engine:
//   - Events (controller input, action requests) are applied as they arrive.
//   - A ticker at tickHz runs Engine.Tick and forwards the report to the sink.
//   - Engine-emitted Commands are executed here and nowhere else.
//   - Status broadcasts are pushed non-blocking to every subscriber.
//
// ============================================================================

// runDaemon runs until ctx is canceled or events is closed.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	engine *Engine,
	sink ReportSink,
	leds LEDWriter,
	broadcasts []chan<- StatusBroadcast,
	tickHz int,
	logger *slog.Logger,
) {
	if engine == nil {
		logger.Error("daemon engine is nil")
		return
	}
	if tickHz <= 0 {
		tickHz = defaultTickHz
	}

	ticker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer ticker.Stop()

	var cmdQueue []Command
	sinkFailing := false

	publish := func(bs []StatusBroadcast) {
		for _, b := range bs {
			for _, ch := range broadcasts {
				if ch == nil {
					continue
				}
				select {
				case ch <- b:
				default:
					logger.Debug("status broadcast dropped (subscriber full)")
				}
			}
		}
	}

	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]
			_ = runEffect(cmd, leds, logger)
		}
	}

	apply := func(res StepResult) {
		cmdQueue = append(cmdQueue, res.Commands...)
		flushCommands()
		publish(res.Broadcasts)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			apply(engine.Handle(ev))

		case now := <-ticker.C:
			res := engine.Tick(now)
			if res.Report != nil && sink != nil {
				err := sink.Send(*res.Report)
				if err != nil && !sinkFailing {
					sinkFailing = true
					logger.Warn("virtual gamepad write failed", "error", err)
				} else if err == nil && sinkFailing {
					sinkFailing = false
					logger.Info("virtual gamepad write recovered")
				}
			}
			apply(res)
		}
	}
}
