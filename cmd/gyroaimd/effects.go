package main

import (
	"errors"
	"log/slog"
)

// LEDWriter sets the colour of a controller light bar.
type LEDWriter interface {
	SetColor(path string, c LEDColor) error
}

var errNoLEDWriter = errors.New("no LED writer configured")

// runEffect executes a single engine-emitted Command.
//
// Reply deliveries never block: requesters use buffered channels, and a
// requester that already gave up must not stall the daemon loop.
func runEffect(cmd Command, leds LEDWriter, logger *slog.Logger) error {
	switch c := cmd.(type) {
	case CmdSetLED:
		if leds == nil {
			return errNoLEDWriter
		}
		if err := leds.SetColor(c.Path, c.Color); err != nil {
			logger.Warn("set LED failed", "error", err, "path", c.Path, "color", c.Color.String())
			return err
		}
		logger.Debug("LED set", "path", c.Path, "color", c.Color.String())

	case CmdReply:
		if c.Reply == nil {
			return nil
		}
		select {
		case c.Reply <- c.Err:
		default:
			logger.Warn("action reply channel not ready; dropping reply")
		}

	case CmdPublishStatus:
		if c.Reply == nil {
			logger.Warn("status requested with nil reply channel")
			return nil
		}
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("status reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		return errUnknownCommand{cmd: cmd}
	}
	return nil
}

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
