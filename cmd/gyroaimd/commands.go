package main

import "fmt"

// Command represents a side effect requested by the engine and executed by
// the daemon loop.
type Command interface {
	commandMarker()
	String() string
}

// CmdSetLED writes a colour to the controller light bar.
type CmdSetLED struct {
	Path  string
	Color LEDColor
}

func (CmdSetLED) commandMarker() {}
func (c CmdSetLED) String() string {
	return fmt.Sprintf("CmdSetLED(path=%s, color=%s)", c.Path, c.Color)
}

// CmdReply delivers an action result to the requester.
type CmdReply struct {
	Reply chan error
	Err   error
}

func (CmdReply) commandMarker()   {}
func (c CmdReply) String() string { return fmt.Sprintf("CmdReply(err=%v)", c.Err) }

// CmdPublishStatus delivers a status snapshot to the requester.
type CmdPublishStatus struct {
	Reply    chan StatusSnapshot
	Snapshot StatusSnapshot
}

func (CmdPublishStatus) commandMarker() {}
func (CmdPublishStatus) String() string { return "CmdPublishStatus()" }
