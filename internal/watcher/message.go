package watcher

import "fmt"

// Cmd tags a message crossing the real-time boundary.
type Cmd uint8

const (
	CmdNone Cmd = iota
	// to the real-time side
	CmdStartWatching
	CmdStopWatching
	CmdStartLogging
	CmdStopLogging
	// from the real-time side
	CmdStartedLogging
	CmdStoppedLogging
	CmdMonitored
)

var cmdNames = [...]string{
	CmdNone:           "none",
	CmdStartWatching:  "startWatching",
	CmdStopWatching:   "stopWatching",
	CmdStartLogging:   "startLogging",
	CmdStopLogging:    "stopLogging",
	CmdStartedLogging: "startedLogging",
	CmdStoppedLogging: "stoppedLogging",
	CmdMonitored:      "monitored",
}

func (c Cmd) String() string {
	if int(c) < len(cmdNames) {
		return cmdNames[c]
	}
	return fmt.Sprintf("Cmd(%d)", c)
}

// Message is the fixed-size unit carried by the cross-thread channel in both
// directions. Args meaning depends on Cmd:
//
//	CmdStartWatching, CmdStartLogging: start timestamp, duration (0 = open-ended)
//	CmdStopWatching, CmdStopLogging:   stop timestamp
//	CmdStartedLogging:                 start timestamp, end timestamp (0 = none)
//	CmdStoppedLogging:                 timestamp
//	CmdMonitored:                      timestamp, float64 bits of the value
type Message struct {
	Ref  Ref
	Cmd  Cmd
	Args [2]uint64
}
