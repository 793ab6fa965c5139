package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command names accepted by the Interpreter.
const (
	CommandList      = "list"
	CommandWatch     = "watch"
	CommandUnwatch   = "unwatch"
	CommandLog       = "log"
	CommandUnlog     = "unlog"
	CommandControl   = "control"
	CommandUncontrol = "uncontrol"
	CommandMonitor   = "monitor"
	CommandSet       = "set"
	CommandSetMask   = "setMask"
)

// Command is one decoded protocol command. The per-variable arrays are
// aligned by index with Watchers.
type Command struct {
	Cmd        string    `json:"cmd"`
	Watchers   []string  `json:"watchers,omitempty"`
	Timestamps []uint64  `json:"timestamps,omitempty"`
	Durations  []uint64  `json:"durations,omitempty"`
	Periods    []uint64  `json:"periods,omitempty"`
	Values     []float64 `json:"values,omitempty"`
	Masks      []uint32  `json:"masks,omitempty"`
}

// Envelope is the wire form of a command batch.
type Envelope struct {
	Watcher []Command `json:"watcher"`
}

// Reply collects what a command batch produced.
type Reply struct {
	Responses []any    `json:"responses,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Interpreter applies protocol commands to a Manager.
type Interpreter struct {
	m *Manager
}

// NewInterpreter returns an Interpreter for m.
func NewInterpreter(m *Manager) *Interpreter { return &Interpreter{m: m} }

// HandleJSON decodes an Envelope and executes it. Only a malformed envelope
// is returned as an error; per-command failures are listed in the Reply.
func (in *Interpreter) HandleJSON(data []byte) (Reply, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Reply{}, fmt.Errorf("failed to decode command envelope: %w", err)
	}
	responses, errs := in.Execute(env.Watcher)
	reply := Reply{Responses: responses}
	for _, err := range errs {
		reply.Errors = append(reply.Errors, err.Error())
	}
	return reply, nil
}

// Execute runs each command in order. A failing command, or a failing item
// within one, is reported and skipped; the rest still run.
func (in *Interpreter) Execute(cmds []Command) ([]any, []error) {
	var responses []any
	var errs []error
	for _, c := range cmds {
		resp, cerrs := in.execute(c)
		if resp != nil {
			responses = append(responses, resp)
		}
		for _, err := range cerrs {
			logf("%s: %v", c.Cmd, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Cmd, err))
		}
	}
	return responses, errs
}

func (in *Interpreter) execute(c Command) (any, []error) {
	switch c.Cmd {
	case CommandList:
		return in.m.List(), nil
	case CommandWatch:
		return nil, in.each(c, func(i int, ref Ref) error {
			return in.m.StartStream(ref, Watch, at(c.Timestamps, i), at(c.Durations, i))
		})
	case CommandUnwatch:
		return nil, in.each(c, func(i int, ref Ref) error {
			return in.m.StopStream(ref, Watch, at(c.Timestamps, i))
		})
	case CommandLog:
		return nil, in.each(c, func(i int, ref Ref) error {
			return in.m.StartStream(ref, Log, at(c.Timestamps, i), at(c.Durations, i))
		})
	case CommandUnlog:
		return nil, in.each(c, func(i int, ref Ref) error {
			return in.m.StopStream(ref, Log, at(c.Timestamps, i))
		})
	case CommandControl:
		return nil, in.each(c, func(_ int, ref Ref) error { return in.m.StartControlling(ref) })
	case CommandUncontrol:
		return nil, in.each(c, func(_ int, ref Ref) error { return in.m.StopControlling(ref) })
	case CommandMonitor:
		return nil, in.monitor(c)
	case CommandSet:
		if len(c.Values) != len(c.Watchers) {
			return nil, []error{fmt.Errorf("%w: %d watchers, %d values", ErrSizeMismatch, len(c.Watchers), len(c.Values))}
		}
		return nil, in.each(c, func(i int, ref Ref) error { return in.m.SetRemote(ref, c.Values[i]) })
	case CommandSetMask:
		if len(c.Values) != len(c.Watchers) || len(c.Masks) != len(c.Watchers) {
			return nil, []error{fmt.Errorf("%w: %d watchers, %d values, %d masks",
				ErrSizeMismatch, len(c.Watchers), len(c.Values), len(c.Masks))}
		}
		return nil, in.each(c, func(i int, ref Ref) error {
			return in.m.SetMasked(ref, uint32(c.Values[i]), c.Masks[i])
		})
	}
	return nil, []error{fmt.Errorf("%w: %q", ErrUnknownCommand, c.Cmd)}
}

// monitor stops at the first watcher without a matching period.
func (in *Interpreter) monitor(c Command) []error {
	var errs []error
	for i, name := range c.Watchers {
		if i >= len(c.Periods) {
			return append(errs, fmt.Errorf("%w: %d watchers, %d periods", ErrSizeMismatch, len(c.Watchers), len(c.Periods)))
		}
		ref, ok := in.m.Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownVariable, name))
			continue
		}
		if err := in.m.SetMonitoring(ref, c.Periods[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (in *Interpreter) each(c Command, fn func(i int, ref Ref) error) []error {
	var errs []error
	for i, name := range c.Watchers {
		ref, ok := in.m.Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownVariable, name))
			continue
		}
		if err := fn(i, ref); err != nil {
			if errors.Is(err, ErrAlreadyLogging) {
				logf("skipping log of %s: already logging", name)
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs
}

// at returns s[i], or 0 when s is too short.
func at(s []uint64, i int) uint64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}
