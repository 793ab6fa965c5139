package watcher

import "sync/atomic"

// StreamKind selects one of the two independently schedulable activities on a
// variable.
type StreamKind int

const (
	Watch StreamKind = iota
	Log
	numStreams
)

func (k StreamKind) String() string {
	if k == Log {
		return "log"
	}
	return "watch"
}

// StreamState is the phase of a Stream.
type StreamState int32

const (
	Inactive StreamState = iota
	Starting
	Active
	Stopping
	EndingNow
)

func (s StreamState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case EndingNow:
		return "ending"
	}
	return "unknown"
}

// streaming reports whether samples are being accumulated for the stream.
func (s StreamState) streaming() bool { return s == Active || s == Stopping }

const unscheduled = -1

// Stream tracks the schedule of one activity. The scheduled timestamps are
// only touched on the real-time side. state is atomic so that snapshots taken
// elsewhere can read it.
type Stream struct {
	state atomic.Int32
	// schedStart is the activation time while Starting and the stop time
	// while Stopping.
	schedStart int64
	schedEnd   int64
}

// State returns the current phase.
func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

func (s *Stream) set(st StreamState) { s.state.Store(int32(st)) }

// pending reports whether the stream holds a schedule that has not been
// consumed yet.
func (s StreamState) pending() bool { return s == Starting || s == Stopping }

// startAt schedules activation at start, clamped to now. A non-zero duration
// also schedules the stop. A stream with a pending schedule is left alone and
// ok is false.
func (s *Stream) startAt(now, start, duration uint64) (at uint64, end int64, ok bool) {
	if s.State().pending() {
		return 0, unscheduled, false
	}
	if start < now {
		start = now
	}
	s.schedStart = int64(start)
	s.schedEnd = unscheduled
	if duration > 0 {
		s.schedEnd = int64(start + duration)
	}
	s.set(Starting)
	return start, s.schedEnd, true
}

// stopAt schedules a stop at at, clamped to now. It is a no-op for an
// inactive stream. A stream that has not started yet keeps its start time;
// a stop at or before that start cancels it and cancelled is true.
func (s *Stream) stopAt(now, at uint64) (cancelled bool) {
	switch s.State() {
	case Inactive:
		return false
	case Starting:
		if at < now {
			at = now
		}
		if int64(at) <= s.schedStart {
			s.reset()
			return true
		}
		if s.schedEnd == unscheduled || int64(at) < s.schedEnd {
			s.schedEnd = int64(at)
		}
		return false
	}
	if at < now {
		at = now
	}
	s.schedStart = int64(at)
	s.schedEnd = unscheduled
	s.set(Stopping)
	return false
}

// advance evaluates the transitions due at ts and returns the new state.
func (s *Stream) advance(ts uint64) StreamState {
	st := s.State()
	if st == Starting && int64(ts) >= s.schedStart {
		st = Active
		if s.schedEnd != unscheduled {
			s.schedStart = s.schedEnd
			s.schedEnd = unscheduled
			st = Stopping
		}
	}
	if st == Stopping && int64(ts) >= s.schedStart {
		st = EndingNow
	}
	s.set(st)
	return st
}

// reset clears the schedule and returns the stream to Inactive.
func (s *Stream) reset() {
	s.schedStart = unscheduled
	s.schedEnd = unscheduled
	s.set(Inactive)
}
