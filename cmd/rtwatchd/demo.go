package main

import (
	"fmt"
	"math"

	"github.com/banshee-data/rtwatch/internal/watcher"
	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

// synth is the demo signal: a sine oscillator whose frequency and gain can be
// controlled remotely, with its phase and output exposed for watching.
type synth struct {
	sampleRate float64

	freq   *watcher.Variable[float32]
	gain   *watcher.Variable[float32]
	mute   *watcher.Variable[uint32]
	phase  *watcher.Variable[float64]
	out    *watcher.Variable[float32]
	clip   *watcher.Variable[int8]
	blocks *watcher.Variable[int32]

	handles []watcher.Handle
	err     error
}

func newSynth(m *watcher.Manager, sampleRate float64) (*synth, error) {
	s := &synth{sampleRate: sampleRate}
	s.freq = register[float32](s, m, "osc/freq", frame.Block)
	s.gain = register[float32](s, m, "osc/gain", frame.Block)
	s.mute = register[uint32](s, m, "osc/mute", frame.Block)
	s.phase = register[float64](s, m, "osc/phase", frame.Sample)
	s.out = register[float32](s, m, "osc/out", frame.Block)
	s.clip = register[int8](s, m, "osc/clip", frame.Sample)
	s.blocks = register[int32](s, m, "host/blocks", frame.Block)
	if s.err != nil {
		s.Close()
		return nil, s.err
	}
	s.freq.Set(440)
	s.gain.Set(0.5)
	return s, nil
}

// register adds one variable, remembering the first failure.
func register[T watcher.Number](s *synth, m *watcher.Manager, name string, mode frame.Mode) *watcher.Variable[T] {
	if s.err != nil {
		return nil
	}
	v, err := watcher.NewVariable[T](m, name, mode)
	if err != nil {
		s.err = fmt.Errorf("failed to register %s: %w", name, err)
		return nil
	}
	s.handles = append(s.handles, v)
	return v
}

// render produces one sample. Bit 0 of osc/mute silences the output.
func (s *synth) render(ts uint64) {
	ph := s.phase.Get() + 2*math.Pi*float64(s.freq.Get())/s.sampleRate
	if ph >= 2*math.Pi {
		ph -= 2 * math.Pi
	}
	s.phase.Set(ph)

	y := float64(s.gain.Get()) * math.Sin(ph)
	if s.mute.Get()&1 != 0 {
		y = 0
	}
	var clipped int8
	if y > 1 {
		y, clipped = 1, 1
	} else if y < -1 {
		y, clipped = -1, -1
	}
	s.out.Set(float32(y))
	if clipped != 0 || s.clip.Get() != 0 {
		s.clip.Set(clipped)
	}
	if ts%256 == 0 {
		s.blocks.Set(s.blocks.Get() + 1)
	}
}

func (s *synth) Close() {
	for _, h := range s.handles {
		_ = h.Close()
	}
	s.handles = nil
}
