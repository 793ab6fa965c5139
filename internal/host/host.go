// Package host simulates an audio callback: it advances the watcher clock one
// sample at a time in fixed-size blocks, paced by a wall clock, and calls a
// render function for every sample.
package host

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rtwatch/internal/monitoring"
	"github.com/banshee-data/rtwatch/internal/timeutil"
	"github.com/banshee-data/rtwatch/internal/watcher"
)

var logf = monitoring.Component("Host")

// RenderFunc produces the sample at timestamp ts. It runs on the real-time
// side and must not block.
type RenderFunc func(ts uint64)

// Ticker is the part of the registry the host drives.
type Ticker interface {
	Tick(ts uint64, full bool) error
}

// Options configures a Host.
type Options struct {
	SampleRate float64
	BlockSize  int
	// MaxCatchUp bounds the blocks rendered for one wake-up. A host further
	// behind than this skips ahead and counts an overrun.
	MaxCatchUp int
	Clock      timeutil.Clock
}

// DefaultOptions returns 48kHz with 256-sample blocks on the real clock.
func DefaultOptions() Options {
	return Options{
		SampleRate: 48000,
		BlockSize:  256,
		MaxCatchUp: 8,
		Clock:      timeutil.RealClock{},
	}
}

// Host runs the render loop.
type Host struct {
	m      Ticker
	opts   Options
	render RenderFunc

	ts       atomic.Uint64
	blocks   atomic.Uint64
	overruns atomic.Uint64
}

// New creates a host driving m. render may be nil.
func New(m Ticker, opts Options, render RenderFunc) (*Host, error) {
	if opts.SampleRate <= 0 || opts.BlockSize <= 0 {
		return nil, errors.New("host: sample rate and block size must be positive")
	}
	if opts.MaxCatchUp <= 0 {
		opts.MaxCatchUp = 1
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Host{m: m, opts: opts, render: render}, nil
}

// Period is the wall-clock duration of one block.
func (h *Host) Period() time.Duration {
	return time.Duration(float64(time.Second) * float64(h.opts.BlockSize) / h.opts.SampleRate)
}

// Run renders blocks until ctx is cancelled. The sample clock follows the
// wall clock: each wake-up renders every block that has come due since Run
// started.
func (h *Host) Run(ctx context.Context) error {
	ticker := h.opts.Clock.NewTicker(h.Period())
	defer ticker.Stop()
	start := h.opts.Clock.Now()
	block := uint64(h.opts.BlockSize)

	logf("rendering %d-sample blocks at %.0f Hz", h.opts.BlockSize, h.opts.SampleRate)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			due := uint64(now.Sub(start).Seconds()*h.opts.SampleRate) / block * block
			for n := 0; h.ts.Load()+block <= due; n++ {
				if n == h.opts.MaxCatchUp {
					logf("overrun: %d samples behind, skipping ahead", due-h.ts.Load())
					h.ts.Store(due)
					h.overruns.Add(1)
					break
				}
				h.RenderBlock()
			}
		}
	}
}

// RenderBlock renders one block at the current sample timestamp. The first
// sample gets a full tick so queued commands are applied at block
// boundaries.
func (h *Host) RenderBlock() {
	ts := h.ts.Load()
	for i := 0; i < h.opts.BlockSize; i++ {
		if err := h.m.Tick(ts, i == 0); err != nil {
			logf("tick at %d: %v", ts, err)
		}
		if h.render != nil {
			h.render(ts)
		}
		ts++
	}
	h.ts.Store(ts)
	h.blocks.Add(1)
}

// Stats reports host progress.
type Stats struct {
	Timestamp uint64 `json:"timestamp"`
	Blocks    uint64 `json:"blocks"`
	Overruns  uint64 `json:"overruns"`
}

func (h *Host) Stats() Stats {
	return Stats{
		Timestamp: h.ts.Load(),
		Blocks:    h.blocks.Load(),
		Overruns:  h.overruns.Load(),
	}
}

var _ Ticker = (*watcher.Manager)(nil)
