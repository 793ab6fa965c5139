package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rtwatch/internal/monitoring"
)

var (
	// ErrQueueFull is returned when a message cannot be queued without blocking.
	ErrQueueFull = errors.New("pipe: queue full")
	// ErrBacklog is returned by DrainToRealtime when fewer messages could be
	// read than the sender reported. The counters are resynchronised.
	ErrBacklog = errors.New("pipe: sent/received counter mismatch")
)

// Channel carries In messages to the real-time side and Out messages back.
//
// The non-real-time side counts every queued In message; the real-time side
// reads that counter once per callback and drains exactly that many messages,
// so a command is never applied half-way through a callback.
type Channel[In, Out any] struct {
	toRT   *Ring[In]
	fromRT *Ring[Out]

	sendMu   sync.Mutex // serialises non-real-time producers
	sent     atomic.Uint64
	received atomic.Uint64 // written by the real-time side only

	wake chan struct{}

	backlogErrors atomic.Uint64
	droppedOut    atomic.Uint64
}

// NewChannel sizes both directions for capacity in-flight messages.
func NewChannel[In, Out any](capacity int) *Channel[In, Out] {
	return &Channel[In, Out]{
		toRT:   NewRing[In](capacity),
		fromRT: NewRing[Out](capacity),
		wake:   make(chan struct{}, 1),
	}
}

// SendToRealtime queues msg for the next full real-time tick. It may be called
// from any number of non-real-time goroutines.
func (c *Channel[In, Out]) SendToRealtime(msg In) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.toRT.TryPush(msg) {
		return fmt.Errorf("%w: to real-time (%s)", ErrQueueFull, c.toRT)
	}
	c.sent.Add(1)
	return nil
}

// DrainToRealtime applies every message sent before the call, in FIFO order.
// It must only be called from the real-time side.
func (c *Channel[In, Out]) DrainToRealtime(apply func(In)) (int, error) {
	sent := c.sent.Load()
	n := 0
	received := c.received.Load()
	for received < sent {
		msg, ok := c.toRT.TryPop()
		if !ok {
			c.backlogErrors.Add(1)
			monitoring.Logf("[Pipe] counter mismatch: sent=%d received=%d, resynchronising", sent, received)
			c.received.Store(sent)
			return n, ErrBacklog
		}
		received++
		c.received.Store(received)
		n++
		apply(msg)
	}
	return n, nil
}

// Pending returns how many sent messages the real-time side has not drained.
func (c *Channel[In, Out]) Pending() int {
	return int(c.sent.Load() - c.received.Load())
}

// SendFromRealtime queues msg for the background consumer. It never blocks.
func (c *Channel[In, Out]) SendFromRealtime(msg Out) error {
	if !c.fromRT.TryPush(msg) {
		c.droppedOut.Add(1)
		return ErrQueueFull
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// ReceiveFromRealtime waits up to timeout for a message from the real-time
// side. It must be called from a single consumer goroutine.
func (c *Channel[In, Out]) ReceiveFromRealtime(ctx context.Context, timeout time.Duration) (Out, bool) {
	if msg, ok := c.fromRT.TryPop(); ok {
		return msg, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.wake:
			if msg, ok := c.fromRT.TryPop(); ok {
				return msg, true
			}
		case <-timer.C:
			return c.fromRT.TryPop()
		case <-ctx.Done():
			var zero Out
			return zero, false
		}
	}
}

// ChannelStats is a snapshot of channel counters.
type ChannelStats struct {
	Sent          uint64 `json:"sent"`
	Pending       int    `json:"pending"`
	QueuedToRT    int    `json:"queued_to_rt"`
	QueuedFromRT  int    `json:"queued_from_rt"`
	BacklogErrors uint64 `json:"backlog_errors"`
	DroppedFromRT uint64 `json:"dropped_from_rt"`
}

// Stats returns current counters. It is safe to call from any goroutine.
func (c *Channel[In, Out]) Stats() ChannelStats {
	return ChannelStats{
		Sent:          c.sent.Load(),
		Pending:       c.Pending(),
		QueuedToRT:    c.toRT.Len(),
		QueuedFromRT:  c.fromRT.Len(),
		BacklogErrors: c.backlogErrors.Load(),
		DroppedFromRT: c.droppedOut.Load(),
	}
}
