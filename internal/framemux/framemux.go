// Package framemux is the live buffer channel: it takes frames from the
// real-time callback and fans them out to any number of remote viewers.
//
// Publish copies the frame into a preallocated ring and returns. Monitor runs
// on its own goroutine, drains the ring and hands each subscriber its own
// copy. Slow subscribers are skipped rather than allowed to block the loop.
package framemux

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rtwatch/internal/httputil"
	"github.com/banshee-data/rtwatch/internal/monitoring"
	"github.com/banshee-data/rtwatch/internal/watcher/frame"
	"github.com/banshee-data/rtwatch/internal/watcher/pipe"
)

var logf = monitoring.Component("FrameMux")

// Options configures a FrameMux.
type Options struct {
	// Blocks is the number of frames queued between Publish and Monitor.
	Blocks int
	// SlotSize is the largest frame Publish accepts.
	SlotSize int
	// SubscriberBuffer is the channel depth given to each subscriber.
	SubscriberBuffer int
}

// DefaultOptions returns options sized for the default frame capacity.
func DefaultOptions() Options {
	return Options{
		Blocks:           128,
		SlotSize:         frame.MaxFrameSize(frame.DefaultCapacity),
		SubscriberBuffer: 32,
	}
}

// FrameMux fans frames out to subscribers.
type FrameMux struct {
	ring    *pipe.BlockRing
	bufSize int

	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	subscribed   atomic.Int32

	closing   bool
	closingMu sync.Mutex

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// FrameMuxInterface is the subset used by the watcher manager and servers.
type FrameMuxInterface interface {
	// Publish queues a frame for fan-out. Real-time safe.
	Publish(frame []byte) bool
	// HasSubscribers reports whether any remote viewer is connected.
	HasSubscribers() bool
	// Subscribe creates a new channel of frames. The id is used to unsubscribe.
	Subscribe() (string, chan []byte)
	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(string)
	// Monitor distributes published frames until ctx is done.
	Monitor(context.Context) error
	// Close closes all subscriber channels.
	Close() error
	// AttachAdminRoutes mounts the /debug/ frame routes.
	AttachAdminRoutes(*http.ServeMux)
}

var _ FrameMuxInterface = (*FrameMux)(nil)

// New creates a FrameMux.
func New(opts Options) *FrameMux {
	def := DefaultOptions()
	if opts.Blocks <= 0 {
		opts.Blocks = def.Blocks
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = def.SlotSize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = def.SubscriberBuffer
	}
	return &FrameMux{
		ring:        pipe.NewBlockRing(opts.Blocks, opts.SlotSize),
		bufSize:     opts.SubscriberBuffer,
		subscribers: make(map[string]chan []byte),
	}
}

// Publish queues a copy of one frame. It never blocks or allocates. Only one
// goroutine may publish at a time.
func (m *FrameMux) Publish(b []byte) bool {
	if !m.ring.Write(b) {
		return false
	}
	m.published.Add(1)
	return true
}

// HasSubscribers reports whether at least one subscriber is attached.
func (m *FrameMux) HasSubscribers() bool { return m.subscribed.Load() > 0 }

func (m *FrameMux) Subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, m.bufSize)

	m.closingMu.Lock()
	closing := m.closing
	m.closingMu.Unlock()
	if closing {
		close(ch)
		return id, ch
	}

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	m.subscribed.Add(1)
	return id, ch
}

// Unsubscribe removes a subscriber from the mux.
func (m *FrameMux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
		m.subscribed.Add(-1)
	}
}

// Monitor drains published frames and sends a copy to every subscriber.
func (m *FrameMux) Monitor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ring.Wake():
			m.closingMu.Lock()
			closing := m.closing
			m.closingMu.Unlock()
			if closing {
				return nil
			}
			for m.ring.Read(m.fanOut) {
			}
		}
	}
}

func (m *FrameMux) fanOut(b []byte) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for _, ch := range m.subscribers {
		cp := make([]byte, len(b))
		copy(cp, b)
		select {
		case ch <- cp:
			m.delivered.Add(1)
		default:
			// if the channel is full skip so as not to block the outer loop
			m.dropped.Add(1)
		}
	}
}

func (m *FrameMux) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subscribed.Store(0)
	return nil
}

// Stats is a snapshot of mux counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Queued      int    `json:"queued"`
}

// Stats returns current counters.
func (m *FrameMux) Stats() Stats {
	return Stats{
		Subscribers: int(m.subscribed.Load()),
		Published:   m.published.Load(),
		Delivered:   m.delivered.Load(),
		Dropped:     m.dropped.Load() + m.ring.Dropped(),
		Queued:      m.ring.Len(),
	}
}

func (m *FrameMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("frame-stats", "live frame fan-out counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, m.Stats())
	})

	// Server-Sent Events stream of frames, one base64 encoded frame per event.
	debug.HandleSilentFunc("frames", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.AllowMethod(w, r, http.MethodGet) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)
		logf("viewer %s connected from %s", id, r.RemoteAddr)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(payload)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
