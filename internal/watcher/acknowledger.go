package watcher

import (
	"context"
	"math"
	"time"
)

// DefaultAckTimeout bounds each wait for a message from the real-time side.
const DefaultAckTimeout = 100 * time.Millisecond

// LogStarted is sent once a log stream has been scheduled with its
// authoritative timestamps. TimestampEnd is 0 for open-ended logs.
type LogStarted struct {
	Watcher      string `json:"watcher"`
	LogFileName  string `json:"logFileName"`
	Timestamp    uint64 `json:"timestamp"`
	TimestampEnd uint64 `json:"timestampEnd"`
}

// LogStopped is sent once the last frame of a log stream has been queued.
type LogStopped struct {
	Watcher     string `json:"watcher"`
	LogFileName string `json:"logFileName"`
	Timestamp   uint64 `json:"timestamp"`
	Bytes       uint64 `json:"bytes"`
}

// MonitorValue is one monitoring snapshot.
type MonitorValue struct {
	Watcher   string  `json:"watcher"`
	Timestamp uint64  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Responder delivers protocol responses to the outside world.
type Responder interface {
	SendResponse(v any) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(v any) error

func (f ResponderFunc) SendResponse(v any) error { return f(v) }

// Responders fans a response out to several responders.
type Responders []Responder

func (rs Responders) SendResponse(v any) error {
	var first error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.SendResponse(v); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Catalog records log sessions.
type Catalog interface {
	StartSession(ctx context.Context, watcher, file string, start, end uint64) (string, error)
	EndSession(ctx context.Context, id string, end, bytes uint64) error
}

// Acknowledger turns messages from the real-time side into protocol
// responses. It never touches real-time state.
type Acknowledger struct {
	m        *Manager
	resp     Responder
	catalog  Catalog
	timeout  time.Duration
	sessions map[Ref]string
}

// NewAcknowledger returns an Acknowledger for m. catalog may be nil.
func NewAcknowledger(m *Manager, resp Responder, catalog Catalog, timeout time.Duration) *Acknowledger {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Acknowledger{
		m:        m,
		resp:     resp,
		catalog:  catalog,
		timeout:  timeout,
		sessions: make(map[Ref]string),
	}
}

// Run handles messages until ctx is cancelled.
func (a *Acknowledger) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if msg, ok := a.m.ch.ReceiveFromRealtime(ctx, a.timeout); ok {
			a.handle(ctx, msg)
		}
	}
}

// Drain handles every message already queued and returns how many there were.
func (a *Acknowledger) Drain(ctx context.Context) int {
	n := 0
	for {
		msg, ok := a.m.ch.ReceiveFromRealtime(ctx, 0)
		if !ok {
			return n
		}
		a.handle(ctx, msg)
		n++
	}
}

func (a *Acknowledger) handle(ctx context.Context, msg Message) {
	name, err := a.m.Name(msg.Ref)
	if err != nil {
		// unregistered since the message was sent
		delete(a.sessions, msg.Ref)
		return
	}

	var resp any
	switch msg.Cmd {
	case CmdStartedLogging:
		file := a.m.LogFileName(msg.Ref)
		resp = LogStarted{Watcher: name, LogFileName: file, Timestamp: msg.Args[0], TimestampEnd: msg.Args[1]}
		if a.catalog != nil {
			id, err := a.catalog.StartSession(ctx, name, file, msg.Args[0], msg.Args[1])
			if err != nil {
				logf("catalog start for %s: %v", name, err)
			} else {
				a.sessions[msg.Ref] = id
			}
		}
	case CmdStoppedLogging:
		st, err := a.m.FlushLog(msg.Ref)
		if err != nil {
			logf("flush log for %s: %v", name, err)
		}
		resp = LogStopped{Watcher: name, LogFileName: st.Name, Timestamp: msg.Args[0], Bytes: st.Bytes}
		if id, ok := a.sessions[msg.Ref]; ok && a.catalog != nil {
			if err := a.catalog.EndSession(ctx, id, msg.Args[0], st.Bytes); err != nil {
				logf("catalog end for %s: %v", name, err)
			}
			delete(a.sessions, msg.Ref)
		}
	case CmdMonitored:
		resp = MonitorValue{Watcher: name, Timestamp: msg.Args[0], Value: math.Float64frombits(msg.Args[1])}
	default:
		logf("unexpected message %s for %s", msg.Cmd, name)
		return
	}

	if a.resp != nil {
		if err := a.resp.SendResponse(resp); err != nil {
			logf("response for %s: %v", name, err)
		}
	}
}
