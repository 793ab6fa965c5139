// Package watcher exposes variables of a real-time processing loop to an
// asynchronous observer. Variables can be streamed to live viewers, logged to
// binary files, monitored periodically and overridden remotely, with every
// activity scheduled to an exact sample timestamp.
//
// The Manager is split across two contexts. Tick and Notify (and therefore
// Variable.Set) run on the real-time goroutine: they never lock, allocate or
// perform I/O. Everything else runs elsewhere and reaches the real-time side
// through a counted lock-free channel. Register and Unregister must not run
// concurrently with Tick or Notify.
package watcher

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/rtwatch/internal/fsutil"
	"github.com/banshee-data/rtwatch/internal/monitoring"
	"github.com/banshee-data/rtwatch/internal/watcher/frame"
	"github.com/banshee-data/rtwatch/internal/watcher/logfile"
	"github.com/banshee-data/rtwatch/internal/watcher/pipe"
)

var logf = monitoring.Component("Watcher")

const (
	// nameSeparator separates a requested name from its collision counter.
	nameSeparator = '~'
	anonName      = "(anon)"
	// monitorChange is set alongside the period when monitoring is
	// reconfigured, forcing an immediate firing.
	monitorChange = uint64(1) << 63
)

// Ref is a generation-checked reference to a registered variable. A Ref to an
// unregistered variable fails lookups instead of reaching a reused slot.
type Ref struct {
	idx uint32
	gen uint32
}

// Valid reports whether r was returned by Register.
func (r Ref) Valid() bool { return r.gen != 0 }

// FramePublisher receives watch frames for live viewers.
type FramePublisher interface {
	Publish(frame []byte) bool
	HasSubscribers() bool
}

// Options configures a Manager.
type Options struct {
	// Capacity is the per-variable buffer size in bytes.
	Capacity int
	// QueueCapacity bounds in-flight messages in each direction.
	QueueCapacity int
	// SampleRate is reported in list responses.
	SampleRate float64
	// FS and LogDir locate binary log files. A nil FS disables logging.
	FS         fsutil.FileSystem
	LogDir     string
	LogOptions logfile.Options
	// Frames receives watch frames. It may be nil.
	Frames FramePublisher
}

// DefaultOptions returns options with logging disabled and no live viewers.
func DefaultOptions() Options {
	return Options{
		Capacity:      frame.DefaultCapacity,
		QueueCapacity: 256,
		SampleRate:    48000,
		LogOptions:    logfile.DefaultOptions(),
	}
}

type record struct {
	idx, gen uint32
	id       uint32
	name     string
	tag      frame.TypeTag
	mode     frame.Mode
	layout   frame.Layout

	// real-time side only
	buf         []byte
	out         []byte
	cursor      int
	count       int
	firstTs     uint64
	nextMonitor uint64
	streams     [numStreams]Stream

	monitor    atomic.Uint64
	controlled atomic.Bool
	local      atomic.Uint64
	remote     atomic.Uint64
	onControl  func(controlled bool)
	log        atomic.Pointer[logfile.Writer]

	frames   atomic.Uint64
	appended atomic.Uint64
	emitted  atomic.Uint64
}

func (r *record) ref() Ref { return Ref{idx: r.idx, gen: r.gen} }

func (r *record) value() float64 {
	if r.controlled.Load() {
		return math.Float64frombits(r.remote.Load())
	}
	return math.Float64frombits(r.local.Load())
}

// Manager owns every registered variable.
type Manager struct {
	opts     Options
	ch       *pipe.Channel[Message, Message]
	pid      uint32
	instance uuid.UUID

	mu      sync.RWMutex
	records []*record
	gens    []uint32
	free    []uint32
	byName  map[string]Ref
	nextID  uint32

	logMu sync.Mutex

	now      atomic.Uint64
	observed bool
	applyFn  func(Message)
}

// NewManager creates a Manager. Zero option fields take their defaults.
func NewManager(opts Options) *Manager {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = def.QueueCapacity
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.LogOptions.SlotSize < frame.MaxFrameSize(opts.Capacity) {
		opts.LogOptions.SlotSize = frame.MaxFrameSize(opts.Capacity)
	}
	m := &Manager{
		opts:     opts,
		ch:       pipe.NewChannel[Message, Message](opts.QueueCapacity),
		pid:      uint32(os.Getpid()),
		instance: uuid.New(),
		byName:   make(map[string]Ref),
	}
	m.applyFn = m.apply
	return m
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns a process-wide Manager created on first use with
// DefaultOptions. Prefer an explicitly constructed Manager.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(DefaultOptions())
	})
	return defaultManager
}

// Options returns the manager's effective options.
func (m *Manager) Options() Options { return m.opts }

// sanitizeName strips the collision separator from a requested name.
func sanitizeName(name string) string {
	if name == "" {
		return anonName
	}
	return strings.ReplaceAll(name, string(nameSeparator), "_")
}

func (m *Manager) uniqueNameLocked(name string) string {
	if _, taken := m.byName[name]; !taken {
		return name
	}
	for n := 1; ; n++ {
		candidate := name + string(nameSeparator) + strconv.Itoa(n)
		if _, taken := m.byName[candidate]; !taken {
			return candidate
		}
	}
}

// fileBase turns a variable name into a log file base name.
func fileBase(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '_'
		}
		return r
	}, name)
}

// Register adds a variable and returns its reference and final name. The
// buffer layout is fixed here; a layout that cannot hold an aligned element
// fails with ErrAllocation. When logging is enabled the log file is opened
// immediately.
func (m *Manager) Register(name string, tag frame.TypeTag, mode frame.Mode) (Ref, string, error) {
	layout, err := frame.NewLayout(tag, mode, m.opts.Capacity)
	if err != nil {
		return Ref{}, "", fmt.Errorf("register %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := &record{
		id:     m.nextID,
		name:   m.uniqueNameLocked(sanitizeName(name)),
		tag:    tag,
		mode:   mode,
		layout: layout,
		buf:    make([]byte, m.opts.Capacity),
		out:    make([]byte, frame.MaxFrameSize(m.opts.Capacity)),
	}
	for i := range r.streams {
		r.streams[i].reset()
	}
	if m.opts.FS != nil {
		w, err := m.openLog(r)
		if err != nil {
			return Ref{}, "", fmt.Errorf("register %q: %w", r.name, err)
		}
		r.log.Store(w)
	}

	if n := len(m.free); n > 0 {
		r.idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		r.idx = uint32(len(m.records))
		m.records = append(m.records, nil)
		m.gens = append(m.gens, 0)
	}
	m.gens[r.idx]++
	if m.gens[r.idx] == 0 {
		m.gens[r.idx] = 1
	}
	r.gen = m.gens[r.idx]
	m.records[r.idx] = r
	m.byName[r.name] = r.ref()
	m.nextID++

	logf("registered %s type=%s mode=%s", r.name, tag, mode)
	return r.ref(), r.name, nil
}

// Unregister removes a variable, closing its log file. A log file that never
// received a frame is deleted.
func (m *Manager) Unregister(ref Ref) error {
	m.mu.Lock()
	r := m.record(ref)
	if r == nil {
		m.mu.Unlock()
		return ErrStaleHandle
	}
	m.records[ref.idx] = nil
	delete(m.byName, r.name)
	m.free = append(m.free, ref.idx)
	m.mu.Unlock()

	if w := r.log.Swap(nil); w != nil {
		if err := w.Close(!w.HasData()); err != nil {
			return fmt.Errorf("unregister %s: %w", r.name, err)
		}
	}
	return nil
}

// Close unregisters every variable.
func (m *Manager) Close() error {
	m.mu.RLock()
	refs := make([]Ref, 0, len(m.byName))
	for _, r := range m.records {
		if r != nil {
			refs = append(refs, r.ref())
		}
	}
	m.mu.RUnlock()

	var first error
	for _, ref := range refs {
		if err := m.Unregister(ref); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// record resolves ref without locking. It is used on the real-time side and
// by callers already holding mu.
func (m *Manager) record(ref Ref) *record {
	if int(ref.idx) >= len(m.records) {
		return nil
	}
	r := m.records[ref.idx]
	if r == nil || r.gen != ref.gen {
		return nil
	}
	return r
}

func (m *Manager) lookup(ref Ref) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r := m.record(ref); r != nil {
		return r, nil
	}
	return nil, ErrStaleHandle
}

// Lookup finds a variable by its registered name.
func (m *Manager) Lookup(name string) (Ref, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.byName[name]
	return ref, ok
}

// Name returns the registered name of ref.
func (m *Manager) Name(ref Ref) (string, error) {
	r, err := m.lookup(ref)
	if err != nil {
		return "", err
	}
	return r.name, nil
}

// Now returns the timestamp of the last Tick.
func (m *Manager) Now() uint64 { return m.now.Load() }

// Tick advances the clock to ts. A full tick also applies every queued
// command and refreshes the live viewer flag; a partial tick only moves the
// clock. Real-time side only.
func (m *Manager) Tick(ts uint64, full bool) error {
	m.now.Store(ts)
	if !full {
		return nil
	}
	_, err := m.ch.DrainToRealtime(m.applyFn)
	m.observed = m.opts.Frames != nil && m.opts.Frames.HasSubscribers()
	return err
}

func (m *Manager) apply(msg Message) {
	r := m.record(msg.Ref)
	if r == nil {
		return
	}
	now := m.now.Load()
	switch msg.Cmd {
	case CmdStartWatching:
		r.streams[Watch].startAt(now, msg.Args[0], msg.Args[1])
	case CmdStopWatching:
		r.streams[Watch].stopAt(now, msg.Args[0])
	case CmdStartLogging:
		start, end, ok := r.streams[Log].startAt(now, msg.Args[0], msg.Args[1])
		if !ok {
			return
		}
		ack := Message{Ref: msg.Ref, Cmd: CmdStartedLogging, Args: [2]uint64{start, 0}}
		if end != unscheduled {
			ack.Args[1] = uint64(end)
		}
		_ = m.ch.SendFromRealtime(ack)
	case CmdStopLogging:
		if r.streams[Log].stopAt(now, msg.Args[0]) {
			_ = m.ch.SendFromRealtime(Message{Ref: msg.Ref, Cmd: CmdStoppedLogging, Args: [2]uint64{now, 0}})
		}
	}
}

// Notify ingests one value of ref at the current timestamp. Real-time side
// only.
func (m *Manager) Notify(ref Ref, v float64) {
	if r := m.record(ref); r != nil {
		m.notify(r, v)
	}
}

func (m *Manager) notify(r *record, v float64) {
	ts := m.now.Load()
	if r.monitor.Load() != 0 {
		m.checkMonitor(r, ts, v)
	}
	if r.streams[Watch].State() == Inactive && r.streams[Log].State() == Inactive {
		return
	}

	ws := r.streams[Watch].advance(ts)
	ls := r.streams[Log].advance(ts)
	if ws == EndingNow || ls == EndingNow {
		// The current sample belongs after the stop.
		if r.cursor > 0 {
			m.emit(r, accumulating(ws), accumulating(ls))
		}
		if ws == EndingNow {
			r.streams[Watch].reset()
			ws = Inactive
		}
		if ls == EndingNow {
			r.streams[Log].reset()
			ls = Inactive
			_ = m.ch.SendFromRealtime(Message{Ref: r.ref(), Cmd: CmdStoppedLogging, Args: [2]uint64{ts, 0}})
		}
	}
	if !ws.streaming() && !ls.streaming() {
		return
	}

	m.append(r, ts, v)
	if r.cursor >= r.layout.Full {
		m.emit(r, ws.streaming(), ls.streaming())
	}
}

func accumulating(s StreamState) bool { return s.streaming() || s == EndingNow }

func (m *Manager) append(r *record, ts uint64, v float64) {
	if r.cursor == 0 {
		r.firstTs = ts
		r.count = 0
	}
	frame.PutValue(r.buf[r.cursor:], r.tag, v)
	if r.mode == frame.Sample {
		off := r.layout.RelOffset + r.count*frame.Alignment
		binary.LittleEndian.PutUint32(r.buf[off:], uint32(ts-r.firstTs))
	}
	r.cursor += r.layout.ElemSize
	r.count++
	r.appended.Add(uint64(r.layout.ElemSize))
}

// emit encodes the buffered values into one frame, routes it and resets the
// buffer.
func (m *Manager) emit(r *record, watch, log bool) {
	var rel []byte
	if r.mode == frame.Sample {
		rel = r.buf[r.layout.RelOffset : r.layout.RelOffset+r.count*frame.Alignment]
	}
	n := frame.Encode(r.out, r.firstTs, r.id, r.tag, r.buf[:r.cursor], rel)
	if watch && m.observed {
		m.opts.Frames.Publish(r.out[:n])
	}
	if log {
		if w := r.log.Load(); w != nil {
			w.Log(r.out[:n])
		}
	}
	r.frames.Add(1)
	r.emitted.Add(uint64(r.cursor))
	r.cursor = 0
	r.count = 0
}

func (m *Manager) checkMonitor(r *record, ts uint64, v float64) {
	mon := r.monitor.Load()
	period := mon &^ monitorChange
	if mon&monitorChange != 0 {
		if !r.monitor.CompareAndSwap(mon, period) {
			return
		}
		r.nextMonitor = ts
	}
	if period == 0 || ts < r.nextMonitor {
		return
	}
	_ = m.ch.SendFromRealtime(Message{Ref: r.ref(), Cmd: CmdMonitored, Args: [2]uint64{ts, math.Float64bits(v)}})
	if period == 1 {
		r.monitor.CompareAndSwap(1, 0)
		return
	}
	r.nextMonitor = ts + period
}

// SetMonitoring sets the monitoring period in samples: 0 disables, 1 fires
// once, P fires every P samples. The first firing happens on the next notify.
func (m *Manager) SetMonitoring(ref Ref, period uint64) error {
	r, err := m.lookup(ref)
	if err != nil {
		return err
	}
	r.monitor.Store((period &^ monitorChange) | monitorChange)
	return nil
}

// StartStream schedules kind to start at start (clamped to the current tick)
// for duration samples, 0 meaning until stopped. Starting a log rotates to a
// new file if the current one holds data. A watch whose previous start or stop
// has not been reached yet is rejected with ErrSchedulePending.
func (m *Manager) StartStream(ref Ref, kind StreamKind, start, duration uint64) error {
	r, err := m.lookup(ref)
	if err != nil {
		return err
	}
	cmd := CmdStartWatching
	if kind == Watch && r.streams[Watch].State().pending() {
		return fmt.Errorf("%s: %w", r.name, ErrSchedulePending)
	}
	if kind == Log {
		if m.opts.FS == nil {
			return ErrLoggingDisabled
		}
		if r.streams[Log].State() != Inactive {
			return fmt.Errorf("%s: %w", r.name, ErrAlreadyLogging)
		}
		if err := m.rotateLog(r); err != nil {
			return err
		}
		cmd = CmdStartLogging
	}
	return m.ch.SendToRealtime(Message{Ref: ref, Cmd: cmd, Args: [2]uint64{start, duration}})
}

// StopStream schedules kind to stop at at (clamped to the current tick).
func (m *Manager) StopStream(ref Ref, kind StreamKind, at uint64) error {
	if _, err := m.lookup(ref); err != nil {
		return err
	}
	cmd := CmdStopWatching
	if kind == Log {
		cmd = CmdStopLogging
	}
	return m.ch.SendToRealtime(Message{Ref: ref, Cmd: cmd, Args: [2]uint64{at, 0}})
}

func (m *Manager) openLog(r *record) (*logfile.Writer, error) {
	header := frame.FileHeader{Name: r.name, Type: r.tag, PID: m.pid, Instance: m.instance}
	return logfile.Open(m.opts.FS, m.opts.LogDir, fileBase(r.name), header, m.opts.LogOptions)
}

// rotateLog replaces a log file that already holds frames with a fresh one.
// The log stream must be inactive.
func (m *Manager) rotateLog(r *record) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	cur := r.log.Load()
	if cur != nil && !cur.HasData() {
		return nil
	}
	w, err := m.openLog(r)
	if err != nil {
		return fmt.Errorf("rotate log for %s: %w", r.name, err)
	}
	if old := r.log.Swap(w); old != nil {
		if err := old.Close(false); err != nil {
			logf("closing %s: %v", old.Name(), err)
		}
	}
	return nil
}

// LogFileName returns the current log file of ref, if any.
func (m *Manager) LogFileName(ref Ref) string {
	r, err := m.lookup(ref)
	if err != nil {
		return ""
	}
	if w := r.log.Load(); w != nil {
		return w.Name()
	}
	return ""
}

// FlushLog asks the log writer of ref to flush buffered frames to disk.
func (m *Manager) FlushLog(ref Ref) (logfile.Stats, error) {
	r, err := m.lookup(ref)
	if err != nil {
		return logfile.Stats{}, err
	}
	w := r.log.Load()
	if w == nil {
		return logfile.Stats{}, ErrLoggingDisabled
	}
	w.RequestFlush()
	return w.Stats(), nil
}

// StartControlling switches ref to remote control. The remote value starts as
// a snapshot of the last local value.
func (m *Manager) StartControlling(ref Ref) error { return m.setControlled(ref, true) }

// StopControlling returns ref to local control.
func (m *Manager) StopControlling(ref Ref) error { return m.setControlled(ref, false) }

func (m *Manager) setControlled(ref Ref, on bool) error {
	r, err := m.lookup(ref)
	if err != nil {
		return err
	}
	if r.controlled.Load() == on {
		return nil
	}
	if on {
		r.remote.Store(r.local.Load())
	}
	if r.onControl != nil {
		r.onControl(on)
	}
	r.controlled.Store(on)
	return nil
}

// SetRemote sets the value used while ref is remotely controlled.
func (m *Manager) SetRemote(ref Ref, v float64) error {
	r, err := m.lookup(ref)
	if err != nil {
		return err
	}
	r.remote.Store(math.Float64bits(v))
	return nil
}

// SetMasked replaces the bits of the remote value selected by mask. Only
// unsigned integer variables accept masked writes.
func (m *Manager) SetMasked(ref Ref, value, mask uint32) error {
	r, err := m.lookup(ref)
	if err != nil {
		return err
	}
	if r.tag != frame.Uint32 {
		return fmt.Errorf("%s: %w", r.name, ErrNotMaskable)
	}
	for {
		old := r.remote.Load()
		prev := uint32(math.Float64frombits(old))
		next := (prev &^ mask) | (value & mask)
		if r.remote.CompareAndSwap(old, math.Float64bits(float64(next))) {
			return nil
		}
	}
}

// Value returns the effective value of ref: the remote value while
// controlled, otherwise the last local value.
func (m *Manager) Value(ref Ref) (float64, error) {
	r, err := m.lookup(ref)
	if err != nil {
		return 0, err
	}
	return r.value(), nil
}

// ChannelStats reports the cross-thread channel counters.
func (m *Manager) ChannelStats() pipe.ChannelStats { return m.ch.Stats() }

// RecordStats is a snapshot of one variable's counters.
type RecordStats struct {
	Name          string `json:"name"`
	Frames        uint64 `json:"frames"`
	BytesAppended uint64 `json:"bytesAppended"`
	BytesEmitted  uint64 `json:"bytesEmitted"`
}

// Stats returns the counters of ref.
func (m *Manager) Stats(ref Ref) (RecordStats, error) {
	r, err := m.lookup(ref)
	if err != nil {
		return RecordStats{}, err
	}
	return RecordStats{
		Name:          r.name,
		Frames:        r.frames.Load(),
		BytesAppended: r.appended.Load(),
		BytesEmitted:  r.emitted.Load(),
	}, nil
}

// StreamState returns the current phase of one stream of ref.
func (m *Manager) StreamState(ref Ref, kind StreamKind) (StreamState, error) {
	r, err := m.lookup(ref)
	if err != nil {
		return Inactive, err
	}
	return r.streams[kind].State(), nil
}

// WatcherInfo describes one variable in a list response.
type WatcherInfo struct {
	Name          string  `json:"name"`
	Watched       bool    `json:"watched"`
	Controlled    bool    `json:"controlled"`
	Logged        bool    `json:"logged"`
	Monitor       uint64  `json:"monitor"`
	Mask          uint32  `json:"mask"`
	LogFileName   string  `json:"logFileName"`
	Value         float64 `json:"value"`
	ValueInput    float64 `json:"valueInput"`
	Type          string  `json:"type"`
	TimestampMode string  `json:"timestampMode"`
}

// ListResponse is the snapshot produced by the list command.
type ListResponse struct {
	Watchers   []WatcherInfo `json:"watchers"`
	SampleRate float64       `json:"sampleRate"`
	Timestamp  uint64        `json:"timestamp"`
}

// List returns a snapshot of every variable in registration slot order.
func (m *Manager) List() ListResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp := ListResponse{
		Watchers:   make([]WatcherInfo, 0, len(m.byName)),
		SampleRate: m.opts.SampleRate,
		Timestamp:  m.now.Load(),
	}
	for _, r := range m.records {
		if r == nil {
			continue
		}
		info := WatcherInfo{
			Name:          r.name,
			Watched:       r.streams[Watch].State() != Inactive,
			Logged:        r.streams[Log].State() != Inactive,
			Controlled:    r.controlled.Load(),
			Monitor:       r.monitor.Load() &^ monitorChange,
			Value:         math.Float64frombits(r.local.Load()),
			ValueInput:    math.Float64frombits(r.remote.Load()),
			Type:          r.tag.String(),
			TimestampMode: r.mode.String(),
		}
		if r.tag == frame.Uint32 {
			info.Mask = math.MaxUint32
		}
		if w := r.log.Load(); w != nil {
			info.LogFileName = w.Name()
		}
		resp.Watchers = append(resp.Watchers, info)
	}
	return resp
}
