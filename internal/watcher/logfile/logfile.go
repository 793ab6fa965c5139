// Package logfile writes watcher frames to binary log files without doing any
// I/O on the caller's goroutine.
//
// Log copies a frame into a preallocated block ring; a background goroutine
// drains the ring into a buffered file. The file starts with a
// frame.FileHeader followed by back-to-back frames.
package logfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rtwatch/internal/fsutil"
	"github.com/banshee-data/rtwatch/internal/monitoring"
	"github.com/banshee-data/rtwatch/internal/watcher/frame"
	"github.com/banshee-data/rtwatch/internal/watcher/pipe"
)

// FileExtension is the extension for watcher log files.
const FileExtension = ".bin"

var logf = monitoring.Component("LogFile")

// Options configures a Writer.
type Options struct {
	// Blocks is the number of frames that can be queued before Log drops.
	Blocks int
	// SlotSize is the largest frame Log accepts.
	SlotSize int
	// FlushInterval bounds how long written frames sit in the file buffer.
	FlushInterval time.Duration
}

// DefaultOptions returns options suitable for the default frame capacity.
func DefaultOptions() Options {
	return Options{
		Blocks:        64,
		SlotSize:      frame.MaxFrameSize(frame.DefaultCapacity),
		FlushInterval: time.Second,
	}
}

// Writer is an asynchronous binary log file.
type Writer struct {
	fs   fsutil.FileSystem
	name string
	file io.WriteCloser
	buf  *bufio.Writer
	ring *pipe.BlockRing

	flushCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	frames  atomic.Uint64
	bytes   atomic.Uint64
	closed  atomic.Bool
	closeMu sync.Mutex
	err     error
}

// Open creates a uniquely named log file "<dir>/<base>.bin" (or
// "<base>_N.bin" if taken), writes the file header and starts the writer
// goroutine.
func Open(fs fsutil.FileSystem, dir, base string, header frame.FileHeader, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.Blocks <= 0 {
		opts.Blocks = def.Blocks
	}
	if opts.SlotSize <= 0 {
		opts.SlotSize = def.SlotSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}

	if dir != "" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	name := uniqueName(fs, dir, base)
	f, err := fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	w := &Writer{
		fs:      fs,
		name:    name,
		file:    f,
		buf:     bufio.NewWriterSize(f, opts.SlotSize*4),
		ring:    pipe.NewBlockRing(opts.Blocks, opts.SlotSize),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if _, err := w.buf.Write(frame.AppendFileHeader(nil, header)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}

	go w.run(opts.FlushInterval)
	return w, nil
}

// uniqueName picks the first unused file name for base in dir.
func uniqueName(fs fsutil.FileSystem, dir, base string) string {
	name := filepath.Join(dir, base+FileExtension)
	for n := 1; fs.Exists(name); n++ {
		name = filepath.Join(dir, base+"_"+strconv.Itoa(n)+FileExtension)
	}
	return name
}

// Name returns the path of the log file.
func (w *Writer) Name() string { return w.name }

// Log queues one frame for writing. It never blocks, allocates or performs
// I/O, and returns false if the frame was dropped.
func (w *Writer) Log(parts ...[]byte) bool {
	if w.closed.Load() {
		return false
	}
	if !w.ring.Write(parts...) {
		return false
	}
	w.frames.Add(1)
	return true
}

// HasData reports whether any frame has been logged.
func (w *Writer) HasData() bool { return w.frames.Load() > 0 }

// RequestFlush asks the writer goroutine to flush buffered frames to the file.
func (w *Writer) RequestFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

func (w *Writer) run(flushInterval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ring.Wake():
			w.drain()
		case <-w.flushCh:
			w.drain()
			w.flush()
		case <-ticker.C:
			w.drain()
			w.flush()
		case <-w.stopCh:
			w.drain()
			w.flush()
			return
		}
	}
}

func (w *Writer) drain() {
	for w.ring.Read(w.write) {
	}
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	n, err := w.buf.Write(b)
	w.bytes.Add(uint64(n))
	if err != nil {
		w.err = err
		logf("write %s failed: %v", w.name, err)
	}
}

func (w *Writer) flush() {
	if w.err != nil {
		return
	}
	if err := w.buf.Flush(); err != nil {
		w.err = err
		logf("flush %s failed: %v", w.name, err)
	}
}

// Close stops the writer goroutine after writing all queued frames and closes
// the file. With discard set the file is removed. Close is idempotent.
func (w *Writer) Close(discard bool) error {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed.Swap(true) {
		return nil
	}
	close(w.stopCh)
	<-w.done

	err := w.err
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if discard {
		if rerr := w.fs.Remove(w.name); rerr != nil && !os.IsNotExist(rerr) {
			logf("failed to discard %s: %v", w.name, rerr)
		}
		return nil
	}
	return err
}

// Stats is a snapshot of writer counters.
type Stats struct {
	Name    string `json:"name"`
	Frames  uint64 `json:"frames"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Name:    w.name,
		Frames:  w.frames.Load(),
		Bytes:   w.bytes.Load(),
		Dropped: w.ring.Dropped(),
	}
}
