// Package ctlport carries the watcher command protocol over a serial line.
// Every inbound line is one JSON command envelope; every outbound line is one
// JSON response, either a reply to a command or an asynchronous notification
// such as a monitoring snapshot.
package ctlport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/rtwatch/internal/monitoring"
)

var logf = monitoring.Component("CtlPort")

// maxLine bounds a single command envelope.
const maxLine = 1 << 20

// ReadWriteCloser is the minimal interface needed for a serial port. It
// allows tests to run without hardware.
type ReadWriteCloser interface {
	io.ReadWriter
	io.Closer
}

// Handler executes one decoded line and returns the value to send back. A nil
// value sends nothing.
type Handler func(ctx context.Context, line []byte) (any, error)

// Port serves the command protocol on a serial line.
type Port struct {
	port ReadWriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	closeOnce sync.Once
	closeErr  error
}

// New wraps an already open port.
func New(port ReadWriteCloser) *Port {
	return &Port{port: port, enc: json.NewEncoder(port)}
}

// Open opens the serial device at path.
func Open(path string, opts PortOptions) (*Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	sp, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return New(sp), nil
}

// errorResponse is sent when a line cannot be handled.
type errorResponse struct {
	Error string `json:"error"`
}

// Serve reads lines until ctx is cancelled or the port reaches EOF, passing
// each to handle and writing its result back.
func (p *Port) Serve(ctx context.Context, handle Handler) error {
	scan := bufio.NewScanner(p.port)
	scan.Buffer(make([]byte, 0, 4096), maxLine)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs on its own goroutine so the loop below can
	// watch for cancellation
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			resp, err := handle(ctx, line)
			if err != nil {
				logf("command failed: %v", err)
				resp = errorResponse{Error: err.Error()}
			}
			if resp == nil {
				continue
			}
			if err := p.SendResponse(resp); err != nil {
				return err
			}
		}
	}
}

// SendResponse writes v as one JSON line. It is safe for concurrent use.
func (p *Port) SendResponse(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// Close closes the underlying port. It is idempotent.
func (p *Port) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.port.Close() })
	return p.closeErr
}
