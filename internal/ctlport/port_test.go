package ctlport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePort feeds lines written by the test to Serve and exposes the responses.
type pipePort struct {
	in     *io.PipeReader
	feed   *io.PipeWriter
	out    *io.PipeWriter
	drain  *io.PipeReader
	closed bool
}

func newPipePort() *pipePort {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &pipePort{in: inR, feed: inW, out: outW, drain: outR}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *pipePort) Close() error {
	p.closed = true
	p.in.Close()
	return p.out.Close()
}

func TestServeRoundTrip(t *testing.T) {
	pp := newPipePort()
	port := New(pp)

	var got []string
	done := make(chan error, 1)
	go func() {
		done <- port.Serve(context.Background(), func(_ context.Context, line []byte) (any, error) {
			got = append(got, string(line))
			switch string(line) {
			case "fail":
				return nil, errors.New("bad command")
			case "quiet":
				return nil, nil
			}
			return map[string]string{"echo": string(line)}, nil
		})
	}()

	responses := bufio.NewScanner(pp.drain)
	readResponse := func() map[string]string {
		t.Helper()
		require.True(t, responses.Scan())
		var v map[string]string
		require.NoError(t, json.Unmarshal(responses.Bytes(), &v))
		return v
	}

	_, err := io.WriteString(pp.feed, "hello\n\nquiet\nfail\n")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "hello"}, readResponse())
	assert.Equal(t, map[string]string{"error": "bad command"}, readResponse())

	// asynchronous notifications share the line
	go func() { _ = port.SendResponse(map[string]string{"watcher": "x"}) }()
	assert.Equal(t, map[string]string{"watcher": "x"}, readResponse())

	require.NoError(t, pp.feed.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return at EOF")
	}
	assert.Equal(t, []string{"hello", "quiet", "fail"}, got)

	require.NoError(t, port.Close())
	require.NoError(t, port.Close())
	assert.True(t, pp.closed)
}

func TestServeStopsOnCancel(t *testing.T) {
	pp := newPipePort()
	port := New(pp)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- port.Serve(ctx, func(context.Context, []byte) (any, error) { return nil, nil })
	}()
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	port.Close()
}

func TestOpenRejectsBadOptions(t *testing.T) {
	_, err := Open("/dev/does-not-matter", PortOptions{DataBits: 12})
	assert.Error(t, err)
}
