package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

func encodeFrame(t *testing.T, ts uint64, tag frame.TypeTag, values []float64, rel []uint32) []byte {
	t.Helper()
	data := make([]byte, len(values)*tag.Size())
	for i, v := range values {
		frame.PutValue(data[i*tag.Size():], tag, v)
	}
	var relBytes []byte
	for _, r := range rel {
		relBytes = binary.LittleEndian.AppendUint32(relBytes, r)
	}
	out := make([]byte, frame.HeaderSize+frame.AlignUp(len(data))+frame.AlignUp(len(relBytes)))
	n := frame.Encode(out, ts, 7, tag, data, relBytes)
	return out[:n]
}

func buildLog(t *testing.T, tag frame.TypeTag, frames ...[]byte) []byte {
	t.Helper()
	b := frame.AppendFileHeader(nil, frame.FileHeader{
		Name:     "osc/phase",
		Type:     tag,
		PID:      42,
		Instance: uuid.New(),
	})
	for _, f := range frames {
		b = append(b, f...)
	}
	return b
}

func TestReadLogSampleMode(t *testing.T) {
	raw := buildLog(t, frame.Float64,
		encodeFrame(t, 100, frame.Float64, []float64{1, 2, 3}, []uint32{0, 2, 5}),
		encodeFrame(t, 110, frame.Float64, []float64{4}, []uint32{0}),
	)
	lf, err := readLog(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("readLog: %v", err)
	}
	if lf.Header.Name != "osc/phase" || lf.Header.PID != 42 {
		t.Errorf("header = %+v", lf.Header)
	}
	if diff := cmp.Diff([]uint64{100, 102, 105, 110}, lf.Timestamps); diff != "" {
		t.Errorf("timestamps (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4}, lf.Values); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
	if lf.Truncated {
		t.Error("unexpected truncation")
	}
}

func TestReadLogBlockModeAndTruncation(t *testing.T) {
	full := encodeFrame(t, 50, frame.Int32, []float64{-1, 0, 1}, nil)
	raw := buildLog(t, frame.Int32, full, full[:10])

	lf, err := readLog(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("readLog: %v", err)
	}
	if diff := cmp.Diff([]uint64{50, 51, 52}, lf.Timestamps); diff != "" {
		t.Errorf("timestamps (-want +got):\n%s", diff)
	}
	if !lf.Truncated {
		t.Error("expected truncation to be reported")
	}
	if len(lf.Frames) != 1 {
		t.Errorf("frames = %d, want 1", len(lf.Frames))
	}
}

func TestReadLogFlagsCharPadding(t *testing.T) {
	raw := buildLog(t, frame.Char,
		encodeFrame(t, 0, frame.Char, []float64{1, 2, 3, 4, 5, 6, 7, 8}, nil),
		encodeFrame(t, 8, frame.Char, []float64{-3, 9}, nil),
	)
	lf, err := readLog(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("readLog: %v", err)
	}
	// the two-value frame is padded to a whole alignment unit
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6, 7, 8, -3, 9, 0, 0}, lf.Values); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
	if lf.MaybePadding != 2 {
		t.Errorf("MaybePadding = %d, want 2", lf.MaybePadding)
	}

	var text bytes.Buffer
	printSummary(&text, "clip.bin", lf)
	if !strings.Contains(text.String(), "2 trailing zero values") {
		t.Errorf("summary does not mention padding:\n%s", text.String())
	}

	full := buildLog(t, frame.Char, encodeFrame(t, 0, frame.Char, []float64{1, 0, 0, 0}, nil))
	lf, err = readLog(bytes.NewReader(full))
	if err != nil {
		t.Fatal(err)
	}
	if lf.MaybePadding != 0 {
		t.Errorf("MaybePadding = %d for a single full frame, want 0", lf.MaybePadding)
	}
}

func TestReadLogRejectsBadHeader(t *testing.T) {
	if _, err := readLog(strings.NewReader("not a log file")); err == nil {
		t.Fatal("expected error")
	}
}

func TestSummarize(t *testing.T) {
	lf := &logFile{
		Frames:     make([]frame.Header, 2),
		Timestamps: []uint64{10, 11, 12, 13},
		Values:     []float64{4, 1, 3, 2},
	}
	got := summarize(lf)
	want := summary{
		Samples: 4, Frames: 2, First: 10, Last: 13,
		Min: 1, Max: 4, Mean: 2.5, StdDev: got.StdDev, Median: 2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary (-want +got):\n%s", diff)
	}
	if got.StdDev < 1.29 || got.StdDev > 1.30 {
		t.Errorf("StdDev = %v, want ~1.291", got.StdDev)
	}

	one := summarize(&logFile{Timestamps: []uint64{1}, Values: []float64{5}})
	if one.StdDev != 0 || one.Median != 5 {
		t.Errorf("single-sample summary = %+v", one)
	}
}

func TestOutputs(t *testing.T) {
	raw := buildLog(t, frame.Float32,
		encodeFrame(t, 0, frame.Float32, []float64{0, 0.5, 1, 0.5}, nil),
	)
	lf, err := readLog(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	var text bytes.Buffer
	printSummary(&text, "phase.bin", lf)
	printFrames(&text, lf)
	for _, want := range []string{`watcher="osc/phase"`, "samples=4", "#0 ts=0 var=7"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("output missing %q:\n%s", want, text.String())
		}
	}

	var html bytes.Buffer
	if err := renderHTML(lf, &html); err != nil {
		t.Fatalf("renderHTML: %v", err)
	}
	if !strings.Contains(html.String(), "echarts") {
		t.Error("HTML output does not load echarts")
	}

	png := filepath.Join(t.TempDir(), "phase.png")
	if err := savePNG(lf, png); err != nil {
		t.Fatalf("savePNG: %v", err)
	}
	if info, err := os.Stat(png); err != nil || info.Size() == 0 {
		t.Errorf("PNG not written: %v", err)
	}
}
