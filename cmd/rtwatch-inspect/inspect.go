package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

// logFile is a decoded binary log file.
type logFile struct {
	Header frame.FileHeader
	Frames []frame.Header
	// Timestamps and Values hold one entry per logged sample.
	Timestamps []uint64
	Values     []float64
	// Truncated is set when the file ends part way through a frame.
	Truncated bool
	// MaybePadding counts trailing zero values of short block-mode char frames.
	// Char payloads are rounded up to the 4-byte alignment unit, so these
	// values may be padding rather than samples.
	MaybePadding int
}

// readLog decodes a log file. Sample-mode frames carry a timestamp per value;
// block-mode frames only carry the first, so later values are placed on
// consecutive sample timestamps.
func readLog(r io.Reader) (*logFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	hdr, off, err := frame.ParseFileHeader(data)
	if err != nil {
		return nil, err
	}
	lf := &logFile{Header: hdr}
	var trailing []int
	for off < len(data) {
		f, n, err := frame.Decode(data[off:])
		if err != nil {
			if errors.Is(err, frame.ErrShortFrame) {
				lf.Truncated = true
				break
			}
			return nil, fmt.Errorf("frame %d at offset %d: %w", len(lf.Frames), off, err)
		}
		off += n
		lf.Frames = append(lf.Frames, f.Header)

		values := f.Values()
		rel := f.RelTimestamps()
		trailing = append(trailing, trailingPadding(f.Header, values))
		if len(rel) > 0 && len(rel) < len(values) {
			// trailing char padding
			values = values[:len(rel)]
		}
		for i, v := range values {
			ts := f.Timestamp + uint64(i)
			if len(rel) > 0 {
				ts = f.Timestamp + uint64(rel[i])
			}
			lf.Timestamps = append(lf.Timestamps, ts)
			lf.Values = append(lf.Values, v)
		}
	}

	var maxData uint32
	for _, h := range lf.Frames {
		maxData = max(maxData, h.DataSize)
	}
	for i, h := range lf.Frames {
		if h.DataSize < maxData {
			lf.MaybePadding += trailing[i]
		}
	}
	return lf, nil
}

// trailingPadding returns how many of the final values of a block-mode frame
// could be alignment padding: zeros in the last alignment unit of a payload
// whose elements are smaller than that unit.
func trailingPadding(h frame.Header, values []float64) int {
	size := h.Type.Size()
	if h.TimestampSize > 0 || size == 0 || size >= frame.Alignment {
		return 0
	}
	n := 0
	for i := len(values) - 1; i >= 0 && n < frame.Alignment/size-1 && values[i] == 0; i-- {
		n++
	}
	return n
}

// summary is the descriptive statistics of a log.
type summary struct {
	Samples int
	Frames  int
	First   uint64
	Last    uint64
	Min     float64
	Max     float64
	Mean    float64
	StdDev  float64
	Median  float64
}

func summarize(lf *logFile) summary {
	s := summary{Samples: len(lf.Values), Frames: len(lf.Frames)}
	if s.Samples == 0 {
		return s
	}
	s.First = lf.Timestamps[0]
	s.Last = lf.Timestamps[len(lf.Timestamps)-1]
	s.Min = floats.Min(lf.Values)
	s.Max = floats.Max(lf.Values)
	s.Mean, s.StdDev = stat.MeanStdDev(lf.Values, nil)
	if s.Samples == 1 {
		s.StdDev = 0
	}
	sorted := append([]float64(nil), lf.Values...)
	sort.Float64s(sorted)
	s.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return s
}

func printSummary(w io.Writer, name string, lf *logFile) {
	s := summarize(lf)
	fmt.Fprintf(w, "%s: watcher=%q type=%s pid=%d instance=%s\n",
		name, lf.Header.Name, lf.Header.Type, lf.Header.PID, lf.Header.Instance)
	fmt.Fprintf(w, "  frames=%d samples=%d timestamps=[%d, %d]\n", s.Frames, s.Samples, s.First, s.Last)
	if s.Samples > 0 {
		fmt.Fprintf(w, "  min=%g max=%g mean=%g stddev=%g median=%g\n", s.Min, s.Max, s.Mean, s.StdDev, s.Median)
	}
	if lf.Truncated {
		fmt.Fprintln(w, "  (last frame truncated)")
	}
	if lf.MaybePadding > 0 {
		fmt.Fprintf(w, "  (%d trailing zero values of short frames may be alignment padding)\n", lf.MaybePadding)
	}
}

func printFrames(w io.Writer, lf *logFile) {
	for i, h := range lf.Frames {
		fmt.Fprintf(w, "  #%d ts=%d var=%d type=%s data=%d rel=%d\n",
			i, h.Timestamp, h.VarID, h.Type, h.DataSize, h.TimestampSize)
	}
}

// savePNG plots the samples against their timestamps.
func savePNG(lf *logFile, path string) error {
	p := plot.New()
	p.Title.Text = lf.Header.Name
	p.X.Label.Text = "timestamp"
	p.Y.Label.Text = "value"

	pts := make(plotter.XYs, len(lf.Values))
	for i := range lf.Values {
		pts[i] = plotter.XY{X: float64(lf.Timestamps[i]), Y: lf.Values[i]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Add(plotter.NewGrid())

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// renderHTML writes an interactive line chart of the samples.
func renderHTML(lf *logFile, w io.Writer) error {
	x := make([]string, len(lf.Values))
	y := make([]opts.LineData, len(lf.Values))
	for i := range lf.Values {
		x[i] = strconv.FormatUint(lf.Timestamps[i], 10)
		y[i] = opts.LineData{Value: lf.Values[i]}
	}
	s := summarize(lf)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Watcher log", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    lf.Header.Name,
			Subtitle: fmt.Sprintf("frames=%d samples=%d mean=%.4g stddev=%.4g", s.Frames, s.Samples, s.Mean, s.StdDev),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).AddSeries(lf.Header.Name, y)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
