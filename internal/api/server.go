// Package api is the HTTP control surface of the watcher daemon.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/rtwatch/internal/db"
	"github.com/banshee-data/rtwatch/internal/httputil"
	"github.com/banshee-data/rtwatch/internal/watcher"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxCommandBody bounds a POSTed command envelope.
const maxCommandBody = 1 << 20

// Catalog is the read side of the session catalog.
type Catalog interface {
	Sessions(ctx context.Context, watcher string) ([]db.Session, error)
	MonitorSamples(ctx context.Context, watcher string, limit int) ([]db.MonitorSample, error)
}

type Server struct {
	m       *watcher.Manager
	in      *watcher.Interpreter
	catalog Catalog
}

// NewServer serves m. catalog may be nil, which disables /sessions and
// /chart.
func NewServer(m *watcher.Manager, catalog Catalog) *Server {
	return &Server{
		m:       m,
		in:      watcher.NewInterpreter(m),
		catalog: catalog,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.sendCommandHandler)
	mux.HandleFunc("/watchers", s.listWatchers)
	mux.HandleFunc("/sessions", s.listSessions)
	mux.HandleFunc("/chart", s.monitorChart)
	return mux
}

// sendCommandHandler executes a command envelope. Per-command failures are
// reported in the reply with status 200; only an unreadable envelope is a
// client error.
func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}
	if len(body) > maxCommandBody {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, "command envelope too large")
		return
	}
	reply, err := s.in.HandleJSON(body)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSONOK(w, reply)
}

func (s *Server) listWatchers(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.m.List())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	if s.catalog == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no session catalog")
		return
	}
	sessions, err := s.catalog.Sessions(r.Context(), r.URL.Query().Get("watcher"))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

// monitorChart renders the recorded monitoring history of one watcher as an
// HTML line chart.
// Query params:
//   - watcher (required)
//   - limit (optional; default 1000) most recent samples to plot
func (s *Server) monitorChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	if s.catalog == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no session catalog")
		return
	}
	name := r.URL.Query().Get("watcher")
	if name == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'watcher' parameter")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 1000, 100000)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := s.catalog.MonitorSamples(r.Context(), name, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read samples: %v", err))
		return
	}
	if len(samples) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no monitor samples for watcher")
		return
	}

	x := make([]string, len(samples))
	y := make([]opts.LineData, len(samples))
	for i, smp := range samples {
		x[i] = strconv.FormatUint(smp.Timestamp, 10)
		y[i] = opts.LineData{Value: smp.Value}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Watcher monitor", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: name, Subtitle: fmt.Sprintf("%d samples", len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "timestamp", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).AddSeries(name, y)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
