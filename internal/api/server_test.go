package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rtwatch/internal/db"
	"github.com/banshee-data/rtwatch/internal/testutil"
	"github.com/banshee-data/rtwatch/internal/watcher"
	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

func setupServer(t *testing.T) (*Server, *watcher.Manager, *db.DB) {
	t.Helper()
	m := watcher.NewManager(watcher.DefaultOptions())
	t.Cleanup(func() { m.Close() })

	catalog, err := db.NewDB(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	return NewServer(m, catalog), m, catalog
}

func TestCommandHandler(t *testing.T) {
	s, m, _ := setupServer(t)
	mux := s.ServeMux()

	gain, err := watcher.NewVariable[float32](m, "gain", frame.Block)
	require.NoError(t, err)

	rec := testutil.PostJSON(mux, "/command", `{"watcher":[
		{"cmd":"control","watchers":["gain"]},
		{"cmd":"set","watchers":["gain"],"values":[0.5]},
		{"cmd":"watch","watchers":["nope"]},
		{"cmd":"list"}
	]}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	reply := testutil.DecodeJSON[struct {
		Responses []watcher.ListResponse `json:"responses"`
		Errors    []string               `json:"errors"`
	}](t, rec)
	require.Len(t, reply.Responses, 1)
	require.Len(t, reply.Responses[0].Watchers, 1)
	info := reply.Responses[0].Watchers[0]
	assert.Equal(t, "gain", info.Name)
	assert.True(t, info.Controlled)
	assert.Equal(t, 0.5, info.ValueInput)
	require.Len(t, reply.Errors, 1)
	assert.Contains(t, reply.Errors[0], "nope")

	// control means reads see the remote value
	assert.Equal(t, float32(0.5), gain.Get())
}

func TestCommandHandlerErrors(t *testing.T) {
	s, _, _ := setupServer(t)
	mux := s.ServeMux()

	rec := testutil.PostJSON(mux, "/command", `{"watcher":`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Serve(mux, testutil.LocalHostRequest(http.MethodGet, "/command", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)

	big := `{"watcher":[],"pad":"` + strings.Repeat("x", maxCommandBody) + `"}`
	rec = testutil.PostJSON(mux, "/command", big)
	testutil.AssertStatusCode(t, rec.Code, http.StatusRequestEntityTooLarge)
}

func TestListWatchers(t *testing.T) {
	s, m, _ := setupServer(t)
	_, err := watcher.NewVariable[uint32](m, "flags", frame.Sample)
	require.NoError(t, err)

	rec := testutil.Serve(s.ServeMux(), testutil.LocalHostRequest(http.MethodGet, "/watchers", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	list := testutil.DecodeJSON[watcher.ListResponse](t, rec)
	require.Len(t, list.Watchers, 1)
	assert.Equal(t, "j", list.Watchers[0].Type)
	assert.Equal(t, uint32(0xFFFFFFFF), list.Watchers[0].Mask)
	assert.Equal(t, float64(48000), list.SampleRate)
}

func TestSessions(t *testing.T) {
	s, _, catalog := setupServer(t)
	ctx := context.Background()
	_, err := catalog.StartSession(ctx, "gain", "/logs/gain.bin", 10, 0)
	require.NoError(t, err)
	_, err = catalog.StartSession(ctx, "depth", "/logs/depth.bin", 20, 40)
	require.NoError(t, err)

	rec := testutil.Serve(s.ServeMux(), testutil.LocalHostRequest(http.MethodGet, "/sessions?watcher=depth", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	sessions := testutil.DecodeJSON[[]db.Session](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(40), sessions[0].ScheduledEndTS)
}

func TestChart(t *testing.T) {
	s, _, catalog := setupServer(t)
	mux := s.ServeMux()

	rec := testutil.Serve(mux, testutil.LocalHostRequest(http.MethodGet, "/chart", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Serve(mux, testutil.LocalHostRequest(http.MethodGet, "/chart?watcher=level", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	for ts := uint64(0); ts < 4; ts++ {
		require.NoError(t, catalog.RecordMonitorSample(context.Background(),
			db.MonitorSample{Watcher: "level", Timestamp: ts * 100, Value: float64(ts)}))
	}

	rec = testutil.Serve(mux, testutil.LocalHostRequest(http.MethodGet, "/chart?watcher=level&limit=x", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Serve(mux, testutil.LocalHostRequest(http.MethodGet, "/chart?watcher=level", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "echarts")
	assert.Contains(t, rec.Body.String(), "level")
}

func TestNoCatalog(t *testing.T) {
	m := watcher.NewManager(watcher.DefaultOptions())
	defer m.Close()
	mux := NewServer(m, nil).ServeMux()

	for _, path := range []string{"/sessions", "/chart?watcher=x"} {
		rec := testutil.Serve(mux, testutil.LocalHostRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := testutil.Serve(h, testutil.LocalHostRequest(http.MethodGet, "/x", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusTeapot)
	assert.Contains(t, statusCodeColor(200), "200")
}
