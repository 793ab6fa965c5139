package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalog(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestPragmasApplied(t *testing.T) {
	db := newCatalog(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestMigrationsApplied(t *testing.T) {
	db := newCatalog(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// reopening is a no-op
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestSessionLifecycle(t *testing.T) {
	db := newCatalog(t)
	ctx := context.Background()

	id1, err := db.StartSession(ctx, "gain", "/logs/gain.bin", 100, 150)
	require.NoError(t, err)
	id2, err := db.StartSession(ctx, "depth", "/logs/depth.bin", 200, 0)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	require.NoError(t, db.EndSession(ctx, id1, 150, 4096))

	all, err := db.Sessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, Session{
		ID: id1, Watcher: "gain", LogFile: "/logs/gain.bin",
		StartTS: 100, ScheduledEndTS: 150, EndTS: 150, Bytes: 4096,
	}, all[0])
	assert.True(t, all[1].Open)
	assert.Zero(t, all[1].ScheduledEndTS)

	gain, err := db.Sessions(ctx, "gain")
	require.NoError(t, err)
	require.Len(t, gain, 1)

	none, err := db.Sessions(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	err = db.EndSession(ctx, "no-such-session", 1, 1)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestMonitorSamples(t *testing.T) {
	db := newCatalog(t)
	ctx := context.Background()
	for ts := uint64(0); ts < 5; ts++ {
		require.NoError(t, db.RecordMonitorSample(ctx, MonitorSample{Watcher: "lvl", Timestamp: ts * 10, Value: float64(ts)}))
	}
	require.NoError(t, db.RecordMonitorSample(ctx, MonitorSample{Watcher: "other", Timestamp: 1, Value: 9}))

	got, err := db.MonitorSamples(ctx, "lvl", 3)
	require.NoError(t, err)
	assert.Equal(t, []MonitorSample{
		{Watcher: "lvl", Timestamp: 20, Value: 2},
		{Watcher: "lvl", Timestamp: 30, Value: 3},
		{Watcher: "lvl", Timestamp: 40, Value: 4},
	}, got)
}

func TestAdminRoutes(t *testing.T) {
	db := newCatalog(t)
	_, err := db.StartSession(context.Background(), "gain", "/logs/gain.bin", 1, 0)
	require.NoError(t, err)

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/sessions?watcher=gain"))
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "gain", sessions[0].Watcher)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/migrations"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":2,"dirty":false}`, rec.Body.String())
}
