// Package db is the sqlite catalog of log sessions and monitoring samples.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rtwatch/internal/httputil"
)

type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every connection opened by NewDB.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// NewDB opens (or creates) the catalog at path and applies pending migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps pragmas and in-memory databases consistent
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Session is one log stream recorded in the catalog. Timestamps are sample
// counts.
type Session struct {
	ID             string `json:"id"`
	Watcher        string `json:"watcher"`
	LogFile        string `json:"log_file"`
	StartTS        uint64 `json:"start_ts"`
	ScheduledEndTS uint64 `json:"scheduled_end_ts,omitempty"`
	EndTS          uint64 `json:"end_ts,omitempty"`
	Bytes          uint64 `json:"bytes"`
	Open           bool   `json:"open"`
}

// MonitorSample is one recorded monitoring snapshot.
type MonitorSample struct {
	Watcher   string  `json:"watcher"`
	Timestamp uint64  `json:"timestamp"`
	Value     float64 `json:"value"`
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Watcher catalog",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("sessions", "Recent log sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions, err := db.Sessions(r.Context(), r.URL.Query().Get("watcher"))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
			return
		}
		httputil.WriteJSONOK(w, sessions)
	})

	debug.HandleFunc("migrations", "Catalog schema version", func(w http.ResponseWriter, r *http.Request) {
		version, dirty, err := db.MigrateVersion()
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read schema version: %v", err))
			return
		}
		httputil.WriteJSONOK(w, map[string]any{"version": version, "dirty": dirty})
	})
}
