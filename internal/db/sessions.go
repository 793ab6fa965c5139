package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// StartSession records the start of a log stream and returns its id. end is
// the scheduled end timestamp, 0 for open-ended streams.
func (db *DB) StartSession(ctx context.Context, watcher, file string, start, end uint64) (string, error) {
	id := uuid.NewString()
	var scheduledEnd sql.NullInt64
	if end != 0 {
		scheduledEnd = sql.NullInt64{Int64: int64(end), Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO log_sessions (session_id, watcher, log_file, start_ts, scheduled_end_ts)
		 VALUES (?, ?, ?, ?, ?)`,
		id, watcher, file, int64(start), scheduledEnd,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session for %s: %w", watcher, err)
	}
	return id, nil
}

// EndSession closes a session with the final timestamp and byte count.
func (db *DB) EndSession(ctx context.Context, id string, end, bytes uint64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE log_sessions SET end_ts = ?, bytes = ?, ended_at = CURRENT_TIMESTAMP
		 WHERE session_id = ?`,
		int64(end), int64(bytes), id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Sessions lists sessions for watcher, or for every watcher if it is empty,
// oldest first.
func (db *DB) Sessions(ctx context.Context, watcher string) ([]Session, error) {
	query := `SELECT session_id, watcher, log_file, start_ts, scheduled_end_ts, end_ts, bytes
		FROM log_sessions`
	var args []any
	if watcher != "" {
		query += ` WHERE watcher = ?`
		args = append(args, watcher)
	}
	query += ` ORDER BY start_ts, started_at`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var s Session
		var start, bytes int64
		var scheduledEnd, end sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Watcher, &s.LogFile, &start, &scheduledEnd, &end, &bytes); err != nil {
			return nil, err
		}
		s.StartTS = uint64(start)
		s.Bytes = uint64(bytes)
		if scheduledEnd.Valid {
			s.ScheduledEndTS = uint64(scheduledEnd.Int64)
		}
		if end.Valid {
			s.EndTS = uint64(end.Int64)
		} else {
			s.Open = true
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// RecordMonitorSample stores one monitoring snapshot.
func (db *DB) RecordMonitorSample(ctx context.Context, s MonitorSample) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO monitor_samples (watcher, ts, value) VALUES (?, ?, ?)`,
		s.Watcher, int64(s.Timestamp), s.Value,
	)
	return err
}

// MonitorSamples returns up to limit of the most recent samples of watcher,
// oldest first.
func (db *DB) MonitorSamples(ctx context.Context, watcher string, limit int) ([]MonitorSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.QueryContext(ctx,
		`SELECT ts, value FROM (
			SELECT ts, value FROM monitor_samples WHERE watcher = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts`,
		watcher, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []MonitorSample{}
	for rows.Next() {
		var ts int64
		s := MonitorSample{Watcher: watcher}
		if err := rows.Scan(&ts, &s.Value); err != nil {
			return nil, err
		}
		s.Timestamp = uint64(ts)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
