package main

import (
	"context"
	"log"
	"time"

	"github.com/banshee-data/rtwatch/internal/db"
	"github.com/banshee-data/rtwatch/internal/watcher"
)

// sampleStore is where monitoring snapshots are kept for charting.
type sampleStore interface {
	RecordMonitorSample(ctx context.Context, s db.MonitorSample) error
}

// monitorRecorder stores MonitorValue responses and logs log-stream
// notifications. Other responses are ignored.
type monitorRecorder struct {
	store   sampleStore
	timeout time.Duration
}

func (r monitorRecorder) SendResponse(v any) error {
	switch resp := v.(type) {
	case watcher.MonitorValue:
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		return r.store.RecordMonitorSample(ctx, db.MonitorSample{
			Watcher:   resp.Watcher,
			Timestamp: resp.Timestamp,
			Value:     resp.Value,
		})
	case watcher.LogStarted:
		log.Printf("logging %s to %s from %d", resp.Watcher, resp.LogFileName, resp.Timestamp)
	case watcher.LogStopped:
		log.Printf("stopped logging %s at %d (%d bytes)", resp.Watcher, resp.Timestamp, resp.Bytes)
	}
	return nil
}
