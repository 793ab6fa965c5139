package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/rtwatch/internal/fsutil"
	"github.com/banshee-data/rtwatch/internal/watcher"
	"github.com/banshee-data/rtwatch/internal/watcher/frame"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/rtwatch.defaults.json"

// WatcherConfig is the daemon configuration. Every field is optional; the
// Get* methods supply defaults for omitted fields.
type WatcherConfig struct {
	// Registry
	BufferSize    *int     `json:"buffer_size,omitempty"`
	QueueCapacity *int     `json:"queue_capacity,omitempty"`
	SampleRate    *float64 `json:"sample_rate,omitempty"`
	BlockSize     *int     `json:"block_size,omitempty"`

	// Log files
	LogDir           *string `json:"log_dir,omitempty"`
	LogRingBlocks    *int    `json:"log_ring_blocks,omitempty"`
	LogFlushInterval *string `json:"log_flush_interval,omitempty"` // duration string like "1s"

	// Non-real-time side
	AckTimeout       *string `json:"ack_timeout,omitempty"` // duration string like "100ms"
	SubscriberBuffer *int    `json:"subscriber_buffer,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// EmptyWatcherConfig returns a WatcherConfig with all fields set to nil.
func EmptyWatcherConfig() *WatcherConfig {
	return &WatcherConfig{}
}

// DefaultWatcherConfig returns a config with every field set to its default.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		BufferSize:       ptrInt(frame.DefaultCapacity),
		QueueCapacity:    ptrInt(256),
		SampleRate:       ptrFloat64(48000),
		BlockSize:        ptrInt(256),
		LogDir:           ptrString(""),
		LogRingBlocks:    ptrInt(64),
		LogFlushInterval: ptrString("1s"),
		AckTimeout:       ptrString("100ms"),
		SubscriberBuffer: ptrInt(32),
	}
}

// LoadWatcherConfig loads a WatcherConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func LoadWatcherConfig(path string) (*WatcherConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyWatcherConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *WatcherConfig) Validate() error {
	if c.BufferSize != nil {
		// the widest element type must fit in sample mode
		if _, err := frame.NewLayout(frame.Float64, frame.Sample, *c.BufferSize); err != nil {
			return fmt.Errorf("buffer_size %d is too small: %w", *c.BufferSize, err)
		}
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}
	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %f", *c.SampleRate)
	}
	if c.BlockSize != nil && *c.BlockSize < 1 {
		return fmt.Errorf("block_size must be positive, got %d", *c.BlockSize)
	}
	if c.LogRingBlocks != nil && *c.LogRingBlocks < 1 {
		return fmt.Errorf("log_ring_blocks must be positive, got %d", *c.LogRingBlocks)
	}
	if c.SubscriberBuffer != nil && *c.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber_buffer must be non-negative, got %d", *c.SubscriberBuffer)
	}
	if c.LogFlushInterval != nil && *c.LogFlushInterval != "" {
		if _, err := time.ParseDuration(*c.LogFlushInterval); err != nil {
			return fmt.Errorf("invalid log_flush_interval '%s': %w", *c.LogFlushInterval, err)
		}
	}
	if c.AckTimeout != nil && *c.AckTimeout != "" {
		if _, err := time.ParseDuration(*c.AckTimeout); err != nil {
			return fmt.Errorf("invalid ack_timeout '%s': %w", *c.AckTimeout, err)
		}
	}
	return nil
}

// GetBufferSize returns the buffer_size value or the default.
func (c *WatcherConfig) GetBufferSize() int {
	if c.BufferSize == nil {
		return frame.DefaultCapacity
	}
	return *c.BufferSize
}

// GetQueueCapacity returns the queue_capacity value or the default.
func (c *WatcherConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 256
	}
	return *c.QueueCapacity
}

// GetSampleRate returns the sample_rate value or the default.
func (c *WatcherConfig) GetSampleRate() float64 {
	if c.SampleRate == nil {
		return 48000
	}
	return *c.SampleRate
}

// GetBlockSize returns the block_size value or the default.
func (c *WatcherConfig) GetBlockSize() int {
	if c.BlockSize == nil {
		return 256
	}
	return *c.BlockSize
}

// GetLogDir returns the log_dir value. Empty disables log files.
func (c *WatcherConfig) GetLogDir() string {
	if c.LogDir == nil {
		return ""
	}
	return *c.LogDir
}

// GetLogRingBlocks returns the log_ring_blocks value or the default.
func (c *WatcherConfig) GetLogRingBlocks() int {
	if c.LogRingBlocks == nil {
		return 64
	}
	return *c.LogRingBlocks
}

// GetLogFlushInterval parses and returns the LogFlushInterval.
func (c *WatcherConfig) GetLogFlushInterval() time.Duration {
	return parseDurationOr(c.LogFlushInterval, time.Second)
}

// GetAckTimeout parses and returns the AckTimeout.
func (c *WatcherConfig) GetAckTimeout() time.Duration {
	return parseDurationOr(c.AckTimeout, watcher.DefaultAckTimeout)
}

// GetSubscriberBuffer returns the subscriber_buffer value or the default.
func (c *WatcherConfig) GetSubscriberBuffer() int {
	if c.SubscriberBuffer == nil {
		return 32
	}
	return *c.SubscriberBuffer
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// ManagerOptions builds registry options from the config. Log files are
// written to fs under log_dir; a nil fs or an empty log_dir disables them.
func (c *WatcherConfig) ManagerOptions(fs fsutil.FileSystem, frames watcher.FramePublisher) watcher.Options {
	opts := watcher.DefaultOptions()
	opts.Capacity = c.GetBufferSize()
	opts.QueueCapacity = c.GetQueueCapacity()
	opts.SampleRate = c.GetSampleRate()
	opts.LogOptions.Blocks = c.GetLogRingBlocks()
	opts.LogOptions.SlotSize = frame.MaxFrameSize(opts.Capacity)
	opts.LogOptions.FlushInterval = c.GetLogFlushInterval()
	if dir := c.GetLogDir(); fs != nil && dir != "" {
		opts.FS = fs
		opts.LogDir = dir
	}
	opts.Frames = frames
	return opts
}
