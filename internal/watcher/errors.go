package watcher

import (
	"errors"

	"github.com/banshee-data/rtwatch/internal/watcher/frame"
	"github.com/banshee-data/rtwatch/internal/watcher/pipe"
)

// Errors reported by the manager and the command interpreter. The allocation
// and queue errors are re-exported from the packages that produce them.
var (
	ErrAllocation      = frame.ErrAllocation
	ErrQueueFull       = pipe.ErrQueueFull
	ErrBacklog         = pipe.ErrBacklog
	ErrUnknownVariable = errors.New("watcher: unknown variable")
	ErrStaleHandle     = errors.New("watcher: stale handle")
	ErrSizeMismatch    = errors.New("watcher: argument array size mismatch")
	ErrUnknownCommand  = errors.New("watcher: unknown command")
	ErrNotMaskable     = errors.New("watcher: masked writes need an unsigned integer variable")
	ErrLoggingDisabled = errors.New("watcher: no log filesystem configured")
	ErrAlreadyLogging  = errors.New("watcher: already logging")
	ErrSchedulePending = errors.New("watcher: previous start or stop not reached yet")
)
