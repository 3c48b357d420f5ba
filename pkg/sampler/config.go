package sampler

import (
	"errors"
	"fmt"
	"time"
)

// Default detection parameters.
const (
	DefaultDetectionInterval = time.Second
	DefaultResumeInterval    = 5 * time.Second
	DefaultDetectionCount    = 3
	DefaultPollInterval      = 100 * time.Millisecond
)

var ErrInvalidConfig = errors.New("sampler: invalid configuration")

// Status is the connectivity status of a device.
type Status int

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// Mode selects how a sampler is scheduled.
type Mode int

const (
	// ModeMulti gives each sampler its own goroutine and ticker.
	ModeMulti Mode = iota
	// ModeSingle registers the sampler with a shared Poller.
	ModeSingle
)

func (m Mode) String() string {
	if m == ModeSingle {
		return "single"
	}
	return "multi"
}

// ParseMode parses "multi" or "single".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "multi", "":
		return ModeMulti, nil
	case "single":
		return ModeSingle, nil
	default:
		return ModeMulti, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
	}
}

// Config holds the detection parameters of one sampler.
type Config struct {
	DetectionInterval time.Duration
	ResumeInterval    time.Duration
	// DetectionCount is the number of consecutive transport failures that
	// take a device offline.
	DetectionCount int
	Mode           Mode
}

// DefaultConfig returns the default detection parameters.
func DefaultConfig() Config {
	return Config{
		DetectionInterval: DefaultDetectionInterval,
		ResumeInterval:    DefaultResumeInterval,
		DetectionCount:    DefaultDetectionCount,
		Mode:              ModeMulti,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.DetectionInterval <= 0 {
		return fmt.Errorf("%w: detection interval must be positive", ErrInvalidConfig)
	}
	if c.ResumeInterval < 0 {
		return fmt.Errorf("%w: resume interval must not be negative", ErrInvalidConfig)
	}
	if c.DetectionCount < 1 {
		return fmt.Errorf("%w: detection count must be at least 1", ErrInvalidConfig)
	}
	return nil
}
