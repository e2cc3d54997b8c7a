package consumer

import (
	"time"

	"github.com/yairfalse/khires/pkg/aggregate"
)

// Config holds consumer loop configuration.
type Config struct {
	Name string `json:"name" yaml:"name"`
	// PollInterval is slept when the ring is empty. Zero means busy-poll:
	// the loop burns a core in exchange for minimum latency.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// DropCheckInterval is how often the producer drop counter is compared
	// against the last reported baseline. Zero checks only at shutdown.
	DropCheckInterval time.Duration `json:"drop_check_interval" yaml:"drop_check_interval"`
	// SampleCap bounds samples accumulated per event id.
	SampleCap uint64 `json:"sample_cap" yaml:"sample_cap"`
}

// NewDefaultConfig returns default configuration.
func NewDefaultConfig(name string) *Config {
	return &Config{
		Name:              name,
		PollInterval:      10 * time.Millisecond,
		DropCheckInterval: time.Second,
		SampleCap:         aggregate.DefaultSampleCap,
	}
}
