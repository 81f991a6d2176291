package sim

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config carries the recognised configuration knobs for one run. All
// partitions of a run share one Config.
type Config struct {
	// Partitions is the number of simulation workers the model is split
	// across. Must be >= 1.
	Partitions int `yaml:"partition_count"`

	// SyncPeriod is the barrier period in cycles. Required when
	// Partitions > 1; it must not exceed the minimum cross-partition
	// link latency, which is checked once the model is wired.
	SyncPeriod SimTime `yaml:"sync_period"`

	// StopAt schedules a stop action at the given cycle. 0 runs until
	// the vortex drains.
	StopAt SimTime `yaml:"stop_at"`

	// VortexCapacity bounds the time vortex. 0 means unbounded;
	// overflow of a bounded vortex is fatal.
	VortexCapacity int `yaml:"vortex_capacity"`

	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string `yaml:"log_level"`

	// TelemetryDB is the path of the SQLite telemetry sink. Empty
	// disables telemetry.
	TelemetryDB string `yaml:"telemetry_db"`
}

// DefaultConfig returns the single-partition defaults.
func DefaultConfig() Config {
	return Config{
		Partitions: 1,
		LogLevel:   "info",
	}
}

// LoadConfig reads a YAML config file. Unknown keys are rejected so typos
// surface at startup instead of silently running defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return cfg, nil
}

// Validate checks the knobs that do not depend on the wired model. The
// sync-period-vs-latency bound is enforced in Simulation.Init, once the
// minimum cross-partition latency is known.
func (c Config) Validate() error {
	if c.Partitions < 1 {
		return fmt.Errorf("%w: partition_count %d, need >= 1", ErrConfig, c.Partitions)
	}
	if c.Partitions > 1 && c.SyncPeriod == 0 {
		return fmt.Errorf("%w: sync_period required for %d partitions", ErrConfig, c.Partitions)
	}
	if c.VortexCapacity < 0 {
		return fmt.Errorf("%w: vortex_capacity %d, need >= 0", ErrConfig, c.VortexCapacity)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: log_level %q", ErrConfig, c.LogLevel)
		}
	}
	return nil
}
