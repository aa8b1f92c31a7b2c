package config

import (
	"fmt"

	"github.com/marmos91/pagefs/internal/bytesize"
	"github.com/marmos91/pagefs/pkg/pager"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
		},
		Profiling: ProfilingConfig{
			Enabled:      false,
			Endpoint:     "http://localhost:4040",
			ProfileTypes: []string{"cpu", "inuse_space", "mutex_duration"},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "localhost:9464",
		},
		Pager: PagerConfig{
			ZeroBufferSize: bytesize.ByteSize(pager.DefaultZeroBufferSize),
		},
		Bench: BenchConfig{
			Files:      16,
			ObjectSize: 64 * bytesize.KiB,
			FaultSize:  4 * bytesize.KiB,
			Faults:     10000,
			Workers:    4,
		},
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func ApplyDefaults(cfg *Config) {
	def := Default()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = def.Profiling.Endpoint
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = def.Profiling.ProfileTypes
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = def.Metrics.Listen
	}
	if cfg.Pager.ZeroBufferSize == 0 {
		cfg.Pager.ZeroBufferSize = def.Pager.ZeroBufferSize
	}
	if cfg.Bench.Files == 0 {
		cfg.Bench.Files = def.Bench.Files
	}
	if cfg.Bench.ObjectSize == 0 {
		cfg.Bench.ObjectSize = def.Bench.ObjectSize
	}
	if cfg.Bench.FaultSize == 0 {
		cfg.Bench.FaultSize = def.Bench.FaultSize
	}
	if cfg.Bench.Faults == 0 {
		cfg.Bench.Faults = def.Bench.Faults
	}
	if cfg.Bench.Workers == 0 {
		cfg.Bench.Workers = def.Bench.Workers
	}
}

// Validate checks configuration consistency.
func Validate(cfg *Config) error {
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q (want text or json)", cfg.Logging.Format)
	}

	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample_rate %f out of range [0, 1]", cfg.Telemetry.SampleRate)
	}

	if cfg.Pager.ZeroBufferSize.Uint64()%4096 != 0 {
		return fmt.Errorf("pager zero_buffer_size %s must be page-aligned", cfg.Pager.ZeroBufferSize)
	}

	if cfg.Bench.FaultSize > cfg.Bench.ObjectSize {
		return fmt.Errorf("bench fault_size %s exceeds object_size %s",
			cfg.Bench.FaultSize, cfg.Bench.ObjectSize)
	}

	return nil
}
