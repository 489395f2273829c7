package config

import (
	"fmt"

	"github.com/arloliu/go-marccd/logger"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.Serial != nil && cfg.Simulator.Enabled {
		return fmt.Errorf("simulator cannot serve a serial server address")
	}
	if cfg.Server.Serial != nil {
		if _, err := cfg.Server.Serial.Normalize(); err != nil {
			return fmt.Errorf("server.serial: %w", err)
		}
	}
	if cfg.Server.TimeoutMs < 0 || cfg.Server.ConnectTimeoutMs < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}

	d := cfg.Detector
	if d.MaxSizeX < 0 || d.MaxSizeY < 0 {
		return fmt.Errorf("detector: max size must not be negative")
	}
	if (d.MaxSizeX == 0) != (d.MaxSizeY == 0) {
		return fmt.Errorf("detector: max_size_x and max_size_y must be set together")
	}
	if d.MaxBuffers < 0 || d.MaxMemoryMB < 0 {
		return fmt.Errorf("detector: pool limits must not be negative")
	}
	if d.PollIntervalMs < 0 {
		return fmt.Errorf("detector: poll_interval_ms must not be negative")
	}
	if d.TiffTimeoutSec < 0 {
		return fmt.Errorf("detector: tiff_timeout_s must not be negative")
	}

	if cfg.Simulator.Width < 0 || cfg.Simulator.Height < 0 {
		return fmt.Errorf("simulator: size must not be negative")
	}

	return nil
}
