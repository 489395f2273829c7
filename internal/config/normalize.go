package config

import (
	"github.com/arloliu/go-marccd/detector"
	"github.com/arloliu/go-marccd/protocol"
)

// DefaultJournalPath is the journal database used when none is configured.
const DefaultJournalPath = "marccd.db"

// Normalize applies defaults for unset values.
// It must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Server.TimeoutMs == 0 {
		cfg.Server.TimeoutMs = int(protocol.DefaultTimeout.Milliseconds())
	}
	if cfg.Server.ConnectTimeoutMs == 0 {
		cfg.Server.ConnectTimeoutMs = int(protocol.DefaultConnectTimeout.Milliseconds())
	}

	d := &cfg.Detector
	if d.PortName == "" {
		d.PortName = detector.DefaultPortName
	}
	if d.MaxSizeX == 0 {
		d.MaxSizeX, d.MaxSizeY = detector.DefaultMaxSize, detector.DefaultMaxSize
	}
	if d.MaxBuffers == 0 {
		d.MaxBuffers = detector.DefaultMaxBuffers
	}
	if d.PollIntervalMs == 0 {
		d.PollIntervalMs = int(detector.DefaultPollInterval.Milliseconds())
	}
	if d.FileTemplate == "" {
		d.FileTemplate = detector.DefaultFileTemplate
	}
	if d.TiffTimeoutSec == 0 {
		d.TiffTimeoutSec = detector.DefaultTiffTimeout
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath
	}
}
