// Package config loads the marccd process configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-marccd/protocol"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Detector  DetectorConfig  `yaml:"detector"`
	Journal   JournalConfig   `yaml:"journal"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// ---- LOG ----

type LogConfig struct {
	Level     string `yaml:"level"`
	AddSource bool   `yaml:"add_source"`
}

// ---- SERVER ----

// ServerConfig locates the detector server. Address is "host:port", or the
// serial device path when Serial is set.
type ServerConfig struct {
	Address          string                  `yaml:"address"`
	Serial           *protocol.SerialOptions `yaml:"serial"`
	TimeoutMs        int                     `yaml:"timeout_ms"`
	ConnectTimeoutMs int                     `yaml:"connect_timeout_ms"`
}

// ---- DETECTOR ----

type DetectorConfig struct {
	PortName       string  `yaml:"port_name"`
	MaxSizeX       int     `yaml:"max_size_x"`
	MaxSizeY       int     `yaml:"max_size_y"`
	MaxBuffers     int     `yaml:"max_buffers"`
	MaxMemoryMB    int     `yaml:"max_memory_mb"`
	PollIntervalMs int     `yaml:"poll_interval_ms"`
	FilePath       string  `yaml:"file_path"`
	FileName       string  `yaml:"file_name"`
	FileTemplate   string  `yaml:"file_template"`
	TiffTimeoutSec float64 `yaml:"tiff_timeout_s"`
}

// ---- JOURNAL ----

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ---- SIMULATOR ----

// SimulatorConfig starts an in-process server emulation on Server.Address.
type SimulatorConfig struct {
	Enabled bool `yaml:"enabled"`
	Width   int  `yaml:"width"`
	Height  int  `yaml:"height"`
}

// Load reads and decodes the YAML file at path. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes a YAML document. An empty document yields a zero Config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	return cfg, nil
}
