// Package config loads the broker server's tunable defaults from a YAML
// file, the way yanet-platform/yanet2's coordinator/cfg.go loads its
// configuration: a DefaultConfig, overlaid by the YAML file's contents.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the broker server's tunable parameters. Every field has a
// conformance default from spec.md §6; RingCapacity must stay a power of
// two for the ring package to accept it.
type Config struct {
	// Port is the TCP port the server binds on 0.0.0.0.
	Port int `yaml:"port"`

	// RingCapacity is the ring buffer's size in bytes. Must be a power of
	// two. The maximum single payload is RingCapacity/4.
	RingCapacity uint64 `yaml:"ring_capacity"`

	// BatchSize is the number of TryRead iterations the consumer attempts
	// before toggling its scratch buffer. Clients choose their own batch
	// size (client.WithBatchSize); this field does not reach them.
	BatchSize int `yaml:"batch_size"`

	// BufferChunk is the per-message scratch allocation unit, in bytes,
	// used to size the consumer's double-buffered scratch space
	// (BufferChunk * BatchSize per buffer).
	BufferChunk int `yaml:"buffer_chunk"`

	// FreshnessWindow is the maximum age a message may have, measured
	// between its embedded timestamp and the receiver's wall clock. It is
	// loaded and kept on the config only: the consumer's freshness check
	// always uses message.FreshnessWindow (1s), whatever this field says.
	FreshnessWindow time.Duration `yaml:"freshness_window"`
}

// Default returns the conformance defaults from spec.md §6: 256 MiB ring,
// batch size 1024, 128 KiB buffer chunk, 1s freshness window.
func Default() Config {
	return Config{
		Port:            7878,
		RingCapacity:    256 << 20,
		BatchSize:       1024,
		BufferChunk:     128 << 10,
		FreshnessWindow: time.Second,
	}
}

// Load reads a YAML file at path and unmarshals it over Default(), so a
// config file only needs to specify the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports whether cfg's fields satisfy the Ring and framing
// invariants: RingCapacity must be a nonzero power of two, BatchSize and
// BufferChunk must be positive.
func (cfg Config) Validate() error {
	if cfg.RingCapacity == 0 || cfg.RingCapacity&(cfg.RingCapacity-1) != 0 {
		return fmt.Errorf("config: ring_capacity %d must be a power of two", cfg.RingCapacity)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.BufferChunk <= 0 {
		return fmt.Errorf("config: buffer_chunk must be positive, got %d", cfg.BufferChunk)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", cfg.Port)
	}
	return nil
}

// MaxPayload returns the largest single payload the configured ring will
// accept: RingCapacity/4.
func (cfg Config) MaxPayload() uint64 {
	return cfg.RingCapacity / 4
}
