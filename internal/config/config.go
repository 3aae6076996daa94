package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"runtime"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/jwilder/dashcache"
)

var (
	errConfigFileRead = errors.New("cannot read config file")
	errConfigInvalid  = errors.New("invalid config")
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("30s", "250ms") in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds all server configuration options.
type Config struct {
	Listen  string `json:"listen"`
	Workers int    `json:"workers"`

	MinBlockSize int `json:"min_block_size"`
	MaxBlockSize int `json:"max_block_size"`

	SegmentSize int `json:"segment_size"`
	RegularSize int `json:"regular_size"`
	SlotSize    int `json:"slot_size"`
	MaxDepth    int `json:"max_depth"`

	// SweepInterval is how often each worker drops expired keys. Zero
	// disables sweeping; expired keys are then only dropped on access.
	SweepInterval Duration `json:"sweep_interval"`
	// MaxBodySize bounds a single request body. Larger requests close the
	// connection.
	MaxBodySize int `json:"max_body_size"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Listen:        ":11211",
		Workers:       runtime.NumCPU(),
		MinBlockSize:  256,
		MaxBlockSize:  16 * 1024 * 1024,
		SegmentSize:   60,
		RegularSize:   54,
		SlotSize:      14,
		MaxDepth:      24,
		SweepInterval: Duration(time.Second),
		MaxBodySize:   20 * 1024 * 1024,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads a JSONC config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes JSONC over the defaults and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSONC: %w", errConfigInvalid, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration describes a usable server.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen != "", "listen address is empty")
	check(c.Workers >= 1, "workers must be at least 1, got %d", c.Workers)
	check(isPowerOfTwo(c.MinBlockSize), "min_block_size %d is not a power of two", c.MinBlockSize)
	check(isPowerOfTwo(c.MaxBlockSize), "max_block_size %d is not a power of two", c.MaxBlockSize)
	check(c.MinBlockSize < c.MaxBlockSize, "min_block_size %d must be below max_block_size %d", c.MinBlockSize, c.MaxBlockSize)
	check(c.MinBlockSize > 0 && c.MaxBlockSize%c.MinBlockSize == 0, "max_block_size must be a multiple of min_block_size")
	check(c.RegularSize >= 1 && c.RegularSize < c.SegmentSize, "regular_size %d must be in [1, segment_size %d)", c.RegularSize, c.SegmentSize)
	check(c.SlotSize >= 1, "slot_size must be positive, got %d", c.SlotSize)
	check(c.MaxDepth >= 1 && c.MaxDepth <= dashcache.MaxDirectoryDepth,
		"max_depth %d must be in [1, %d]", c.MaxDepth, dashcache.MaxDirectoryDepth)
	check(c.SweepInterval >= 0, "sweep_interval must not be negative")
	check(c.MaxBodySize > 0, "max_body_size must be positive, got %d", c.MaxBodySize)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Format returns the config as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}
	return string(data), nil
}

// Write atomically replaces path with cfg as indented JSON.
func Write(path string, cfg Config) error {
	data, err := Format(cfg)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader([]byte(data+"\n")))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}
