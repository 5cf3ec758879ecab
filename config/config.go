// Package config holds the settings shared by the controller and the worker it launches.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	// BufferSize is the flush threshold of each worker output stream, in bytes.
	BufferSize int `yaml:"buffer_size"`

	// LogLevel is a zap level name for the bridge's own logs (not task output).
	LogLevel string `yaml:"log_level"`

	// Separators prints "-----" and "=====" around each task's output.
	Separators bool `yaml:"separators"`

	// Prompt is printed before reading each task when stdin is a terminal.
	Prompt string `yaml:"prompt"`

	// WorkerArgs are extra arguments for the worker command.
	WorkerArgs []string `yaml:"worker_args"`
}

func Default() Config {
	return Config{
		BufferSize: 2048,
		LogLevel:   "warn",
		Separators: true,
		Prompt:     ">>> ",
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("%w: buffer_size must be positive, got %d", ErrInvalid, c.BufferSize)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("%w: log_level: %s", ErrInvalid, err)
	}
	return lvl, nil
}
