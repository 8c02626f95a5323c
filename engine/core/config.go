package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk configuration of the upload core.
type Config struct {
	Log    LogConfig    `toml:"log"`
	Submit SubmitConfig `toml:"submit"`
	Jobs   JobsConfig   `toml:"jobs"`
}

type LogConfig struct {
	Level LogLevel `toml:"level"`
}

type SubmitConfig struct {
	// Batches allocated up front the first time a worker asks for one.
	PrewarmBatches int `toml:"prewarm_batches"`
	// Initial size in bytes of the shared staging buffer.
	StagingInitialSize uint64 `toml:"staging_initial_size"`
	// Upper bound for a single blocking fence wait. Zero waits forever.
	FenceTimeout Duration `toml:"fence_timeout"`
}

type JobsConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

// Duration lets durations be written as "250ms" in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: LogLevelInfo},
		Submit: SubmitConfig{
			PrewarmBatches:     16,
			StagingInitialSize: 1 << 20,
		},
		Jobs: JobsConfig{
			Workers:   4,
			QueueSize: 64,
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		LogDebug("config file `%s` not found, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config `%s`: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Submit.PrewarmBatches < 0 {
		return fmt.Errorf("%w: prewarm_batches must not be negative", ErrInvalidConfig)
	}
	if c.Submit.StagingInitialSize == 0 {
		return fmt.Errorf("%w: staging_initial_size must be greater than zero", ErrInvalidConfig)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("%w: jobs.workers must be at least 1", ErrInvalidConfig)
	}
	if c.Jobs.QueueSize < 0 {
		return fmt.Errorf("%w: jobs.queue_size must not be negative", ErrInvalidConfig)
	}
	return nil
}
