// Package config loads the settings of the iterflow command.
//
// Values are layered: built-in defaults, then an optional YAML or TOML file,
// then ITERFLOW_* environment variables. Command-line flags are applied last
// by the caller.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

// EnvPrefix is the prefix of every environment override, e.g. ITERFLOW_CACHE_DIR.
const EnvPrefix = "ITERFLOW"

// Config holds all command configuration.
type Config struct {
	Input        string `yaml:"input" toml:"input" envconfig:"INPUT"`
	InputFormat  string `yaml:"input_format" toml:"input_format" envconfig:"INPUT_FORMAT"`
	Output       string `yaml:"output" toml:"output" envconfig:"OUTPUT"`
	OutputFormat string `yaml:"output_format" toml:"output_format" envconfig:"OUTPUT_FORMAT"`
	JSONPath     string `yaml:"json_path" toml:"json_path" envconfig:"JSON_PATH"`
	XMLTag       string `yaml:"xml_tag" toml:"xml_tag" envconfig:"XML_TAG"`
	Delimiter    string `yaml:"delimiter" toml:"delimiter" envconfig:"DELIMITER"`

	Cache   CacheConfig   `yaml:"cache" toml:"cache" envconfig:"CACHE"`
	Group   GroupConfig   `yaml:"group" toml:"group" envconfig:"GROUP"`
	Log     LogConfig     `yaml:"log" toml:"log" envconfig:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics" envconfig:"METRICS"`

	BatchSize        int    `yaml:"batch_size" toml:"batch_size" envconfig:"BATCH_SIZE"`
	Watermark        int    `yaml:"watermark" toml:"watermark" envconfig:"WATERMARK"`
	ProgressInterval string `yaml:"progress_interval" toml:"progress_interval" envconfig:"PROGRESS_INTERVAL"`
}

// CacheConfig holds the disk cache settings. An empty Dir disables caching.
type CacheConfig struct {
	Dir         string `yaml:"dir" toml:"dir" envconfig:"DIR"`
	ChunkSize   int    `yaml:"chunk_size" toml:"chunk_size" envconfig:"CHUNK_SIZE"`
	ReferenceID string `yaml:"reference_id" toml:"reference_id" envconfig:"REF"`
}

// GroupConfig holds the group-by settings. An empty Field disables grouping.
//
// With MaxItemsInMemory set, grouping is done in memory with TrailingGroupBy;
// otherwise records spill to TempDir.
type GroupConfig struct {
	Field            string `yaml:"field" toml:"field" envconfig:"FIELD"`
	TempDir          string `yaml:"temp_dir" toml:"temp_dir" envconfig:"TEMP_DIR"`
	Compress         bool   `yaml:"compress" toml:"compress" envconfig:"COMPRESS"`
	MaxGroupSize     int    `yaml:"max_group_size" toml:"max_group_size" envconfig:"MAX_GROUP_SIZE"`
	MaxItemsInMemory int    `yaml:"max_items_in_memory" toml:"max_items_in_memory" envconfig:"MAX_ITEMS_IN_MEMORY"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" toml:"level" envconfig:"LEVEL"`
	Development bool   `yaml:"development" toml:"development" envconfig:"DEV"`
}

// MetricsConfig holds the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr" envconfig:"ADDR"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Delimiter: ",",
		Log: LogConfig{
			Level: "info",
		},
		Group: GroupConfig{
			MaxGroupSize: 1000,
		},
		BatchSize:        1000,
		Watermark:        10,
		ProgressInterval: "3s",
	}
}

// Load reads the defaults, the optional file at path and the environment, in that order.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(fs, path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Interval returns the parsed progress interval.
func (c *Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.ProgressInterval)
	if err != nil {
		return 0
	}
	return d
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Input == "" {
		errs = append(errs, errors.New("input is required"))
	}
	if c.Cache.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("cache chunk size must not be negative, got %d", c.Cache.ChunkSize))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.Watermark <= 0 {
		errs = append(errs, fmt.Errorf("watermark must be positive, got %d", c.Watermark))
	}
	if len([]rune(c.Delimiter)) != 1 {
		errs = append(errs, fmt.Errorf("delimiter must be a single character, got %q", c.Delimiter))
	}
	if d, err := time.ParseDuration(c.ProgressInterval); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("invalid progress interval %q", c.ProgressInterval))
	}
	if c.Group.Field != "" {
		if c.Group.MaxItemsInMemory < 0 {
			errs = append(errs, fmt.Errorf("max items in memory must not be negative, got %d", c.Group.MaxItemsInMemory))
		}
		if c.Group.MaxItemsInMemory > 0 && c.Group.MaxGroupSize <= 0 {
			errs = append(errs, fmt.Errorf("max group size must be positive, got %d", c.Group.MaxGroupSize))
		}
	}
	return errors.Join(errs...)
}
