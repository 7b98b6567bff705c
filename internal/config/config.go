// Package config loads fwlink settings from a YAML file with environment
// overrides. Command-line flags are layered on top by cmd.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BaudRate is fixed by the device firmware.
const BaudRate = 9600

// Source kinds.
const (
	SourceNone   = "none"
	SourceGitHub = "github"
	SourceDir    = "dir"
)

// Duration is a time.Duration that reads "5s"-style strings from YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration.
type Config struct {
	Port     string         `yaml:"port"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Transfer TransferConfig `yaml:"transfer"`
	Source   SourceConfig   `yaml:"source"`
	Backup   BackupConfig   `yaml:"backup"`
	Logger   LoggerConfig   `yaml:"logger"`
	Server   ServerConfig   `yaml:"server"`
}

// TimeoutConfig bounds every I/O-bound step.
type TimeoutConfig struct {
	Open      Duration `yaml:"open"`
	Handshake Duration `yaml:"handshake"`
	Ack       Duration `yaml:"ack"`
	Phase     Duration `yaml:"phase"`
	Flash     Duration `yaml:"flash"`
	Download  Duration `yaml:"download"`
}

// TransferConfig tunes the chunked image transfer.
type TransferConfig struct {
	ChunkBytes int `yaml:"chunk_bytes"`
	AckRetries int `yaml:"ack_retries"`
	// BytesPerSecond paces chunk writes; 0 derives it from the baud rate.
	BytesPerSecond int `yaml:"bytes_per_second"`
}

// SourceConfig selects the update source.
type SourceConfig struct {
	Kind        string   `yaml:"kind"`
	GitHubRepo  string   `yaml:"github_repo"`
	GitHubToken string   `yaml:"github_token"`
	GitHubAPI   string   `yaml:"github_api"`
	AssetSuffix string   `yaml:"asset_suffix"`
	Dir         string   `yaml:"dir"`
	Breaker     Breaker  `yaml:"breaker"`
	HTTPTimeout Duration `yaml:"http_timeout"`
}

// Breaker configures the circuit breaker around remote sources.
type Breaker struct {
	MaxFailures uint32   `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
	Interval    Duration `yaml:"interval"`
}

// BackupConfig controls firmware backups before install.
type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// DedupTTL and DedupCap bound the Idempotency-Key replay cache.
	DedupTTL Duration `yaml:"dedup_ttl"`
	DedupCap int      `yaml:"dedup_cap"`
}

// Defaults returns a Config with every field populated.
func Defaults() *Config {
	return &Config{
		Timeouts: TimeoutConfig{
			Open:      Duration(5 * time.Second),
			Handshake: Duration(3 * time.Second),
			Ack:       Duration(2 * time.Second),
			Phase:     Duration(30 * time.Second),
			Flash:     Duration(60 * time.Second),
			Download:  Duration(2 * time.Minute),
		},
		Transfer: TransferConfig{
			ChunkBytes: 64,
			AckRetries: 3,
		},
		Source: SourceConfig{
			Kind:        SourceNone,
			GitHubAPI:   "https://api.github.com",
			AssetSuffix: ".bin",
			Breaker: Breaker{
				MaxFailures: 3,
				Timeout:     Duration(30 * time.Second),
				Interval:    Duration(time.Minute),
			},
			HTTPTimeout: Duration(30 * time.Second),
		},
		Backup: BackupConfig{
			Dir: "backups",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Server: ServerConfig{
			Listen:   "127.0.0.1:8765",
			DedupTTL: Duration(10 * time.Minute),
			DedupCap: 256,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overwrites fields from FWLINK_* environment variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FWLINK_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("FWLINK_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FWLINK_SOURCE_KIND"); v != "" {
		cfg.Source.Kind = v
	}
	if v := os.Getenv("FWLINK_GITHUB_REPO"); v != "" {
		cfg.Source.GitHubRepo = v
	}
	if v := os.Getenv("FWLINK_GITHUB_TOKEN"); v != "" {
		cfg.Source.GitHubToken = v
	}
	if v := os.Getenv("FWLINK_FIRMWARE_DIR"); v != "" {
		cfg.Source.Dir = v
	}
	if v := os.Getenv("FWLINK_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	if v := os.Getenv("FWLINK_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
}

// Validate checks for values the rest of the program cannot work with.
func Validate(cfg *Config) error {
	t := cfg.Timeouts
	for name, d := range map[string]Duration{
		"open":      t.Open,
		"handshake": t.Handshake,
		"ack":       t.Ack,
		"phase":     t.Phase,
		"flash":     t.Flash,
		"download":  t.Download,
	} {
		if d <= 0 {
			return fmt.Errorf("config: timeouts.%s must be positive", name)
		}
	}
	if cfg.Transfer.ChunkBytes <= 0 || cfg.Transfer.ChunkBytes > 1024 {
		return fmt.Errorf("config: transfer.chunk_bytes %d out of range 1..1024", cfg.Transfer.ChunkBytes)
	}
	if cfg.Transfer.AckRetries < 0 {
		return fmt.Errorf("config: transfer.ack_retries must not be negative")
	}
	if cfg.Transfer.BytesPerSecond < 0 {
		return fmt.Errorf("config: transfer.bytes_per_second must not be negative")
	}

	cfg.Source.Kind = strings.ToLower(strings.TrimSpace(cfg.Source.Kind))
	switch cfg.Source.Kind {
	case "", SourceNone:
		cfg.Source.Kind = SourceNone
	case SourceGitHub:
		if !strings.Contains(cfg.Source.GitHubRepo, "/") {
			return fmt.Errorf("config: source.github_repo %q must be owner/name", cfg.Source.GitHubRepo)
		}
	case SourceDir:
		if cfg.Source.Dir == "" {
			return fmt.Errorf("config: source.dir is required for dir source")
		}
	default:
		return fmt.Errorf("config: unknown source.kind %q (want none, github or dir)", cfg.Source.Kind)
	}

	if cfg.Backup.Enabled && cfg.Backup.Dir == "" {
		return fmt.Errorf("config: backup.dir is required when backups are enabled")
	}
	return nil
}

// PaceBytesPerSecond returns the configured transfer rate, or the 8N1 line
// rate for the fixed baud when unset.
func (c *Config) PaceBytesPerSecond() int {
	if c.Transfer.BytesPerSecond > 0 {
		return c.Transfer.BytesPerSecond
	}
	return BaudRate / 10
}
