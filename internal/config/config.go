package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "data"
	defaultLogLevel           = "info"
	defaultQueueDepth         = 256
	defaultCapacityRetries    = 5
	defaultCapacityBackoff    = 50 * time.Millisecond
	defaultArtifactSuffix     = "_processed"
	defaultRetainTerminalJobs = 100
	defaultMaxUploadMB        = 64
)

// Config describes runtime configuration for the service.
type Config struct {
	Port              int      `yaml:"port"`
	DataDir           string   `yaml:"data_dir"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	LogLevel          string   `yaml:"log_level"`

	// Workers is the execution unit count; 0 picks twice the CPU count.
	Workers         int           `yaml:"workers"`
	QueueDepth      int           `yaml:"queue_depth"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	CapacityRetries int           `yaml:"capacity_retries"`
	CapacityBackoff time.Duration `yaml:"capacity_backoff"`

	ArtifactSuffix     string `yaml:"artifact_suffix"`
	RetainTerminalJobs int    `yaml:"retain_terminal_jobs"`
	MaxUploadMB        int64  `yaml:"max_upload_mb"`
	// Journal toggles persisting job records under data_dir.
	Journal bool `yaml:"journal"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:               defaultPort,
		DataDir:            defaultDataDir,
		AllowedExtensions:  []string{".pdf"},
		LogLevel:           defaultLogLevel,
		QueueDepth:         defaultQueueDepth,
		CapacityRetries:    defaultCapacityRetries,
		CapacityBackoff:    defaultCapacityBackoff,
		ArtifactSuffix:     defaultArtifactSuffix,
		RetainTerminalJobs: defaultRetainTerminalJobs,
		MaxUploadMB:        defaultMaxUploadMB,
		Journal:            true,
	}
}

// Path returns the config file location, taken from CONFIG_PATH when set.
func Path() string {
	if p := strings.TrimSpace(os.Getenv("CONFIG_PATH")); p != "" {
		return p
	}
	return "config.yml"
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.ArtifactSuffix == "" {
		cfg.ArtifactSuffix = defaultArtifactSuffix
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.AllowedExtensions = normalizeExtensions(cfg.AllowedExtensions)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("invalid workers: %d (must be >= 0)", c.Workers)
	case c.QueueDepth < 1:
		return fmt.Errorf("invalid queue_depth: %d (must be >= 1)", c.QueueDepth)
	case c.TaskTimeout < 0:
		return fmt.Errorf("invalid task_timeout: %s", c.TaskTimeout)
	case c.CapacityRetries < 0:
		return fmt.Errorf("invalid capacity_retries: %d", c.CapacityRetries)
	case c.CapacityBackoff < 0:
		return fmt.Errorf("invalid capacity_backoff: %s", c.CapacityBackoff)
	case c.RetainTerminalJobs < 0:
		return fmt.Errorf("invalid retain_terminal_jobs: %d", c.RetainTerminalJobs)
	case c.MaxUploadMB < 1:
		return fmt.Errorf("invalid max_upload_mb: %d (must be >= 1)", c.MaxUploadMB)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// Level returns the zerolog level for LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return []string{".pdf"}
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
