package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	DataDir    string `toml:"data_dir"`
}

// Workflow contains daemon timing and pipeline policy settings.
type Workflow struct {
	QueuePollInterval  int  `toml:"queue_poll_interval"`
	ErrorRetryInterval int  `toml:"error_retry_interval"`
	ApprovalRequired   bool `toml:"approval_required"`
	CallTimeout        int  `toml:"call_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Resilience contains tuning for the circuit breaker, retry executor, and
// rate limiter shared by all destinations unless overridden per site.
type Resilience struct {
	BreakerMaxFailures int     `toml:"breaker_max_failures"`
	BreakerOpenSeconds int     `toml:"breaker_open_seconds"`
	RetryMaxRetries    int     `toml:"retry_max_retries"`
	RetryBaseDelayMS   int     `toml:"retry_base_delay_ms"`
	RetryMaxDelayMS    int     `toml:"retry_max_delay_ms"`
	RetryBackoffBase   float64 `toml:"retry_backoff_base"`
	RatePerSecond      float64 `toml:"rate_per_second"`
	RateBurst          int     `toml:"rate_burst"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Approvals      bool   `toml:"approvals"`
	Uploads        bool   `toml:"uploads"`
	Errors         bool   `toml:"errors"`
}

// Scanner contains intake validation settings.
type Scanner struct {
	AllowedExtensions []string `toml:"allowed_extensions"`
	MinFreeMiB        int64    `toml:"min_free_mib"`
}

// Destination describes one upload destination.
type Destination struct {
	Enabled              bool    `toml:"enabled"`
	BaseURL              string  `toml:"base_url"`
	APIKey               string  `toml:"api_key"`
	Category             string  `toml:"category"`
	RatePerSecond        float64 `toml:"rate_per_second"`
	RateBurst            int     `toml:"rate_burst"`
	SizeTolerancePercent float64 `toml:"size_tolerance_percent"`
}

// Destinations groups destination policy and the per-site table.
type Destinations struct {
	SkipNearDuplicates bool                   `toml:"skip_near_duplicates"`
	Sites              map[string]Destination `toml:"sites"`
}

// Config encapsulates all configuration values for gantry.
//
// Configuration sections by subsystem:
//   - Paths: staging, log, and database directories
//   - Workflow: poll intervals, approval policy, external call timeout
//   - Logging: log format and level
//   - Resilience: breaker/retry/rate-limit tuning defaults
//   - Notifications: ntfy push notification settings
//   - Scanner: intake file validation
//   - Destinations: per-site upload destination settings
type Config struct {
	Paths         Paths         `toml:"paths"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Resilience    Resilience    `toml:"resilience"`
	Notifications Notifications `toml:"notifications"`
	Scanner       Scanner       `toml:"scanner"`
	Destinations  Destinations  `toml:"destinations"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/gantry/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("gantry.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LogDir, c.Paths.DataDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "gantry.db")
}

// LogFilePath returns the daemon log file location.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.LogDir, "gantry.log")
}

// FFprobeBinary returns the ffprobe executable name used for media analysis.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// EnabledDestinations returns the sorted keys of destinations marked enabled.
func (c *Config) EnabledDestinations() []string {
	keys := make([]string, 0, len(c.Destinations.Sites))
	for key, site := range c.Destinations.Sites {
		if site.Enabled {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
