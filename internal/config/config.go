package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	BasePath string `toml:"base_path"`
	LogDir   string `toml:"log_dir"`
}

// Pipeline contains stage sequencing configuration.
type Pipeline struct {
	MergedName string `toml:"merged_name"`
	// OnConvertError selects the conversion failure policy: "skip" excludes
	// the failed dataset from the merge set, "abort" fails the run.
	OnConvertError string `toml:"on_convert_error"`
	Overwrite      bool   `toml:"overwrite"`
}

// SFTP contains the upload endpoint configuration. Values left empty in the
// config file are filled from the SFTP_* environment variables.
type SFTP struct {
	Hostname       string `toml:"hostname"`
	Port           int    `toml:"port"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	KeyFile        string `toml:"key_file"`
	RemotePath     string `toml:"remote_path"`
	ConnectTimeout int    `toml:"connect_timeout"`
	MaxAttempts    int    `toml:"max_attempts"`
	RetryBaseDelay int    `toml:"retry_base_delay"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the merge pipeline.
//
// Configuration sections by subsystem:
//   - Paths: dataset base directory and log directory
//   - Pipeline: merged dataset name and conversion failure policy
//   - SFTP: upload endpoint, credentials, and retry budget
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Pipeline Pipeline `toml:"pipeline"`
	SFTP     SFTP     `toml:"sftp"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lerobot-merge/config.toml")
}

// Sample returns the embedded sample configuration file contents.
func Sample() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
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

// ApplyOverrides replaces the base path and merged-name settings with flag
// values. Overrides go through the same normalization and validation as
// config-file values, so a merged name carrying path separators is rejected
// here rather than escaping the base path later.
func (c *Config) ApplyOverrides(basePath, mergedName string) error {
	if trimmed := strings.TrimSpace(basePath); trimmed != "" {
		c.Paths.BasePath = trimmed
	}
	if trimmed := strings.TrimSpace(mergedName); trimmed != "" {
		c.Pipeline.MergedName = trimmed
	}
	if err := c.normalizePaths(); err != nil {
		return err
	}
	return c.Validate()
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
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a run needs before any stage
// mutates the filesystem.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.BasePath, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return filepath.Abs(path)
}
