package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	if err := c.normalizeSFTP(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.BasePath) == "" {
		c.Paths.BasePath = defaultBasePath
	}
	if c.Paths.BasePath, err = expandPath(c.Paths.BasePath); err != nil {
		return fmt.Errorf("paths.base_path: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	c.Pipeline.MergedName = strings.TrimSpace(c.Pipeline.MergedName)
	if c.Pipeline.MergedName == "" {
		c.Pipeline.MergedName = defaultMergedName
	}
	c.Pipeline.OnConvertError = strings.ToLower(strings.TrimSpace(c.Pipeline.OnConvertError))
	if c.Pipeline.OnConvertError == "" {
		c.Pipeline.OnConvertError = defaultOnConvertError
	}
}

// normalizeSFTP fills empty upload settings from the SFTP_* environment
// variables and coerces the remote path into directory form.
func (c *Config) normalizeSFTP() error {
	if c.SFTP.Hostname == "" {
		c.SFTP.Hostname = strings.TrimSpace(os.Getenv("SFTP_HOSTNAME"))
	}
	if c.SFTP.Username == "" {
		c.SFTP.Username = strings.TrimSpace(os.Getenv("SFTP_USERNAME"))
	}
	if c.SFTP.Password == "" {
		c.SFTP.Password = os.Getenv("SFTP_PASSWORD")
	}
	if c.SFTP.KeyFile == "" {
		c.SFTP.KeyFile = strings.TrimSpace(os.Getenv("SFTP_KEY_FILE"))
	}
	if c.SFTP.RemotePath == "" {
		c.SFTP.RemotePath = strings.TrimSpace(os.Getenv("SFTP_REMOTE_PATH"))
	}
	if raw, ok := os.LookupEnv("SFTP_PORT"); ok && c.SFTP.Port == defaultSFTPPort {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("SFTP_PORT: %w", err)
		}
		c.SFTP.Port = port
	}
	if c.SFTP.Port == 0 {
		c.SFTP.Port = defaultSFTPPort
	}
	if c.SFTP.ConnectTimeout <= 0 {
		c.SFTP.ConnectTimeout = defaultConnectTimeout
	}
	if c.SFTP.MaxAttempts <= 0 {
		c.SFTP.MaxAttempts = defaultMaxAttempts
	}
	if c.SFTP.RetryBaseDelay <= 0 {
		c.SFTP.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.SFTP.KeyFile != "" {
		expanded, err := expandPath(c.SFTP.KeyFile)
		if err != nil {
			return fmt.Errorf("sftp.key_file: %w", err)
		}
		c.SFTP.KeyFile = expanded
	}
	// Remote paths are joined with the archive name by concatenation, so a
	// missing trailing separator is appended here.
	if c.SFTP.RemotePath != "" && !strings.HasSuffix(c.SFTP.RemotePath, "/") {
		c.SFTP.RemotePath += "/"
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
