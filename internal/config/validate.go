package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable for the conversion and merge
// stages. Upload settings are checked separately because they are required
// only when the upload stage runs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.BasePath) == "" {
		return errors.New("paths.base_path must be set")
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePipeline() error {
	if strings.ContainsAny(c.Pipeline.MergedName, "/\\") {
		return fmt.Errorf("pipeline.merged_name must be a bare directory name, got %q", c.Pipeline.MergedName)
	}
	switch c.Pipeline.OnConvertError {
	case ConvertErrorSkip, ConvertErrorAbort:
		return nil
	default:
		return fmt.Errorf("pipeline.on_convert_error must be %q or %q, got %q",
			ConvertErrorSkip, ConvertErrorAbort, c.Pipeline.OnConvertError)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
}

// ValidateUpload ensures everything the upload stage needs is present. Called
// before the upload stage mutates anything so missing credentials surface as
// a precondition failure, not mid-transfer.
func (c *Config) ValidateUpload() error {
	if strings.TrimSpace(c.SFTP.Hostname) == "" {
		return errors.New("sftp.hostname is required for upload (set SFTP_HOSTNAME)")
	}
	if strings.TrimSpace(c.SFTP.Username) == "" {
		return errors.New("sftp.username is required for upload (set SFTP_USERNAME)")
	}
	if c.SFTP.Password == "" && strings.TrimSpace(c.SFTP.KeyFile) == "" {
		return errors.New("upload requires sftp.password or sftp.key_file (set SFTP_PASSWORD or SFTP_KEY_FILE)")
	}
	if strings.TrimSpace(c.SFTP.RemotePath) == "" {
		return errors.New("sftp.remote_path is required for upload (set SFTP_REMOTE_PATH)")
	}
	if c.SFTP.Port <= 0 || c.SFTP.Port > 65535 {
		return fmt.Errorf("sftp.port out of range: %d", c.SFTP.Port)
	}
	return nil
}
