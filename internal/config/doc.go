// Package config loads and validates pipeline configuration from a TOML file
// with SFTP_* environment variable fallbacks for the upload credentials.
package config
