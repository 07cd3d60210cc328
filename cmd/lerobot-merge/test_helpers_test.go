package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type cliTestEnv struct {
	basePath   string
	logDir     string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	root := t.TempDir()
	env := &cliTestEnv{
		basePath:   filepath.Join(root, "datasets"),
		logDir:     filepath.Join(root, "logs"),
		configPath: filepath.Join(root, "config.toml"),
	}
	if err := os.MkdirAll(env.basePath, 0o755); err != nil {
		t.Fatalf("mkdir base: %v", err)
	}
	writeTestConfig(t, env.configPath, env.basePath, env.logDir)

	// Upload settings from the host environment must not leak into tests.
	t.Setenv("SFTP_HOSTNAME", "")
	t.Setenv("SFTP_USERNAME", "")
	t.Setenv("SFTP_PASSWORD", "")
	t.Setenv("SFTP_KEY_FILE", "")
	t.Setenv("SFTP_REMOTE_PATH", "")

	return env
}

func writeTestConfig(t *testing.T, path, basePath, logDir string) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\nbase_path = %q\nlog_dir = %q\n\n[pipeline]\nmerged_name = \"merged\"\n",
		basePath,
		logDir,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
