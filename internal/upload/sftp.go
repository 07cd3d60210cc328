package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tiiuae/lerobot-edge/internal/services"
)

// SFTPConfig describes the remote endpoint and credentials.
type SFTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration
}

// NewSFTPDialer returns a Dialer that opens an SSH connection and an SFTP
// subsystem session per attempt.
func NewSFTPDialer(cfg SFTPConfig) Dialer {
	return func(ctx context.Context) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		auth, err := authMethods(cfg)
		if err != nil {
			return nil, err
		}
		clientCfg := &ssh.ClientConfig{
			User: cfg.User,
			Auth: auth,
			// The original workflow trusts the server on first contact;
			// operators pin host keys at the SSH layer if they need to.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.Timeout,
		}
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		sshClient, err := ssh.Dial("tcp", addr, clientCfg)
		if err != nil {
			return nil, classifyDialError(addr, err)
		}
		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			_ = sshClient.Close()
			return nil, services.Wrap(services.ErrTransient, "upload", "open sftp session", addr, err)
		}
		return &sftpTransport{ssh: sshClient, sftp: sftpClient}, nil
	}
}

func authMethods(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "upload", "read key file", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "upload", "parse key file", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "upload", "build auth", "no password or key file configured", nil)
	}
	return methods, nil
}

func classifyDialError(addr string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain") {
		return services.Wrap(services.ErrAuth, "upload", "connect", addr, err)
	}
	return services.Wrap(services.ErrTransient, "upload", "connect", addr, err)
}

type sftpTransport struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (t *sftpTransport) StatDir(path string) error {
	info, err := t.sftp.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrNotFound, "upload", "stat remote directory", path, err)
		}
		return services.Wrap(services.ErrTransient, "upload", "stat remote directory", path, err)
	}
	if !info.IsDir() {
		return services.Wrap(services.ErrNotFound, "upload", "stat remote directory", path+" is not a directory", nil)
	}
	return nil
}

func (t *sftpTransport) Create(path string) (io.WriteCloser, error) {
	return t.sftp.Create(path)
}

func (t *sftpTransport) Rename(oldPath, newPath string) error {
	if err := t.sftp.PosixRename(oldPath, newPath); err == nil {
		return nil
	}
	return t.sftp.Rename(oldPath, newPath)
}

func (t *sftpTransport) Remove(path string) error {
	return t.sftp.Remove(path)
}

func (t *sftpTransport) Size(path string) (int64, error) {
	info, err := t.sftp.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (t *sftpTransport) Close() error {
	sftpErr := t.sftp.Close()
	sshErr := t.ssh.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}
