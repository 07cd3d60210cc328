package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/schollz/progressbar/v3"

	"github.com/tiiuae/lerobot-edge/internal/fileutil"
	"github.com/tiiuae/lerobot-edge/internal/logging"
	"github.com/tiiuae/lerobot-edge/internal/services"
)

// Transport is one connected session against the remote store. Every attempt
// dials a fresh transport, so implementations do not need to survive
// connection loss.
type Transport interface {
	// StatDir verifies the remote directory exists and is a directory.
	StatDir(path string) error
	Create(path string) (io.WriteCloser, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
	// Size returns the size of a remote file.
	Size(path string) (int64, error)
	Close() error
}

// Dialer opens a transport. Errors must be tagged with the services markers
// so the retry loop can tell auth failures from transient network trouble.
type Dialer func(ctx context.Context) (Transport, error)

// RetryPolicy bounds the retry behavior for transient transfer failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		exp.InitialInterval = p.BaseDelay
	}
	if p.Multiplier > 1 {
		exp.Multiplier = p.Multiplier
	}
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	exp.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Result reports a completed upload.
type Result struct {
	RemotePath       string
	BytesTransferred int64
	Duration         time.Duration
	LocalSHA256      string
}

// Controller transfers one archive to the remote store with bounded retries
// and post-transfer size verification.
type Controller struct {
	dial   Dialer
	policy RetryPolicy
	logger *slog.Logger
	// ProgressWriter, when set, renders a terminal progress bar. Leave nil
	// when stdout is not a TTY.
	ProgressWriter io.Writer
}

// New constructs a controller over the given dialer.
func New(dial Dialer, policy RetryPolicy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{dial: dial, policy: policy, logger: logger}
}

// Upload transfers localFile into remoteDir, which must already exist and
// end with a separator. The file lands under a partial name and is renamed
// after all bytes are written. Transient failures restart the transfer on a
// fresh connection under the retry policy; authentication and missing-
// directory failures are surfaced immediately.
func (c *Controller) Upload(ctx context.Context, localFile, remoteDir string) (*Result, error) {
	info, err := os.Stat(localFile)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "upload", "stat archive", localFile, err)
	}
	totalBytes := info.Size()
	sha, err := fileutil.SHA256File(localFile)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "upload", "hash archive", localFile, err)
	}

	remotePath := remoteDir + path.Base(localFile)
	log := logging.WithContext(ctx, c.logger)
	start := time.Now()

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			log.Warn("retrying upload", logging.Int("attempt", attempt), logging.Int("max_attempts", c.policy.MaxAttempts))
		}
		err := c.attempt(ctx, log, localFile, remotePath, totalBytes)
		if err == nil {
			return nil
		}
		if !services.Retryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn("upload attempt failed", logging.Int("attempt", attempt), logging.Error(err))
		return err
	}
	if err := backoff.Retry(op, c.policy.backOff(ctx)); err != nil {
		return nil, err
	}

	res := &Result{
		RemotePath:       remotePath,
		BytesTransferred: totalBytes,
		Duration:         time.Since(start),
		LocalSHA256:      sha,
	}
	log.Info("upload complete",
		logging.String("remote_path", res.RemotePath),
		logging.Int64("bytes", res.BytesTransferred),
		logging.Duration("duration", res.Duration),
		logging.String("sha256", res.LocalSHA256))
	return res, nil
}

// attempt performs one full transfer on a fresh connection.
func (c *Controller) attempt(ctx context.Context, log *slog.Logger, localFile, remotePath string, totalBytes int64) error {
	t, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer t.Close()

	remoteDir := path.Dir(remotePath)
	if err := t.StatDir(remoteDir); err != nil {
		return err
	}

	src, err := os.Open(localFile)
	if err != nil {
		return services.Wrap(services.ErrIO, "upload", "open archive", localFile, err)
	}
	defer src.Close()

	partial := remotePath + ".partial"
	dst, err := t.Create(partial)
	if err != nil {
		return services.Wrap(services.ErrTransient, "upload", "create remote file", partial, err)
	}

	written, err := c.copyWithProgress(ctx, log, dst, src, totalBytes)
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = t.Remove(partial)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrTransient, "upload", "transfer", remotePath, err)
	}
	if written != totalBytes {
		_ = t.Remove(partial)
		return services.Wrap(services.ErrTransient, "upload", "transfer",
			fmt.Sprintf("%s: wrote %d of %d bytes", remotePath, written, totalBytes), nil)
	}

	// Replace any stale final file, then commit.
	_ = t.Remove(remotePath)
	if err := t.Rename(partial, remotePath); err != nil {
		_ = t.Remove(partial)
		return services.Wrap(services.ErrTransient, "upload", "commit remote file", remotePath, err)
	}

	size, err := t.Size(remotePath)
	if err != nil {
		return services.Wrap(services.ErrTransient, "upload", "verify remote file", remotePath, err)
	}
	if size != totalBytes {
		return services.Wrap(services.ErrIO, "upload", "verify remote file",
			fmt.Sprintf("%s: remote size %d, local size %d", remotePath, size, totalBytes), nil)
	}
	return nil
}

func (c *Controller) copyWithProgress(ctx context.Context, log *slog.Logger, dst io.Writer, src io.Reader, totalBytes int64) (int64, error) {
	sampler := logging.NewProgressSampler(5, time.Second)
	var bar *progressbar.ProgressBar
	if c.ProgressWriter != nil {
		bar = progressbar.NewOptions64(totalBytes,
			progressbar.OptionSetWriter(c.ProgressWriter),
			progressbar.OptionSetDescription("uploading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
	}

	buf := make([]byte, 128*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if bar != nil {
				_ = bar.Add(wn)
			}
			if percent := percentOf(written, totalBytes); sampler.ShouldLog(percent) {
				log.Info("upload progress",
					logging.Int64("bytes_transferred", written),
					logging.Int64("total_bytes", totalBytes))
			}
			if writeErr != nil {
				return written, writeErr
			}
			if wn != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			if bar != nil {
				_ = bar.Finish()
			}
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return -1
	}
	return float64(done) / float64(total) * 100
}
