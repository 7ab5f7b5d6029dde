package inference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/brightstart/internal/logging"
)

const progressStep = 1 << 20

// download streams the model to a temporary sibling of the target path and
// renames it into place only after the body has been fully written.
func (h *Holder) download(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.DownloadTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(h.cfg.Path), 0o755); err != nil {
		return logging.NewOperationError("inference.download", "", err)
	}

	opLogger := logging.WithOperation(h.logger, "inference.download", "")
	opLogger.Info("downloading model", zap.String("destination", h.cfg.Path))

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.cfg.DownloadAttempts-1), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := h.fetchOnce(ctx, opLogger)
		if err != nil {
			opLogger.Warn("model download attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		return logging.NewOperationError("inference.download", "", err)
	}

	opLogger.Info("model downloaded", zap.String("destination", h.cfg.Path), zap.Int("attempts", attempt))
	return nil
}

func (h *Holder) fetchOnce(ctx context.Context, logger *zap.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.DownloadURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.cfg.Path), filepath.Base(h.cfg.Path)+".*.part")
	if err != nil {
		return backoff.Permanent(err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	progress := &progressWriter{total: resp.ContentLength, logger: logger}
	if _, err := io.Copy(tmp, io.TeeReader(resp.Body, progress)); err != nil {
		tmp.Close()
		return err
	}
	if resp.ContentLength > 0 && progress.written != resp.ContentLength {
		tmp.Close()
		return fmt.Errorf("short body: got %d of %d bytes", progress.written, resp.ContentLength)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, h.cfg.Path); err != nil {
		return backoff.Permanent(err)
	}
	committed = true
	return nil
}

type progressWriter struct {
	total   int64
	written int64
	next    int64
	logger  *zap.Logger
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.written >= p.next {
		fields := []zap.Field{zap.Int64("bytes", p.written)}
		if p.total > 0 {
			fields = append(fields, zap.Float64("percent", float64(p.written)/float64(p.total)*100))
		}
		p.logger.Debug("model download progress", fields...)
		p.next = p.written + progressStep
	}
	return len(b), nil
}
