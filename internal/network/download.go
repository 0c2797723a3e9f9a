package network

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
	"github.com/JakeFAU/procurement-harvester/internal/metrics"
)

// Download streams req.URL to req.Dest. The body is written to a ".part"
// sibling and renamed into place only once fully written, so an interrupted
// download never leaves a truncated file under the final name.
func (f *Fetcher) Download(ctx context.Context, req harvest.DownloadRequest) harvest.DownloadResult {
	resp, errs, status := f.get(ctx, req.URL, req.Header, req.SkipTLSVerify)
	if resp == nil {
		return harvest.DownloadResult{StatusCode: status, Errors: errs}
	}
	defer resp.Body.Close()

	result := harvest.DownloadResult{StatusCode: resp.StatusCode}
	n, warnings, err := f.writeFile(resp.Body, req.Dest, !req.NoSanitize)
	if err != nil {
		f.logger.Error("write download failed", zap.String("url", req.URL), zap.String("dest", req.Dest), zap.Error(err))
		result.Errors = []string{err.Error()}
		return result
	}
	result.Bytes = n
	result.Warnings = warnings
	metrics.ObserveDownload(metrics.SanitizeSite(req.URL), n)
	f.logger.Debug("downloaded file",
		zap.String("url", req.URL),
		zap.String("dest", req.Dest),
		zap.Int64("bytes", n),
		zap.Int("warnings", len(warnings)),
	)
	return result
}

func (f *Fetcher) writeFile(body io.Reader, dest string, sanitize bool) (int64, []string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, nil, fmt.Errorf("create directory for %s: %w", dest, err)
	}
	tmp := dest + ".part"
	file, err := os.Create(tmp) //nolint:gosec // path built from the session data directory
	if err != nil {
		return 0, nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(tmp)
	}

	counter := &countingWriter{w: file}
	var (
		w    io.Writer = counter
		sani *sanitizer
	)
	if sanitize {
		sani = newSanitizer(counter)
		w = sani
	}

	buf := make([]byte, f.cfg.ChunkSize)
	if _, err := io.CopyBuffer(w, body, buf); err != nil {
		cleanup()
		return 0, nil, fmt.Errorf("write %s: %w", dest, err)
	}
	var warnings []string
	if sani != nil {
		if err := sani.Flush(); err != nil {
			cleanup()
			return 0, nil, fmt.Errorf("write %s: %w", dest, err)
		}
		warnings = sani.Warnings()
	}
	if err := file.Sync(); err != nil {
		cleanup()
		return 0, nil, fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, nil, fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return 0, nil, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return counter.n, warnings, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
