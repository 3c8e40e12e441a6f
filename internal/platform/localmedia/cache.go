package localmedia

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/verdia/herbarium-backend/internal/pkg/logger"
)

// Cache mirrors persisted audio assets onto local disk so deployments that
// serve narration files directly do not re-download them from object
// storage on every request. It is a best-effort side channel: the media
// path works identically whether or not the mirror succeeds.
type Cache struct {
	log *logger.Logger
	dir string
}

// NewCache reads LOCAL_MEDIA_CACHE_DIR. An unset directory disables the
// cache; callers hold a nil *Cache and every method no-ops.
func NewCache(log *logger.Logger) *Cache {
	dir := strings.TrimSpace(os.Getenv("LOCAL_MEDIA_CACHE_DIR"))
	if dir == "" {
		return nil
	}
	return &Cache{log: log.With("service", "LocalMediaCache"), dir: dir}
}

func (c *Cache) Enabled() bool { return c != nil }

// Ensure returns the local path for filename, fetching and writing it when
// absent. The write goes through a temp file and rename so a failed fetch
// never leaves a truncated asset behind.
func (c *Cache) Ensure(ctx context.Context, filename string, fetch func(ctx context.Context) (io.ReadCloser, error)) (string, error) {
	if c == nil {
		return "", fmt.Errorf("local media cache disabled")
	}
	path := filepath.Join(c.dir, filepath.Base(filename))

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	r, err := fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch %q: %w", filename, err)
	}
	defer r.Close()

	tmp, err := os.CreateTemp(c.dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write %q: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close %q: %w", filename, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("publish %q: %w", filename, err)
	}

	c.log.Debug("Mirrored media asset locally", "path", path)
	return path, nil
}
