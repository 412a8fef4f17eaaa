package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/samcharles93/segformer/internal/logger"
)

// CacheDirEnv overrides the default download cache location.
const CacheDirEnv = "SEGFORMER_CACHE_DIR"

// DefaultCacheDir returns $SEGFORMER_CACHE_DIR, or a segformer directory
// under the user cache directory.
func DefaultCacheDir() string {
	if dir := os.Getenv(CacheDirEnv); dir != "" {
		return dir
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "segformer")
	}
	return filepath.Join(base, "segformer")
}

// Fetch resolves location to a local file. http and https URLs are
// downloaded once into cacheDir and reused afterwards; file URLs and plain
// paths are returned as is after checking they exist.
func Fetch(ctx context.Context, location, cacheDir string) (string, error) {
	u, err := url.Parse(location)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		p := location
		if err == nil && u.Scheme == "file" {
			p = u.Path
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("checkpoint: %w", err)
		}
		return p, nil
	}

	if cacheDir == "" {
		cacheDir = DefaultCacheDir()
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: cache dir: %w", err)
	}
	sum := sha256.Sum256([]byte(location))
	dest := filepath.Join(cacheDir, hex.EncodeToString(sum[:8])+"-"+path.Base(u.Path))

	log := logger.FromContext(ctx)
	if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
		log.Debug("using cached checkpoint", "url", location, "path", dest)
		return dest, nil
	}

	log.Info("downloading checkpoint", "url", location, "path", dest)
	start := time.Now()
	n, err := download(ctx, location, dest)
	if err != nil {
		return "", err
	}
	log.Info("download complete", "bytes", n, "elapsed", time.Since(start).Round(time.Millisecond))
	return dest, nil
}

func download(ctx context.Context, location, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("checkpoint: download %s: %s", location, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".partial-*")
	if err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("checkpoint: download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	return n, nil
}
