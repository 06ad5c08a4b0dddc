// Package dataset locates the reference recordings used by the analysis and
// fetches missing files from a mirror when one is configured.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/eegscope/internal/config"
	"github.com/rewired-gh/eegscope/internal/logger"
)

// EnvVar names the environment variable consulted when no dataset path is configured.
const EnvVar = "EEGSCOPE_DATA"

// DefaultDirName is the dataset directory created under the user's home.
const DefaultDirName = "eegscope_data"

// ErrNotFound is returned when a dataset file is neither on disk nor downloadable.
var ErrNotFound = errors.New("unlocatable reference dataset")

// Locator resolves dataset files below a root directory.
type Locator struct {
	root           string
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// NewLocator resolves the dataset root: the configured path, else $EEGSCOPE_DATA,
// else ~/eegscope_data.
func NewLocator(cfg config.DatasetConfig) (*Locator, error) {
	root, err := Root(cfg.Path)
	if err != nil {
		return nil, err
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Locator{
		root:           root,
		baseURL:        cfg.URL,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxRetries:     maxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}, nil
}

// Root returns the dataset directory for a configured path, which may be empty.
func Root(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// Dir returns the dataset root directory.
func (l *Locator) Dir() string { return l.root }

// Locate returns the local path of rel (slash-separated, relative to the root),
// downloading it first if it is missing and a mirror URL is configured.
func (l *Locator) Locate(ctx context.Context, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("dataset file %q must be relative to the dataset root", rel)
	}
	path := filepath.Join(l.root, filepath.FromSlash(rel))
	if _, err := os.Stat(path); err == nil {
		logger.Debug("Dataset file found: %s", path)
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if l.baseURL == "" {
		return "", fmt.Errorf("%w: %s does not exist and dataset.url is not set", ErrNotFound, path)
	}
	src, err := url.JoinPath(l.baseURL, rel)
	if err != nil {
		return "", fmt.Errorf("invalid dataset url: %w", err)
	}
	if err := l.download(ctx, src, path); err != nil {
		return "", err
	}
	return path, nil
}

// download fetches src into dst through a temporary sibling file.
func (l *Locator) download(ctx context.Context, src, dst string) error {
	logger.Info("Downloading %s", src)
	resp, err := l.doRequest(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", src, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}
	tempPath := dst + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := os.Rename(tempPath, dst); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	logger.Info("Saved %s (%s)", dst, humanize.Bytes(uint64(n)))
	return nil
}

// doRequest performs HTTP request with retry logic
func (l *Locator) doRequest(ctx context.Context, src string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < l.maxRetries; i++ {
		if i > 0 {
			// linear backoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * l.retryDelayBase):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}

		resp, err := l.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Download attempt %d/%d failed: %v", i+1, l.maxRetries, err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s returned 404", ErrNotFound, src)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			logger.Warn("Download attempt %d/%d failed: %v", i+1, l.maxRetries, lastErr)
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
