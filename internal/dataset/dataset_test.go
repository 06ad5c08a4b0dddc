package dataset

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/eegscope/internal/config"
)

const refFile = "MEG/sample/sample_audvis_raw.edf"

func newTestLocator(t *testing.T, root, baseURL string) *Locator {
	t.Helper()
	l, err := NewLocator(config.DatasetConfig{
		Path:           root,
		URL:            baseURL,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLocator() error = %v", err)
	}
	return l
}

func TestRoot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Setenv(EnvVar, "")
	got, err := Root("")
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}
	if want := filepath.Join(home, DefaultDirName); got != want {
		t.Errorf("Root() = %q, want %q", got, want)
	}

	t.Setenv(EnvVar, "/from/env")
	if got, _ := Root(""); got != "/from/env" {
		t.Errorf("Root() = %q, want env value", got)
	}
	if got, _ := Root("/from/config"); got != "/from/config" {
		t.Errorf("Root() = %q, want configured value", got)
	}
}

func TestLocateExisting(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, filepath.FromSlash(refFile))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("edf"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newTestLocator(t, root, "")
	got, err := l.Locate(context.Background(), refFile)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if got != path {
		t.Errorf("Locate() = %q, want %q", got, path)
	}
}

func TestLocateMissingWithoutURL(t *testing.T) {
	l := newTestLocator(t, t.TempDir(), "")
	_, err := l.Locate(context.Background(), refFile)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := l.Locate(context.Background(), "/abs/file.edf"); err == nil {
		t.Error("expected error for absolute path")
	}
}

func TestLocateDownloadsWithRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mirror/"+refFile {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("0       payload"))
	}))
	defer server.Close()

	root := t.TempDir()
	l := newTestLocator(t, root, server.URL+"/mirror")
	path, err := l.Locate(context.Background(), refFile)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(data) != "0       payload" {
		t.Errorf("unexpected content %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be removed")
	}

	// second lookup is served from disk
	if _, err := l.Locate(context.Background(), refFile); err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected no further downloads, got %d attempts", attempts.Load())
	}
}

func TestLocateNotFoundOnMirror(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	root := t.TempDir()
	l := newTestLocator(t, root, server.URL)
	_, err := l.Locate(context.Background(), refFile)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("404 should not be retried, got %d attempts", attempts.Load())
	}
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(refFile))); !os.IsNotExist(err) {
		t.Error("no file should be written")
	}
}

func TestLocateRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	l := newTestLocator(t, t.TempDir(), server.URL)
	_, err := l.Locate(context.Background(), refFile)
	if err == nil {
		t.Fatal("expected error after retries")
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestLocateCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	l, err := NewLocator(config.DatasetConfig{
		Path:           t.TempDir(),
		URL:            server.URL,
		Timeout:        time.Second,
		MaxRetries:     5,
		RetryDelayBase: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Locate(ctx, refFile)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
