// Package file persists the token store snapshot as a JSON document on local
// disk.
//
// Writes go to a temporary file in the same directory which is then renamed over
// the snapshot, so a crash never leaves a half-written document. A sibling
// ".lock" file taken with flock serializes writers across processes that share
// the same path.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/suleymangunel/mcp-oauth-google/storage"
)

const (
	// DefaultPath is the snapshot location used when none is configured.
	DefaultPath = ".oauth_store.json"

	lockTimeout       = 5 * time.Second
	lockRetryInterval = 100 * time.Millisecond

	fileMode = 0o600
)

// Persister reads and writes the snapshot file.
type Persister struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

var _ storage.Persister = (*Persister)(nil)

// New creates a persister for path. The parent directory is created if needed.
func New(path string, logger *slog.Logger) (*Persister, error) {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return &Persister{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}, nil
}

// Path returns the snapshot file location.
func (p *Persister) Path() string {
	return p.path
}

// Load returns the snapshot file contents, or nil if the file does not exist.
func (p *Persister) Load(ctx context.Context) ([]byte, error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := p.lock.TryRLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire read lock: timeout after %v", lockTimeout)
	}
	defer func() { _ = p.lock.Unlock() }()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	return data, nil
}

// Save atomically replaces the snapshot file with data.
func (p *Persister) Save(ctx context.Context, data []byte) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := p.lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer func() { _ = p.lock.Unlock() }()

	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary store file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close store file: %w", err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return fmt.Errorf("failed to set store file permissions: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	committed = true

	p.logger.Debug("Saved token store snapshot", "path", p.path, "bytes", len(data))
	return nil
}

// Close releases the lock file handle.
func (p *Persister) Close() error {
	return p.lock.Close()
}
