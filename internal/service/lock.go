package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

var ErrAlreadyRunning = errors.New("server already running")

// DefaultLockFile returns the lock file guarding the server listening on
// listen, in the user cache directory.
func DefaultLockFile(listen string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("getting cache directory: %w", err)
	}
	name := strings.NewReplacer(":", "-", "/", "-", "\\", "-").Replace(listen)
	return filepath.Join(dir, "prewarm", "prewarm-"+name+".lock"), nil
}

// acquireLock takes the lock file without waiting for it.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is locked: %w", path, ErrAlreadyRunning)
	}
	return lock, nil
}
