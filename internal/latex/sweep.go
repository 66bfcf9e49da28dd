package latex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var tempDirRx = regexp.MustCompile(`^\d\d-\d\d-\d\d`)

// Sweep removes temporary directories older than maxAge from the output
// directories of every resolved target. Directories of live runners are
// kept. It returns the number of removed directories.
func (t *Targets) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	deadline := t.cfg.Now().Add(-maxAge)
	var removed int
	var errs []error
	for _, outDir := range t.outDirs.ToSlice() {
		entries, err := os.ReadDir(outDir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reading %s: %w", outDir, err))
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !tempDirRx.MatchString(e.Name()) {
				continue
			}
			path := filepath.Join(outDir, e.Name())
			if t.inUse.Contains(path) {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(deadline) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
				continue
			}
			slog.DebugContext(ctx, "old temporary directory removed", "path", path)
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// InUse returns the number of temporary directories owned by live runners.
func (t *Targets) InUse() int {
	return t.inUse.Cardinality()
}
