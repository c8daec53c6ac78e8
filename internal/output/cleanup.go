// internal/output/cleanup.go - Partial output removal
package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// sidecarSuffixes are the files SQLite may leave beside a container
var sidecarSuffixes = []string{"-journal", "-wal", "-shm"}

// Remover deletes partial output files, retrying because some platforms
// release file handles asynchronously after close
type Remover struct {
	Fs       afero.Fs
	Attempts int
	Delay    time.Duration
	Logger   *zap.Logger
}

// NewRemover creates a Remover on the OS filesystem
func NewRemover(attempts int, delay time.Duration, logger *zap.Logger) *Remover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remover{
		Fs:       afero.NewOsFs(),
		Attempts: attempts,
		Delay:    delay,
		Logger:   logger,
	}
}

// Remove deletes path and its SQLite sidecars. Attempt n waits n*Delay
// before retrying. A missing file counts as removed. The context only
// shortens the waits; the final attempt always runs.
func (r *Remover) Remove(ctx context.Context, path string) error {
	var errs error
	for _, p := range append([]string{path}, sidecars(path)...) {
		errs = multierr.Append(errs, r.removeOne(ctx, p))
	}
	return errs
}

func (r *Remover) removeOne(ctx context.Context, path string) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = r.Fs.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}

		r.Logger.Debug("Delete attempt failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < attempts {
			sleep(ctx, time.Duration(attempt)*r.Delay)
		}
	}

	r.Logger.Warn("Failed to delete partial output",
		zap.String("path", path),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return fmt.Errorf("failed to delete %s after %d attempts: %w", path, attempts, err)
}

func sidecars(path string) []string {
	out := make([]string, 0, len(sidecarSuffixes))
	for _, s := range sidecarSuffixes {
		out = append(out, path+s)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
