package resultstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var ErrAlreadyArchived = errors.New("a run with this name is already archived")

// ResultStore keeps the artifacts of a successful run. Archive returns the local directory that
// holds the run afterwards.
type ResultStore interface {
	Archive(ctx context.Context, runDir string) (string, error)
}

// LocalStore moves run directories into Dir.
type LocalStore struct {
	Dir string
}

func (s *LocalStore) Archive(ctx context.Context, runDir string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.Dir, filepath.Base(runDir))
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyArchived, dst)
	}
	if err := os.Rename(runDir, dst); err != nil {
		return "", fmt.Errorf("can't move %s to %s: %w", runDir, dst, err)
	}
	slog.Info("archived run", slog.String("dir", dst))
	return dst, nil
}
