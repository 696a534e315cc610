package evidence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const archiveStampLayout = "20060102T150405Z"

// rotate moves a non-empty latest directory into archiveDir/<stamp> and prunes the archive
// down to keep entries. It returns the new archive path, or "" when there was nothing to move.
func rotate(latestDir, archiveDir string, at time.Time, keep int) (string, error) {
	entries, err := os.ReadDir(latestDir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	if archiveDir == "" {
		archiveDir = filepath.Join(filepath.Dir(latestDir), "archive")
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	base := at.UTC().Format(archiveStampLayout)
	existing, err := os.ReadDir(archiveDir)
	if err != nil {
		return "", err
	}
	next := -1
	for _, e := range existing {
		if stamp, n := splitStamp(e.Name()); stamp == base && n > next {
			next = n
		}
	}
	target := filepath.Join(archiveDir, base)
	if next >= 0 {
		target = filepath.Join(archiveDir, fmt.Sprintf("%s-%d", base, next+1))
	}

	if err := os.Rename(latestDir, target); err != nil {
		return "", fmt.Errorf("move %s: %w", latestDir, err)
	}
	if err := prune(archiveDir, keep); err != nil {
		return target, err
	}
	if keep == 0 {
		return "", nil
	}
	return target, nil
}

// prune removes the oldest archived snapshots beyond keep.
func prune(archiveDir string, keep int) error {
	if keep < 0 {
		return nil
	}
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) <= keep {
		return nil
	}
	sort.Slice(dirs, func(i, j int) bool {
		bi, ni := splitStamp(dirs[i])
		bj, nj := splitStamp(dirs[j])
		if bi != bj {
			return bi < bj
		}
		return ni < nj
	})
	for _, name := range dirs[:len(dirs)-keep] {
		if err := os.RemoveAll(filepath.Join(archiveDir, name)); err != nil {
			return fmt.Errorf("prune %s: %w", name, err)
		}
	}
	return nil
}

// splitStamp separates an archive name into its timestamp and collision counter, so that
// "<stamp>-10" orders after "<stamp>-2".
func splitStamp(name string) (string, int) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return name, 0
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return name, 0
	}
	return name[:i], n
}
