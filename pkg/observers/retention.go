package observers

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PurgeArtifacts deletes per-call timeline files in dir that were last
// written more than retentionDays ago, and returns how many went. The shared
// metrics.jsonl log is kept. A missing dir is not an error.
func PurgeArtifacts(dir string, retentionDays int) (int, error) {
	if dir == "" || retentionDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var removed int
	var errs error
	for _, entry := range entries {
		if !isTimelineFile(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func isTimelineFile(entry fs.DirEntry) bool {
	name := entry.Name()
	return entry.Type().IsRegular() && strings.HasSuffix(name, ".jsonl") && name != "metrics.jsonl"
}
