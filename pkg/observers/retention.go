package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PurgeResult counts the session artifacts removed by PurgeArtifacts.
type PurgeResult struct {
	Timelines int
	Usage     int
}

func (r PurgeResult) Total() int { return r.Timelines + r.Usage }

// PurgeArtifacts deletes session timelines and usage reports in dir last
// written before now-maxAge. Files this package does not write are left
// alone, as are subdirectories.
func PurgeArtifacts(dir string, maxAge time.Duration, now time.Time) (PurgeResult, error) {
	var res PurgeResult
	if dir == "" || maxAge <= 0 {
		return res, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	cutoff := now.Add(-maxAge)
	var errs error
	for _, entry := range entries {
		name := entry.Name()
		usage := strings.HasSuffix(name, usageSuffix)
		if entry.IsDir() || (!usage && !strings.HasSuffix(name, timelineSuffix)) {
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
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if usage {
			res.Usage++
		} else {
			res.Timelines++
		}
	}
	return res, errs
}
