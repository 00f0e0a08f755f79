package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Artifacts manages the download directory. Each job owns the files named
// "<jobID>.<ext>"; the extension is only known after the fetch.
type Artifacts struct {
	dir    string
	logger *slog.Logger
}

// NewArtifacts creates an artifact directory manager.
func NewArtifacts(dir string, logger *slog.Logger) *Artifacts {
	if dir == "" {
		dir = "./data/downloads"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Artifacts{dir: dir, logger: logger.With("component", "artifacts")}
}

// Dir returns the download directory.
func (a *Artifacts) Dir() string { return a.dir }

// EnsureDir creates the download directory.
func (a *Artifacts) EnsureDir() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}
	return nil
}

// Prefix is the destination prefix handed to the Fetcher.
func (a *Artifacts) Prefix(jobID string) string {
	return filepath.Join(a.dir, jobID)
}

// Find returns a completed artifact of the job, if one exists.
func (a *Artifacts) Find(jobID string) (string, bool, error) {
	return findByPrefix(a.Prefix(jobID))
}

// Remove deletes every file of the job, partial downloads included, and
// returns how many were removed.
func (a *Artifacts) Remove(jobID string) int {
	matches, err := filepath.Glob(globEscape(a.Prefix(jobID)) + ".*")
	if err != nil {
		a.logger.Warn("failed to list artifacts", "job_id", jobID, "error", err)
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to delete artifact", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// RemoveOlderThan deletes artifacts left behind longer than age (crashed
// runs, failed deliveries) and returns how many were removed.
func (a *Artifacts) RemoveOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading download directory: %w", err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(a.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to delete stale artifact", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// findByPrefix returns the first finished file named prefix.<ext>. yt-dlp
// in-progress files (.part, .ytdl, .temp) are skipped.
func findByPrefix(prefix string) (string, bool, error) {
	matches, err := filepath.Glob(globEscape(prefix) + ".*")
	if err != nil {
		return "", false, fmt.Errorf("finding artifact: %w", err)
	}
	for _, path := range matches {
		if isPartial(path) {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return path, true, nil
		}
	}
	return "", false, nil
}

func isPartial(path string) bool {
	for _, suffix := range []string{".part", ".ytdl", ".temp"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	// Unmerged format streams look like "<id>.f137.mp4".
	parts := strings.Split(filepath.Base(path), ".")
	return len(parts) > 2 && formatStream.MatchString(parts[len(parts)-2])
}

var formatStream = regexp.MustCompile(`^f\d+$`)

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
