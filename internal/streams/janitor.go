package streams

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Janitor sweeps the segment output root on a fixed interval and deletes
// leftovers from crashes or unclean shutdowns. It only ever touches
// directories with no registry entry; an active stream's directory is never
// cleaned regardless of file age.
type Janitor struct {
	root      string
	interval  time.Duration
	retention time.Duration
	owned     func(id string) bool
	log       *slog.Logger
}

// NewJanitor returns a Janitor over root. owned reports whether a directory
// name still belongs to a registered stream.
func NewJanitor(root string, interval, retention time.Duration, owned func(id string) bool, log *slog.Logger) *Janitor {
	return &Janitor{
		root:      root,
		interval:  interval,
		retention: retention,
		owned:     owned,
		log:       log,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. Sweep
// failures are logged and retried on the next tick, never fatal.
func (j *Janitor) Run(ctx context.Context) {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.Sweep()
		}
	}
}

// Sweep removes expired files from orphaned output directories and then the
// directories themselves once empty. It returns the number of files removed.
func (j *Janitor) Sweep() int {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Error("janitor read root", slog.String("error", err.Error()))
		}
		return 0
	}

	cutoff := time.Now().Add(-j.retention)
	removed := 0

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if j.owned(e.Name()) {
			continue
		}
		removed += j.sweepDir(filepath.Join(j.root, e.Name()), cutoff)
	}

	if removed > 0 {
		j.log.Info("janitor sweep complete", slog.Int("files_removed", removed))
	}
	return removed
}

func (j *Janitor) sweepDir(dir string, cutoff time.Time) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		j.log.Warn("janitor read dir", slog.String("dir", dir), slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	remaining := 0
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			j.log.Warn("janitor stat", slog.String("dir", dir), slog.String("error", err.Error()))
			remaining++
			continue
		}
		if info.IsDir() || info.ModTime().After(cutoff) {
			remaining++
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
			j.log.Warn("janitor remove", slog.String("file", f.Name()), slog.String("error", err.Error()))
			remaining++
			continue
		}
		removed++
	}

	if remaining == 0 {
		if err := os.Remove(dir); err != nil {
			j.log.Warn("janitor remove dir", slog.String("dir", dir), slog.String("error", err.Error()))
		} else {
			j.log.Info("removed orphan stream directory", slog.String("dir", dir))
		}
	}
	return removed
}
