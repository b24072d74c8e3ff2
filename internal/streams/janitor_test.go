package streams

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeAgedFile creates a file whose mtime is set age in the past.
func writeAgedFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestJanitor_removes_expired_orphans(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, "dead-cam")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	writeAgedFile(t, orphan, "segment_00001.ts", 48*time.Hour)
	writeAgedFile(t, orphan, "playlist.m3u8", 48*time.Hour)

	j := NewJanitor(root, time.Hour, 24*time.Hour, func(string) bool { return false }, testLogger())
	removed := j.Sweep()

	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("empty orphan directory should be removed")
	}
}

func TestJanitor_keeps_fresh_orphan_files(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, "recent-cam")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	fresh := writeAgedFile(t, orphan, "segment_00001.ts", time.Hour)

	j := NewJanitor(root, time.Hour, 24*time.Hour, func(string) bool { return false }, testLogger())
	if removed := j.Sweep(); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("file within retention should survive the sweep")
	}
	if _, err := os.Stat(orphan); err != nil {
		t.Error("non-empty directory should not be removed")
	}
}

func TestJanitor_never_touches_active_stream(t *testing.T) {
	root := t.TempDir()
	active := filepath.Join(root, "cam1")
	orphan := filepath.Join(root, "orphan")
	for _, d := range []string{active, orphan} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// Same age on both; only ownership differs.
	kept := writeAgedFile(t, active, "segment_00001.ts", 72*time.Hour)
	writeAgedFile(t, orphan, "segment_00001.ts", 72*time.Hour)

	owned := func(id string) bool { return id == "cam1" }
	j := NewJanitor(root, time.Hour, 24*time.Hour, owned, testLogger())
	j.Sweep()

	if _, err := os.Stat(kept); err != nil {
		t.Error("active stream's files must survive regardless of age")
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan of the same age should be removed")
	}
}

func TestJanitor_missing_root_is_not_fatal(t *testing.T) {
	j := NewJanitor(filepath.Join(t.TempDir(), "nope"), time.Hour, time.Hour, func(string) bool { return false }, testLogger())
	if removed := j.Sweep(); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestJanitor_ignores_stray_files_in_root(t *testing.T) {
	root := t.TempDir()
	writeAgedFile(t, root, "stray.txt", 72*time.Hour)

	j := NewJanitor(root, time.Hour, 24*time.Hour, func(string) bool { return false }, testLogger())
	if removed := j.Sweep(); removed != 0 {
		t.Errorf("removed = %d, want 0 (root files are not stream output)", removed)
	}
}
