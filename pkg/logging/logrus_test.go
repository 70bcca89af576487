package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"
)

func writeAged(t *testing.T, dir, name string, size int, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NilError(t, os.WriteFile(path, make([]byte, size), 0o644))
	mtime := time.Now().Add(-age)
	assert.NilError(t, os.Chtimes(path, mtime, mtime))
}

func dirSize(t *testing.T, dir string) int64 {
	t.Helper()
	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		assert.NilError(t, err)
		total += info.Size()
	}
	return total
}

func TestTrimDirEvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "old.log", 400, 3*time.Hour)
	writeAged(t, dir, "mid.log", 400, 2*time.Hour)
	writeAged(t, dir, "new.log", 400, time.Hour)

	assert.NilError(t, TrimDir(dir, 900))

	// The oldest file went; the directory fits the quota again.
	_, err := os.Stat(filepath.Join(dir, "old.log"))
	assert.Assert(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "new.log"))
	assert.NilError(t, err)
	assert.Assert(t, dirSize(t, dir) <= 900)
}

func TestTrimDirUnderQuotaUntouched(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "a.log", 100, time.Hour)
	writeAged(t, dir, "b.log", 100, 2*time.Hour)

	assert.NilError(t, TrimDir(dir, 1000))

	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Equal(t, 2, len(entries))
}

func TestTrimDirMissingDirIsFine(t *testing.T) {
	assert.NilError(t, TrimDir(filepath.Join(t.TempDir(), "absent"), 100))
}
