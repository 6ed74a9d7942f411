package tracelog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteCreatesCurrentLogSymlinkAndAppendsLine(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 7)
	defer w.Close()

	require.NoError(t, w.Write("state", "LCP opened"))

	target, err := os.Readlink(filepath.Join(dir, "current.log"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, target))
	require.NoError(t, err)
	require.Contains(t, string(data), "[state] LCP opened")
}

func TestWriteContinuesExistingCurrentLogAfterRestart(t *testing.T) {
	dir := t.TempDir()
	w1 := NewWriter(dir, 7)
	require.NoError(t, w1.Write("state", "first"))
	w1.Close()

	w2 := NewWriter(dir, 7)
	defer w2.Close()
	require.NoError(t, w2.Write("state", "second"))

	target, err := os.Readlink(filepath.Join(dir, "current.log"))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, target))
	require.NoError(t, err)
	require.Contains(t, string(data), "first")
	require.Contains(t, string(data), "second")
}

func TestRotateStartsNewFileAndResetsCooldown(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 7)
	defer w.Close()

	require.NoError(t, w.Write("state", "before rotate"))
	require.True(t, w.CanRotate())

	name, err := w.Rotate()
	require.NoError(t, err)
	require.NotEmpty(t, name)
	require.False(t, w.CanRotate())

	require.NoError(t, w.Write("state", "after rotate"))
	logs, err := w.ListLogs()
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestCleanupRemovesLogsOlderThanRetention(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	require.NoError(t, os.WriteFile(old, []byte("stale"), 0644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	fresh := filepath.Join(dir, "fresh.log")
	require.NoError(t, os.WriteFile(fresh, []byte("recent"), 0644))

	w := NewWriter(dir, 7)
	w.Cleanup()

	_, err := os.Stat(old)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
}

func TestCleanupDisabledWhenRetentionDaysIsZero(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	require.NoError(t, os.WriteFile(old, []byte("stale"), 0644))
	oldTime := time.Now().AddDate(0, 0, -100)
	require.NoError(t, os.Chtimes(old, oldTime, oldTime))

	w := NewWriter(dir, 0)
	w.Cleanup()

	_, err := os.Stat(old)
	require.NoError(t, err)
}
