package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("INFO"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("bogus"))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", MaskKey("short"))
	assert.Equal(t, "sk-a...wxyz", MaskKey("sk-ant-api03-wxyz"))
}

func TestOpenLogFileRotatesStaleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")

	require.NoError(t, os.WriteFile(path, []byte("old entries\n"), 0644))
	stale := time.Now().AddDate(0, 0, -2)
	require.NoError(t, os.Chtimes(path, stale, stale))

	file, cleanup, err := OpenLogFile(path, 7)
	require.NoError(t, err)
	defer cleanup()
	_, err = file.WriteString("new entry\n")
	require.NoError(t, err)

	rotated := path + "." + stale.Format("2006-01-02")
	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Equal(t, "old entries\n", string(old))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new entry\n", string(current))
}

func TestOpenLogFilePrunesOldRotations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")

	ancient := path + "." + time.Now().AddDate(0, 0, -30).Format("2006-01-02")
	recent := path + "." + time.Now().AddDate(0, 0, -2).Format("2006-01-02")
	unrelated := path + ".bak"
	for _, p := range []string{ancient, recent, unrelated} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	_, cleanup, err := OpenLogFile(path, 7)
	require.NoError(t, err)
	defer cleanup()

	_, err = os.Stat(ancient)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, recent)
	// Only dated rotations are subject to pruning.
	assert.FileExists(t, unrelated)
}

func TestOpenLogFileKeepsEverythingWhenRetentionDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")

	ancient := path + "." + time.Now().AddDate(0, 0, -365).Format("2006-01-02")
	require.NoError(t, os.WriteFile(ancient, []byte("x"), 0644))

	_, cleanup, err := OpenLogFile(path, 0)
	require.NoError(t, err)
	defer cleanup()

	assert.FileExists(t, ancient)
}
