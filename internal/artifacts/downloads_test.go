package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDownloadBaselineSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "report.pdf", "pdf-bytes")
	writeFile(t, dir, "partial.crdownload", "x")
	writeFile(t, dir, "stale.part", "x")
	writeFile(t, dir, "work.tmp", "x")
	writeFile(t, dir, ".hidden", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	baseline := DownloadWatcher{Dir: dir}.Baseline()
	assert.Equal(t, map[string]int64{"report.pdf": 9}, baseline)
}

func TestDownloadBaselineMissingDir(t *testing.T) {
	baseline := DownloadWatcher{Dir: filepath.Join(t.TempDir(), "absent")}.Baseline()
	assert.Empty(t, baseline)
}

func TestWaitForNewDetectsStableFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "old.csv", "rows")
	watcher := DownloadWatcher{Dir: dir}
	baseline := watcher.Baseline()

	go func() {
		time.Sleep(100 * time.Millisecond)
		writeFile(t, dir, "export.csv", "a,b,c\n1,2,3\n")
	}()

	result, err := watcher.WaitForNew(context.Background(), baseline, 5*time.Second, 300)
	require.NoError(t, err)
	assert.Equal(t, "export.csv", result.FileName)
	assert.Equal(t, int64(12), result.Bytes)
	assert.Equal(t, "text/csv", result.MimeType)
	assert.Len(t, result.SHA256, 64)
}

func TestWaitForNewIgnoresInProgress(t *testing.T) {
	dir := t.TempDir()
	watcher := DownloadWatcher{Dir: dir}
	baseline := watcher.Baseline()
	writeFile(t, dir, "big.iso.crdownload", "partial")

	_, err := watcher.WaitForNew(context.Background(), baseline, 800*time.Millisecond, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no completed download")
}

func TestWaitForNewHonorsContext(t *testing.T) {
	watcher := DownloadWatcher{Dir: t.TempDir()}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	_, err := watcher.WaitForNew(ctx, watcher.Baseline(), 10*time.Second, 100)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMimeFromName(t *testing.T) {
	assert.Equal(t, "application/pdf", mimeFromName("Invoice.PDF"))
	assert.Equal(t, "image/jpeg", mimeFromName("photo.jpeg"))
	assert.Equal(t, "", mimeFromName("archive.xyz"))
}
