package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	pollInterval = 200 * time.Millisecond
	// DefaultStableMS is how long a file size must hold before the download
	// counts as complete.
	DefaultStableMS = 750
	// DefaultSHA256MaxBytes caps hashing cost for very large downloads.
	DefaultSHA256MaxBytes = 64 << 20
)

// DownloadResult describes one captured download.
type DownloadResult struct {
	FileName string `json:"fileName"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	MimeType string `json:"mimeType,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// DownloadWatcher observes a per-tab download directory.
type DownloadWatcher struct {
	Dir string
}

// Baseline snapshots current directory contents (name -> size). In-progress
// browser temp files are ignored.
func (w DownloadWatcher) Baseline() map[string]int64 {
	snapshot := make(map[string]int64)
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return snapshot
	}
	for _, entry := range entries {
		if entry.IsDir() || isTempDownload(entry.Name()) {
			continue
		}
		if info, err := entry.Info(); err == nil {
			snapshot[entry.Name()] = info.Size()
		}
	}
	return snapshot
}

// WaitForNew polls for a file absent from baseline whose size has been stable
// for stableMS. Bounded by timeout.
func (w DownloadWatcher) WaitForNew(ctx context.Context, baseline map[string]int64, timeout time.Duration, stableMS int) (*DownloadResult, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if stableMS <= 0 {
		stableMS = DefaultStableMS
	}
	deadline := time.Now().Add(timeout)

	var candidate string
	var lastSize int64 = -1
	var stableSince time.Time

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		name, size := w.findNew(baseline)
		if name == "" {
			continue
		}
		if name != candidate || size != lastSize {
			candidate, lastSize, stableSince = name, size, time.Now()
			continue
		}
		if time.Since(stableSince) >= time.Duration(stableMS)*time.Millisecond {
			path := filepath.Join(w.Dir, name)
			result := &DownloadResult{
				FileName: name,
				Path:     path,
				Bytes:    size,
				MimeType: mimeFromName(name),
			}
			if size <= DefaultSHA256MaxBytes {
				if sum, err := fileSHA256(path); err == nil {
					result.SHA256 = sum
				}
			}
			return result, nil
		}
	}
	return nil, fmt.Errorf("no completed download within %s", timeout)
}

func (w DownloadWatcher) findNew(baseline map[string]int64) (string, int64) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return "", 0
	}
	for _, entry := range entries {
		if entry.IsDir() || isTempDownload(entry.Name()) {
			continue
		}
		if _, existed := baseline[entry.Name()]; existed {
			continue
		}
		if info, err := entry.Info(); err == nil {
			return entry.Name(), info.Size()
		}
	}
	return "", 0
}

func isTempDownload(name string) bool {
	return strings.HasSuffix(name, ".crdownload") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasPrefix(name, ".")
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func mimeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".zip":
		return "application/zip"
	default:
		return ""
	}
}
