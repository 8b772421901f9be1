package artifacts

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surf/internal/logging"
)

func TestStorePutAndGet(t *testing.T) {
	store := NewStore(logging.Nop())
	artifact := store.PutBytes("extract", "text/plain", []byte("hello world"), map[string]any{"url": "https://example.test"})

	assert.Regexp(t, `^art_[0-9a-f]{12}$`, artifact.ID)
	assert.Equal(t, 11, artifact.Bytes)

	got, ok := store.Get(artifact.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), got.Data())

	_, ok = store.Get("art_missing00000")
	assert.False(t, ok)
}

func TestStorePutJSON(t *testing.T) {
	store := NewStore(logging.Nop())
	artifact, err := store.PutJSON("net", map[string]any{"rows": []int{1, 2, 3}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", artifact.Mime)
	assert.Contains(t, string(artifact.Data()), `"rows":[1,2,3]`)
}

func TestStoreSlicePaging(t *testing.T) {
	store := NewStore(logging.Nop())
	payload := strings.Repeat("abcdefghij", 100) // 1000 chars
	artifact := store.PutBytes("extract", "text/plain", []byte(payload), nil)

	chunk, total, err := store.Slice(artifact.ID, 0, 400)
	require.NoError(t, err)
	assert.Equal(t, 1000, total)
	assert.Len(t, chunk, 400)
	assert.Equal(t, payload[:400], chunk)

	chunk, total, err = store.Slice(artifact.ID, 950, 400)
	require.NoError(t, err)
	assert.Equal(t, 1000, total)
	assert.Equal(t, payload[950:], chunk)

	chunk, total, err = store.Slice(artifact.ID, 2000, 400)
	require.NoError(t, err)
	assert.Empty(t, chunk, "offset past the end reads empty, total still reported")
	assert.Equal(t, 1000, total)

	_, _, err = store.Slice("art_nope00000000", 0, 100)
	assert.Error(t, err)
}

func TestStoreSliceBinaryAsBase64(t *testing.T) {
	store := NewStore(logging.Nop())
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x01, 0x02}
	artifact := store.PutBytes("screenshot", "image/png", raw, nil)

	chunk, total, err := store.Slice(artifact.ID, 0, 0)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(raw)
	assert.Equal(t, encoded, chunk)
	assert.Equal(t, len(encoded), total)
}

func TestStoreDeleteAndList(t *testing.T) {
	store := NewStore(logging.Nop())
	first := store.PutBytes("a", "text/plain", []byte("1"), nil)
	store.PutBytes("b", "text/plain", []byte("2"), nil)

	list := store.List()
	require.Len(t, list, 2)
	for _, item := range list {
		assert.Nil(t, item.Data(), "listings never carry payloads")
	}

	assert.True(t, store.Delete(first.ID))
	assert.False(t, store.Delete(first.ID))
	assert.Len(t, store.List(), 1)
}

func TestStoreExport(t *testing.T) {
	store := NewStore(logging.Nop())
	artifact := store.PutBytes("extract", "application/json", []byte(`{"a":1}`), nil)
	dir := t.TempDir()

	path, err := store.Export(artifact.ID, dir, "", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, artifact.ID+".json"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	_, err = store.Export(artifact.ID, dir, "", false)
	require.Error(t, err, "refuses to clobber without overwrite")
	assert.Contains(t, err.Error(), "overwrite=true")

	_, err = store.Export(artifact.ID, dir, "", true)
	assert.NoError(t, err)

	named, err := store.Export(artifact.ID, dir, "data.json", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data.json"), named)
}
