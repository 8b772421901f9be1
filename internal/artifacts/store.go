package artifacts

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"surf/internal/logging"
)

// Artifact is an off-context payload addressable by an opaque id. Ids are
// unique within the process and survive lookups until explicitly deleted.
type Artifact struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Mime      string         `json:"mime"`
	Bytes     int            `json:"bytes"`
	CreatedAt time.Time      `json:"created_at"`
	Meta      map[string]any `json:"meta,omitempty"`

	data []byte
}

// Data returns the raw payload.
func (a *Artifact) Data() []byte { return a.data }

// Store holds artifacts in memory for the process lifetime.
type Store struct {
	mu     sync.RWMutex
	items  map[string]*Artifact
	logger logging.Logger
}

func NewStore(logger logging.Logger) *Store {
	return &Store{
		items:  make(map[string]*Artifact),
		logger: logging.OrNop(logger),
	}
}

func newID() string {
	return "art_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// PutBytes stores a raw payload.
func (s *Store) PutBytes(kind, mime string, data []byte, meta map[string]any) *Artifact {
	artifact := &Artifact{
		ID:        newID(),
		Kind:      kind,
		Mime:      mime,
		Bytes:     len(data),
		CreatedAt: time.Now(),
		Meta:      meta,
		data:      data,
	}
	s.mu.Lock()
	s.items[artifact.ID] = artifact
	s.mu.Unlock()
	s.logger.Debug("artifact stored: %s kind=%s bytes=%d", artifact.ID, kind, len(data))
	return artifact
}

// PutJSON stores a JSON payload.
func (s *Store) PutJSON(kind string, value any, meta map[string]any) (*Artifact, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact payload: %w", err)
	}
	return s.PutBytes(kind, "application/json", raw, meta), nil
}

// PutImageB64 stores a base64 image payload.
func (s *Store) PutImageB64(kind, mime, b64 string, meta map[string]any) (*Artifact, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	if mime == "" {
		mime = "image/png"
	}
	return s.PutBytes(kind, mime, data, meta), nil
}

// Get returns an artifact by id.
func (s *Store) Get(id string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.items[id]
	return artifact, ok
}

// Slice returns a text window into an artifact payload plus the total size.
// Binary payloads come back base64-encoded.
func (s *Store) Slice(id string, offset, maxChars int) (string, int, error) {
	artifact, ok := s.Get(id)
	if !ok {
		return "", 0, fmt.Errorf("artifact not found: %s", id)
	}
	text := string(artifact.data)
	if strings.HasPrefix(artifact.Mime, "image/") || !isMostlyText(artifact.data) {
		text = base64.StdEncoding.EncodeToString(artifact.data)
	}
	total := len(text)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return "", total, nil
	}
	if maxChars <= 0 {
		maxChars = 4000
	}
	end := offset + maxChars
	if end > total {
		end = total
	}
	return text[offset:end], total, nil
}

// Delete removes an artifact. Reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

// List returns shallow copies of all artifacts (no payloads), newest first.
func (s *Store) List() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.items))
	for _, a := range s.items {
		copy := *a
		copy.data = nil
		out = append(out, copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Export writes an artifact payload to disk and returns the final path.
func (s *Store) Export(id, dir, name string, overwrite bool) (string, error) {
	artifact, ok := s.Get(id)
	if !ok {
		return "", fmt.Errorf("artifact not found: %s", id)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if name == "" {
		name = id + extForMime(artifact.Mime)
	}
	path := filepath.Join(dir, name)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("file exists: %s (pass overwrite=true)", path)
		}
	}
	if err := os.WriteFile(path, artifact.data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func extForMime(mime string) string {
	switch mime {
	case "application/json":
		return ".json"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "text/html":
		return ".html"
	default:
		return ".bin"
	}
}

func isMostlyText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	binary := 0
	for _, b := range sample {
		if b == 0 || (b < 0x09 && b != 0) {
			binary++
		}
	}
	return binary == 0
}
