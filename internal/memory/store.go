package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"surf/internal/logging"
	"surf/internal/redact"
)

const (
	// DefaultMaxKeys bounds the number of live entries.
	DefaultMaxKeys = 256
	// DefaultMaxBytes bounds the total serialized payload size.
	DefaultMaxBytes = 1 << 20

	persistFileName = "agent_memory.json"
)

// Entry is one agent-memory record. Sensitivity is derived from the key at
// write time so read-path checks are O(1).
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Bytes     int       `json:"bytes"`
	UpdatedAt time.Time `json:"updated_at"`
	Sensitive bool      `json:"sensitive"`
}

// Store is the process-wide agent memory: a byte-bounded, LRU-evicting KV.
type Store struct {
	mu         sync.Mutex
	cache      *lru.Cache[string, *Entry]
	maxBytes   int
	totalBytes int
	logger     logging.Logger
}

func NewStore(maxKeys, maxBytes int, logger logging.Logger) (*Store, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	s := &Store{maxBytes: maxBytes, logger: logging.OrNop(logger)}
	cache, err := lru.NewWithEvict[string, *Entry](maxKeys, func(key string, entry *Entry) {
		s.totalBytes -= entry.Bytes
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Set stores a JSON-serializable value. Oldest entries are evicted until the
// byte budget holds. Returns the stored entry.
func (s *Store) Set(key string, value any) (*Entry, error) {
	return s.set(key, value, redact.IsSensitiveKey(key))
}

// SetSensitive stores a value that is sensitive regardless of its key name,
// e.g. a runbook whose steps carry raw secret literals.
func (s *Store) SetSensitive(key string, value any) (*Entry, error) {
	return s.set(key, value, true)
}

func (s *Store) set(key string, value any, sensitive bool) (*Entry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value not JSON-serializable: %w", err)
	}
	if len(raw) > s.maxBytes {
		return nil, fmt.Errorf("value too large: %d bytes (limit %d)", len(raw), s.maxBytes)
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		Bytes:     len(raw),
		UpdatedAt: time.Now(),
		Sensitive: sensitive || redact.IsSensitiveKey(key),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.cache.Peek(key); ok {
		s.totalBytes -= previous.Bytes
	}
	s.totalBytes += entry.Bytes
	s.cache.Add(key, entry)
	for s.totalBytes > s.maxBytes && s.cache.Len() > 1 {
		s.cache.RemoveOldest()
	}
	return entry, nil
}

// Get returns the entry for key, refreshing its recency.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(key)
}

// Delete removes a key. Reports whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Remove(key)
}

// Keys returns all live keys, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.cache.Keys()
	sort.Strings(keys)
	return keys
}

// Len returns the live entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Clear wipes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	s.totalBytes = 0
}

// persistedFile is the on-disk shape of agent_memory.json.
type persistedFile struct {
	SavedAt time.Time `json:"saved_at"`
	Entries []Entry   `json:"entries"`
}

// Save writes entries to <dir>/agent_memory.json. Sensitive entries are
// excluded unless allowSensitive is set.
func (s *Store) Save(dir string, allowSensitive bool) (saved, skipped int, err error) {
	if dir == "" {
		return 0, 0, fmt.Errorf("no memory directory configured; set MCP_AGENT_MEMORY_DIR")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	file := persistedFile{SavedAt: time.Now()}
	for _, key := range s.cache.Keys() {
		entry, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		if entry.Sensitive && !allowSensitive {
			skipped++
			continue
		}
		file.Entries = append(file.Entries, *entry)
	}
	s.mu.Unlock()

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return 0, skipped, err
	}
	path := filepath.Join(dir, persistFileName)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return 0, skipped, err
	}
	s.logger.Info("memory saved: %d entries to %s (%d sensitive skipped)", len(file.Entries), path, skipped)
	return len(file.Entries), skipped, nil
}

// Load merges entries from <dir>/agent_memory.json into the store. Sensitive
// entries on disk are skipped unless allowSensitive is set.
func (s *Store) Load(dir string, allowSensitive bool) (loaded, skipped int, err error) {
	if dir == "" {
		return 0, 0, fmt.Errorf("no memory directory configured; set MCP_AGENT_MEMORY_DIR")
	}
	raw, err := os.ReadFile(filepath.Join(dir, persistFileName))
	if err != nil {
		return 0, 0, err
	}
	var file persistedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return 0, 0, fmt.Errorf("corrupt memory file: %w", err)
	}
	for _, entry := range file.Entries {
		sensitive := entry.Sensitive || redact.IsSensitiveKey(entry.Key)
		if sensitive && !allowSensitive {
			skipped++
			continue
		}
		if _, err := s.set(entry.Key, entry.Value, sensitive); err != nil {
			skipped++
			continue
		}
		loaded++
	}
	return loaded, skipped, nil
}
