package session

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

// Affordance is a stable, resolvable handle to a concrete tool invocation.
type Affordance struct {
	Ref  string         `json:"ref"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Kind returns the affordance kind from meta (button/link/input/...).
func (a Affordance) Kind() string {
	kind, _ := a.Meta["kind"].(string)
	return kind
}

// Text returns the visible label from meta.
func (a Affordance) Text() string {
	text, _ := a.Meta["text"].(string)
	return text
}

// AffordanceMap is the per-tab registry state.
type AffordanceMap struct {
	Cursor int64        `json:"cursor"`
	URL    string       `json:"url"`
	Items  []Affordance `json:"items"`
}

// StableRef hashes the semantic identity of an action on a URL. Two snapshots
// of the same action on the same URL yield the same ref.
func StableRef(url, tool string, args map[string]any) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(url))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(tool))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(canonicalJSON(args)))
	return fmt.Sprintf("aff:%012x", h.Sum64()&0xffffffffffff)
}

// canonicalJSON renders a map with sorted keys so hashing is order-independent.
func canonicalJSON(value any) string {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(v[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(item))
		}
		b.WriteByte(']')
		return b.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

// affordanceRegistry stores per-tab affordance maps.
type affordanceRegistry struct {
	mu   sync.RWMutex
	tabs map[string]*AffordanceMap
}

func newAffordanceRegistry() *affordanceRegistry {
	return &affordanceRegistry{tabs: make(map[string]*AffordanceMap)}
}

// MapState describes the staleness of a stored map relative to the live tab.
type MapState struct {
	Found      bool   `json:"found"`
	Stale      bool   `json:"stale"`
	StoredURL  string `json:"storedUrl,omitempty"`
	CurrentURL string `json:"currentUrl,omitempty"`
	Items      int    `json:"items"`
}

// Set replaces a tab's affordance map. Refs are derived here so callers only
// supply tool/args/meta.
func (r *affordanceRegistry) Set(tabID, url string, cursor int64, items []Affordance) {
	for i := range items {
		if items[i].Ref == "" {
			items[i].Ref = StableRef(url, items[i].Tool, items[i].Args)
		}
	}
	r.mu.Lock()
	r.tabs[tabID] = &AffordanceMap{Cursor: cursor, URL: url, Items: items}
	r.mu.Unlock()
}

// Get returns the stored map for a tab.
func (r *affordanceRegistry) Get(tabID string) (*AffordanceMap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tabs[tabID]
	return m, ok
}

// Resolve looks up a ref on a tab. state reports staleness against currentURL.
func (r *affordanceRegistry) Resolve(tabID, ref, currentURL string) (*Affordance, MapState) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tabs[tabID]
	if !ok {
		return nil, MapState{CurrentURL: currentURL}
	}
	state := MapState{
		Found:      false,
		Stale:      currentURL != "" && m.URL != currentURL,
		StoredURL:  m.URL,
		CurrentURL: currentURL,
		Items:      len(m.Items),
	}
	for i := range m.Items {
		if m.Items[i].Ref == ref {
			state.Found = true
			item := m.Items[i]
			return &item, state
		}
	}
	return nil, state
}

// ResolveByLabel finds affordances whose visible text equals label, filtered
// by kind ("button", "link", "input" or "all"). All matches come back so the
// caller can fail closed on ambiguity.
func (r *affordanceRegistry) ResolveByLabel(tabID, label, kind, currentURL string, maxMatches int) ([]Affordance, MapState) {
	if maxMatches <= 0 {
		maxMatches = 5
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tabs[tabID]
	if !ok {
		return nil, MapState{CurrentURL: currentURL}
	}
	state := MapState{
		Stale:      currentURL != "" && m.URL != currentURL,
		StoredURL:  m.URL,
		CurrentURL: currentURL,
		Items:      len(m.Items),
	}
	var matches []Affordance
	for _, item := range m.Items {
		if kind != "" && kind != "all" && item.Kind() != kind {
			continue
		}
		if item.Text() != label {
			continue
		}
		matches = append(matches, item)
		if len(matches) >= maxMatches {
			break
		}
	}
	state.Found = len(matches) > 0
	return matches, state
}

// Drop removes a tab's map.
func (r *affordanceRegistry) Drop(tabID string) {
	r.mu.Lock()
	delete(r.tabs, tabID)
	r.mu.Unlock()
}

// Reset wipes all state.
func (r *affordanceRegistry) Reset() {
	r.mu.Lock()
	r.tabs = make(map[string]*AffordanceMap)
	r.mu.Unlock()
}
