package tiered

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one key/value pair written by Backend.Set.
type Entry struct {
	Key   string
	Value []byte
}

// Backend is the key-value store under the tiers. Tier isolation is purely
// by key prefix.
type Backend interface {
	// Get returns one slice per key, nil where the key is absent or expired.
	// A present key with an empty value comes back as a non-nil empty slice.
	Get(ctx context.Context, keys ...string) ([][]byte, error)
	// Set writes all entries atomically. A positive ttl expires them together.
	Set(ctx context.Context, ttl time.Duration, entries ...Entry) error
	Delete(ctx context.Context, keys ...string) error
	// Scan lists live keys that start with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Opener produces a connected Backend. Store.Connect calls it each time.
type Opener func(ctx context.Context) (Backend, error)

// MemoryBackend keeps everything in process. Close keeps the data so a
// disconnected store can reconnect to the same contents.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time
}

// present keeps an empty stored value distinguishable from a missing key.
func present(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memEntry), now: time.Now}
}

// MemoryOpener always hands out b.
func MemoryOpener(b *MemoryBackend) Opener {
	return func(context.Context) (Backend, error) { return b, nil }
}

func (m *MemoryBackend) live(e memEntry) bool {
	return e.expires.IsZero() || m.now().Before(e.expires)
}

func (m *MemoryBackend) Get(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := m.data[k]; ok && m.live(e) {
			out[i] = append([]byte{}, e.value...)
		}
	}
	return out, nil
}

func (m *MemoryBackend) Set(ctx context.Context, ttl time.Duration, entries ...Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	for _, e := range entries {
		m.data[e.Key] = memEntry{value: append([]byte(nil), e.Value...), expires: expires}
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryBackend) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, e := range m.data {
		if !m.live(e) {
			delete(m.data, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }
