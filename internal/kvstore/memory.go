package kvstore

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process Store. It implements every optional capability
// and is safe for concurrent use. Expired keys are dropped lazily on access.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64

	subMu sync.RWMutex
	subs  map[string][]func(payload []byte)

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]func(payload []byte)),
		now:     time.Now,
	}
}

// SetNowFunc overrides the time source. Tests only.
func (m *Memory) SetNowFunc(now func() time.Time) { m.now = now }

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: exp}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[key]; ok && !e.expired(m.now()) {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.zsets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	match := func(k string) {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k, e := range m.entries {
		if !e.expired(now) {
			match(k)
		}
	}
	for k := range m.hashes {
		match(k)
	}
	for k := range m.zsets {
		match(k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.RLock()
	z := m.zsets[key]
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(z))
	for member, score := range z {
		if score >= min && score <= max {
			pairs = append(pairs, pair{member, score})
		}
	}
	m.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		return pairs[i].member < pairs[j].member
	})
	members := make([]string, len(pairs))
	for i, p := range pairs {
		members[i] = p.member
	}
	return members, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	handlers := m.subs[channel]
	m.subMu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler func(payload []byte)) (func(), error) {
	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], handler)
	idx := len(m.subs[channel]) - 1
	m.subMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			handlers := m.subs[channel]
			if idx < len(handlers) {
				m.subs[channel] = append(handlers[:idx:idx], handlers[idx+1:]...)
			}
		})
	}
	return unsub, nil
}
