package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentmesh/agentmesh/internal/kvstore"
)

// kvEntryKey zero-pads the sequence so lexicographic key order equals
// journal order.
func kvEntryKey(seq int) string {
	return fmt.Sprintf("audit:entry:%012d", seq)
}

// KVSink mirrors the journal into a KVStore, one key per entry.
type KVSink struct {
	store kvstore.Store
}

// NewKVSink wraps a store as an append sink.
func NewKVSink(store kvstore.Store) *KVSink {
	return &KVSink{store: store}
}

// Persist implements Sink. Entries never expire.
func (s *KVSink) Persist(ctx context.Context, seq int, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.EntryID, err)
	}
	if err := s.store.Set(ctx, kvEntryKey(seq), string(data), 0); err != nil {
		return fmt.Errorf("store entry %s: %w", e.EntryID, err)
	}
	return nil
}

// Replay loads the mirrored entries in journal order.
func (s *KVSink) Replay(ctx context.Context) ([]*Entry, error) {
	keys, err := s.store.Keys(ctx, "audit:entry:*")
	if err != nil {
		return nil, fmt.Errorf("list audit keys: %w", err)
	}
	sort.Strings(keys)

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
