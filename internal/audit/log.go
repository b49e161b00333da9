package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
)

// persistTimeout bounds every sink call made from Append.
const persistTimeout = 10 * time.Second

// Sink mirrors appended entries to durable storage. seq is the zero-based
// position of the entry in the journal.
type Sink interface {
	Persist(ctx context.Context, seq int, e *Entry) error
}

// Log is the append-only journal. Appends serialize under a single writer
// lock; tree rebuilds are deferred until a root or proof is requested so
// append stays O(1).
type Log struct {
	mu      sync.RWMutex
	entries []*Entry
	leaves  []string
	levels  [][]string
	dirty   bool

	sink Sink
	bus  events.Bus
	log  *zap.Logger
	now  func() time.Time
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithSink mirrors appends to durable storage. Sink failures fail the
// append that triggered them.
func WithSink(s Sink) LogOption {
	return func(l *Log) { l.sink = s }
}

// WithBus publishes an event per appended entry.
func WithBus(bus events.Bus) LogOption {
	return func(l *Log) { l.bus = bus }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) LogOption {
	return func(l *Log) {
		if log != nil {
			l.log = log
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) LogOption {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLog returns an empty journal. The first appended entry carries an
// empty previous_hash; an empty journal has an empty root.
func NewLog(opts ...LogOption) *Log {
	l := &Log{
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append assigns the entry's identity and chain position, hashes it, and
// appends it. Sink failures abort the append and bubble up; nothing is
// recorded in memory for a failed append.
func (l *Log) Append(ctx context.Context, e *Entry) (*Entry, error) {
	if e == nil {
		return nil, &Error{Msg: "entry must not be nil"}
	}
	if e.EventType == "" {
		return nil, &Error{Msg: "entry event_type must not be empty"}
	}
	if e.Action == "" {
		return nil, &Error{Msg: "entry action must not be empty"}
	}
	if !validOutcome(e.Outcome) {
		return nil, &Error{Msg: fmt.Sprintf("unknown outcome %q", e.Outcome)}
	}

	l.mu.Lock()
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}
	e.PreviousHash = ""
	if n := len(l.entries); n > 0 {
		e.PreviousHash = l.entries[n-1].EntryHash
	}

	hash, err := hashEntry(e)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	e.EntryHash = hash

	if l.sink != nil {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		err := l.sink.Persist(pctx, len(l.entries), e)
		cancel()
		if err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("audit sink persist: %w", err)
		}
	}

	l.entries = append(l.entries, e)
	l.leaves = append(l.leaves, e.EntryHash)
	l.dirty = true
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(events.TopicAuditAppended, map[string]any{
			"entry_id":   e.EntryID,
			"event_type": e.EventType,
			"agent_did":  string(e.AgentDID),
			"outcome":    string(e.Outcome),
		})
	}
	return e, nil
}

// rebuildLocked recomputes the tree levels if appends happened since the
// last build. Callers must hold the write lock.
func (l *Log) rebuildLocked() {
	if !l.dirty {
		return
	}
	l.levels = buildLevels(l.leaves)
	l.dirty = false
}

// Root returns the Merkle root over all entry hashes, or "" when empty.
func (l *Log) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rebuildLocked()
	if len(l.levels) == 0 {
		return ""
	}
	top := l.levels[len(l.levels)-1]
	return top[0]
}

// Proof returns the membership proof for the entry at index i.
func (l *Log) Proof(i int) ([]ProofStep, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.entries) {
		return nil, &Error{Msg: fmt.Sprintf("entry index %d out of range", i)}
	}
	l.rebuildLocked()
	return proofFromLevels(l.levels, i), nil
}

// Get returns the entry at index i. The returned entry is the stored
// record; callers must not mutate it.
func (l *Log) Get(i int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.entries) {
		return nil, &Error{Msg: fmt.Sprintf("entry index %d out of range", i)}
	}
	return l.entries[i], nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns the ordered entries. The slice is a copy; the entries
// are the stored records.
func (l *Log) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// VerifyChain walks the journal confirming every entry hash recomputes and
// every previous_hash matches its predecessor. The first inconsistency
// reports the entry index where the chain broke.
func (l *Log) VerifyChain() (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEntries(l.entries)
}

// VerifyEntries checks an entry sequence replayed from a sink against the
// same chain rules the live journal enforces.
func VerifyEntries(entries []*Entry) (bool, error) {
	return verifyEntries(entries)
}

func verifyEntries(entries []*Entry) (bool, error) {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return false, &Error{Msg: fmt.Sprintf("chain broken at entry %d", i)}
		}
		hash, err := hashEntry(e)
		if err != nil {
			return false, err
		}
		if hash != e.EntryHash {
			return false, &Error{Msg: fmt.Sprintf("chain broken at entry %d", i)}
		}
		prev = e.EntryHash
	}
	return true, nil
}

// Archive is the offline-verifiable serialized form of a journal.
type Archive struct {
	RootHash string   `json:"root_hash"`
	Entries  []*Entry `json:"entries"`
}

// Export serializes the journal with its current root.
func (l *Log) Export() ([]byte, error) {
	l.mu.Lock()
	l.rebuildLocked()
	root := ""
	if len(l.levels) > 0 {
		root = l.levels[len(l.levels)-1][0]
	}
	entries := make([]*Entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	data, err := json.Marshal(Archive{RootHash: root, Entries: entries})
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("export failed: %v", err)}
	}
	return data, nil
}

// Import reconstructs a journal from an archive, verifying the hash chain
// and that the recomputed Merkle root matches the archived one. No server
// state is needed: the entries and the claimed root suffice.
func Import(data []byte, opts ...LogOption) (*Log, error) {
	var a Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("archive malformed: %v", err)}
	}
	if ok, err := verifyEntries(a.Entries); !ok {
		return nil, err
	}

	l := NewLog(opts...)
	l.entries = a.Entries
	l.leaves = make([]string, len(a.Entries))
	for i, e := range a.Entries {
		l.leaves[i] = e.EntryHash
	}
	l.dirty = true

	if got := l.Root(); got != a.RootHash {
		return nil, &Error{Msg: fmt.Sprintf("root hash mismatch: archive claims %s, entries produce %s", a.RootHash, got)}
	}
	return l, nil
}
