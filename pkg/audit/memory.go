package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the chain in memory. Used in tests and as the default
// backend for single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make([]Entry, 0),
		head:    GenesisHash,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}

	seq := uint64(len(s.entries)) + 1
	hash, err := hashEntry(seq, rec, s.head)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Seq:         seq,
		EventID:     rec.EventID,
		Stream:      rec.Stream,
		Type:        rec.Type,
		Actor:       rec.Actor,
		Severity:    rec.Severity,
		Payload:     rec.Payload,
		Timestamp:   rec.Timestamp,
		ContentHash: hash,
		PrevHash:    s.head,
	}
	s.entries = append(s.entries, entry)
	s.head = hash
	return entry, nil
}

func (s *MemoryStore) Get(ctx context.Context, seq uint64) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq == 0 || seq > uint64(len(s.entries)) {
		return Entry{}, ErrNotFound
	}
	return s.entries[seq-1], nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range s.entries {
		if f.Stream != "" && e.Stream != f.Stream {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

func (s *MemoryStore) Len(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

// Verify checks the whole chain.
func (s *MemoryStore) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return VerifyChain(s.entries)
}
