package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Uploader is the object-storage surface the archiver needs. S3Uploader is
// the production implementation.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Segment is a sealed, exportable slice of the chain. FirstPrevHash and the
// per-entry hashes let an auditor splice segments back together and verify
// them offline.
type Segment struct {
	FirstSeq      uint64    `json:"first_seq"`
	LastSeq       uint64    `json:"last_seq"`
	FirstPrevHash string    `json:"first_prev_hash"`
	HeadHash      string    `json:"head_hash"`
	SealedAt      time.Time `json:"sealed_at"`
	Entries       []Entry   `json:"entries"`
}

// Archiver exports sealed chain segments to cold storage for compliance
// retention. Keys are content-addressed, so re-archiving the same segment is
// idempotent.
type Archiver struct {
	store    Store
	uploader Uploader
	prefix   string
	clock    func() time.Time
}

func NewArchiver(store Store, uploader Uploader, prefix string) *Archiver {
	return &Archiver{store: store, uploader: uploader, prefix: prefix, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Archive seals entries [firstSeq, lastSeq] and uploads them. Returns the
// object key.
func (a *Archiver) Archive(ctx context.Context, firstSeq, lastSeq uint64) (string, error) {
	if firstSeq == 0 || lastSeq < firstSeq {
		return "", fmt.Errorf("invalid segment range [%d, %d]", firstSeq, lastSeq)
	}

	entries := make([]Entry, 0, lastSeq-firstSeq+1)
	for seq := firstSeq; seq <= lastSeq; seq++ {
		e, err := a.store.Get(ctx, seq)
		if err != nil {
			return "", fmt.Errorf("archive read seq %d: %w", seq, err)
		}
		entries = append(entries, e)
	}

	seg := Segment{
		FirstSeq:      firstSeq,
		LastSeq:       lastSeq,
		FirstPrevHash: entries[0].PrevHash,
		HeadHash:      entries[len(entries)-1].ContentHash,
		SealedAt:      a.clock(),
		Entries:       entries,
	}
	raw, err := json.Marshal(seg)
	if err != nil {
		return "", fmt.Errorf("marshal segment: %w", err)
	}

	sum := sha256.Sum256(raw)
	key := fmt.Sprintf("%ssegment-%d-%d-%s.json", a.prefix, firstSeq, lastSeq, hex.EncodeToString(sum[:8]))

	exists, err := a.uploader.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("archive head check: %w", err)
	}
	if exists {
		return key, nil
	}
	if err := a.uploader.Put(ctx, key, raw); err != nil {
		return "", fmt.Errorf("archive upload: %w", err)
	}
	return key, nil
}
