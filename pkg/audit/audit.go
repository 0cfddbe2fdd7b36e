// Package audit is the append-only, queryable log of every event ever
// published. Entries are hash-chained to their predecessor over
// RFC 8785 canonical JSON, so an auditor can verify the log was not
// rewritten. Nothing is ever deleted.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrNotFound is returned when an entry is not in the store.
var ErrNotFound = errors.New("audit entry not found")

// GenesisHash anchors the chain before the first entry.
const GenesisHash = "genesis"

// Severity classifies audit entries for operator review.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Record is what callers submit. The store assigns sequence and hashes.
type Record struct {
	EventID   string          `json:"event_id"`
	Stream    string          `json:"stream"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Severity  Severity        `json:"severity,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Entry is an immutable, hash-chained audit entry.
type Entry struct {
	Seq         uint64          `json:"seq"`
	EventID     string          `json:"event_id"`
	Stream      string          `json:"stream"`
	Type        string          `json:"type"`
	Actor       string          `json:"actor"`
	Severity    Severity        `json:"severity,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	ContentHash string          `json:"content_hash"`
	PrevHash    string          `json:"prev_hash"`
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	Stream string
	Type   string
	Actor  string
	Since  time.Time
	Limit  int
}

// Store is the audit contract. Append-only; implementations never expose a
// mutation or deletion path.
type Store interface {
	Append(ctx context.Context, rec Record) (Entry, error)
	Get(ctx context.Context, seq uint64) (Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	// Head returns the current chain head hash.
	Head(ctx context.Context) (string, error)
	Len(ctx context.Context) (uint64, error)
}

// hashEntry computes the content hash for an entry-to-be. The input is
// canonicalized (JCS) before hashing so hash values are stable across
// encoders.
func hashEntry(seq uint64, rec Record, prevHash string) (string, error) {
	input := struct {
		Seq     uint64          `json:"seq"`
		EventID string          `json:"event_id"`
		Stream  string          `json:"stream"`
		Type    string          `json:"type"`
		Actor   string          `json:"actor"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Prev    string          `json:"prev"`
	}{seq, rec.EventID, rec.Stream, rec.Type, rec.Actor, rec.Payload, prevHash}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// VerifyChain walks entries (which must be in sequence order, starting at the
// chain genesis) and reports the first broken link.
func VerifyChain(entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("entry %d: prev hash mismatch (have %s, want %s)", e.Seq, e.PrevHash, prev)
		}
		want, err := hashEntry(e.Seq, Record{
			EventID: e.EventID, Stream: e.Stream, Type: e.Type,
			Actor: e.Actor, Payload: e.Payload, Timestamp: e.Timestamp,
		}, e.PrevHash)
		if err != nil {
			return err
		}
		if e.ContentHash != want {
			return fmt.Errorf("entry %d: content hash mismatch", e.Seq)
		}
		if i > 0 && e.Seq != entries[i-1].Seq+1 {
			return fmt.Errorf("entry %d: sequence gap after %d", e.Seq, entries[i-1].Seq)
		}
		prev = e.ContentHash
	}
	return nil
}
