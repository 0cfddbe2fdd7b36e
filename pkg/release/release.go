// Package release is the sole authority permitted to unmask contact data.
// A ReleaseGrant exists only after a payment confirmation, exactly one per
// project and party pair, and raw contact values travel only over the
// token-gated resolution path, never on a stream.
package release

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrGrantNotFound  = errors.New("release: grant not found")
	ErrAccessRevoked  = errors.New("release: access revoked")
	ErrContactUnknown = errors.New("release: no contact on file")
)

// PaymentConfirmation is the event payload on the payment stream.
type PaymentConfirmation struct {
	ProjectID string `json:"project_id"`
	PartyA    string `json:"party_a_id"`
	PartyB    string `json:"party_b_id"`
	Confirmed bool   `json:"confirmed"`
	EventRef  string `json:"-"` // bus event id, set by the consumer
}

// Grant authorizes contact resolution between a normalized party pair on one
// project. Revoked grants are retained for audit.
type Grant struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	PartyA          string    `json:"party_a_id"`
	PartyB          string    `json:"party_b_id"`
	PaymentEventRef string    `json:"payment_event_ref"`
	GrantedAt       time.Time `json:"granted_at"`
	// Announced is set once the contact_released event is on the bus, so a
	// publish failure after grant creation is retried instead of lost.
	Announced     bool      `json:"announced"`
	Revoked       bool      `json:"revoked"`
	RevokedReason string    `json:"revoked_reason,omitempty"`
	RevokedAt     time.Time `json:"revoked_at,omitzero"`
}

// PairKey orders the parties so (a,b) and (b,a) address the same grant.
func PairKey(projectID, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return projectID + "|" + a + "|" + b
}

// Covers reports whether the grant's pair includes both parties.
func (g *Grant) Covers(a, b string) bool {
	return PairKey(g.ProjectID, a, b) == PairKey(g.ProjectID, g.PartyA, g.PartyB)
}

// GrantStore persists grants keyed by the normalized pair.
type GrantStore interface {
	// GetByPair returns the grant for the pair or ErrGrantNotFound.
	GetByPair(ctx context.Context, projectID, a, b string) (*Grant, error)
	// GetByID returns the grant or ErrGrantNotFound.
	GetByID(ctx context.Context, grantID string) (*Grant, error)
	// Create stores a new grant; it fails if the pair already has one, and
	// returns the existing grant in that case.
	Create(ctx context.Context, grant *Grant) (*Grant, bool, error)
	// Update rewrites an existing grant record.
	Update(ctx context.Context, grant *Grant) error
}

// ContactCard is the unmasked contact data returned by a valid resolution.
type ContactCard struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
}

// ContactDirectory is the only place raw contact values live.
type ContactDirectory interface {
	Lookup(ctx context.Context, userID string) (ContactCard, error)
}

// MemoryGrantStore keeps grants in process.
type MemoryGrantStore struct {
	mu     sync.Mutex
	byPair map[string]*Grant
	byID   map[string]*Grant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		byPair: make(map[string]*Grant),
		byID:   make(map[string]*Grant),
	}
}

func (s *MemoryGrantStore) GetByPair(_ context.Context, projectID, a, b string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.byPair[PairKey(projectID, a, b)]
	if !ok {
		return nil, ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryGrantStore) GetByID(_ context.Context, grantID string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.byID[grantID]
	if !ok {
		return nil, ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryGrantStore) Create(_ context.Context, grant *Grant) (*Grant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := PairKey(grant.ProjectID, grant.PartyA, grant.PartyB)
	if existing, ok := s.byPair[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *grant
	s.byPair[key] = &cp
	s.byID[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryGrantStore) Update(_ context.Context, grant *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[grant.ID]
	if !ok {
		return ErrGrantNotFound
	}
	*stored = *grant
	return nil
}

// MemoryDirectory is an in-process contact directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	cards map[string]ContactCard
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{cards: make(map[string]ContactCard)}
}

func (d *MemoryDirectory) Add(card ContactCard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cards[card.UserID] = card
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (ContactCard, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	card, ok := d.cards[userID]
	if !ok {
		return ContactCard{}, ErrContactUnknown
	}
	return card, nil
}
