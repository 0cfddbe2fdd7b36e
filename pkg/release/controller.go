package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bidlock/bidlock/pkg/bus"
	"github.com/bidlock/bidlock/pkg/observability"
)

// Controller consumes payment confirmations and mints release grants. It is
// the only component holding a ContactDirectory reference.
type Controller struct {
	grants    GrantStore
	directory ContactDirectory
	publisher bus.Publisher
	tokens    *TokenIssuer
	logger    *slog.Logger
	metrics   *observability.Provider
	clock     func() time.Time

	// serializes confirmation handling per pair so two copies of the same
	// confirmation cannot race past the idempotency read
	mu sync.Mutex
}

func NewController(grants GrantStore, directory ContactDirectory, publisher bus.Publisher, tokens *TokenIssuer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		grants:    grants,
		directory: directory,
		publisher: publisher,
		tokens:    tokens,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// WithMetrics attaches the telemetry provider.
func (c *Controller) WithMetrics(p *observability.Provider) *Controller {
	c.metrics = p
	return c
}

// HandleConfirmation creates the grant for a confirmed payment. Duplicate
// confirmations return the existing grant with created=false and cause no
// other effect. Unconfirmed payments are ignored.
func (c *Controller) HandleConfirmation(ctx context.Context, conf PaymentConfirmation) (*Grant, bool, error) {
	if !conf.Confirmed {
		return nil, false, nil
	}
	if conf.ProjectID == "" || conf.PartyA == "" || conf.PartyB == "" {
		return nil, false, fmt.Errorf("payment confirmation missing identifiers: %+v", conf)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	grant := &Grant{
		ID:              uuid.New().String(),
		ProjectID:       conf.ProjectID,
		PartyA:          conf.PartyA,
		PartyB:          conf.PartyB,
		PaymentEventRef: conf.EventRef,
		GrantedAt:       c.clock(),
	}
	stored, created, err := c.grants.Create(ctx, grant)
	if err != nil {
		return nil, false, fmt.Errorf("create release grant: %w", err)
	}
	if !created && stored.Announced {
		c.logger.Info("duplicate payment confirmation ignored",
			"project_id", conf.ProjectID, "grant_id", stored.ID)
		return stored, false, nil
	}

	// Grant creation and the release announcement commit together from the
	// caller's view: a publish failure errors out so the confirmation is
	// redelivered, and the retry finds the grant with Announced unset and
	// publishes then.
	payload, err := json.Marshal(map[string]any{
		"grant_id":   stored.ID,
		"project_id": stored.ProjectID,
		"party_a_id": stored.PartyA,
		"party_b_id": stored.PartyB,
		"granted_at": stored.GrantedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, created, fmt.Errorf("marshal release event: %w", err)
	}
	if _, err := c.publisher.Publish(ctx, bus.StreamReleases, bus.TypeContactReleased, payload, "release-controller"); err != nil {
		return nil, created, fmt.Errorf("publish release event: %w", err)
	}
	stored.Announced = true
	if err := c.grants.Update(ctx, stored); err != nil {
		// The event is out; worst case a crashed retry publishes it again,
		// which at-least-once consumers already tolerate.
		c.logger.Error("mark grant announced", "grant_id", stored.ID, "error", err)
	}
	if c.metrics != nil {
		c.metrics.RecordRelease(ctx)
	}
	c.logger.Info("release grant created",
		"grant_id", stored.ID, "project_id", stored.ProjectID)
	return stored, created, nil
}

// IssueToken mints a resolution token for one party of a grant.
func (c *Controller) IssueToken(ctx context.Context, grantID, requesterID string) (string, error) {
	grant, err := c.grants.GetByID(ctx, grantID)
	if err != nil {
		return "", err
	}
	if grant.Revoked {
		return "", ErrAccessRevoked
	}
	var subject string
	switch requesterID {
	case grant.PartyA:
		subject = grant.PartyB
	case grant.PartyB:
		subject = grant.PartyA
	default:
		return "", ErrGrantNotFound
	}
	return c.tokens.Issue(grant.ID, requesterID, subject, c.clock())
}

// Resolve exchanges a valid token for the counterparty's contact card. Every
// failure is logged as a security event and fails closed.
func (c *Controller) Resolve(ctx context.Context, token string) (ContactCard, error) {
	claims, err := c.tokens.Verify(token, c.clock())
	if err != nil {
		c.logger.Warn("contact resolution rejected", "error", err)
		return ContactCard{}, ErrGrantNotFound
	}
	grant, err := c.grants.GetByID(ctx, claims.GrantID)
	if err != nil {
		c.logger.Warn("contact resolution rejected",
			"grant_id", claims.GrantID, "error", err)
		return ContactCard{}, ErrGrantNotFound
	}
	if grant.Revoked {
		c.logger.Warn("contact resolution after revocation",
			"grant_id", grant.ID, "requester_id", claims.RequesterID)
		return ContactCard{}, ErrAccessRevoked
	}
	if !grant.Covers(claims.RequesterID, claims.SubjectID) {
		c.logger.Warn("contact resolution pair mismatch", "grant_id", grant.ID)
		return ContactCard{}, ErrGrantNotFound
	}
	card, err := c.directory.Lookup(ctx, claims.SubjectID)
	if err != nil {
		return ContactCard{}, fmt.Errorf("lookup contact: %w", err)
	}
	return card, nil
}

// Revoke marks a grant revoked, e.g. on chargeback. The record is retained.
func (c *Controller) Revoke(ctx context.Context, grantID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	grant, err := c.grants.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.Revoked {
		return nil
	}
	grant.Revoked = true
	grant.RevokedReason = reason
	grant.RevokedAt = c.clock()
	if err := c.grants.Update(ctx, grant); err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"grant_id":   grant.ID,
		"project_id": grant.ProjectID,
		"reason":     reason,
		"revoked_at": grant.RevokedAt.UTC().Format(time.RFC3339Nano),
	})
	if _, err := c.publisher.Publish(ctx, bus.StreamReleases, bus.TypeGrantRevoked, payload, "release-controller"); err != nil {
		c.logger.Error("publish revocation event", "error", err, "grant_id", grant.ID)
	}
	return nil
}

// Run consumes the payment stream until ctx is cancelled. Malformed payloads
// are acked and logged; transient handling errors leave the delivery
// unacked for redelivery.
func (c *Controller) Run(ctx context.Context, b bus.Bus, consumer string) error {
	sub, err := b.Subscribe(ctx, bus.StreamPaymentTransactions, "release-controller", consumer)
	if err != nil {
		return fmt.Errorf("subscribe payment stream: %w", err)
	}
	defer sub.Close()

	for {
		delivery, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("payment stream: %w", err)
		}
		if delivery.Event.Type != bus.TypePaymentConfirmed {
			delivery.Ack(ctx)
			continue
		}

		var conf PaymentConfirmation
		if err := json.Unmarshal(delivery.Event.Payload, &conf); err != nil {
			c.logger.Error("malformed payment confirmation",
				"event_id", delivery.Event.ID, "error", err)
			delivery.Ack(ctx)
			continue
		}
		conf.EventRef = delivery.Event.ID

		if _, _, err := c.HandleConfirmation(ctx, conf); err != nil {
			c.logger.Error("handle payment confirmation",
				"event_id", delivery.Event.ID, "error", err)
			delivery.Nack(ctx)
			continue
		}
		delivery.Ack(ctx)
	}
}
