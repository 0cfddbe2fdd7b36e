// Package gate sits between message submission and delivery. Every outbound
// message passes the escalation check and the contact detector before it may
// reach its recipient; nothing else in the system delivers messages.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bidlock/bidlock/pkg/bus"
	"github.com/bidlock/bidlock/pkg/detect"
	"github.com/bidlock/bidlock/pkg/escalation"
	"github.com/bidlock/bidlock/pkg/observability"
)

// WithheldNotice is the only text a sender sees for a blocked message.
// Detection internals stay hidden so senders cannot tune against them.
const WithheldNotice = "message withheld pending review"

// Message is the submission payload on the outbound stream.
type Message struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
}

// Outcome reports what the gate did with one message.
type Outcome struct {
	MessageID string         `json:"message_id"`
	Verdict   detect.Verdict `json:"verdict"`
	Delivered bool           `json:"delivered"`
	Sanitized bool           `json:"sanitized"`
}

// Gate wires the detector and escalation engine in front of the delivery
// stream. It holds only a bus handle and the two security components; no
// other component references.
type Gate struct {
	bus      bus.Bus
	detector *detect.Detector
	engine   *escalation.Engine
	logger   *slog.Logger
	metrics  *observability.Provider
}

func New(b bus.Bus, detector *detect.Detector, engine *escalation.Engine, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{bus: b, detector: detector, engine: engine, logger: logger}
}

// WithMetrics attaches the telemetry provider.
func (g *Gate) WithMetrics(p *observability.Provider) *Gate {
	g.metrics = p
	return g
}

// Handle runs one message through the pipeline: ban check, detection,
// escalation, then delivery or suppression. Detection never costs money, so
// the cost governor is not consulted here.
func (g *Gate) Handle(ctx context.Context, msg Message) (Outcome, error) {
	if g.metrics == nil {
		return g.handle(ctx, msg)
	}
	ctx, done := g.metrics.TrackOperation(ctx, "gate.handle")
	start := time.Now()
	out, err := g.handle(ctx, msg)
	done(err)
	if err == nil {
		g.metrics.RecordGated(ctx, string(out.Verdict), time.Since(start))
	}
	return out, err
}

func (g *Gate) handle(ctx context.Context, msg Message) (Outcome, error) {
	if err := g.engine.Allowed(ctx, msg.SenderID); err != nil {
		if errors.Is(err, escalation.ErrUserBanned) {
			g.logger.Warn("message from banned user rejected",
				"message_id", msg.ID, "sender_id", msg.SenderID)
			return g.withhold(ctx, msg, detect.VerdictBlocked)
		}
		return Outcome{}, fmt.Errorf("escalation check: %w", err)
	}

	result := g.detector.Evaluate(msg.Body, msg.SenderID)

	switch result.Verdict {
	case detect.VerdictBlocked:
		if tr, err := g.engine.RecordViolation(ctx, msg.SenderID, msg.ID, result.Composite); err != nil {
			g.logger.Error("record violation", "message_id", msg.ID, "error", err)
		} else if g.metrics != nil {
			g.metrics.RecordViolation(ctx, tr.To.String())
		}
		if err := g.publishViolation(ctx, msg, result); err != nil {
			g.logger.Error("publish violation", "message_id", msg.ID, "error", err)
		}
		return g.withhold(ctx, msg, result.Verdict)

	case detect.VerdictSuspicious:
		sanitized := detect.Sanitize(msg.Body, result.Fragments)
		return g.deliver(ctx, msg, sanitized, result.Verdict, true)

	default:
		return g.deliver(ctx, msg, msg.Body, result.Verdict, false)
	}
}

func (g *Gate) deliver(ctx context.Context, msg Message, body string, verdict detect.Verdict, flagged bool) (Outcome, error) {
	payload, err := json.Marshal(map[string]any{
		"message_id":   msg.ID,
		"project_id":   msg.ProjectID,
		"sender_id":    msg.SenderID,
		"recipient_id": msg.RecipientID,
		"body":         body,
		"flagged":      flagged,
		"sent_at":      msg.SentAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal delivery: %w", err)
	}
	if _, err := g.bus.Publish(ctx, bus.StreamDelivered, bus.TypeMessageDelivered, payload, "delivery-gate"); err != nil {
		if g.metrics != nil {
			g.metrics.RecordBusError(ctx, bus.StreamDelivered)
		}
		return Outcome{}, fmt.Errorf("publish delivery: %w", err)
	}
	return Outcome{MessageID: msg.ID, Verdict: verdict, Delivered: true, Sanitized: flagged}, nil
}

func (g *Gate) withhold(ctx context.Context, msg Message, verdict detect.Verdict) (Outcome, error) {
	payload, err := json.Marshal(map[string]any{
		"message_id": msg.ID,
		"sender_id":  msg.SenderID,
		"notice":     WithheldNotice,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal withheld signal: %w", err)
	}
	if _, err := g.bus.Publish(ctx, bus.StreamDelivered, bus.TypeMessageWithheld, payload, "delivery-gate"); err != nil {
		if g.metrics != nil {
			g.metrics.RecordBusError(ctx, bus.StreamDelivered)
		}
		return Outcome{}, fmt.Errorf("publish withheld signal: %w", err)
	}
	return Outcome{MessageID: msg.ID, Verdict: verdict, Delivered: false}, nil
}

// publishViolation records the violation on the security stream. Fragment
// kinds and layers only; matched text never leaves the detector so contact
// data cannot leak through the violation record itself.
func (g *Gate) publishViolation(ctx context.Context, msg Message, result detect.Result) error {
	kinds := make([]string, 0, len(result.Fragments))
	for _, f := range result.Fragments {
		kinds = append(kinds, f.Layer+"/"+f.Kind)
	}
	payload, err := json.Marshal(map[string]any{
		"message_id":   msg.ID,
		"project_id":   msg.ProjectID,
		"sender_id":    msg.SenderID,
		"score":        result.Composite,
		"layer_scores": result.LayerScores,
		"evidence":     kinds,
	})
	if err != nil {
		return err
	}
	_, err = g.bus.Publish(ctx, bus.StreamSecurityViolations, bus.TypeContactViolation, payload, "delivery-gate")
	return err
}

// Run consumes the outbound message stream until ctx is cancelled.
func (g *Gate) Run(ctx context.Context, consumer string) error {
	sub, err := g.bus.Subscribe(ctx, bus.StreamMessages, "delivery-gate", consumer)
	if err != nil {
		return fmt.Errorf("subscribe message stream: %w", err)
	}
	defer sub.Close()

	for {
		delivery, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("message stream: %w", err)
		}
		if delivery.Event.Type != bus.TypeMessageSubmitted {
			delivery.Ack(ctx)
			continue
		}

		var msg Message
		if err := json.Unmarshal(delivery.Event.Payload, &msg); err != nil {
			g.logger.Error("malformed message submission",
				"event_id", delivery.Event.ID, "error", err)
			delivery.Ack(ctx)
			continue
		}
		if msg.ID == "" {
			msg.ID = delivery.Event.ID
		}

		if _, err := g.Handle(ctx, msg); err != nil {
			g.logger.Error("gate message", "message_id", msg.ID, "error", err)
			delivery.Nack(ctx)
			continue
		}
		delivery.Ack(ctx)
	}
}
