package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: approval_required, approval_completed, approval_escalated
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt approval operations.
// Publishes go through a circuit breaker with bounded retries: a downed NATS
// endpoint costs each caller at most a handful of quick attempts.
type NotificationPublisher struct {
	nc  *nats.Conn
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS connection.
func NewNotificationPublisher(nc *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "approvals-notifications",
		Interval: 30 * time.Second,
		Timeout:  time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &NotificationPublisher{nc: nc, cb: cb, log: log}
}

// SendApprovalRequest notifies a participant that a decision is awaited.
func (p *NotificationPublisher) SendApprovalRequest(ctx context.Context, req *repository.ApprovalRequest, participant *repository.ApprovalParticipant) {
	p.publish(ctx, "approval_required", req, []string{recipientOf(participant)}, map[string]any{
		"request_id":    req.RequestID,
		"approval_type": req.ApprovalType,
		"amount":        req.Amount,
		"currency":      req.Currency,
		"role":          participant.Role,
	})
}

// SendApprovalCompleted notifies every participant of the final outcome.
func (p *NotificationPublisher) SendApprovalCompleted(ctx context.Context, req *repository.ApprovalRequest) {
	recipients := make([]string, 0, len(req.Participants))
	for i := range req.Participants {
		recipients = append(recipients, recipientOf(&req.Participants[i]))
	}
	p.publish(ctx, "approval_completed", req, recipients, map[string]any{
		"request_id":    req.RequestID,
		"approval_type": req.ApprovalType,
		"status":        req.Status,
	})
}

// SendEscalationNotification notifies the hand-off target.
func (p *NotificationPublisher) SendEscalationNotification(ctx context.Context, req *repository.ApprovalRequest, from, to string, reason repository.EscalationReason) {
	p.publish(ctx, "approval_escalated", req, []string{to}, map[string]any{
		"request_id": req.RequestID,
		"from":       from,
		"to":         to,
		"reason":     reason,
	})
}

func recipientOf(participant *repository.ApprovalParticipant) string {
	if participant.ContactAddress != "" {
		return participant.ContactAddress
	}
	return participant.UserID
}

// publish marshals and sends one event. Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) publish(ctx context.Context, eventType string, req *repository.ApprovalRequest, recipients []string, payload map[string]any) {
	if p.nc == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		IsActionable: eventType == "approval_required",
		Severity:     "info",
		Category:     "approvals",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	_, err = p.cb.Execute(func() (any, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
		)
		return nil, r.Do(func() error {
			return p.nc.Publish(subject, data)
		})
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("approval_id", req.ID).
			Msg("notification: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("approval_id", req.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
