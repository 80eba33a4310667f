package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/opsledger/be-validation-workflow/internal/repository"
)

// NotificationPublisher publishes validation workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.validation.<event_type>
// Event types: validation_requested, validation_escalated, validation_approved,
//              validation_rejected, validation_auto_approved
//
// All publish operations are non-fatal: errors are logged but never propagated
// to the caller, so notification failures never interrupt workflow decisions.
type NotificationPublisher struct {
	conn     *nats.Conn
	identity *IdentityClient
	log      zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	WorkspaceID  string                 `json:"workspace_id"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, identity *IdentityClient, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, identity: identity, log: log}
}

// Notify publishes the event for a request transition. The event type is
// derived from the request status; recipients are the validators holding the
// request's current level, resolved best-effort from the identity service.
func (p *NotificationPublisher) Notify(ctx context.Context, req *repository.ValidationRequest, latest *repository.Validation) {
	if p.conn == nil {
		return
	}

	eventType := eventTypeFor(req.Status)
	actorID := repository.SystemValidator
	payload := map[string]interface{}{
		"entity_type":    req.EntityType,
		"entity_id":      req.EntityID,
		"status":         req.Status,
		"current_level":  string(req.CurrentLevel),
		"required_level": string(req.RequiredLevel),
	}
	if req.Amount != nil {
		payload["amount"] = *req.Amount
	}
	if latest != nil {
		actorID = latest.ValidatedBy
		payload["decision"] = latest.Decision
		payload["decided_at_level"] = string(latest.Level)
		if latest.Comment != nil {
			payload["comment"] = *latest.Comment
		}
	}

	event := &NotificationEvent{
		EventType:    eventType,
		WorkspaceID:  req.WorkspaceID,
		ActorID:      actorID,
		Recipients:   p.resolveRecipients(ctx, req),
		ResourceType: "validation_request",
		ResourceID:   req.ID,
		IsActionable: !repository.IsTerminalStatus(req.Status),
		Severity:     "info",
		Category:     "validation_workflow",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.validation.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", req.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", req.ID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

// resolveRecipients asks the identity service who should hear about the
// transition. Failures leave the recipient list empty; the notifications
// service can still fan out by workspace.
func (p *NotificationPublisher) resolveRecipients(ctx context.Context, req *repository.ValidationRequest) []string {
	if p.identity == nil {
		return nil
	}
	recipients, err := p.identity.GetValidatorsAtLevel(ctx, req.WorkspaceID, string(req.CurrentLevel))
	if err != nil {
		p.log.Warn().Err(err).
			Str("workspace_id", req.WorkspaceID).
			Str("level", string(req.CurrentLevel)).
			Msg("notification: could not resolve recipients")
		return nil
	}
	return recipients
}

func eventTypeFor(status string) string {
	switch status {
	case repository.StatusEscalated:
		return "validation_escalated"
	case repository.StatusApproved:
		return "validation_approved"
	case repository.StatusRejected:
		return "validation_rejected"
	case repository.StatusAutoApproved:
		return "validation_auto_approved"
	default:
		return "validation_requested"
	}
}
