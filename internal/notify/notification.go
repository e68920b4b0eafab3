// Package notify defines the outbound events dispatch emits and the sinks
// that carry them to drivers, clients and operations.
package notify

import (
	"context"
	"time"
)

// Type identifies an outbound event.
type Type string

const (
	TypeCandidateNotified      Type = "CANDIDATE_NOTIFIED"
	TypeOfferReceived          Type = "OFFER_RECEIVED"
	TypeAssignment             Type = "ASSIGNMENT"
	TypeDispatchFailed         Type = "DISPATCH_FAILED"
	TypeCandidateReleased      Type = "CANDIDATE_RELEASED"
	TypeFinalRecommendation    Type = "FINAL_RECOMMENDATION"
	TypeManualAssignmentNeeded Type = "MANUAL_ASSIGNMENT_NEEDED"
)

// OperationsRecipient addresses events meant for the operations team.
const OperationsRecipient = "operations"

// Notification is a single event addressed to one recipient.
type Notification struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	RequestID   string         `json:"request_id"`
	RecipientID string         `json:"recipient_id"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Sink delivers notifications to one transport. Deliver may be called
// concurrently and more than once for the same notification id.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}
