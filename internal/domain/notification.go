package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification priorities.
const (
	NotificationPriorityLow    = "LOW"
	NotificationPriorityNormal = "NORMAL"
	NotificationPriorityHigh   = "HIGH"
)

// Notification is an enqueued delivery request consumed by the external
// notification system. Only enqueueing happens here.
type Notification struct {
	ID                uuid.UUID      `json:"id"`
	ChangeEventID     uuid.UUID      `json:"change_event_id"`
	NotificationType  string         `json:"notification_type"`
	Priority          string         `json:"priority"`
	RecipientCriteria map[string]any `json:"recipient_criteria,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}
