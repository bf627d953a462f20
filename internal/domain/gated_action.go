package domain

import (
	"time"

	"github.com/google/uuid"
)

// GatedActionStatus is the lifecycle of a queued rule action.
type GatedActionStatus string

const (
	GatedPending   GatedActionStatus = "PENDING"
	GatedReleased  GatedActionStatus = "RELEASED"
	GatedDiscarded GatedActionStatus = "DISCARDED"
)

// GatedAction is a propagation-rule action held back until the governing
// approval workflow reaches APPROVED. Only the rule and event references are
// stored; the action re-executes from them on release.
type GatedAction struct {
	ID            uuid.UUID         `json:"id"`
	ChangeEventID uuid.UUID         `json:"change_event_id"`
	RuleID        uuid.UUID         `json:"rule_id"`
	Status        GatedActionStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
}
