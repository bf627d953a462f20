package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies a mutation recorded in the change log.
type ChangeType string

const (
	ChangeCreate  ChangeType = "CREATE"
	ChangeUpdate  ChangeType = "UPDATE"
	ChangeDelete  ChangeType = "DELETE"
	ChangeRestore ChangeType = "RESTORE"
)

// ImpactLevel buckets change severity and RPN risk.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "LOW"
	ImpactMedium   ImpactLevel = "MEDIUM"
	ImpactHigh     ImpactLevel = "HIGH"
	ImpactCritical ImpactLevel = "CRITICAL"
)

// impactRank orders impact levels for threshold comparisons.
func impactRank(level ImpactLevel) int {
	switch level {
	case ImpactLow:
		return 0
	case ImpactMedium:
		return 1
	case ImpactHigh:
		return 2
	case ImpactCritical:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether level meets or exceeds min.
func (l ImpactLevel) AtLeast(min ImpactLevel) bool {
	return impactRank(l) >= impactRank(min)
}

// ApprovalStatus is the lifecycle of a change event's approval.
// AUTO_APPROVED is a distinct initial state that bypasses the workflow.
type ApprovalStatus string

const (
	ApprovalAutoApproved ApprovalStatus = "AUTO_APPROVED"
	ApprovalPending      ApprovalStatus = "PENDING"
	ApprovalApproved     ApprovalStatus = "APPROVED"
	ApprovalRejected     ApprovalStatus = "REJECTED"
)

// ChangeEvent is one recorded mutation of one tracked entity. Seq is a
// monotonic sequence assigned by the store; per-entity ordering follows Seq,
// never wall-clock time.
type ChangeEvent struct {
	ID  uuid.UUID `json:"id"`
	Seq int64     `json:"seq"`

	ProjectID  uuid.UUID  `json:"project_id"`
	EntityType string     `json:"entity_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
	ChangeType ChangeType `json:"change_type"`

	OldValues     map[string]any `json:"old_values,omitempty"`
	NewValues     map[string]any `json:"new_values,omitempty"`
	ChangedFields []string       `json:"changed_fields"`

	ImpactLevel    ImpactLevel    `json:"impact_level"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`

	// WorkflowID is fixed at selection time and never reassigned.
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`

	// BatchID groups related writes from one logical user action; display
	// grouping only, no atomicity.
	BatchID *uuid.UUID `json:"batch_id,omitempty"`

	// OriginRuleID marks events produced by a propagation rule; that rule
	// never matches its own output. Depth bounds the chain length.
	OriginRuleID *uuid.UUID `json:"origin_rule_id,omitempty"`
	Depth        int        `json:"depth"`

	ActorID     string     `json:"actor_id"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ChangeInput is the CRUD layer's mandatory integration payload: full
// before/after values for one mutated entity.
type ChangeInput struct {
	ProjectID  uuid.UUID
	EntityType string
	EntityID   uuid.UUID
	ChangeType ChangeType
	OldValues  map[string]any
	NewValues  map[string]any
	ActorID    string
	BatchID    *uuid.UUID

	// Set by the propagation engine on chained events.
	OriginRuleID *uuid.UUID
	Depth        int
}

// ComputeChangedFields returns the sorted set of keys that exist on only one
// side or whose values differ between old and new.
func ComputeChangedFields(oldValues, newValues map[string]any) []string {
	changed := map[string]struct{}{}

	for key, oldVal := range oldValues {
		newVal, ok := newValues[key]
		if !ok || !valuesEqual(oldVal, newVal) {
			changed[key] = struct{}{}
		}
	}
	for key := range newValues {
		if _, ok := oldValues[key]; !ok {
			changed[key] = struct{}{}
		}
	}

	fields := make([]string, 0, len(changed))
	for key := range changed {
		fields = append(fields, key)
	}
	sort.Strings(fields)
	return fields
}

// valuesEqual compares two values through their JSON encoding so map-backed
// and struct-backed payloads compare consistently.
func valuesEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// ChangeEventFilter narrows change event listings.
type ChangeEventFilter struct {
	EntityType     string
	EntityID       *uuid.UUID
	ChangeType     ChangeType
	ApprovalStatus ApprovalStatus
	BatchID        *uuid.UUID
	Since          *time.Time
}
