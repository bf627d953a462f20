package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus is the state of one approval step instance.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepEscalated StepStatus = "ESCALATED"
	StepBypassed  StepStatus = "BYPASSED"
)

// StepTemplate describes one step of a workflow definition.
type StepTemplate struct {
	StepNumber   int    `json:"step_number"`
	Role         string `json:"role"`
	Required     bool   `json:"required"`
	TimeoutHours int    `json:"timeout_hours"`
}

// TriggerConditions decide whether a workflow governs a change event.
type TriggerConditions struct {
	// EntityTypes the workflow applies to; empty means all.
	EntityTypes []string `json:"entity_types,omitempty"`
	// MinImpactLevel is the lowest impact that triggers the workflow.
	MinImpactLevel ImpactLevel `json:"min_impact_level"`
}

// AutoApproveConditions skip step creation entirely when satisfied.
type AutoApproveConditions struct {
	// MaxImpactLevel is the highest impact still auto-approved.
	MaxImpactLevel ImpactLevel `json:"max_impact_level"`
	// EntityTypes restricts auto-approval; empty means any entity type.
	EntityTypes []string `json:"entity_types,omitempty"`
}

// ApprovalWorkflow is a configurable multi-step approval definition.
type ApprovalWorkflow struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`

	Trigger          TriggerConditions      `json:"trigger"`
	Steps            []StepTemplate         `json:"steps"`
	ParallelApproval bool                   `json:"parallel_approval"`
	AutoApprove      *AutoApproveConditions `json:"auto_approve,omitempty"`

	// FallbackRole receives escalated steps; empty falls back to the
	// service-level configured role.
	FallbackRole string `json:"fallback_role,omitempty"`

	Active   bool `json:"active"`
	Position int  `json:"position"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerMatches reports whether this workflow governs an event with the
// given entity type and impact level.
func (w ApprovalWorkflow) TriggerMatches(entityType string, impact ImpactLevel) bool {
	if !w.Active {
		return false
	}
	if !impact.AtLeast(w.Trigger.MinImpactLevel) {
		return false
	}
	return entityTypeListed(w.Trigger.EntityTypes, entityType)
}

// ShouldAutoApprove reports whether the workflow's auto-approve conditions
// are satisfied, skipping step creation entirely.
func (w ApprovalWorkflow) ShouldAutoApprove(entityType string, impact ImpactLevel) bool {
	if w.AutoApprove == nil {
		return false
	}
	if !w.AutoApprove.MaxImpactLevel.AtLeast(impact) {
		return false
	}
	return entityTypeListed(w.AutoApprove.EntityTypes, entityType)
}

func entityTypeListed(listed []string, entityType string) bool {
	if len(listed) == 0 {
		return true
	}
	for _, t := range listed {
		if t == entityType {
			return true
		}
	}
	return false
}

// TemplateFor returns the step template with the given number.
func (w ApprovalWorkflow) TemplateFor(stepNumber int) (StepTemplate, bool) {
	for _, step := range w.Steps {
		if step.StepNumber == stepNumber {
			return step, true
		}
	}
	return StepTemplate{}, false
}

// ApprovalStepInstance is one live step of a workflow execution, unique per
// (changeEvent, workflow, stepNumber).
type ApprovalStepInstance struct {
	ID            uuid.UUID `json:"id"`
	ChangeEventID uuid.UUID `json:"change_event_id"`
	WorkflowID    uuid.UUID `json:"workflow_id"`
	StepNumber    int       `json:"step_number"`

	AssignedRole string `json:"assigned_role"`
	Required     bool   `json:"required"`

	Status      StepStatus `json:"status"`
	DueAt       time.Time  `json:"due_at"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`

	DecidedBy *string    `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Comments  *string    `json:"comments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Overdue reports whether a still-pending step has passed its due date.
// Escalation is evaluated lazily on read, never by a background timer.
func (s ApprovalStepInstance) Overdue(now time.Time) bool {
	return s.Status == StepPending && now.After(s.DueAt)
}

// Open reports whether the step still awaits a decision. ESCALATED steps
// remain decidable by the fallback role.
func (s ApprovalStepInstance) Open() bool {
	return s.Status == StepPending || s.Status == StepEscalated
}
