package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entity type identifiers for everything tracked by the change log.
const (
	EntityProcessFlow    = "process_flow"
	EntityProcessStep    = "process_step"
	EntityStepConnection = "step_connection"
	EntityFMEA           = "fmea"
	EntityFailureMode    = "failure_mode"
	EntityFailureEffect  = "failure_effect"
	EntityFailureCause   = "failure_cause"
	EntityFMEAControl    = "fmea_control"
	EntityControlPlan    = "control_plan"
	EntityControlItem    = "control_item"
	EntityProject        = "project"
)

// ProcessFlow is the root of a project's process diagram.
type ProcessFlow struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessStep is one operation in a process flow.
type ProcessStep struct {
	ID             uuid.UUID `json:"id"`
	FlowID         uuid.UUID `json:"flow_id"`
	Name           string    `json:"name"`
	StepNumber     int       `json:"step_number"`
	StepType       string    `json:"step_type"`
	SafetyCritical bool      `json:"safety_critical"`
	ReviewRequired bool      `json:"review_required"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StepConnection is a directed edge between two process steps.
type StepConnection struct {
	ID         uuid.UUID `json:"id"`
	FlowID     uuid.UUID `json:"flow_id"`
	FromStepID uuid.UUID `json:"from_step_id"`
	ToStepID   uuid.UUID `json:"to_step_id"`
	Label      string    `json:"label"`
}

// FMEA is a failure mode and effects analysis document.
type FMEA struct {
	ID           uuid.UUID `json:"id"`
	ProjectID    uuid.UUID `json:"project_id"`
	Name         string    `json:"name"`
	RPNThreshold int       `json:"rpn_threshold"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FailureMode is one potential failure within an FMEA, optionally anchored to
// a process step. DefaultOccurrence is used when the mode has no causes yet.
type FailureMode struct {
	ID                uuid.UUID  `json:"id"`
	FMEAID            uuid.UUID  `json:"fmea_id"`
	ProcessStepID     *uuid.UUID `json:"process_step_id,omitempty"`
	Name              string     `json:"name"`
	Severity          int        `json:"severity"`
	DefaultOccurrence int        `json:"default_occurrence"`
	ReviewRequired    bool       `json:"review_required"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// FailureEffect describes a consequence of a failure mode.
type FailureEffect struct {
	ID            uuid.UUID `json:"id"`
	FailureModeID uuid.UUID `json:"failure_mode_id"`
	Description   string    `json:"description"`
	Severity      int       `json:"severity"`
}

// FailureCause carries the occurrence rating for one root cause.
type FailureCause struct {
	ID            uuid.UUID `json:"id"`
	FailureModeID uuid.UUID `json:"failure_mode_id"`
	Description   string    `json:"description"`
	Occurrence    int       `json:"occurrence"`
}

// Control type classifiers.
const (
	ControlTypePrevention = "PREVENTION"
	ControlTypeDetection  = "DETECTION"
)

// FMEAControl carries the detection rating for one control.
type FMEAControl struct {
	ID            uuid.UUID `json:"id"`
	FailureModeID uuid.UUID `json:"failure_mode_id"`
	Description   string    `json:"description"`
	ControlType   string    `json:"control_type"`
	Detection     int       `json:"detection"`
}

// CauseControlLink associates a failure cause with the control that
// addresses it. RPN pairing follows these links.
type CauseControlLink struct {
	CauseID   uuid.UUID `json:"cause_id"`
	ControlID uuid.UUID `json:"control_id"`
}

// ControlPlan is the root of a project's control plan document.
type ControlPlan struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Control item verification statuses.
const (
	ControlItemPlanned  = "PLANNED"
	ControlItemInReview = "IN_REVIEW"
	ControlItemVerified = "VERIFIED"
)

// ControlItem is one inspection or measurement control. SourceControlID
// points at the FMEA control it was generated from, when any.
type ControlItem struct {
	ID              uuid.UUID  `json:"id"`
	PlanID          uuid.UUID  `json:"plan_id"`
	ProcessStepID   *uuid.UUID `json:"process_step_id,omitempty"`
	SourceControlID *uuid.UUID `json:"source_control_id,omitempty"`
	Characteristic  string     `json:"characteristic"`
	Method          string     `json:"method"`
	Frequency       string     `json:"frequency"`
	Status          string     `json:"status"`
	ReviewRequired  bool       `json:"review_required"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ProjectTree is the full live graph of one project, loaded for snapshot
// creation and replaced wholesale on restore.
type ProjectTree struct {
	ProjectID uuid.UUID

	Flows       []ProcessFlow
	Steps       []ProcessStep
	Connections []StepConnection

	FMEAs         []FMEA
	FailureModes  []FailureMode
	Effects       []FailureEffect
	Causes        []FailureCause
	Controls      []FMEAControl
	CauseControls []CauseControlLink

	Plans []ControlPlan
	Items []ControlItem
}

// Counts returns the summary numbers stored on a ProjectVersion.
func (t ProjectTree) Counts() (steps, failureModes, controlItems int) {
	return len(t.Steps), len(t.FailureModes), len(t.Items)
}
