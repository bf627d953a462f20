package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotSchemaVersion tags every serialized subtree so restore and diff
// can detect format drift across releases.
const SnapshotSchemaVersion = 1

// ProjectVersion is an immutable point-in-time snapshot of a project. The
// three subtrees are serialized independently and are fully self-contained.
type ProjectVersion struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`

	MajorVersion int `json:"major_version"`
	MinorVersion int `json:"minor_version"`
	PatchVersion int `json:"patch_version"`

	Name        string `json:"name"`
	Description string `json:"description"`

	ProcessFlowData json.RawMessage `json:"process_flow_data"`
	FMEAData        json.RawMessage `json:"fmea_data"`
	ControlPlanData json.RawMessage `json:"control_plan_data"`

	StepCount        int `json:"step_count"`
	FailureModeCount int `json:"failure_mode_count"`
	ControlItemCount int `json:"control_item_count"`

	RestoredFromVersionID *uuid.UUID `json:"restored_from_version_id,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Version renders the semantic version triplet.
func (v ProjectVersion) Version() string {
	return fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.PatchVersion)
}

// ProcessFlowSnapshot is the serialized process-flow subtree.
type ProcessFlowSnapshot struct {
	SchemaVersion int              `json:"schema_version"`
	Flows         []ProcessFlow    `json:"flows"`
	Steps         []ProcessStep    `json:"steps"`
	Connections   []StepConnection `json:"connections"`
}

// FMEASnapshot is the serialized FMEA subtree.
type FMEASnapshot struct {
	SchemaVersion int                `json:"schema_version"`
	FMEAs         []FMEA             `json:"fmeas"`
	FailureModes  []FailureMode      `json:"failure_modes"`
	Effects       []FailureEffect    `json:"effects"`
	Causes        []FailureCause     `json:"causes"`
	Controls      []FMEAControl      `json:"controls"`
	CauseControls []CauseControlLink `json:"cause_controls"`
}

// ControlPlanSnapshot is the serialized control-plan subtree.
type ControlPlanSnapshot struct {
	SchemaVersion int           `json:"schema_version"`
	Plans         []ControlPlan `json:"plans"`
	Items         []ControlItem `json:"items"`
}

// SerializeTree splits the live tree into its three independent subtree
// blobs, each tagged with the current schema version.
func SerializeTree(tree ProjectTree) (flow, fmea, plan json.RawMessage, err error) {
	flow, err = json.Marshal(ProcessFlowSnapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Flows:         tree.Flows,
		Steps:         tree.Steps,
		Connections:   tree.Connections,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to serialize process flow subtree: %w", err)
	}

	fmea, err = json.Marshal(FMEASnapshot{
		SchemaVersion: SnapshotSchemaVersion,
		FMEAs:         tree.FMEAs,
		FailureModes:  tree.FailureModes,
		Effects:       tree.Effects,
		Causes:        tree.Causes,
		Controls:      tree.Controls,
		CauseControls: tree.CauseControls,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to serialize fmea subtree: %w", err)
	}

	plan, err = json.Marshal(ControlPlanSnapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Plans:         tree.Plans,
		Items:         tree.Items,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to serialize control plan subtree: %w", err)
	}

	return flow, fmea, plan, nil
}

// DeserializeTree reconstructs the full tree from a stored version. Any
// decode failure or schema-version drift surfaces as ErrSnapshotCorrupted.
func DeserializeTree(version ProjectVersion) (ProjectTree, error) {
	var flow ProcessFlowSnapshot
	if err := decodeSubtree(version.ProcessFlowData, &flow); err != nil {
		return ProjectTree{}, fmt.Errorf("process flow subtree: %w", err)
	}
	var fmea FMEASnapshot
	if err := decodeSubtree(version.FMEAData, &fmea); err != nil {
		return ProjectTree{}, fmt.Errorf("fmea subtree: %w", err)
	}
	var plan ControlPlanSnapshot
	if err := decodeSubtree(version.ControlPlanData, &plan); err != nil {
		return ProjectTree{}, fmt.Errorf("control plan subtree: %w", err)
	}

	return ProjectTree{
		ProjectID:     version.ProjectID,
		Flows:         flow.Flows,
		Steps:         flow.Steps,
		Connections:   flow.Connections,
		FMEAs:         fmea.FMEAs,
		FailureModes:  fmea.FailureModes,
		Effects:       fmea.Effects,
		Causes:        fmea.Causes,
		Controls:      fmea.Controls,
		CauseControls: fmea.CauseControls,
		Plans:         plan.Plans,
		Items:         plan.Items,
	}, nil
}

type versionedBlob struct {
	SchemaVersion int `json:"schema_version"`
}

func decodeSubtree(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty blob", ErrSnapshotCorrupted)
	}

	var tag versionedBlob
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	if tag.SchemaVersion != SnapshotSchemaVersion {
		return fmt.Errorf("%w: schema version %d, expected %d", ErrSnapshotCorrupted, tag.SchemaVersion, SnapshotSchemaVersion)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	return nil
}
