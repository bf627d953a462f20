package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func sampleTree(projectID uuid.UUID) ProjectTree {
	flowID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	stepID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	fmeaID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	modeID := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	planID := uuid.MustParse("55555555-5555-5555-5555-555555555555")
	itemID := uuid.MustParse("66666666-6666-6666-6666-666666666666")

	return ProjectTree{
		ProjectID: projectID,
		Flows:     []ProcessFlow{{ID: flowID, ProjectID: projectID, Name: "Machining"}},
		Steps: []ProcessStep{{
			ID: stepID, FlowID: flowID, Name: "Drill", StepNumber: 10, StepType: "operation",
		}},
		FMEAs: []FMEA{{ID: fmeaID, ProjectID: projectID, Name: "Process FMEA", RPNThreshold: 100}},
		FailureModes: []FailureMode{{
			ID: modeID, FMEAID: fmeaID, Name: "Oversized hole", Severity: 7,
		}},
		Plans: []ControlPlan{{ID: planID, ProjectID: projectID, Name: "CP-1"}},
		Items: []ControlItem{{
			ID: itemID, PlanID: planID, Characteristic: "Hole diameter",
			Method: "CMM", Frequency: "per_lot", Status: ControlItemPlanned,
		}},
	}
}

func versionFromTree(t *testing.T, tree ProjectTree, major int) ProjectVersion {
	t.Helper()
	flow, fmea, plan, err := SerializeTree(tree)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	steps, modes, items := tree.Counts()
	return ProjectVersion{
		ID:               uuid.New(),
		ProjectID:        tree.ProjectID,
		MajorVersion:     major,
		ProcessFlowData:  flow,
		FMEAData:         fmea,
		ControlPlanData:  plan,
		StepCount:        steps,
		FailureModeCount: modes,
		ControlItemCount: items,
		CreatedAt:        time.Now(),
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tree := sampleTree(uuid.New())
	version := versionFromTree(t, tree, 1)

	restored, err := DeserializeTree(version)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if len(restored.Flows) != 1 || restored.Flows[0].Name != "Machining" {
		t.Errorf("flows not restored: %+v", restored.Flows)
	}
	if len(restored.Steps) != 1 || restored.Steps[0].StepNumber != 10 {
		t.Errorf("steps not restored: %+v", restored.Steps)
	}
	if len(restored.FailureModes) != 1 || restored.FailureModes[0].Severity != 7 {
		t.Errorf("failure modes not restored: %+v", restored.FailureModes)
	}
	if len(restored.Items) != 1 || restored.Items[0].Method != "CMM" {
		t.Errorf("control items not restored: %+v", restored.Items)
	}
}

func TestDeserializeRejectsCorruptedBlob(t *testing.T) {
	tree := sampleTree(uuid.New())
	version := versionFromTree(t, tree, 1)
	version.FMEAData = []byte(`{"schema_version": 1, "fmeas": [truncated`)

	if _, err := DeserializeTree(version); !errors.Is(err, ErrSnapshotCorrupted) {
		t.Fatalf("expected ErrSnapshotCorrupted, got %v", err)
	}
}

func TestDeserializeRejectsSchemaDrift(t *testing.T) {
	tree := sampleTree(uuid.New())
	version := versionFromTree(t, tree, 1)
	version.ProcessFlowData = []byte(`{"schema_version": 99, "flows": []}`)

	if _, err := DeserializeTree(version); !errors.Is(err, ErrSnapshotCorrupted) {
		t.Fatalf("expected ErrSnapshotCorrupted, got %v", err)
	}
}

func TestDiffVersionsIdentical(t *testing.T) {
	projectID := uuid.New()
	tree := sampleTree(projectID)
	base := versionFromTree(t, tree, 1)
	target := versionFromTree(t, tree, 2)

	diff, err := DiffVersions(base, target)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !diff.Identical {
		t.Errorf("identical trees reported as different:\n%s", diff.FMEADiff)
	}
}

func TestDiffVersionsDetectsChanges(t *testing.T) {
	projectID := uuid.New()
	baseTree := sampleTree(projectID)
	base := versionFromTree(t, baseTree, 1)

	changedTree := sampleTree(projectID)
	changedTree.FailureModes[0].Severity = 9
	changedTree.Items = append(changedTree.Items, ControlItem{
		ID: uuid.New(), PlanID: changedTree.Plans[0].ID,
		Characteristic: "Surface finish", Method: "visual", Frequency: "per_shift",
		Status: ControlItemPlanned,
	})
	target := versionFromTree(t, changedTree, 2)

	diff, err := DiffVersions(base, target)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.Identical {
		t.Fatal("changed trees reported identical")
	}
	if !strings.Contains(diff.FMEADiff, "severity=9") {
		t.Errorf("fmea diff missing severity change:\n%s", diff.FMEADiff)
	}
	if !strings.Contains(diff.ControlPlanDiff, "Surface finish") {
		t.Errorf("plan diff missing added item:\n%s", diff.ControlPlanDiff)
	}
	if hasChanges(diff.ProcessFlowDiff) {
		t.Errorf("flow diff should be unchanged:\n%s", diff.ProcessFlowDiff)
	}
}

func TestDiffVersionsLabels(t *testing.T) {
	projectID := uuid.New()
	tree := sampleTree(projectID)
	base := versionFromTree(t, tree, 1)
	target := versionFromTree(t, tree, 2)

	diff, err := DiffVersions(base, target)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.BaseLabel != "v1.0.0" || diff.TargetLabel != "v2.0.0" {
		t.Errorf("labels = %q / %q", diff.BaseLabel, diff.TargetLabel)
	}
}
