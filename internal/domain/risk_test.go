package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestWorstCaseRPNPairsCausesWithLinkedControls(t *testing.T) {
	mode := FailureMode{ID: uuid.New(), Severity: 8}
	cause := FailureCause{ID: uuid.New(), FailureModeID: mode.ID, Occurrence: 4}
	control := FMEAControl{ID: uuid.New(), FailureModeID: mode.ID, ControlType: ControlTypeDetection, Detection: 3}
	links := []CauseControlLink{{CauseID: cause.ID, ControlID: control.ID}}

	rpn := WorstCaseRPN(mode, []FailureCause{cause}, []FMEAControl{control}, links)
	if rpn != 96 {
		t.Fatalf("expected RPN 96 (8*4*3), got %d", rpn)
	}
	if bucket := RPNBucket(rpn); bucket != ImpactMedium {
		t.Errorf("expected MEDIUM bucket for 96, got %s", bucket)
	}
}

func TestWorstCaseRPNWorseDetectionRaisesBucket(t *testing.T) {
	mode := FailureMode{ID: uuid.New(), Severity: 8}
	cause := FailureCause{ID: uuid.New(), FailureModeID: mode.ID, Occurrence: 4}
	control := FMEAControl{ID: uuid.New(), FailureModeID: mode.ID, ControlType: ControlTypeDetection, Detection: 5}
	links := []CauseControlLink{{CauseID: cause.ID, ControlID: control.ID}}

	rpn := WorstCaseRPN(mode, []FailureCause{cause}, []FMEAControl{control}, links)
	if rpn != 160 {
		t.Fatalf("expected RPN 160 (8*4*5), got %d", rpn)
	}
	if bucket := RPNBucket(rpn); bucket != ImpactHigh {
		t.Errorf("expected HIGH bucket for 160, got %s", bucket)
	}
}

func TestWorstCaseRPNUnlinkedCauseCountsAsUndetected(t *testing.T) {
	mode := FailureMode{ID: uuid.New(), Severity: 5}
	linked := FailureCause{ID: uuid.New(), FailureModeID: mode.ID, Occurrence: 2}
	unlinked := FailureCause{ID: uuid.New(), FailureModeID: mode.ID, Occurrence: 3}
	control := FMEAControl{ID: uuid.New(), FailureModeID: mode.ID, Detection: 2}
	links := []CauseControlLink{{CauseID: linked.ID, ControlID: control.ID}}

	// Unlinked cause pairs with detection 10: 5*3*10 = 150, which beats the
	// linked pairing 5*2*2 = 20.
	rpn := WorstCaseRPN(mode, []FailureCause{linked, unlinked}, []FMEAControl{control}, links)
	if rpn != 150 {
		t.Fatalf("expected worst case 150, got %d", rpn)
	}
}

func TestWorstCaseRPNMaximumWins(t *testing.T) {
	mode := FailureMode{ID: uuid.New(), Severity: 6}
	causeA := FailureCause{ID: uuid.New(), FailureModeID: mode.ID, Occurrence: 2}
	causeB := FailureCause{ID: uuid.New(), FailureModeID: mode.ID, Occurrence: 7}
	controlA := FMEAControl{ID: uuid.New(), FailureModeID: mode.ID, Detection: 9}
	controlB := FMEAControl{ID: uuid.New(), FailureModeID: mode.ID, Detection: 2}
	links := []CauseControlLink{
		{CauseID: causeA.ID, ControlID: controlA.ID},
		{CauseID: causeB.ID, ControlID: controlB.ID},
	}

	// A: 6*2*9 = 108, B: 6*7*2 = 84.
	rpn := WorstCaseRPN(mode, []FailureCause{causeA, causeB}, []FMEAControl{controlA, controlB}, links)
	if rpn != 108 {
		t.Fatalf("expected 108, got %d", rpn)
	}
}

func TestWorstCaseRPNModeWithoutCausesUsesDefaultOccurrence(t *testing.T) {
	mode := FailureMode{ID: uuid.New(), Severity: 4, DefaultOccurrence: 3}

	// No causes, no controls: 4 * 3 * 10.
	rpn := WorstCaseRPN(mode, nil, nil, nil)
	if rpn != 120 {
		t.Fatalf("expected 120, got %d", rpn)
	}
}

func TestRPNBucketBoundaries(t *testing.T) {
	cases := []struct {
		rpn  int
		want ImpactLevel
	}{
		{1, ImpactLow},
		{49, ImpactLow},
		{50, ImpactMedium},
		{99, ImpactMedium},
		{100, ImpactHigh},
		{299, ImpactHigh},
		{300, ImpactCritical},
		{1000, ImpactCritical},
	}
	for _, tc := range cases {
		if got := RPNBucket(tc.rpn); got != tc.want {
			t.Errorf("RPNBucket(%d) = %s, want %s", tc.rpn, got, tc.want)
		}
	}
}
