package domain

import (
	"time"

	"github.com/google/uuid"
)

// Detection rating assumed for a cause with no linked control: the failure
// escapes undetected.
const undetectedRating = 10

// RPNBucket buckets a risk priority number. RPN ranges follow the
// automotive convention: LOW 1-49, MEDIUM 50-99, HIGH 100-299,
// CRITICAL 300 and above.
func RPNBucket(rpn int) ImpactLevel {
	switch {
	case rpn >= 300:
		return ImpactCritical
	case rpn >= 100:
		return ImpactHigh
	case rpn >= 50:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// WorstCaseRPN computes a failure mode's risk priority number under the
// worst-case pairing policy: each cause pairs with its linked controls, an
// unlinked cause counts as undetected, a mode without causes falls back to
// its default occurrence rating, and the maximum RPN over all pairings wins.
// The tie-break is deliberate and explicit, not a sort-order side effect.
func WorstCaseRPN(mode FailureMode, causes []FailureCause, controls []FMEAControl, links []CauseControlLink) int {
	severity := mode.Severity
	if severity <= 0 {
		severity = 1
	}

	controlsByID := make(map[uuid.UUID]FMEAControl, len(controls))
	for _, control := range controls {
		controlsByID[control.ID] = control
	}

	linkedControls := make(map[uuid.UUID][]FMEAControl)
	for _, link := range links {
		if control, ok := controlsByID[link.ControlID]; ok {
			linkedControls[link.CauseID] = append(linkedControls[link.CauseID], control)
		}
	}

	modeCauses := make([]FailureCause, 0, len(causes))
	for _, cause := range causes {
		if cause.FailureModeID == mode.ID {
			modeCauses = append(modeCauses, cause)
		}
	}

	if len(modeCauses) == 0 {
		occurrence := mode.DefaultOccurrence
		if occurrence <= 0 {
			occurrence = undetectedRating
		}
		return severity * occurrence * worstDetection(controlsForMode(mode.ID, controls))
	}

	worst := 0
	for _, cause := range modeCauses {
		occurrence := cause.Occurrence
		if occurrence <= 0 {
			occurrence = 1
		}
		detection := worstDetection(linkedControls[cause.ID])
		if rpn := severity * occurrence * detection; rpn > worst {
			worst = rpn
		}
	}
	return worst
}

// worstDetection returns the highest (worst) detection rating among the
// given controls, or the undetected rating when there are none.
func worstDetection(controls []FMEAControl) int {
	if len(controls) == 0 {
		return undetectedRating
	}
	worst := 0
	for _, control := range controls {
		detection := control.Detection
		if detection <= 0 {
			detection = 1
		}
		if detection > worst {
			worst = detection
		}
	}
	return worst
}

func controlsForMode(modeID uuid.UUID, controls []FMEAControl) []FMEAControl {
	var out []FMEAControl
	for _, control := range controls {
		if control.FailureModeID == modeID {
			out = append(out, control)
		}
	}
	return out
}

// FMEARiskData is the slice of live state the aggregator reads: every
// failure mode with its ratings plus the control-plan item statuses.
type FMEARiskData struct {
	FMEAs         []FMEA
	FailureModes  []FailureMode
	Causes        []FailureCause
	Controls      []FMEAControl
	CauseControls []CauseControlLink
	ControlItems  []ControlItem
}

// RiskAnalyticsSnapshot is the idempotently upserted per-(project,date)
// aggregate, a pure function of current live data.
type RiskAnalyticsSnapshot struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Date      time.Time `json:"date"`

	FailureModeCount int     `json:"failure_mode_count"`
	RPNSum           int     `json:"rpn_sum"`
	RPNAvg           float64 `json:"rpn_avg"`
	RPNMax           int     `json:"rpn_max"`

	LowRiskCount      int `json:"low_risk_count"`
	MediumRiskCount   int `json:"medium_risk_count"`
	HighRiskCount     int `json:"high_risk_count"`
	CriticalRiskCount int `json:"critical_risk_count"`

	// ComplianceScore is the fraction of control-plan items VERIFIED.
	ComplianceScore float64 `json:"compliance_score"`

	ComputedAt time.Time `json:"computed_at"`
}
