package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// VersionDiff is the structural comparison of two stored project versions,
// one unified diff per subtree.
type VersionDiff struct {
	BaseVersionID   uuid.UUID `json:"base_version_id"`
	TargetVersionID uuid.UUID `json:"target_version_id"`
	BaseLabel       string    `json:"base_label"`
	TargetLabel     string    `json:"target_label"`
	ProcessFlowDiff string    `json:"process_flow_diff"`
	FMEADiff        string    `json:"fmea_diff"`
	ControlPlanDiff string    `json:"control_plan_diff"`
	Identical       bool      `json:"identical"`
}

// DiffVersions computes a typed structural diff between two stored versions.
// Both blobs are decoded first so format drift fails loudly instead of
// producing a textual diff of corrupt data.
func DiffVersions(base, target ProjectVersion) (VersionDiff, error) {
	baseTree, err := DeserializeTree(base)
	if err != nil {
		return VersionDiff{}, fmt.Errorf("base version %s: %w", base.ID, err)
	}
	targetTree, err := DeserializeTree(target)
	if err != nil {
		return VersionDiff{}, fmt.Errorf("target version %s: %w", target.ID, err)
	}

	baseLabel := fmt.Sprintf("v%s", base.Version())
	targetLabel := fmt.Sprintf("v%s", target.Version())

	diff := VersionDiff{
		BaseVersionID:   base.ID,
		TargetVersionID: target.ID,
		BaseLabel:       baseLabel,
		TargetLabel:     targetLabel,
	}

	diff.ProcessFlowDiff = buildUnifiedDiff(baseLabel, targetLabel, flowCanonicalLines(baseTree), flowCanonicalLines(targetTree))
	diff.FMEADiff = buildUnifiedDiff(baseLabel, targetLabel, fmeaCanonicalLines(baseTree), fmeaCanonicalLines(targetTree))
	diff.ControlPlanDiff = buildUnifiedDiff(baseLabel, targetLabel, planCanonicalLines(baseTree), planCanonicalLines(targetTree))
	diff.Identical = !hasChanges(diff.ProcessFlowDiff) && !hasChanges(diff.FMEADiff) && !hasChanges(diff.ControlPlanDiff)

	return diff, nil
}

func hasChanges(diff string) bool {
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			return true
		}
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
			return true
		}
	}
	return false
}

// flowCanonicalLines flattens the process-flow subtree into deterministic,
// sorted lines keyed by record id.
func flowCanonicalLines(tree ProjectTree) []string {
	lines := make([]string, 0, len(tree.Flows)+len(tree.Steps)+len(tree.Connections))
	for _, f := range tree.Flows {
		lines = append(lines, fmt.Sprintf("flow %s name=%q", f.ID, f.Name))
	}
	for _, s := range tree.Steps {
		lines = append(lines, fmt.Sprintf("step %s flow=%s number=%d name=%q type=%q safety=%t", s.ID, s.FlowID, s.StepNumber, s.Name, s.StepType, s.SafetyCritical))
	}
	for _, c := range tree.Connections {
		lines = append(lines, fmt.Sprintf("connection %s from=%s to=%s label=%q", c.ID, c.FromStepID, c.ToStepID, c.Label))
	}
	sort.Strings(lines)
	return lines
}

func fmeaCanonicalLines(tree ProjectTree) []string {
	lines := make([]string, 0, len(tree.FMEAs)+len(tree.FailureModes)+len(tree.Effects)+len(tree.Causes)+len(tree.Controls)+len(tree.CauseControls))
	for _, f := range tree.FMEAs {
		lines = append(lines, fmt.Sprintf("fmea %s name=%q threshold=%d", f.ID, f.Name, f.RPNThreshold))
	}
	for _, m := range tree.FailureModes {
		lines = append(lines, fmt.Sprintf("mode %s fmea=%s name=%q severity=%d", m.ID, m.FMEAID, m.Name, m.Severity))
	}
	for _, e := range tree.Effects {
		lines = append(lines, fmt.Sprintf("effect %s mode=%s description=%q severity=%d", e.ID, e.FailureModeID, e.Description, e.Severity))
	}
	for _, c := range tree.Causes {
		lines = append(lines, fmt.Sprintf("cause %s mode=%s description=%q occurrence=%d", c.ID, c.FailureModeID, c.Description, c.Occurrence))
	}
	for _, c := range tree.Controls {
		lines = append(lines, fmt.Sprintf("control %s mode=%s description=%q type=%q detection=%d", c.ID, c.FailureModeID, c.Description, c.ControlType, c.Detection))
	}
	for _, l := range tree.CauseControls {
		lines = append(lines, fmt.Sprintf("cause-control cause=%s control=%s", l.CauseID, l.ControlID))
	}
	sort.Strings(lines)
	return lines
}

func planCanonicalLines(tree ProjectTree) []string {
	lines := make([]string, 0, len(tree.Plans)+len(tree.Items))
	for _, p := range tree.Plans {
		lines = append(lines, fmt.Sprintf("plan %s name=%q", p.ID, p.Name))
	}
	for _, i := range tree.Items {
		lines = append(lines, fmt.Sprintf("item %s plan=%s characteristic=%q method=%q frequency=%q status=%q", i.ID, i.PlanID, i.Characteristic, i.Method, i.Frequency, i.Status))
	}
	sort.Strings(lines)
	return lines
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel string, baseLines, targetLines []string) string {
	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

// diffLines produces LCS-based line operations between two canonical
// renderings.
func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
