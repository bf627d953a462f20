package domain

import (
	"testing"
	"time"
)

func TestTriggerMatches(t *testing.T) {
	wf := ApprovalWorkflow{
		Active: true,
		Trigger: TriggerConditions{
			EntityTypes:    []string{EntityFailureMode, EntityControlItem},
			MinImpactLevel: ImpactHigh,
		},
	}

	if !wf.TriggerMatches(EntityFailureMode, ImpactHigh) {
		t.Error("should match listed type at min impact")
	}
	if !wf.TriggerMatches(EntityControlItem, ImpactCritical) {
		t.Error("should match above min impact")
	}
	if wf.TriggerMatches(EntityFailureMode, ImpactMedium) {
		t.Error("should not match below min impact")
	}
	if wf.TriggerMatches(EntityProcessStep, ImpactCritical) {
		t.Error("should not match unlisted type")
	}

	wf.Active = false
	if wf.TriggerMatches(EntityFailureMode, ImpactCritical) {
		t.Error("inactive workflow should never match")
	}
}

func TestTriggerMatchesEmptyEntityTypesMeansAll(t *testing.T) {
	wf := ApprovalWorkflow{Active: true, Trigger: TriggerConditions{MinImpactLevel: ImpactLow}}
	if !wf.TriggerMatches(EntityProcessStep, ImpactLow) {
		t.Fatal("empty entity type list should match everything")
	}
}

func TestShouldAutoApprove(t *testing.T) {
	wf := ApprovalWorkflow{
		Active: true,
		AutoApprove: &AutoApproveConditions{
			MaxImpactLevel: ImpactMedium,
			EntityTypes:    []string{EntityControlItem},
		},
	}

	if !wf.ShouldAutoApprove(EntityControlItem, ImpactLow) {
		t.Error("low impact on listed type should auto-approve")
	}
	if wf.ShouldAutoApprove(EntityControlItem, ImpactHigh) {
		t.Error("impact above max should not auto-approve")
	}
	if wf.ShouldAutoApprove(EntityFailureMode, ImpactLow) {
		t.Error("unlisted type should not auto-approve")
	}

	wf.AutoApprove = nil
	if wf.ShouldAutoApprove(EntityControlItem, ImpactLow) {
		t.Error("nil conditions should never auto-approve")
	}
}

func TestStepOverdueAndOpen(t *testing.T) {
	now := time.Now()
	step := ApprovalStepInstance{Status: StepPending, DueAt: now.Add(-time.Hour)}

	if !step.Overdue(now) {
		t.Error("pending step past due should be overdue")
	}
	if !step.Open() {
		t.Error("pending step should be open")
	}

	step.Status = StepEscalated
	if step.Overdue(now) {
		t.Error("escalated step should not re-escalate")
	}
	if !step.Open() {
		t.Error("escalated step should stay decidable")
	}

	step.Status = StepApproved
	if step.Open() {
		t.Error("approved step should be closed")
	}
}
