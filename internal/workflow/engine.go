package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/repository"
)

// ErrNoEligibleStep means the event has no open approval step the given role
// may decide.
var ErrNoEligibleStep = errors.New("no open approval step for role")

// GatedReleaser resolves the gated propagation actions of a decided event.
// Implemented by the propagation engine.
type GatedReleaser interface {
	ReleaseGated(ctx context.Context, eventID uuid.UUID) error
	DiscardGated(ctx context.Context, eventID uuid.UUID) error
}

// Engine selects workflows for change events and drives their step instances
// to a terminal decision. Escalation is evaluated lazily on read; there is no
// timer goroutine.
type Engine struct {
	workflows     repository.WorkflowRepository
	events        repository.ChangeEventRepository
	notifications repository.NotificationRepository
	releaser      GatedReleaser

	fallbackRole        string
	defaultTimeoutHours int

	log *logrus.Logger
	now func() time.Time
}

// NewEngine wires the workflow engine.
func NewEngine(workflows repository.WorkflowRepository, events repository.ChangeEventRepository,
	notifications repository.NotificationRepository, fallbackRole string, defaultTimeoutHours int,
	log *logrus.Logger) *Engine {
	if defaultTimeoutHours <= 0 {
		defaultTimeoutHours = 48
	}
	return &Engine{
		workflows:           workflows,
		events:              events,
		notifications:       notifications,
		fallbackRole:        fallbackRole,
		defaultTimeoutHours: defaultTimeoutHours,
		log:                 log,
		now:                 time.Now,
	}
}

// SetReleaser attaches the gated-action releaser; the propagation engine is
// built independently in the wiring order.
func (e *Engine) SetReleaser(releaser GatedReleaser) {
	e.releaser = releaser
}

// CreateWorkflow validates and persists a workflow definition.
func (e *Engine) CreateWorkflow(ctx context.Context, workflow domain.ApprovalWorkflow) (domain.ApprovalWorkflow, error) {
	if workflow.Name == "" {
		return domain.ApprovalWorkflow{}, fmt.Errorf("workflow name is required")
	}
	if len(workflow.Steps) == 0 && workflow.AutoApprove == nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("workflow needs steps or auto-approve conditions")
	}
	seen := map[int]bool{}
	for _, step := range workflow.Steps {
		if step.Role == "" {
			return domain.ApprovalWorkflow{}, fmt.Errorf("step %d: role is required", step.StepNumber)
		}
		if seen[step.StepNumber] {
			return domain.ApprovalWorkflow{}, fmt.Errorf("duplicate step number %d", step.StepNumber)
		}
		seen[step.StepNumber] = true
	}
	if workflow.ID == uuid.Nil {
		workflow.ID = uuid.New()
	}
	return e.workflows.CreateWorkflow(ctx, workflow)
}

// GetWorkflow fetches one workflow definition.
func (e *Engine) GetWorkflow(ctx context.Context, id uuid.UUID) (domain.ApprovalWorkflow, error) {
	return e.workflows.GetWorkflow(ctx, id)
}

// Prepare selects the governing workflow for a freshly recorded event and
// materializes its initial step instances. No matching workflow means the
// event is auto-approved. The selection is final: the workflow id stamped on
// the event never changes, even if definitions are edited afterwards.
func (e *Engine) Prepare(ctx context.Context, event domain.ChangeEvent) (domain.ApprovalStatus, *uuid.UUID, error) {
	workflows, err := e.workflows.ListActive(ctx, event.ProjectID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	var selected *domain.ApprovalWorkflow
	for i := range workflows {
		if workflows[i].TriggerMatches(event.EntityType, event.ImpactLevel) {
			selected = &workflows[i]
			break
		}
	}
	if selected == nil {
		return domain.ApprovalAutoApproved, nil, nil
	}

	if selected.ShouldAutoApprove(event.EntityType, event.ImpactLevel) {
		e.log.WithFields(logrus.Fields{
			"event_id":    event.ID,
			"workflow_id": selected.ID,
		}).Debug("auto-approve conditions satisfied, no steps created")
		return domain.ApprovalApproved, &selected.ID, nil
	}

	templates := sortedTemplates(selected.Steps)
	if len(templates) == 0 {
		return domain.ApprovalAutoApproved, &selected.ID, nil
	}

	if selected.ParallelApproval {
		for _, template := range templates {
			if _, err := e.materializeStep(ctx, *selected, event.ID, template); err != nil {
				return "", nil, err
			}
		}
	} else {
		// Sequential workflows stay lazy: only the current step exists.
		if _, err := e.materializeStep(ctx, *selected, event.ID, templates[0]); err != nil {
			return "", nil, err
		}
	}

	return domain.ApprovalPending, &selected.ID, nil
}

// ApproveChangeEvent records an approval decision by the given role on the
// event's current open step, advancing or completing the workflow.
func (e *Engine) ApproveChangeEvent(ctx context.Context, eventID uuid.UUID, actorID, role string, comments *string) (domain.ApprovalStepInstance, error) {
	step, workflow, err := e.eligibleStep(ctx, eventID, role)
	if err != nil {
		return domain.ApprovalStepInstance{}, err
	}

	now := e.now()
	step.Status = domain.StepApproved
	step.DecidedBy = &actorID
	step.DecidedAt = &now
	step.Comments = comments
	if err := e.workflows.UpdateStep(ctx, step); err != nil {
		return domain.ApprovalStepInstance{}, err
	}

	if err := e.advance(ctx, workflow, eventID, step); err != nil {
		return domain.ApprovalStepInstance{}, err
	}
	return step, nil
}

// RejectChangeEvent records a rejection, which terminates the workflow: the
// event goes REJECTED, remaining steps are halted and gated actions dropped.
func (e *Engine) RejectChangeEvent(ctx context.Context, eventID uuid.UUID, actorID, role string, comments *string) (domain.ApprovalStepInstance, error) {
	step, workflow, err := e.eligibleStep(ctx, eventID, role)
	if err != nil {
		return domain.ApprovalStepInstance{}, err
	}

	now := e.now()
	step.Status = domain.StepRejected
	step.DecidedBy = &actorID
	step.DecidedAt = &now
	step.Comments = comments
	if err := e.workflows.UpdateStep(ctx, step); err != nil {
		return domain.ApprovalStepInstance{}, err
	}

	// Parallel siblings that are still open will never be decided.
	steps, err := e.workflows.ListStepsByEvent(ctx, eventID)
	if err != nil {
		return domain.ApprovalStepInstance{}, err
	}
	for _, sibling := range steps {
		if sibling.ID != step.ID && sibling.Open() {
			sibling.Status = domain.StepBypassed
			if err := e.workflows.UpdateStep(ctx, sibling); err != nil {
				return domain.ApprovalStepInstance{}, err
			}
		}
	}

	if err := e.events.SetApproval(ctx, eventID, domain.ApprovalRejected, &workflow.ID, &now); err != nil {
		return domain.ApprovalStepInstance{}, err
	}
	if e.releaser != nil {
		if err := e.releaser.DiscardGated(ctx, eventID); err != nil {
			e.log.WithError(err).WithField("event_id", eventID).
				Error("failed to discard gated actions")
		}
	}
	e.notify(ctx, eventID, "change_rejected", domain.NotificationPriorityHigh, map[string]any{
		"rejected_by": actorID,
		"step_number": step.StepNumber,
	})

	return step, nil
}

// ListSteps returns the event's step instances, escalating overdue pending
// steps on the way out.
func (e *Engine) ListSteps(ctx context.Context, eventID uuid.UUID) ([]domain.ApprovalStepInstance, error) {
	steps, err := e.workflows.ListStepsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return steps, nil
	}
	workflow, err := e.workflows.GetWorkflow(ctx, steps[0].WorkflowID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		escalated, err := e.escalateIfOverdue(ctx, workflow, &steps[i])
		if err != nil {
			return nil, err
		}
		if escalated {
			e.notify(ctx, eventID, "approval_escalated", domain.NotificationPriorityHigh, map[string]any{
				"step_number":   steps[i].StepNumber,
				"assigned_role": steps[i].AssignedRole,
			})
		}
	}
	return steps, nil
}

// eligibleStep finds the event's open step the role may decide, escalating
// overdue steps first so the fallback role becomes eligible.
func (e *Engine) eligibleStep(ctx context.Context, eventID uuid.UUID, role string) (domain.ApprovalStepInstance, domain.ApprovalWorkflow, error) {
	event, err := e.events.GetByID(ctx, eventID)
	if err != nil {
		return domain.ApprovalStepInstance{}, domain.ApprovalWorkflow{}, err
	}
	if event.ApprovalStatus != domain.ApprovalPending {
		return domain.ApprovalStepInstance{}, domain.ApprovalWorkflow{},
			fmt.Errorf("change event %s is %s, not awaiting approval", eventID, event.ApprovalStatus)
	}
	if event.WorkflowID == nil {
		return domain.ApprovalStepInstance{}, domain.ApprovalWorkflow{},
			fmt.Errorf("change event %s: %w", eventID, domain.ErrWorkflowNotFound)
	}

	workflow, err := e.workflows.GetWorkflow(ctx, *event.WorkflowID)
	if err != nil {
		return domain.ApprovalStepInstance{}, domain.ApprovalWorkflow{}, err
	}

	steps, err := e.workflows.ListStepsByEvent(ctx, eventID)
	if err != nil {
		return domain.ApprovalStepInstance{}, domain.ApprovalWorkflow{}, err
	}

	for i := range steps {
		if _, err := e.escalateIfOverdue(ctx, workflow, &steps[i]); err != nil {
			return domain.ApprovalStepInstance{}, domain.ApprovalWorkflow{}, err
		}
		if steps[i].Open() && steps[i].AssignedRole == role {
			return steps[i], workflow, nil
		}
	}
	return domain.ApprovalStepInstance{}, domain.ApprovalWorkflow{},
		fmt.Errorf("role %q on event %s: %w", role, eventID, ErrNoEligibleStep)
}

// advance creates the next sequential step or completes the event when every
// required step is decided.
func (e *Engine) advance(ctx context.Context, workflow domain.ApprovalWorkflow, eventID uuid.UUID, decided domain.ApprovalStepInstance) error {
	if !workflow.ParallelApproval {
		if next, ok := nextTemplate(workflow, decided.StepNumber); ok {
			_, err := e.materializeStep(ctx, workflow, eventID, next)
			return err
		}
		return e.complete(ctx, workflow, eventID)
	}

	steps, err := e.workflows.ListStepsByEvent(ctx, eventID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Required && step.Open() {
			return nil
		}
	}
	// Non-required steps still open are bypassed at completion.
	for _, step := range steps {
		if step.Open() {
			step.Status = domain.StepBypassed
			if err := e.workflows.UpdateStep(ctx, step); err != nil {
				return err
			}
		}
	}
	return e.complete(ctx, workflow, eventID)
}

func (e *Engine) complete(ctx context.Context, workflow domain.ApprovalWorkflow, eventID uuid.UUID) error {
	now := e.now()
	if err := e.events.SetApproval(ctx, eventID, domain.ApprovalApproved, &workflow.ID, &now); err != nil {
		return err
	}
	if e.releaser != nil {
		if err := e.releaser.ReleaseGated(ctx, eventID); err != nil {
			e.log.WithError(err).WithField("event_id", eventID).
				Error("failed to release gated actions")
		}
	}
	e.notify(ctx, eventID, "change_approved", domain.NotificationPriorityNormal, map[string]any{
		"workflow_id": workflow.ID.String(),
	})
	e.log.WithFields(logrus.Fields{
		"event_id":    eventID,
		"workflow_id": workflow.ID,
	}).Info("change event approved")
	return nil
}

func (e *Engine) materializeStep(ctx context.Context, workflow domain.ApprovalWorkflow, eventID uuid.UUID, template domain.StepTemplate) (domain.ApprovalStepInstance, error) {
	timeout := template.TimeoutHours
	if timeout <= 0 {
		timeout = e.defaultTimeoutHours
	}

	step, err := e.workflows.CreateStep(ctx, domain.ApprovalStepInstance{
		ID:            uuid.New(),
		ChangeEventID: eventID,
		WorkflowID:    workflow.ID,
		StepNumber:    template.StepNumber,
		AssignedRole:  template.Role,
		Required:      template.Required,
		Status:        domain.StepPending,
		DueAt:         e.now().Add(time.Duration(timeout) * time.Hour),
	})
	if err != nil {
		return domain.ApprovalStepInstance{}, err
	}

	e.notify(ctx, eventID, "approval_requested", domain.NotificationPriorityNormal, map[string]any{
		"assigned_role": template.Role,
		"step_number":   template.StepNumber,
		"due_at":        step.DueAt,
	})
	return step, nil
}

// escalateIfOverdue reassigns an overdue pending step to the fallback role.
// The step stays decidable; escalation never approves or rejects by itself.
func (e *Engine) escalateIfOverdue(ctx context.Context, workflow domain.ApprovalWorkflow, step *domain.ApprovalStepInstance) (bool, error) {
	if !step.Overdue(e.now()) {
		return false, nil
	}
	now := e.now()
	step.Status = domain.StepEscalated
	step.EscalatedAt = &now
	step.AssignedRole = e.fallbackFor(workflow)
	if err := e.workflows.UpdateStep(ctx, *step); err != nil {
		return false, fmt.Errorf("failed to escalate step %s: %w", step.ID, err)
	}
	e.log.WithFields(logrus.Fields{
		"step_id":       step.ID,
		"event_id":      step.ChangeEventID,
		"assigned_role": step.AssignedRole,
	}).Warn("approval step escalated")
	return true, nil
}

func (e *Engine) notify(ctx context.Context, eventID uuid.UUID, notificationType, priority string, criteria map[string]any) {
	_, err := e.notifications.Enqueue(ctx, domain.Notification{
		ID:                uuid.New(),
		ChangeEventID:     eventID,
		NotificationType:  notificationType,
		Priority:          priority,
		RecipientCriteria: criteria,
	})
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"event_id": eventID,
			"type":     notificationType,
		}).Warn("failed to enqueue notification")
	}
}

// fallbackFor prefers the workflow's own fallback role over the configured
// service-level default.
func (e *Engine) fallbackFor(workflow domain.ApprovalWorkflow) string {
	if workflow.FallbackRole != "" {
		return workflow.FallbackRole
	}
	return e.fallbackRole
}

func sortedTemplates(templates []domain.StepTemplate) []domain.StepTemplate {
	out := make([]domain.StepTemplate, len(templates))
	copy(out, templates)
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

func nextTemplate(workflow domain.ApprovalWorkflow, after int) (domain.StepTemplate, bool) {
	templates := sortedTemplates(workflow.Steps)
	for _, template := range templates {
		if template.StepNumber > after {
			return template, true
		}
	}
	return domain.StepTemplate{}, false
}
