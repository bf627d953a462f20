package propagation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/repository"
)

// maxPropagationDepth bounds chained-event recursion. Cyclic rule sets
// (A→B, B→A) terminate here instead of looping.
const maxPropagationDepth = 5

// propagationActor stamps chained events so their origin is unambiguous.
const propagationActor = "system:propagation"

// Assessor computes the impact assessment of a chained event. Implemented by
// the impact analyzer, keeping analyses one-to-one with change events.
type Assessor interface {
	Analyze(ctx context.Context, event domain.ChangeEvent) (domain.ImpactAnalysis, error)
}

// Engine evaluates propagation rules against recorded change events and
// dispatches their consequences synchronously.
type Engine struct {
	rules         repository.RuleRepository
	events        repository.ChangeEventRepository
	deps          repository.DependencyRepository
	gated         repository.GatedActionRepository
	notifications repository.NotificationRepository
	assessor      Assessor
	log           *logrus.Logger
}

// NewEngine wires the rule engine.
func NewEngine(rules repository.RuleRepository, events repository.ChangeEventRepository,
	deps repository.DependencyRepository, gated repository.GatedActionRepository,
	notifications repository.NotificationRepository, assessor Assessor, log *logrus.Logger) *Engine {
	return &Engine{
		rules:         rules,
		events:        events,
		deps:          deps,
		gated:         gated,
		notifications: notifications,
		assessor:      assessor,
		log:           log,
	}
}

// Propagate evaluates all matching active rules for the event, in priority
// order, and recursively propagates the chained events it produces. Rules
// that require approval on a PENDING event are queued as gated actions
// instead of executing. One rule's failure never blocks the remaining rules.
func (e *Engine) Propagate(ctx context.Context, event domain.ChangeEvent) ([]domain.ChangeEvent, error) {
	if event.Depth >= maxPropagationDepth {
		e.log.WithFields(logrus.Fields{
			"event_id": event.ID,
			"depth":    event.Depth,
		}).Warn("propagation depth cap reached, chain halted")
		return nil, nil
	}

	rules, err := e.rules.ListActive(ctx, event.EntityType, event.ChangeType)
	if err != nil {
		return nil, fmt.Errorf("failed to load propagation rules: %w", err)
	}

	chained := []domain.ChangeEvent{}
	for _, rule := range rules {
		if !rule.Matches(event) {
			continue
		}

		// The gate binds to events awaiting a decision. An AUTO_APPROVED
		// event already carries its approval, so the action runs.
		if rule.RequiresApproval && event.ApprovalStatus == domain.ApprovalPending {
			if err := e.enqueueGated(ctx, rule, event); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"rule_id":  rule.ID,
					"event_id": event.ID,
				}).Error("failed to queue gated action")
			}
			continue
		}

		produced, err := e.execute(ctx, rule, event)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"rule_id":  rule.ID,
				"event_id": event.ID,
				"action":   rule.TargetAction,
			}).Error("propagation rule execution failed")
			continue
		}
		chained = append(chained, produced...)
	}

	// Chained events propagate in turn; depth bounds the recursion.
	all := chained
	for _, child := range chained {
		grandchildren, err := e.Propagate(ctx, child)
		if err != nil {
			e.log.WithError(err).WithField("event_id", child.ID).
				Error("chained propagation failed")
			continue
		}
		all = append(all, grandchildren...)
	}

	return all, nil
}

// ReleaseGated executes and resolves the pending gated actions of an approved
// event. Actions re-execute from their stored rule and event references.
func (e *Engine) ReleaseGated(ctx context.Context, eventID uuid.UUID) error {
	actions, err := e.gated.ListPending(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to list gated actions: %w", err)
	}

	for _, action := range actions {
		rule, err := e.rules.GetByID(ctx, action.RuleID)
		if err != nil {
			e.log.WithError(err).WithField("gated_action_id", action.ID).
				Error("gated action references unknown rule")
			continue
		}
		event, err := e.events.GetByID(ctx, action.ChangeEventID)
		if err != nil {
			e.log.WithError(err).WithField("gated_action_id", action.ID).
				Error("gated action references unknown event")
			continue
		}

		chained, err := e.execute(ctx, rule, event)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"gated_action_id": action.ID,
				"rule_id":         rule.ID,
			}).Error("gated action execution failed")
			continue
		}
		for _, child := range chained {
			if _, err := e.Propagate(ctx, child); err != nil {
				e.log.WithError(err).WithField("event_id", child.ID).
					Error("chained propagation failed")
			}
		}

		if err := e.gated.Resolve(ctx, action.ID, domain.GatedReleased); err != nil {
			return fmt.Errorf("failed to resolve gated action %s: %w", action.ID, err)
		}
	}
	return nil
}

// DiscardGated drops the pending gated actions of a rejected event without
// executing them.
func (e *Engine) DiscardGated(ctx context.Context, eventID uuid.UUID) error {
	actions, err := e.gated.ListPending(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to list gated actions: %w", err)
	}
	for _, action := range actions {
		if err := e.gated.Resolve(ctx, action.ID, domain.GatedDiscarded); err != nil {
			return fmt.Errorf("failed to discard gated action %s: %w", action.ID, err)
		}
	}
	return nil
}

func (e *Engine) enqueueGated(ctx context.Context, rule domain.PropagationRule, event domain.ChangeEvent) error {
	_, err := e.gated.Enqueue(ctx, domain.GatedAction{
		ID:            uuid.New(),
		ChangeEventID: event.ID,
		RuleID:        rule.ID,
		Status:        domain.GatedPending,
	})
	return err
}

func (e *Engine) execute(ctx context.Context, rule domain.PropagationRule, event domain.ChangeEvent) ([]domain.ChangeEvent, error) {
	switch rule.TargetAction {
	case domain.ActionValidate:
		return e.executeValidate(ctx, rule, event)
	case domain.ActionUpdate:
		return e.executeUpdate(ctx, rule, event)
	case domain.ActionCreate:
		return e.executeCreate(ctx, rule, event)
	case domain.ActionNotify:
		return nil, e.executeNotify(ctx, rule, event)
	default:
		return nil, fmt.Errorf("unknown target action %q: %w", rule.TargetAction, domain.ErrInvalidRule)
	}
}

// executeValidate flags the event's dependents of the target type for review
// and records one chained event per flagged entity.
func (e *Engine) executeValidate(ctx context.Context, rule domain.PropagationRule, event domain.ChangeEvent) ([]domain.ChangeEvent, error) {
	refs, err := e.targetDependents(ctx, rule, event)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.EntityID)
	}
	if err := e.deps.FlagForReview(ctx, rule.TargetEntityType, ids); err != nil {
		return nil, err
	}

	chained := make([]domain.ChangeEvent, 0, len(refs))
	for _, ref := range refs {
		child, err := e.insertChained(ctx, rule, event, ref.EntityID, domain.ChangeUpdate,
			nil, map[string]any{"review_required": true})
		if err != nil {
			return chained, err
		}
		chained = append(chained, child)
	}
	return chained, nil
}

// executeUpdate copies mapped field values from the event onto its dependents
// of the target type, recording a chained event per touched entity.
func (e *Engine) executeUpdate(ctx context.Context, rule domain.PropagationRule, event domain.ChangeEvent) ([]domain.ChangeEvent, error) {
	fields := map[string]any{}
	for src, dst := range rule.FieldMappings {
		if value, ok := event.NewValues[src]; ok {
			fields[dst] = value
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}

	refs, err := e.targetDependents(ctx, rule, event)
	if err != nil {
		return nil, err
	}

	chained := []domain.ChangeEvent{}
	for _, ref := range refs {
		oldValues, err := e.deps.ApplyFieldUpdates(ctx, rule.TargetEntityType, ref.EntityID, fields)
		if err != nil {
			return chained, err
		}
		child, err := e.insertChained(ctx, rule, event, ref.EntityID, domain.ChangeUpdate, oldValues, fields)
		if err != nil {
			return chained, err
		}
		chained = append(chained, child)
	}
	return chained, nil
}

// executeCreate generates control-plan items from the project's FMEA controls
// that no item references yet, as one batch. Only the control-item target is
// meaningful for CREATE.
func (e *Engine) executeCreate(ctx context.Context, rule domain.PropagationRule, event domain.ChangeEvent) ([]domain.ChangeEvent, error) {
	if rule.TargetEntityType != domain.EntityControlItem {
		return nil, fmt.Errorf("CREATE action targets %q, only %q is supported",
			rule.TargetEntityType, domain.EntityControlItem)
	}

	projectID, err := e.deps.ProjectIDForEntity(ctx, event.EntityType, event.EntityID)
	if err != nil {
		return nil, err
	}
	plan, err := e.deps.ControlPlanForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	controls, err := e.deps.ListUnlinkedFMEAControls(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(controls) == 0 {
		return nil, nil
	}

	items := generateControlItems(plan, controls, rule, event)
	if err := e.deps.InsertControlItems(ctx, items); err != nil {
		return nil, err
	}

	chained := make([]domain.ChangeEvent, 0, len(items))
	for _, item := range items {
		child, err := e.insertChained(ctx, rule, event, item.ID, domain.ChangeCreate, nil, map[string]any{
			"plan_id":           item.PlanID.String(),
			"source_control_id": item.SourceControlID.String(),
			"characteristic":    item.Characteristic,
			"method":            item.Method,
			"frequency":         item.Frequency,
			"status":            item.Status,
		})
		if err != nil {
			return chained, err
		}
		chained = append(chained, child)
	}
	return chained, nil
}

// generateControlItems pairs each unlinked control with a new planned item
// linked back through SourceControlID. Field mappings override the defaults
// from the event's new values.
func generateControlItems(plan domain.ControlPlan, controls []domain.FMEAControl,
	rule domain.PropagationRule, event domain.ChangeEvent) []domain.ControlItem {

	overrides := map[string]any{}
	for src, dst := range rule.FieldMappings {
		if value, ok := event.NewValues[src]; ok {
			overrides[dst] = value
		}
	}

	items := make([]domain.ControlItem, 0, len(controls))
	for _, control := range controls {
		sourceID := control.ID
		item := domain.ControlItem{
			ID:              uuid.New(),
			PlanID:          plan.ID,
			SourceControlID: &sourceID,
			Characteristic:  control.Description,
			Method:          defaultMethodFor(control.ControlType),
			Frequency:       "per_lot",
			Status:          domain.ControlItemPlanned,
		}
		if v, ok := overrides["characteristic"].(string); ok {
			item.Characteristic = v
		}
		if v, ok := overrides["method"].(string); ok {
			item.Method = v
		}
		if v, ok := overrides["frequency"].(string); ok {
			item.Frequency = v
		}
		items = append(items, item)
	}
	return items
}

func defaultMethodFor(controlType string) string {
	if controlType == domain.ControlTypePrevention {
		return "process_verification"
	}
	return "inspection"
}

// executeNotify enqueues a notification for the external delivery system.
func (e *Engine) executeNotify(ctx context.Context, rule domain.PropagationRule, event domain.ChangeEvent) error {
	priority := domain.NotificationPriorityNormal
	if event.ImpactLevel.AtLeast(domain.ImpactHigh) {
		priority = domain.NotificationPriorityHigh
	}

	_, err := e.notifications.Enqueue(ctx, domain.Notification{
		ID:               uuid.New(),
		ChangeEventID:    event.ID,
		NotificationType: "propagation_rule",
		Priority:         priority,
		RecipientCriteria: map[string]any{
			"rule_id":            rule.ID.String(),
			"target_entity_type": rule.TargetEntityType,
			"impact_level":       string(event.ImpactLevel),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// targetDependents lists the event entity's dependents filtered to the rule's
// target type.
func (e *Engine) targetDependents(ctx context.Context, rule domain.PropagationRule, event domain.ChangeEvent) ([]domain.EntityRef, error) {
	refs, err := e.deps.ListDependents(ctx, event.EntityType, event.EntityID)
	if err != nil {
		return nil, err
	}
	filtered := refs[:0]
	for _, ref := range refs {
		if ref.EntityType == rule.TargetEntityType {
			filtered = append(filtered, ref)
		}
	}
	return filtered, nil
}

// insertChained persists a propagation-produced event carrying the loop guard
// (origin rule) and an incremented hop depth, then runs its impact
// assessment. Chained events get the same one-to-one analysis as
// user-recorded ones; on analysis failure the event keeps the LOW default
// and the FAILED row stays retry-eligible.
func (e *Engine) insertChained(ctx context.Context, rule domain.PropagationRule, parent domain.ChangeEvent,
	entityID uuid.UUID, changeType domain.ChangeType, oldValues, newValues map[string]any) (domain.ChangeEvent, error) {

	ruleID := rule.ID
	child := domain.ChangeEvent{
		ID:             uuid.New(),
		ProjectID:      parent.ProjectID,
		EntityType:     rule.TargetEntityType,
		EntityID:       entityID,
		ChangeType:     changeType,
		OldValues:      oldValues,
		NewValues:      newValues,
		ChangedFields:  domain.ComputeChangedFields(oldValues, newValues),
		ImpactLevel:    domain.ImpactLow,
		ApprovalStatus: domain.ApprovalAutoApproved,
		BatchID:        parent.BatchID,
		OriginRuleID:   &ruleID,
		Depth:          parent.Depth + 1,
		ActorID:        propagationActor,
	}

	inserted, err := e.events.Insert(ctx, child)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to insert chained event: %w", err)
	}

	analysis, err := e.assessor.Analyze(ctx, inserted)
	if err != nil {
		e.log.WithError(err).WithField("event_id", inserted.ID).
			Warn("chained impact analysis failed, keeping default impact level")
		return inserted, nil
	}
	if analysis.RiskLevel != inserted.ImpactLevel {
		if err := e.events.SetImpactLevel(ctx, inserted.ID, analysis.RiskLevel); err != nil {
			return domain.ChangeEvent{}, fmt.Errorf("failed to set chained impact level: %w", err)
		}
		inserted.ImpactLevel = analysis.RiskLevel
	}
	return inserted, nil
}
