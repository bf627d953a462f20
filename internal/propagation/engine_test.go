package propagation

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apqp-suite/changecore/internal/domain"
)

type memRules struct {
	rules []domain.PropagationRule
}

func (m *memRules) Create(_ context.Context, rule domain.PropagationRule) (domain.PropagationRule, error) {
	m.rules = append(m.rules, rule)
	return rule, nil
}

func (m *memRules) GetByID(_ context.Context, id uuid.UUID) (domain.PropagationRule, error) {
	for _, rule := range m.rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return domain.PropagationRule{}, domain.ErrRuleNotFound
}

func (m *memRules) ListActive(_ context.Context, sourceEntityType string, changeType domain.ChangeType) ([]domain.PropagationRule, error) {
	out := []domain.PropagationRule{}
	for _, rule := range m.rules {
		if rule.Active && rule.SourceEntityType == sourceEntityType && rule.SourceChangeType == changeType {
			out = append(out, rule)
		}
	}
	return out, nil
}

type memEvents struct {
	inserted []domain.ChangeEvent
	levels   map[uuid.UUID]domain.ImpactLevel
}

func (m *memEvents) Insert(_ context.Context, event domain.ChangeEvent) (domain.ChangeEvent, error) {
	event.Seq = int64(len(m.inserted) + 1)
	m.inserted = append(m.inserted, event)
	return event, nil
}

func (m *memEvents) GetByID(_ context.Context, id uuid.UUID) (domain.ChangeEvent, error) {
	for _, event := range m.inserted {
		if event.ID == id {
			return event, nil
		}
	}
	return domain.ChangeEvent{}, domain.ErrEventNotFound
}

func (m *memEvents) List(_ context.Context, _ uuid.UUID, _ domain.ChangeEventFilter, _, _ int) ([]domain.ChangeEvent, int, error) {
	return m.inserted, len(m.inserted), nil
}

func (m *memEvents) SetImpactLevel(_ context.Context, id uuid.UUID, level domain.ImpactLevel) error {
	if m.levels == nil {
		m.levels = map[uuid.UUID]domain.ImpactLevel{}
	}
	m.levels[id] = level
	for i := range m.inserted {
		if m.inserted[i].ID == id {
			m.inserted[i].ImpactLevel = level
		}
	}
	return nil
}

func (m *memEvents) SetApproval(_ context.Context, _ uuid.UUID, _ domain.ApprovalStatus, _ *uuid.UUID, _ *time.Time) error {
	return nil
}

type appliedUpdate struct {
	entityType string
	id         uuid.UUID
	fields     map[string]any
}

type memDeps struct {
	dependents map[uuid.UUID][]domain.EntityRef
	flagged    map[string][]uuid.UUID
	applied    []appliedUpdate
	oldValues  map[string]any
	plan       domain.ControlPlan
	unlinked   []domain.FMEAControl
	projectID  uuid.UUID
	items      []domain.ControlItem
}

func newMemDeps() *memDeps {
	return &memDeps{
		dependents: map[uuid.UUID][]domain.EntityRef{},
		flagged:    map[string][]uuid.UUID{},
		oldValues:  map[string]any{},
	}
}

func (m *memDeps) ListDependents(_ context.Context, _ string, entityID uuid.UUID) ([]domain.EntityRef, error) {
	return m.dependents[entityID], nil
}

func (m *memDeps) AnyDependentRPNOverThreshold(_ context.Context, _ string, _ uuid.UUID) (bool, error) {
	return false, nil
}

func (m *memDeps) FlagForReview(_ context.Context, entityType string, ids []uuid.UUID) error {
	m.flagged[entityType] = append(m.flagged[entityType], ids...)
	return nil
}

func (m *memDeps) ApplyFieldUpdates(_ context.Context, entityType string, id uuid.UUID, fields map[string]any) (map[string]any, error) {
	m.applied = append(m.applied, appliedUpdate{entityType: entityType, id: id, fields: fields})
	return m.oldValues, nil
}

func (m *memDeps) ListUnlinkedFMEAControls(_ context.Context, _ uuid.UUID) ([]domain.FMEAControl, error) {
	return m.unlinked, nil
}

func (m *memDeps) ControlPlanForProject(_ context.Context, _ uuid.UUID) (domain.ControlPlan, error) {
	return m.plan, nil
}

func (m *memDeps) InsertControlItems(_ context.Context, items []domain.ControlItem) error {
	m.items = append(m.items, items...)
	return nil
}

func (m *memDeps) ProjectIDForEntity(_ context.Context, _ string, _ uuid.UUID) (uuid.UUID, error) {
	return m.projectID, nil
}

type memGated struct {
	actions map[uuid.UUID]domain.GatedAction
}

func newMemGated() *memGated {
	return &memGated{actions: map[uuid.UUID]domain.GatedAction{}}
}

func (m *memGated) Enqueue(_ context.Context, action domain.GatedAction) (domain.GatedAction, error) {
	m.actions[action.ID] = action
	return action, nil
}

func (m *memGated) ListPending(_ context.Context, eventID uuid.UUID) ([]domain.GatedAction, error) {
	out := []domain.GatedAction{}
	for _, action := range m.actions {
		if action.ChangeEventID == eventID && action.Status == domain.GatedPending {
			out = append(out, action)
		}
	}
	return out, nil
}

func (m *memGated) Resolve(_ context.Context, id uuid.UUID, status domain.GatedActionStatus) error {
	action := m.actions[id]
	action.Status = status
	m.actions[id] = action
	return nil
}

type memNotifications struct {
	sent []domain.Notification
}

func (m *memNotifications) Enqueue(_ context.Context, notification domain.Notification) (domain.Notification, error) {
	m.sent = append(m.sent, notification)
	return notification, nil
}

func (m *memNotifications) ListByEvent(_ context.Context, eventID uuid.UUID) ([]domain.Notification, error) {
	out := []domain.Notification{}
	for _, n := range m.sent {
		if n.ChangeEventID == eventID {
			out = append(out, n)
		}
	}
	return out, nil
}

type stubAssessor struct {
	level    domain.ImpactLevel
	err      error
	analyzed []uuid.UUID
}

func (s *stubAssessor) Analyze(_ context.Context, event domain.ChangeEvent) (domain.ImpactAnalysis, error) {
	s.analyzed = append(s.analyzed, event.ID)
	if s.err != nil {
		return domain.ImpactAnalysis{}, s.err
	}
	return domain.ImpactAnalysis{
		ID:            uuid.New(),
		ChangeEventID: event.ID,
		RiskLevel:     s.level,
		Status:        domain.AnalysisCompleted,
	}, nil
}

type fixture struct {
	engine        *Engine
	rules         *memRules
	events        *memEvents
	deps          *memDeps
	gated         *memGated
	notifications *memNotifications
	assessor      *stubAssessor
}

func newFixture() *fixture {
	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{
		rules:         &memRules{},
		events:        &memEvents{},
		deps:          newMemDeps(),
		gated:         newMemGated(),
		notifications: &memNotifications{},
		assessor:      &stubAssessor{level: domain.ImpactLow},
	}
	f.engine = NewEngine(f.rules, f.events, f.deps, f.gated, f.notifications, f.assessor, log)
	return f
}

func sourceEvent(entityType string, changeType domain.ChangeType) domain.ChangeEvent {
	return domain.ChangeEvent{
		ID:             uuid.New(),
		ProjectID:      uuid.New(),
		EntityType:     entityType,
		EntityID:       uuid.New(),
		ChangeType:     changeType,
		NewValues:      map[string]any{"severity": 9},
		ImpactLevel:    domain.ImpactMedium,
		ApprovalStatus: domain.ApprovalAutoApproved,
		ActorID:        "user-1",
	}
}

func TestValidateActionFlagsTargetDependents(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "flag items on mode change",
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionValidate,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	itemID := uuid.New()
	f.deps.dependents[event.EntityID] = []domain.EntityRef{
		{EntityType: domain.EntityControlItem, EntityID: itemID, DisplayName: "Hole diameter"},
		{EntityType: domain.EntityFailureEffect, EntityID: uuid.New(), DisplayName: "ignored"},
	}

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, chained, 1)
	assert.Equal(t, []uuid.UUID{itemID}, f.deps.flagged[domain.EntityControlItem])

	child := chained[0]
	assert.Equal(t, domain.EntityControlItem, child.EntityType)
	assert.Equal(t, domain.ChangeUpdate, child.ChangeType)
	require.NotNil(t, child.OriginRuleID)
	assert.Equal(t, rule.ID, *child.OriginRuleID)
	assert.Equal(t, event.Depth+1, child.Depth)
	assert.Equal(t, true, child.NewValues["review_required"])
	assert.Equal(t, propagationActor, child.ActorID)
}

func TestUpdateActionCopiesMappedFields(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "sync severity",
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionUpdate,
		FieldMappings:    map[string]string{"severity": "severity_note"},
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	itemID := uuid.New()
	f.deps.dependents[event.EntityID] = []domain.EntityRef{
		{EntityType: domain.EntityControlItem, EntityID: itemID},
	}
	f.deps.oldValues = map[string]any{"severity_note": 7}

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, f.deps.applied, 1)
	assert.Equal(t, itemID, f.deps.applied[0].id)
	assert.Equal(t, map[string]any{"severity_note": 9}, f.deps.applied[0].fields)

	require.Len(t, chained, 1)
	assert.Equal(t, map[string]any{"severity_note": 7}, chained[0].OldValues)
	assert.Equal(t, map[string]any{"severity_note": 9}, chained[0].NewValues)
}

func TestUpdateActionSkipsWhenNoMappedValuePresent(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "sync detection",
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionUpdate,
		FieldMappings:    map[string]string{"detection": "detection"},
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, chained)
	assert.Empty(t, f.deps.applied)
}

func TestCreateActionGeneratesControlItems(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "materialize controls",
		SourceEntityType: domain.EntityFMEAControl,
		SourceChangeType: domain.ChangeCreate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionCreate,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	f.deps.projectID = uuid.New()
	f.deps.plan = domain.ControlPlan{ID: uuid.New(), ProjectID: f.deps.projectID, Name: "CP-1"}
	controlID := uuid.New()
	f.deps.unlinked = []domain.FMEAControl{
		{ID: controlID, Description: "Torque check", ControlType: domain.ControlTypeDetection},
	}

	event := sourceEvent(domain.EntityFMEAControl, domain.ChangeCreate)
	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, f.deps.items, 1)
	item := f.deps.items[0]
	assert.Equal(t, f.deps.plan.ID, item.PlanID)
	require.NotNil(t, item.SourceControlID)
	assert.Equal(t, controlID, *item.SourceControlID)
	assert.Equal(t, "Torque check", item.Characteristic)
	assert.Equal(t, "inspection", item.Method)
	assert.Equal(t, domain.ControlItemPlanned, item.Status)

	require.Len(t, chained, 1)
	assert.Equal(t, domain.ChangeCreate, chained[0].ChangeType)
	assert.Equal(t, item.ID, chained[0].EntityID)
}

func TestNotifyActionUsesImpactForPriority(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "notify quality",
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeDelete,
		TargetEntityType: domain.EntityFailureMode,
		TargetAction:     domain.ActionNotify,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeDelete)
	event.ImpactLevel = domain.ImpactCritical

	_, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)

	require.Len(t, f.notifications.sent, 1)
	assert.Equal(t, domain.NotificationPriorityHigh, f.notifications.sent[0].Priority)
	assert.Equal(t, "propagation_rule", f.notifications.sent[0].NotificationType)
}

func TestApprovalGateQueuesInsteadOfExecuting(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "gated severity sync",
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionUpdate,
		FieldMappings:    map[string]string{"severity": "severity_note"},
		RequiresApproval: true,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	event.ApprovalStatus = domain.ApprovalPending
	itemID := uuid.New()
	f.deps.dependents[event.EntityID] = []domain.EntityRef{
		{EntityType: domain.EntityControlItem, EntityID: itemID},
	}
	f.events.inserted = append(f.events.inserted, event)

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, chained)
	assert.Empty(t, f.deps.applied, "gated rule must not execute")

	pending, err := f.gated.ListPending(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rule.ID, pending[0].RuleID)

	// Approval releases the queued action: it executes and resolves.
	require.NoError(t, f.engine.ReleaseGated(context.Background(), event.ID))
	require.Len(t, f.deps.applied, 1)
	assert.Equal(t, itemID, f.deps.applied[0].id)

	pending, err = f.gated.ListPending(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "released action must leave the queue")
}

func TestDiscardGatedDropsWithoutExecuting(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionValidate,
		RequiresApproval: true,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	event.ApprovalStatus = domain.ApprovalPending
	_, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)

	require.NoError(t, f.engine.DiscardGated(context.Background(), event.ID))

	pending, err := f.gated.ListPending(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, f.deps.flagged, "discarded action must never run")
}

func TestRuleIgnoresItsOwnOutput(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "self loop candidate",
		SourceEntityType: domain.EntityControlItem,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionValidate,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	// A control item depending on itself would loop forever without the
	// origin-rule guard.
	event := sourceEvent(domain.EntityControlItem, domain.ChangeUpdate)
	f.deps.dependents[event.EntityID] = []domain.EntityRef{
		{EntityType: domain.EntityControlItem, EntityID: event.EntityID},
	}

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)
	assert.Len(t, chained, 1, "first hop fires, its output must not re-trigger the same rule")
}

func TestCyclicRulesTerminateAtDepthCap(t *testing.T) {
	f := newFixture()
	modeID := uuid.New()
	itemID := uuid.New()

	// Two rules forming a cycle: mode updates touch the item, item updates
	// touch the mode. The hop cap is the only terminator.
	f.rules.rules = append(f.rules.rules,
		domain.PropagationRule{
			ID:               uuid.New(),
			Name:             "mode to item",
			SourceEntityType: domain.EntityFailureMode,
			SourceChangeType: domain.ChangeUpdate,
			TargetEntityType: domain.EntityControlItem,
			TargetAction:     domain.ActionUpdate,
			FieldMappings:    map[string]string{"severity_note": "severity_note"},
			Active:           true,
		},
		domain.PropagationRule{
			ID:               uuid.New(),
			Name:             "item to mode",
			SourceEntityType: domain.EntityControlItem,
			SourceChangeType: domain.ChangeUpdate,
			TargetEntityType: domain.EntityFailureMode,
			TargetAction:     domain.ActionUpdate,
			FieldMappings:    map[string]string{"severity_note": "severity_note"},
			Active:           true,
		},
	)
	f.deps.dependents[modeID] = []domain.EntityRef{{EntityType: domain.EntityControlItem, EntityID: itemID}}
	f.deps.dependents[itemID] = []domain.EntityRef{{EntityType: domain.EntityFailureMode, EntityID: modeID}}
	f.deps.oldValues = map[string]any{"severity_note": 1}

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	event.EntityID = modeID
	event.NewValues = map[string]any{"severity_note": 9}

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)

	// Depth 0 source chains depths 1 through 5; the depth-5 event stops.
	assert.Len(t, chained, maxPropagationDepth)
	for _, child := range chained {
		assert.LessOrEqual(t, child.Depth, maxPropagationDepth)
	}
}

func TestChainedEventsGetImpactAnalysis(t *testing.T) {
	f := newFixture()
	f.assessor.level = domain.ImpactMedium
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "flag items on mode change",
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionValidate,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	f.deps.dependents[event.EntityID] = []domain.EntityRef{
		{EntityType: domain.EntityControlItem, EntityID: uuid.New()},
		{EntityType: domain.EntityControlItem, EntityID: uuid.New()},
	}

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, chained, 2)

	// One assessment per chained event, and the assessed level sticks.
	assert.Len(t, f.assessor.analyzed, 2)
	for _, child := range chained {
		assert.Contains(t, f.assessor.analyzed, child.ID)
		assert.Equal(t, domain.ImpactMedium, child.ImpactLevel)
		assert.Equal(t, domain.ImpactMedium, f.events.levels[child.ID])
	}
}

func TestChainedAnalysisFailureKeepsLowImpact(t *testing.T) {
	f := newFixture()
	f.assessor.err = errors.New("lookup timeout")
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionValidate,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	f.deps.dependents[event.EntityID] = []domain.EntityRef{
		{EntityType: domain.EntityControlItem, EntityID: uuid.New()},
	}

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, chained, 1)
	assert.Equal(t, domain.ImpactLow, chained[0].ImpactLevel)
}

func TestRequiresApprovalRuleRunsOnAutoApprovedEvent(t *testing.T) {
	f := newFixture()
	rule := domain.PropagationRule{
		ID:               uuid.New(),
		Name:             "gated severity sync",
		SourceEntityType: domain.EntityFailureMode,
		SourceChangeType: domain.ChangeUpdate,
		TargetEntityType: domain.EntityControlItem,
		TargetAction:     domain.ActionUpdate,
		FieldMappings:    map[string]string{"severity": "severity_note"},
		RequiresApproval: true,
		Active:           true,
	}
	f.rules.rules = append(f.rules.rules, rule)

	// No workflow governs the event, so it stays AUTO_APPROVED. The event
	// already carries its approval; the rule executes instead of queueing.
	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	itemID := uuid.New()
	f.deps.dependents[event.EntityID] = []domain.EntityRef{
		{EntityType: domain.EntityControlItem, EntityID: itemID},
	}

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, chained, 1)
	require.Len(t, f.deps.applied, 1)
	assert.Equal(t, itemID, f.deps.applied[0].id)

	pending, err := f.gated.ListPending(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "an approved event queues nothing")
}

func TestDepthCapHaltsImmediately(t *testing.T) {
	f := newFixture()
	event := sourceEvent(domain.EntityFailureMode, domain.ChangeUpdate)
	event.Depth = maxPropagationDepth

	chained, err := f.engine.Propagate(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, chained)
}
