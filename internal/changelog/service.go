package changelog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/repository"
)

// Analyzer computes the impact assessment for a freshly recorded event.
type Analyzer interface {
	Analyze(ctx context.Context, event domain.ChangeEvent) (domain.ImpactAnalysis, error)
}

// WorkflowSelector picks the governing workflow and materializes its initial
// steps, returning the resulting approval status.
type WorkflowSelector interface {
	Prepare(ctx context.Context, event domain.ChangeEvent) (domain.ApprovalStatus, *uuid.UUID, error)
}

// Propagator dispatches matching rule actions for a recorded event.
type Propagator interface {
	Propagate(ctx context.Context, event domain.ChangeEvent) ([]domain.ChangeEvent, error)
}

// Service is the change event log: the single entry point the CRUD layer
// calls for every mutation of a tracked entity.
type Service struct {
	projects   repository.ProjectRepository
	events     repository.ChangeEventRepository
	analyzer   Analyzer
	workflows  WorkflowSelector
	propagator Propagator
	log        *logrus.Logger
	now        func() time.Time
}

// NewService wires the change event log.
func NewService(projects repository.ProjectRepository, events repository.ChangeEventRepository,
	analyzer Analyzer, workflows WorkflowSelector, propagator Propagator, log *logrus.Logger) *Service {
	return &Service{
		projects:   projects,
		events:     events,
		analyzer:   analyzer,
		workflows:  workflows,
		propagator: propagator,
		log:        log,
		now:        time.Now,
	}
}

// RecordChange persists one mutation and synchronously runs impact analysis,
// workflow selection and rule propagation before returning. The committed
// event is never rolled back by a downstream failure: analysis failures are
// recorded as FAILED against the event and propagation errors are logged.
func (s *Service) RecordChange(ctx context.Context, input domain.ChangeInput) (domain.ChangeEvent, error) {
	if err := validateInput(input); err != nil {
		return domain.ChangeEvent{}, err
	}

	exists, err := s.projects.Exists(ctx, input.ProjectID)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return domain.ChangeEvent{}, fmt.Errorf("project %s: %w", input.ProjectID, domain.ErrProjectNotFound)
	}

	event := domain.ChangeEvent{
		ID:             uuid.New(),
		ProjectID:      input.ProjectID,
		EntityType:     input.EntityType,
		EntityID:       input.EntityID,
		ChangeType:     input.ChangeType,
		OldValues:      input.OldValues,
		NewValues:      input.NewValues,
		ChangedFields:  domain.ComputeChangedFields(input.OldValues, input.NewValues),
		ImpactLevel:    domain.ImpactMedium,
		ApprovalStatus: domain.ApprovalAutoApproved,
		BatchID:        input.BatchID,
		OriginRuleID:   input.OriginRuleID,
		Depth:          input.Depth,
		ActorID:        input.ActorID,
	}

	event, err = s.events.Insert(ctx, event)
	if err != nil {
		return domain.ChangeEvent{}, err
	}

	// Impact analysis. On failure the event keeps its MEDIUM default and the
	// FAILED analysis row stays retry-eligible.
	analysis, err := s.analyzer.Analyze(ctx, event)
	if err != nil {
		s.log.WithError(err).WithField("event_id", event.ID).
			Warn("impact analysis failed, keeping default impact level")
	} else {
		event.ImpactLevel = analysis.RiskLevel
		if err := s.events.SetImpactLevel(ctx, event.ID, analysis.RiskLevel); err != nil {
			return domain.ChangeEvent{}, err
		}
	}

	// Workflow selection fixes the approval status before propagation runs,
	// so approval-gated rules see PENDING and queue instead of executing.
	status, workflowID, err := s.workflows.Prepare(ctx, event)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("workflow selection failed: %w", err)
	}
	event.ApprovalStatus = status
	event.WorkflowID = workflowID
	var completedAt *time.Time
	if status == domain.ApprovalAutoApproved || status == domain.ApprovalApproved {
		now := s.now()
		completedAt = &now
		event.CompletedAt = completedAt
	}
	if err := s.events.SetApproval(ctx, event.ID, status, workflowID, completedAt); err != nil {
		return domain.ChangeEvent{}, err
	}

	// Synchronous propagation: non-gated consequences are applied before
	// RecordChange returns, preserving per-entity ordering.
	chained, err := s.propagator.Propagate(ctx, event)
	if err != nil {
		s.log.WithError(err).WithField("event_id", event.ID).
			Error("propagation failed")
	}

	s.log.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"seq":         event.Seq,
		"entity_type": event.EntityType,
		"change_type": event.ChangeType,
		"impact":      event.ImpactLevel,
		"approval":    event.ApprovalStatus,
		"chained":     len(chained),
	}).Info("change recorded")

	return event, nil
}

// ListChangeEvents pages a project's events, newest first, with the total
// match count.
func (s *Service) ListChangeEvents(ctx context.Context, projectID uuid.UUID, filter domain.ChangeEventFilter, limit, offset int) ([]domain.ChangeEvent, int, error) {
	exists, err := s.projects.Exists(ctx, projectID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return nil, 0, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	return s.events.List(ctx, projectID, filter, limit, offset)
}

// GetChangeEvent fetches one event.
func (s *Service) GetChangeEvent(ctx context.Context, id uuid.UUID) (domain.ChangeEvent, error) {
	return s.events.GetByID(ctx, id)
}

func validateInput(input domain.ChangeInput) error {
	if input.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if input.EntityID == uuid.Nil {
		return fmt.Errorf("entity id is required")
	}
	if input.ActorID == "" {
		return fmt.Errorf("actor id is required")
	}
	switch input.ChangeType {
	case domain.ChangeCreate, domain.ChangeUpdate, domain.ChangeDelete, domain.ChangeRestore:
		return nil
	default:
		return fmt.Errorf("unknown change type %q", input.ChangeType)
	}
}
