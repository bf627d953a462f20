package impact

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/repository"
)

// Score weights. The score is clamped to [0,10] before bucketing.
const (
	weightCreate  = 1.0
	weightUpdate  = 2.0
	weightRestore = 3.0
	weightDelete  = 4.0

	weightPerDependent   = 0.5
	maxDependentWeight   = 3.0
	weightRPNOverLimit   = 2.5
	weightCriticalFields = 1.5
	weightSafetyCritical = 1.0
)

// criticalFields are changed-field names that raise the score regardless of
// dependency fan-out.
var criticalFields = map[string]bool{
	"severity":           true,
	"occurrence":         true,
	"detection":          true,
	"rpn_threshold":      true,
	"status":             true,
	"regulatory":         true,
	"customer_required":  true,
	"default_occurrence": true,
}

// relatedEventLimit caps how many log entries one analysis inspects when
// resolving blocking and batch-sibling events.
const relatedEventLimit = 100

// Analyzer computes the one-to-one impact assessment of a change event from
// the event's values plus dependency and change-log lookups at analysis time.
type Analyzer struct {
	deps    repository.DependencyRepository
	impacts repository.ImpactRepository
	events  repository.ChangeEventRepository
	cuts    domain.RiskCutPoints
	log     *logrus.Logger
	now     func() time.Time
}

// NewAnalyzer wires the analyzer with the given risk cut points.
func NewAnalyzer(deps repository.DependencyRepository, impacts repository.ImpactRepository,
	events repository.ChangeEventRepository, cuts domain.RiskCutPoints, log *logrus.Logger) *Analyzer {
	return &Analyzer{deps: deps, impacts: impacts, events: events, cuts: cuts, log: log, now: time.Now}
}

// Analyze runs the full assessment for one change event. A lookup failure is
// recorded as a FAILED analysis against the event and never rolls the event
// back; a later retry starts from scratch.
func (a *Analyzer) Analyze(ctx context.Context, event domain.ChangeEvent) (domain.ImpactAnalysis, error) {
	started := a.now()
	analysis := domain.ImpactAnalysis{
		ID:            uuid.New(),
		ChangeEventID: event.ID,
		Status:        domain.AnalysisInProgress,
		StartedAt:     &started,
	}

	analysis, err := a.impacts.Create(ctx, analysis)
	if err != nil {
		return domain.ImpactAnalysis{}, fmt.Errorf("failed to start impact analysis: %w", err)
	}

	affected, overThreshold, err := a.lookupDependents(ctx, event)
	if err != nil {
		return a.fail(ctx, analysis, err)
	}

	blocking, dependent, err := a.relatedEvents(ctx, event)
	if err != nil {
		return a.fail(ctx, analysis, err)
	}

	analysis.AffectedEntities = affected
	analysis.BlockingEventIDs = blocking
	analysis.DependentEventIDs = dependent
	analysis.Score = a.score(event, affected, overThreshold)
	analysis.RiskLevel = a.cuts.Level(analysis.Score)
	analysis.Status = domain.AnalysisCompleted
	completed := a.now()
	analysis.CompletedAt = &completed

	if err := a.impacts.Finish(ctx, analysis); err != nil {
		return domain.ImpactAnalysis{}, fmt.Errorf("failed to complete impact analysis: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"score":      analysis.Score,
		"risk_level": analysis.RiskLevel,
		"affected":   len(affected),
	}).Debug("impact analysis completed")

	return analysis, nil
}

// GetByEventID returns the stored analysis for one event.
func (a *Analyzer) GetByEventID(ctx context.Context, eventID uuid.UUID) (domain.ImpactAnalysis, error) {
	return a.impacts.GetByEventID(ctx, eventID)
}

func (a *Analyzer) lookupDependents(ctx context.Context, event domain.ChangeEvent) ([]domain.EntityRef, bool, error) {
	affected, err := a.deps.ListDependents(ctx, event.EntityType, event.EntityID)
	if err != nil {
		return nil, false, fmt.Errorf("dependent lookup: %w", err)
	}
	overThreshold, err := a.deps.AnyDependentRPNOverThreshold(ctx, event.EntityType, event.EntityID)
	if err != nil {
		return nil, false, fmt.Errorf("rpn threshold lookup: %w", err)
	}
	return affected, overThreshold, nil
}

// relatedEvents resolves the event's ordering constraints in the change log:
// earlier still-PENDING events on the same entity block it, and the other
// events of its batch depend on it.
func (a *Analyzer) relatedEvents(ctx context.Context, event domain.ChangeEvent) (blocking, dependent []uuid.UUID, err error) {
	pending, _, err := a.events.List(ctx, event.ProjectID, domain.ChangeEventFilter{
		EntityType:     event.EntityType,
		EntityID:       &event.EntityID,
		ApprovalStatus: domain.ApprovalPending,
	}, relatedEventLimit, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("blocking event lookup: %w", err)
	}
	for _, prior := range pending {
		if prior.ID != event.ID && prior.Seq < event.Seq {
			blocking = append(blocking, prior.ID)
		}
	}

	if event.BatchID != nil {
		siblings, _, err := a.events.List(ctx, event.ProjectID, domain.ChangeEventFilter{
			BatchID: event.BatchID,
		}, relatedEventLimit, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("batch event lookup: %w", err)
		}
		for _, sibling := range siblings {
			if sibling.ID != event.ID {
				dependent = append(dependent, sibling.ID)
			}
		}
	}

	return blocking, dependent, nil
}

func (a *Analyzer) score(event domain.ChangeEvent, affected []domain.EntityRef, overThreshold bool) float64 {
	score := changeTypeWeight(event.ChangeType)

	dependentWeight := float64(len(affected)) * weightPerDependent
	if dependentWeight > maxDependentWeight {
		dependentWeight = maxDependentWeight
	}
	score += dependentWeight

	if overThreshold {
		score += weightRPNOverLimit
	}

	for _, field := range event.ChangedFields {
		if criticalFields[field] {
			score += weightCriticalFields
			break
		}
	}
	if safetyFlagged(event) {
		score += weightSafetyCritical
	}

	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

func changeTypeWeight(changeType domain.ChangeType) float64 {
	switch changeType {
	case domain.ChangeDelete:
		return weightDelete
	case domain.ChangeRestore:
		return weightRestore
	case domain.ChangeUpdate:
		return weightUpdate
	default:
		return weightCreate
	}
}

// safetyFlagged reports whether either side of the change marks the entity
// safety-critical.
func safetyFlagged(event domain.ChangeEvent) bool {
	for _, values := range []map[string]any{event.OldValues, event.NewValues} {
		if flagged, ok := values["safety_critical"].(bool); ok && flagged {
			return true
		}
	}
	return false
}

func (a *Analyzer) fail(ctx context.Context, analysis domain.ImpactAnalysis, cause error) (domain.ImpactAnalysis, error) {
	analysis.Status = domain.AnalysisFailed
	analysis.Error = cause.Error()
	completed := a.now()
	analysis.CompletedAt = &completed

	if err := a.impacts.Finish(ctx, analysis); err != nil {
		a.log.WithError(err).WithField("analysis_id", analysis.ID).
			Warn("failed to record failed impact analysis")
	}
	return analysis, fmt.Errorf("impact analysis failed: %w", cause)
}
