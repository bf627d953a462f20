package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisStatus is the lifecycle of one impact analysis run.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "PENDING"
	AnalysisInProgress AnalysisStatus = "IN_PROGRESS"
	AnalysisCompleted  AnalysisStatus = "COMPLETED"
	AnalysisFailed     AnalysisStatus = "FAILED"
)

// EntityRef is a lightweight identifying snapshot of an affected entity.
// It stays valid after the entity itself is deleted.
type EntityRef struct {
	EntityType  string    `json:"entity_type"`
	EntityID    uuid.UUID `json:"entity_id"`
	DisplayName string    `json:"display_name"`
}

// ImpactAnalysis is the one-to-one assessment of a change event. Computed
// once from the event's old/new values plus dependency lookups at analysis
// time; never mutated after completion.
type ImpactAnalysis struct {
	ID            uuid.UUID `json:"id"`
	ChangeEventID uuid.UUID `json:"change_event_id"`

	Score     float64     `json:"score"`
	RiskLevel ImpactLevel `json:"risk_level"`

	AffectedEntities  []EntityRef `json:"affected_entities"`
	DependentEventIDs []uuid.UUID `json:"dependent_event_ids,omitempty"`
	BlockingEventIDs  []uuid.UUID `json:"blocking_event_ids,omitempty"`

	Status AnalysisStatus `json:"status"`
	Error  string         `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RiskCutPoints maps a [0,10] impact score onto risk levels. Scores below
// Medium are LOW; at or above Critical are CRITICAL.
type RiskCutPoints struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultRiskCutPoints returns the standard score thresholds.
func DefaultRiskCutPoints() RiskCutPoints {
	return RiskCutPoints{Medium: 2.5, High: 5.0, Critical: 7.5}
}

// Level buckets a score.
func (c RiskCutPoints) Level(score float64) ImpactLevel {
	switch {
	case score >= c.Critical:
		return ImpactCritical
	case score >= c.High:
		return ImpactHigh
	case score >= c.Medium:
		return ImpactMedium
	default:
		return ImpactLow
	}
}
