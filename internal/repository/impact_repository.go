package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apqp-suite/changecore/internal/domain"
)

type impactRepository struct {
	pool *pgxpool.Pool
}

// NewImpactRepository wires a repository backed by pgxpool.
func NewImpactRepository(pool *pgxpool.Pool) ImpactRepository {
	return &impactRepository{pool: pool}
}

const impactColumns = `id, change_event_id, score, risk_level, affected_entities,
	dependent_event_ids, blocking_event_ids, status, error, started_at, completed_at, created_at`

func (r *impactRepository) Create(ctx context.Context, analysis domain.ImpactAnalysis) (domain.ImpactAnalysis, error) {
	affectedJSON, err := json.Marshal(analysis.AffectedEntities)
	if err != nil {
		return domain.ImpactAnalysis{}, fmt.Errorf("failed to marshal affected entities: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO impact_analyses (id, change_event_id, score, risk_level, affected_entities,
			dependent_event_ids, blocking_event_ids, status, error, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+impactColumns,
		analysis.ID, analysis.ChangeEventID, analysis.Score, analysis.RiskLevel, affectedJSON,
		analysis.DependentEventIDs, analysis.BlockingEventIDs, analysis.Status, analysis.Error,
		analysis.StartedAt, analysis.CompletedAt,
	)

	created, err := scanImpact(row)
	if err != nil {
		return domain.ImpactAnalysis{}, fmt.Errorf("failed to create impact analysis: %w", err)
	}
	return created, nil
}

// Finish writes the terminal state. COMPLETED analyses are never mutated
// again; FAILED ones stay retry-eligible via a fresh run.
func (r *impactRepository) Finish(ctx context.Context, analysis domain.ImpactAnalysis) error {
	affectedJSON, err := json.Marshal(analysis.AffectedEntities)
	if err != nil {
		return fmt.Errorf("failed to marshal affected entities: %w", err)
	}

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE impact_analyses
		 SET score = $2, risk_level = $3, affected_entities = $4,
		     dependent_event_ids = $5, blocking_event_ids = $6,
		     status = $7, error = $8, started_at = $9, completed_at = $10
		 WHERE id = $1 AND status NOT IN ('COMPLETED')`,
		analysis.ID, analysis.Score, analysis.RiskLevel, affectedJSON,
		analysis.DependentEventIDs, analysis.BlockingEventIDs,
		analysis.Status, analysis.Error, analysis.StartedAt, analysis.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish impact analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("impact analysis %s not updatable", analysis.ID)
	}
	return nil
}

func (r *impactRepository) GetByEventID(ctx context.Context, eventID uuid.UUID) (domain.ImpactAnalysis, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+impactColumns+` FROM impact_analyses WHERE change_event_id = $1`,
		eventID,
	)
	analysis, err := scanImpact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImpactAnalysis{}, fmt.Errorf("impact analysis for event %s: %w", eventID, domain.ErrEventNotFound)
		}
		return domain.ImpactAnalysis{}, fmt.Errorf("failed to get impact analysis: %w", err)
	}
	return analysis, nil
}

func scanImpact(row pgx.Row) (domain.ImpactAnalysis, error) {
	var (
		a            domain.ImpactAnalysis
		affectedJSON []byte
	)
	err := row.Scan(
		&a.ID, &a.ChangeEventID, &a.Score, &a.RiskLevel, &affectedJSON,
		&a.DependentEventIDs, &a.BlockingEventIDs, &a.Status, &a.Error,
		&a.StartedAt, &a.CompletedAt, &a.CreatedAt,
	)
	if err != nil {
		return domain.ImpactAnalysis{}, err
	}
	if len(affectedJSON) > 0 {
		if err := json.Unmarshal(affectedJSON, &a.AffectedEntities); err != nil {
			return domain.ImpactAnalysis{}, fmt.Errorf("failed to unmarshal affected entities: %w", err)
		}
	}
	return a, nil
}
