package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apqp-suite/changecore/internal/domain"
)

type gatedActionRepository struct {
	pool *pgxpool.Pool
}

// NewGatedActionRepository wires a repository backed by pgxpool.
func NewGatedActionRepository(pool *pgxpool.Pool) GatedActionRepository {
	return &gatedActionRepository{pool: pool}
}

const gatedActionColumns = `id, change_event_id, rule_id, status, created_at, resolved_at`

func (r *gatedActionRepository) Enqueue(ctx context.Context, action domain.GatedAction) (domain.GatedAction, error) {
	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO gated_actions (id, change_event_id, rule_id, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+gatedActionColumns,
		action.ID, action.ChangeEventID, action.RuleID, action.Status,
	)

	created, err := scanGatedAction(row)
	if err != nil {
		return domain.GatedAction{}, fmt.Errorf("failed to enqueue gated action: %w", err)
	}
	return created, nil
}

func (r *gatedActionRepository) ListPending(ctx context.Context, eventID uuid.UUID) ([]domain.GatedAction, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+gatedActionColumns+` FROM gated_actions
		 WHERE change_event_id = $1 AND status = $2
		 ORDER BY created_at ASC`,
		eventID, domain.GatedPending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list gated actions: %w", err)
	}
	defer rows.Close()

	actions := []domain.GatedAction{}
	for rows.Next() {
		action, err := scanGatedAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gated action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gated actions: %w", err)
	}
	return actions, nil
}

// Resolve flips a PENDING action to its terminal status. Already-resolved
// actions are left untouched so release and discard stay idempotent.
func (r *gatedActionRepository) Resolve(ctx context.Context, id uuid.UUID, status domain.GatedActionStatus) error {
	_, err := r.pool.Exec(
		ctx,
		`UPDATE gated_actions
		 SET status = $2, resolved_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, status, domain.GatedPending,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve gated action: %w", err)
	}
	return nil
}

func scanGatedAction(row pgx.Row) (domain.GatedAction, error) {
	var a domain.GatedAction
	err := row.Scan(&a.ID, &a.ChangeEventID, &a.RuleID, &a.Status, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		return domain.GatedAction{}, err
	}
	return a, nil
}
