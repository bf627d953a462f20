package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apqp-suite/changecore/internal/domain"
)

type changeEventRepository struct {
	pool *pgxpool.Pool
}

// NewChangeEventRepository wires a repository backed by pgxpool.
func NewChangeEventRepository(pool *pgxpool.Pool) ChangeEventRepository {
	return &changeEventRepository{pool: pool}
}

const eventColumns = `id, seq, project_id, entity_type, entity_id, change_type,
	old_values, new_values, changed_fields, impact_level, approval_status,
	workflow_id, batch_id, origin_rule_id, depth, actor_id, created_at, completed_at`

// Insert appends the event to the ledger; seq is assigned by the store and
// establishes per-entity ordering.
func (r *changeEventRepository) Insert(ctx context.Context, event domain.ChangeEvent) (domain.ChangeEvent, error) {
	oldJSON, err := json.Marshal(event.OldValues)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to marshal old values: %w", err)
	}
	newJSON, err := json.Marshal(event.NewValues)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to marshal new values: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO change_events (id, project_id, entity_type, entity_id, change_type,
			old_values, new_values, changed_fields, impact_level, approval_status,
			workflow_id, batch_id, origin_rule_id, depth, actor_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING `+eventColumns,
		event.ID, event.ProjectID, event.EntityType, event.EntityID, event.ChangeType,
		oldJSON, newJSON, event.ChangedFields, event.ImpactLevel, event.ApprovalStatus,
		event.WorkflowID, event.BatchID, event.OriginRuleID, event.Depth, event.ActorID,
	)

	inserted, err := scanEvent(row)
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to insert change event: %w", err)
	}
	return inserted, nil
}

func (r *changeEventRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ChangeEvent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM change_events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeEvent{}, fmt.Errorf("change event %s: %w", id, domain.ErrEventNotFound)
		}
		return domain.ChangeEvent{}, fmt.Errorf("failed to get change event: %w", err)
	}
	return event, nil
}

func (r *changeEventRepository) List(ctx context.Context, projectID uuid.UUID, filter domain.ChangeEventFilter, limit, offset int) ([]domain.ChangeEvent, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	conditions := []string{"project_id = $1"}
	args := []any{projectID}

	appendCondition := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.EntityType != "" {
		appendCondition("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != nil {
		appendCondition("entity_id = $%d", *filter.EntityID)
	}
	if filter.ChangeType != "" {
		appendCondition("change_type = $%d", filter.ChangeType)
	}
	if filter.ApprovalStatus != "" {
		appendCondition("approval_status = $%d", filter.ApprovalStatus)
	}
	if filter.BatchID != nil {
		appendCondition("batch_id = $%d", *filter.BatchID)
	}
	if filter.Since != nil {
		appendCondition("created_at >= $%d", *filter.Since)
	}

	where := strings.Join(conditions, " AND ")
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*) OVER() AS total_count FROM change_events WHERE %s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list change events: %w", err)
	}
	defer rows.Close()

	events := []domain.ChangeEvent{}
	total := 0
	for rows.Next() {
		event, count, err := scanEventWithCount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan change event: %w", err)
		}
		events = append(events, event)
		total = count
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate change events: %w", err)
	}
	return events, total, nil
}

func (r *changeEventRepository) SetImpactLevel(ctx context.Context, id uuid.UUID, level domain.ImpactLevel) error {
	tag, err := r.pool.Exec(ctx, `UPDATE change_events SET impact_level = $2 WHERE id = $1`, id, level)
	if err != nil {
		return fmt.Errorf("failed to set impact level: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("change event %s: %w", id, domain.ErrEventNotFound)
	}
	return nil
}

func (r *changeEventRepository) SetApproval(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, workflowID *uuid.UUID, completedAt *time.Time) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE change_events
		 SET approval_status = $2,
		     workflow_id = COALESCE(workflow_id, $3),
		     completed_at = $4
		 WHERE id = $1`,
		id, status, workflowID, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set approval status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("change event %s: %w", id, domain.ErrEventNotFound)
	}
	return nil
}

func scanEvent(row pgx.Row) (domain.ChangeEvent, error) {
	var (
		e       domain.ChangeEvent
		oldJSON []byte
		newJSON []byte
	)
	err := row.Scan(
		&e.ID, &e.Seq, &e.ProjectID, &e.EntityType, &e.EntityID, &e.ChangeType,
		&oldJSON, &newJSON, &e.ChangedFields, &e.ImpactLevel, &e.ApprovalStatus,
		&e.WorkflowID, &e.BatchID, &e.OriginRuleID, &e.Depth, &e.ActorID, &e.CreatedAt, &e.CompletedAt,
	)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	if err := unmarshalValues(oldJSON, &e.OldValues); err != nil {
		return domain.ChangeEvent{}, err
	}
	if err := unmarshalValues(newJSON, &e.NewValues); err != nil {
		return domain.ChangeEvent{}, err
	}
	return e, nil
}

func scanEventWithCount(rows pgx.Rows) (domain.ChangeEvent, int, error) {
	var (
		e       domain.ChangeEvent
		oldJSON []byte
		newJSON []byte
		total   int
	)
	err := rows.Scan(
		&e.ID, &e.Seq, &e.ProjectID, &e.EntityType, &e.EntityID, &e.ChangeType,
		&oldJSON, &newJSON, &e.ChangedFields, &e.ImpactLevel, &e.ApprovalStatus,
		&e.WorkflowID, &e.BatchID, &e.OriginRuleID, &e.Depth, &e.ActorID, &e.CreatedAt, &e.CompletedAt,
		&total,
	)
	if err != nil {
		return domain.ChangeEvent{}, 0, err
	}
	if err := unmarshalValues(oldJSON, &e.OldValues); err != nil {
		return domain.ChangeEvent{}, 0, err
	}
	if err := unmarshalValues(newJSON, &e.NewValues); err != nil {
		return domain.ChangeEvent{}, 0, err
	}
	return e, total, nil
}

func unmarshalValues(data []byte, out *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal value map: %w", err)
	}
	return nil
}
