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

type ruleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository wires a repository backed by pgxpool.
func NewRuleRepository(pool *pgxpool.Pool) RuleRepository {
	return &ruleRepository{pool: pool}
}

const ruleColumns = `id, name, source_entity_type, source_change_type, field_patterns,
	target_entity_type, target_action, field_mappings, priority, requires_approval, active,
	created_at, updated_at`

func (r *ruleRepository) Create(ctx context.Context, rule domain.PropagationRule) (domain.PropagationRule, error) {
	if err := rule.Validate(); err != nil {
		return domain.PropagationRule{}, err
	}

	mappingsJSON, err := json.Marshal(rule.FieldMappings)
	if err != nil {
		return domain.PropagationRule{}, fmt.Errorf("failed to marshal field mappings: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO propagation_rules (id, name, source_entity_type, source_change_type, field_patterns,
			target_entity_type, target_action, field_mappings, priority, requires_approval, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+ruleColumns,
		rule.ID, rule.Name, rule.SourceEntityType, rule.SourceChangeType, rule.FieldPatterns,
		rule.TargetEntityType, rule.TargetAction, mappingsJSON, rule.Priority, rule.RequiresApproval, rule.Active,
	)

	created, err := scanRule(row)
	if err != nil {
		return domain.PropagationRule{}, fmt.Errorf("failed to create propagation rule: %w", err)
	}
	return created, nil
}

func (r *ruleRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.PropagationRule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM propagation_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PropagationRule{}, fmt.Errorf("propagation rule %s: %w", id, domain.ErrRuleNotFound)
		}
		return domain.PropagationRule{}, fmt.Errorf("failed to get propagation rule: %w", err)
	}
	return rule, nil
}

func (r *ruleRepository) ListActive(ctx context.Context, sourceEntityType string, changeType domain.ChangeType) ([]domain.PropagationRule, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+ruleColumns+` FROM propagation_rules
		 WHERE active AND source_entity_type = $1 AND source_change_type = $2
		 ORDER BY priority ASC, created_at ASC`,
		sourceEntityType, changeType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list propagation rules: %w", err)
	}
	defer rows.Close()

	rules := []domain.PropagationRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan propagation rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate propagation rules: %w", err)
	}
	return rules, nil
}

func scanRule(row pgx.Row) (domain.PropagationRule, error) {
	var (
		rule         domain.PropagationRule
		mappingsJSON []byte
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.SourceEntityType, &rule.SourceChangeType, &rule.FieldPatterns,
		&rule.TargetEntityType, &rule.TargetAction, &mappingsJSON, &rule.Priority, &rule.RequiresApproval, &rule.Active,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return domain.PropagationRule{}, err
	}
	if len(mappingsJSON) > 0 {
		if err := json.Unmarshal(mappingsJSON, &rule.FieldMappings); err != nil {
			return domain.PropagationRule{}, fmt.Errorf("failed to unmarshal field mappings: %w", err)
		}
	}
	return rule, nil
}
