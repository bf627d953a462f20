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

type workflowRepository struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepository wires a repository backed by pgxpool.
func NewWorkflowRepository(pool *pgxpool.Pool) WorkflowRepository {
	return &workflowRepository{pool: pool}
}

const workflowColumns = `id, project_id, name, trigger_conditions, steps, parallel_approval,
	auto_approve, fallback_role, active, position, created_at, updated_at`

func (r *workflowRepository) CreateWorkflow(ctx context.Context, workflow domain.ApprovalWorkflow) (domain.ApprovalWorkflow, error) {
	triggerJSON, err := json.Marshal(workflow.Trigger)
	if err != nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("failed to marshal trigger conditions: %w", err)
	}
	stepsJSON, err := json.Marshal(workflow.Steps)
	if err != nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("failed to marshal step templates: %w", err)
	}
	var autoApproveJSON []byte
	if workflow.AutoApprove != nil {
		autoApproveJSON, err = json.Marshal(workflow.AutoApprove)
		if err != nil {
			return domain.ApprovalWorkflow{}, fmt.Errorf("failed to marshal auto-approve conditions: %w", err)
		}
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO approval_workflows (id, project_id, name, trigger_conditions, steps, parallel_approval,
			auto_approve, fallback_role, active, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+workflowColumns,
		workflow.ID, workflow.ProjectID, workflow.Name, triggerJSON, stepsJSON, workflow.ParallelApproval,
		autoApproveJSON, workflow.FallbackRole, workflow.Active, workflow.Position,
	)

	created, err := scanWorkflow(row)
	if err != nil {
		return domain.ApprovalWorkflow{}, fmt.Errorf("failed to create approval workflow: %w", err)
	}
	return created, nil
}

func (r *workflowRepository) GetWorkflow(ctx context.Context, id uuid.UUID) (domain.ApprovalWorkflow, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id = $1`, id)
	workflow, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ApprovalWorkflow{}, fmt.Errorf("workflow %s: %w", id, domain.ErrWorkflowNotFound)
		}
		return domain.ApprovalWorkflow{}, fmt.Errorf("failed to get approval workflow: %w", err)
	}
	return workflow, nil
}

func (r *workflowRepository) ListActive(ctx context.Context, projectID uuid.UUID) ([]domain.ApprovalWorkflow, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+workflowColumns+` FROM approval_workflows
		 WHERE project_id = $1 AND active
		 ORDER BY position ASC, created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval workflows: %w", err)
	}
	defer rows.Close()

	workflows := []domain.ApprovalWorkflow{}
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval workflow: %w", err)
		}
		workflows = append(workflows, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approval workflows: %w", err)
	}
	return workflows, nil
}

const stepColumns = `id, change_event_id, workflow_id, step_number, assigned_role, required,
	status, due_at, escalated_at, decided_by, decided_at, comments, created_at`

func (r *workflowRepository) CreateStep(ctx context.Context, step domain.ApprovalStepInstance) (domain.ApprovalStepInstance, error) {
	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO approval_step_instances (id, change_event_id, workflow_id, step_number, assigned_role, required,
			status, due_at, escalated_at, decided_by, decided_at, comments)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+stepColumns,
		step.ID, step.ChangeEventID, step.WorkflowID, step.StepNumber, step.AssignedRole, step.Required,
		step.Status, step.DueAt, step.EscalatedAt, step.DecidedBy, step.DecidedAt, step.Comments,
	)

	created, err := scanStep(row)
	if err != nil {
		return domain.ApprovalStepInstance{}, fmt.Errorf("failed to create approval step: %w", err)
	}
	return created, nil
}

func (r *workflowRepository) GetStep(ctx context.Context, id uuid.UUID) (domain.ApprovalStepInstance, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM approval_step_instances WHERE id = $1`, id)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ApprovalStepInstance{}, fmt.Errorf("approval step %s: %w", id, domain.ErrStepNotFound)
		}
		return domain.ApprovalStepInstance{}, fmt.Errorf("failed to get approval step: %w", err)
	}
	return step, nil
}

func (r *workflowRepository) ListStepsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.ApprovalStepInstance, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+stepColumns+` FROM approval_step_instances
		 WHERE change_event_id = $1 ORDER BY step_number ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval steps: %w", err)
	}
	defer rows.Close()

	steps := []domain.ApprovalStepInstance{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approval steps: %w", err)
	}
	return steps, nil
}

func (r *workflowRepository) UpdateStep(ctx context.Context, step domain.ApprovalStepInstance) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE approval_step_instances
		 SET status = $2, assigned_role = $3, escalated_at = $4, decided_by = $5, decided_at = $6, comments = $7
		 WHERE id = $1`,
		step.ID, step.Status, step.AssignedRole, step.EscalatedAt, step.DecidedBy, step.DecidedAt, step.Comments,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval step %s: %w", step.ID, domain.ErrStepNotFound)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (domain.ApprovalWorkflow, error) {
	var (
		w               domain.ApprovalWorkflow
		triggerJSON     []byte
		stepsJSON       []byte
		autoApproveJSON []byte
	)
	err := row.Scan(
		&w.ID, &w.ProjectID, &w.Name, &triggerJSON, &stepsJSON, &w.ParallelApproval,
		&autoApproveJSON, &w.FallbackRole, &w.Active, &w.Position, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return domain.ApprovalWorkflow{}, err
	}
	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &w.Trigger); err != nil {
			return domain.ApprovalWorkflow{}, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &w.Steps); err != nil {
			return domain.ApprovalWorkflow{}, fmt.Errorf("failed to unmarshal step templates: %w", err)
		}
	}
	if len(autoApproveJSON) > 0 {
		if err := json.Unmarshal(autoApproveJSON, &w.AutoApprove); err != nil {
			return domain.ApprovalWorkflow{}, fmt.Errorf("failed to unmarshal auto-approve conditions: %w", err)
		}
	}
	return w, nil
}

func scanStep(row pgx.Row) (domain.ApprovalStepInstance, error) {
	var s domain.ApprovalStepInstance
	err := row.Scan(
		&s.ID, &s.ChangeEventID, &s.WorkflowID, &s.StepNumber, &s.AssignedRole, &s.Required,
		&s.Status, &s.DueAt, &s.EscalatedAt, &s.DecidedBy, &s.DecidedAt, &s.Comments, &s.CreatedAt,
	)
	if err != nil {
		return domain.ApprovalStepInstance{}, err
	}
	return s, nil
}
