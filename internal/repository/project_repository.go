package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/apqp-suite/changecore/internal/db"
	"github.com/apqp-suite/changecore/internal/domain"
)

type projectRepository struct {
	conn *db.Connection
}

// NewProjectRepository wires a repository backed by the shared connection.
func NewProjectRepository(conn *db.Connection) ProjectRepository {
	return &projectRepository{conn: conn}
}

func (r *projectRepository) Exists(ctx context.Context, projectID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn.Pool.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`,
		projectID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check project existence: %w", err)
	}
	return exists, nil
}

// LoadTree reads the full tracked graph of one project.
func (r *projectRepository) LoadTree(ctx context.Context, projectID uuid.UUID) (domain.ProjectTree, error) {
	exists, err := r.Exists(ctx, projectID)
	if err != nil {
		return domain.ProjectTree{}, err
	}
	if !exists {
		return domain.ProjectTree{}, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	return loadTree(ctx, r.conn.Pool, projectID)
}

// LoadTreeTx reads the tree on the caller's transaction, so a restore sees
// the state the advisory lock froze.
func (r *projectRepository) LoadTreeTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (domain.ProjectTree, error) {
	return loadTree(ctx, tx, projectID)
}

func loadTree(ctx context.Context, q querier, projectID uuid.UUID) (domain.ProjectTree, error) {
	tree := domain.ProjectTree{ProjectID: projectID}

	if err := loadFlows(ctx, q, projectID, &tree); err != nil {
		return domain.ProjectTree{}, err
	}
	if err := loadFMEA(ctx, q, projectID, &tree); err != nil {
		return domain.ProjectTree{}, err
	}
	if err := loadPlans(ctx, q, projectID, &tree); err != nil {
		return domain.ProjectTree{}, err
	}

	return tree, nil
}

func loadFlows(ctx context.Context, q querier, projectID uuid.UUID, tree *domain.ProjectTree) error {
	rows, err := q.Query(
		ctx,
		`SELECT id, project_id, name, created_at, updated_at
		 FROM process_flows WHERE project_id = $1 ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load process flows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f domain.ProcessFlow
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan process flow: %w", err)
		}
		tree.Flows = append(tree.Flows, f)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate process flows: %w", err)
	}

	stepRows, err := q.Query(
		ctx,
		`SELECT s.id, s.flow_id, s.name, s.step_number, s.step_type, s.safety_critical, s.review_required, s.created_at, s.updated_at
		 FROM process_steps s
		 JOIN process_flows f ON f.id = s.flow_id
		 WHERE f.project_id = $1 ORDER BY s.step_number`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load process steps: %w", err)
	}
	defer stepRows.Close()
	for stepRows.Next() {
		var s domain.ProcessStep
		if err := stepRows.Scan(&s.ID, &s.FlowID, &s.Name, &s.StepNumber, &s.StepType, &s.SafetyCritical, &s.ReviewRequired, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan process step: %w", err)
		}
		tree.Steps = append(tree.Steps, s)
	}
	if err := stepRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate process steps: %w", err)
	}

	connRows, err := q.Query(
		ctx,
		`SELECT c.id, c.flow_id, c.from_step_id, c.to_step_id, c.label
		 FROM step_connections c
		 JOIN process_flows f ON f.id = c.flow_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load step connections: %w", err)
	}
	defer connRows.Close()
	for connRows.Next() {
		var c domain.StepConnection
		if err := connRows.Scan(&c.ID, &c.FlowID, &c.FromStepID, &c.ToStepID, &c.Label); err != nil {
			return fmt.Errorf("failed to scan step connection: %w", err)
		}
		tree.Connections = append(tree.Connections, c)
	}
	return connRows.Err()
}

func loadFMEA(ctx context.Context, q querier, projectID uuid.UUID, tree *domain.ProjectTree) error {
	rows, err := q.Query(
		ctx,
		`SELECT id, project_id, name, rpn_threshold, created_at, updated_at
		 FROM fmeas WHERE project_id = $1 ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load fmeas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f domain.FMEA
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.RPNThreshold, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan fmea: %w", err)
		}
		tree.FMEAs = append(tree.FMEAs, f)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate fmeas: %w", err)
	}

	modeRows, err := q.Query(
		ctx,
		`SELECT m.id, m.fmea_id, m.process_step_id, m.name, m.severity, m.default_occurrence, m.review_required, m.created_at, m.updated_at
		 FROM failure_modes m
		 JOIN fmeas f ON f.id = m.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load failure modes: %w", err)
	}
	defer modeRows.Close()
	for modeRows.Next() {
		var m domain.FailureMode
		if err := modeRows.Scan(&m.ID, &m.FMEAID, &m.ProcessStepID, &m.Name, &m.Severity, &m.DefaultOccurrence, &m.ReviewRequired, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan failure mode: %w", err)
		}
		tree.FailureModes = append(tree.FailureModes, m)
	}
	if err := modeRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate failure modes: %w", err)
	}

	effectRows, err := q.Query(
		ctx,
		`SELECT e.id, e.failure_mode_id, e.description, e.severity
		 FROM failure_effects e
		 JOIN failure_modes m ON m.id = e.failure_mode_id
		 JOIN fmeas f ON f.id = m.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load failure effects: %w", err)
	}
	defer effectRows.Close()
	for effectRows.Next() {
		var e domain.FailureEffect
		if err := effectRows.Scan(&e.ID, &e.FailureModeID, &e.Description, &e.Severity); err != nil {
			return fmt.Errorf("failed to scan failure effect: %w", err)
		}
		tree.Effects = append(tree.Effects, e)
	}
	if err := effectRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate failure effects: %w", err)
	}

	causeRows, err := q.Query(
		ctx,
		`SELECT c.id, c.failure_mode_id, c.description, c.occurrence
		 FROM failure_causes c
		 JOIN failure_modes m ON m.id = c.failure_mode_id
		 JOIN fmeas f ON f.id = m.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load failure causes: %w", err)
	}
	defer causeRows.Close()
	for causeRows.Next() {
		var c domain.FailureCause
		if err := causeRows.Scan(&c.ID, &c.FailureModeID, &c.Description, &c.Occurrence); err != nil {
			return fmt.Errorf("failed to scan failure cause: %w", err)
		}
		tree.Causes = append(tree.Causes, c)
	}
	if err := causeRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate failure causes: %w", err)
	}

	controlRows, err := q.Query(
		ctx,
		`SELECT c.id, c.failure_mode_id, c.description, c.control_type, c.detection
		 FROM fmea_controls c
		 JOIN failure_modes m ON m.id = c.failure_mode_id
		 JOIN fmeas f ON f.id = m.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load fmea controls: %w", err)
	}
	defer controlRows.Close()
	for controlRows.Next() {
		var c domain.FMEAControl
		if err := controlRows.Scan(&c.ID, &c.FailureModeID, &c.Description, &c.ControlType, &c.Detection); err != nil {
			return fmt.Errorf("failed to scan fmea control: %w", err)
		}
		tree.Controls = append(tree.Controls, c)
	}
	if err := controlRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate fmea controls: %w", err)
	}

	linkRows, err := q.Query(
		ctx,
		`SELECT l.cause_id, l.control_id
		 FROM cause_controls l
		 JOIN failure_causes c ON c.id = l.cause_id
		 JOIN failure_modes m ON m.id = c.failure_mode_id
		 JOIN fmeas f ON f.id = m.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load cause-control links: %w", err)
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var l domain.CauseControlLink
		if err := linkRows.Scan(&l.CauseID, &l.ControlID); err != nil {
			return fmt.Errorf("failed to scan cause-control link: %w", err)
		}
		tree.CauseControls = append(tree.CauseControls, l)
	}
	return linkRows.Err()
}

func loadPlans(ctx context.Context, q querier, projectID uuid.UUID, tree *domain.ProjectTree) error {
	rows, err := q.Query(
		ctx,
		`SELECT id, project_id, name, created_at, updated_at
		 FROM control_plans WHERE project_id = $1 ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load control plans: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.ControlPlan
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan control plan: %w", err)
		}
		tree.Plans = append(tree.Plans, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate control plans: %w", err)
	}

	itemRows, err := q.Query(
		ctx,
		`SELECT i.id, i.plan_id, i.process_step_id, i.source_control_id, i.characteristic, i.method, i.frequency, i.status, i.review_required, i.created_at, i.updated_at
		 FROM control_items i
		 JOIN control_plans p ON p.id = i.plan_id
		 WHERE p.project_id = $1`,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to load control items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var i domain.ControlItem
		if err := itemRows.Scan(&i.ID, &i.PlanID, &i.ProcessStepID, &i.SourceControlID, &i.Characteristic, &i.Method, &i.Frequency, &i.Status, &i.ReviewRequired, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan control item: %w", err)
		}
		tree.Items = append(tree.Items, i)
	}
	return itemRows.Err()
}

// LockProject takes the project-scoped advisory lock on the transaction. The
// lock is transaction-scoped, so it releases on commit or rollback; a second
// restore on the same project fails fast instead of interleaving.
func (r *projectRepository) LockProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error {
	var locked bool
	err := tx.QueryRow(
		ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1::text, 0))`,
		projectID,
	).Scan(&locked)
	if err != nil {
		return fmt.Errorf("failed to acquire project lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrRestoreConflict)
	}
	return nil
}

// ReplaceTree swaps the live subtrees wholesale on the caller's transaction.
func (r *projectRepository) ReplaceTree(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, tree domain.ProjectTree) error {
	if err := deleteProjectTree(ctx, tx, projectID); err != nil {
		return err
	}
	return insertProjectTree(ctx, tx, tree)
}

func deleteProjectTree(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error {
	// Children first; the schema also carries ON DELETE CASCADE but explicit
	// ordering keeps the statement plan predictable.
	statements := []string{
		`DELETE FROM cause_controls WHERE cause_id IN (
			SELECT c.id FROM failure_causes c
			JOIN failure_modes m ON m.id = c.failure_mode_id
			JOIN fmeas f ON f.id = m.fmea_id WHERE f.project_id = $1)`,
		`DELETE FROM failure_causes WHERE failure_mode_id IN (
			SELECT m.id FROM failure_modes m JOIN fmeas f ON f.id = m.fmea_id WHERE f.project_id = $1)`,
		`DELETE FROM failure_effects WHERE failure_mode_id IN (
			SELECT m.id FROM failure_modes m JOIN fmeas f ON f.id = m.fmea_id WHERE f.project_id = $1)`,
		`DELETE FROM fmea_controls WHERE failure_mode_id IN (
			SELECT m.id FROM failure_modes m JOIN fmeas f ON f.id = m.fmea_id WHERE f.project_id = $1)`,
		`DELETE FROM failure_modes WHERE fmea_id IN (SELECT id FROM fmeas WHERE project_id = $1)`,
		`DELETE FROM fmeas WHERE project_id = $1`,
		`DELETE FROM control_items WHERE plan_id IN (SELECT id FROM control_plans WHERE project_id = $1)`,
		`DELETE FROM control_plans WHERE project_id = $1`,
		`DELETE FROM step_connections WHERE flow_id IN (SELECT id FROM process_flows WHERE project_id = $1)`,
		`DELETE FROM process_steps WHERE flow_id IN (SELECT id FROM process_flows WHERE project_id = $1)`,
		`DELETE FROM process_flows WHERE project_id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, projectID); err != nil {
			return fmt.Errorf("failed to clear live subtree: %w", err)
		}
	}
	return nil
}

func insertProjectTree(ctx context.Context, tx pgx.Tx, tree domain.ProjectTree) error {
	for _, f := range tree.Flows {
		if _, err := tx.Exec(ctx,
			`INSERT INTO process_flows (id, project_id, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			f.ID, f.ProjectID, f.Name, f.CreatedAt, f.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to restore process flow: %w", err)
		}
	}
	for _, s := range tree.Steps {
		if _, err := tx.Exec(ctx,
			`INSERT INTO process_steps (id, flow_id, name, step_number, step_type, safety_critical, review_required, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ID, s.FlowID, s.Name, s.StepNumber, s.StepType, s.SafetyCritical, s.ReviewRequired, s.CreatedAt, s.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to restore process step: %w", err)
		}
	}
	for _, c := range tree.Connections {
		if _, err := tx.Exec(ctx,
			`INSERT INTO step_connections (id, flow_id, from_step_id, to_step_id, label) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.FlowID, c.FromStepID, c.ToStepID, c.Label,
		); err != nil {
			return fmt.Errorf("failed to restore step connection: %w", err)
		}
	}
	for _, f := range tree.FMEAs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO fmeas (id, project_id, name, rpn_threshold, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			f.ID, f.ProjectID, f.Name, f.RPNThreshold, f.CreatedAt, f.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to restore fmea: %w", err)
		}
	}
	for _, m := range tree.FailureModes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO failure_modes (id, fmea_id, process_step_id, name, severity, default_occurrence, review_required, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.ID, m.FMEAID, m.ProcessStepID, m.Name, m.Severity, m.DefaultOccurrence, m.ReviewRequired, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to restore failure mode: %w", err)
		}
	}
	for _, e := range tree.Effects {
		if _, err := tx.Exec(ctx,
			`INSERT INTO failure_effects (id, failure_mode_id, description, severity) VALUES ($1, $2, $3, $4)`,
			e.ID, e.FailureModeID, e.Description, e.Severity,
		); err != nil {
			return fmt.Errorf("failed to restore failure effect: %w", err)
		}
	}
	for _, c := range tree.Causes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO failure_causes (id, failure_mode_id, description, occurrence) VALUES ($1, $2, $3, $4)`,
			c.ID, c.FailureModeID, c.Description, c.Occurrence,
		); err != nil {
			return fmt.Errorf("failed to restore failure cause: %w", err)
		}
	}
	for _, c := range tree.Controls {
		if _, err := tx.Exec(ctx,
			`INSERT INTO fmea_controls (id, failure_mode_id, description, control_type, detection) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.FailureModeID, c.Description, c.ControlType, c.Detection,
		); err != nil {
			return fmt.Errorf("failed to restore fmea control: %w", err)
		}
	}
	for _, l := range tree.CauseControls {
		if _, err := tx.Exec(ctx,
			`INSERT INTO cause_controls (cause_id, control_id) VALUES ($1, $2)`,
			l.CauseID, l.ControlID,
		); err != nil {
			return fmt.Errorf("failed to restore cause-control link: %w", err)
		}
	}
	for _, p := range tree.Plans {
		if _, err := tx.Exec(ctx,
			`INSERT INTO control_plans (id, project_id, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			p.ID, p.ProjectID, p.Name, p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to restore control plan: %w", err)
		}
	}
	for _, i := range tree.Items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO control_items (id, plan_id, process_step_id, source_control_id, characteristic, method, frequency, status, review_required, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			i.ID, i.PlanID, i.ProcessStepID, i.SourceControlID, i.Characteristic, i.Method, i.Frequency, i.Status, i.ReviewRequired, i.CreatedAt, i.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to restore control item: %w", err)
		}
	}
	return nil
}
