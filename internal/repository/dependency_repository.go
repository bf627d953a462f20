package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apqp-suite/changecore/internal/domain"
)

type dependencyRepository struct {
	pool *pgxpool.Pool
}

// NewDependencyRepository wires a repository backed by pgxpool.
func NewDependencyRepository(pool *pgxpool.Pool) DependencyRepository {
	return &dependencyRepository{pool: pool}
}

// updatableColumns allowlists the columns ApplyFieldUpdates may touch, per
// entity type. Anything else in a rule's field mapping is rejected.
var updatableColumns = map[string]map[string]bool{
	domain.EntityProcessFlow: {"name": true},
	domain.EntityProcessStep: {"name": true, "step_number": true, "step_type": true, "safety_critical": true, "review_required": true},
	domain.EntityFMEA:        {"name": true, "rpn_threshold": true},
	domain.EntityFailureMode: {"name": true, "severity": true, "default_occurrence": true, "review_required": true},
	domain.EntityFailureCause: {
		"description": true, "occurrence": true,
	},
	domain.EntityFMEAControl: {"description": true, "control_type": true, "detection": true},
	domain.EntityControlPlan: {"name": true},
	domain.EntityControlItem: {"characteristic": true, "method": true, "frequency": true, "status": true, "review_required": true},
}

// timestampedTables lists the entity types whose tables carry updated_at.
var timestampedTables = map[string]bool{
	domain.EntityProcessFlow: true,
	domain.EntityProcessStep: true,
	domain.EntityFMEA:        true,
	domain.EntityFailureMode: true,
	domain.EntityControlPlan: true,
	domain.EntityControlItem: true,
}

var entityTables = map[string]string{
	domain.EntityProcessFlow:    "process_flows",
	domain.EntityProcessStep:    "process_steps",
	domain.EntityStepConnection: "step_connections",
	domain.EntityFMEA:           "fmeas",
	domain.EntityFailureMode:    "failure_modes",
	domain.EntityFailureEffect:  "failure_effects",
	domain.EntityFailureCause:   "failure_causes",
	domain.EntityFMEAControl:    "fmea_controls",
	domain.EntityControlPlan:    "control_plans",
	domain.EntityControlItem:    "control_items",
}

// ListDependents walks one level of the dependency chain and, for process
// steps, the full step -> failure modes -> control items chain. Display names
// are captured so the refs stay meaningful after the source entity is deleted.
func (r *dependencyRepository) ListDependents(ctx context.Context, entityType string, entityID uuid.UUID) ([]domain.EntityRef, error) {
	refs := []domain.EntityRef{}

	collect := func(targetType, query string, args ...any) error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query %s dependents: %w", targetType, err)
		}
		defer rows.Close()
		for rows.Next() {
			ref := domain.EntityRef{EntityType: targetType}
			if err := rows.Scan(&ref.EntityID, &ref.DisplayName); err != nil {
				return fmt.Errorf("failed to scan %s dependent: %w", targetType, err)
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	}

	switch entityType {
	case domain.EntityProcessFlow:
		if err := collect(domain.EntityProcessStep,
			`SELECT id, name FROM process_steps WHERE flow_id = $1 ORDER BY step_number`, entityID); err != nil {
			return nil, err
		}
	case domain.EntityProcessStep:
		if err := collect(domain.EntityFailureMode,
			`SELECT id, name FROM failure_modes WHERE process_step_id = $1 ORDER BY name`, entityID); err != nil {
			return nil, err
		}
		if err := collect(domain.EntityControlItem,
			`SELECT id, characteristic FROM control_items WHERE process_step_id = $1 ORDER BY characteristic`, entityID); err != nil {
			return nil, err
		}
		// Control items generated from the controls of the step's failure modes.
		if err := collect(domain.EntityControlItem,
			`SELECT ci.id, ci.characteristic FROM control_items ci
			 WHERE ci.source_control_id IN (
				SELECT ctl.id FROM fmea_controls ctl
				JOIN failure_modes fm ON fm.id = ctl.failure_mode_id
				WHERE fm.process_step_id = $1)
			 AND (ci.process_step_id IS NULL OR ci.process_step_id <> $1)
			 ORDER BY ci.characteristic`, entityID); err != nil {
			return nil, err
		}
	case domain.EntityFMEA:
		if err := collect(domain.EntityFailureMode,
			`SELECT id, name FROM failure_modes WHERE fmea_id = $1 ORDER BY name`, entityID); err != nil {
			return nil, err
		}
	case domain.EntityFailureMode:
		if err := collect(domain.EntityFMEAControl,
			`SELECT id, description FROM fmea_controls WHERE failure_mode_id = $1 ORDER BY description`, entityID); err != nil {
			return nil, err
		}
		if err := collect(domain.EntityControlItem,
			`SELECT ci.id, ci.characteristic FROM control_items ci
			 WHERE ci.source_control_id IN (SELECT id FROM fmea_controls WHERE failure_mode_id = $1)
			 ORDER BY ci.characteristic`, entityID); err != nil {
			return nil, err
		}
	case domain.EntityFailureCause:
		if err := collect(domain.EntityFMEAControl,
			`SELECT ctl.id, ctl.description FROM fmea_controls ctl
			 JOIN cause_controls cc ON cc.control_id = ctl.id
			 WHERE cc.cause_id = $1 ORDER BY ctl.description`, entityID); err != nil {
			return nil, err
		}
	case domain.EntityFMEAControl:
		if err := collect(domain.EntityControlItem,
			`SELECT id, characteristic FROM control_items WHERE source_control_id = $1 ORDER BY characteristic`, entityID); err != nil {
			return nil, err
		}
	case domain.EntityControlPlan:
		if err := collect(domain.EntityControlItem,
			`SELECT id, characteristic FROM control_items WHERE plan_id = $1 ORDER BY characteristic`, entityID); err != nil {
			return nil, err
		}
	}

	return refs, nil
}

// AnyDependentRPNOverThreshold recomputes worst-case RPN for the failure
// modes reachable from the entity and compares each against its FMEA's
// threshold.
func (r *dependencyRepository) AnyDependentRPNOverThreshold(ctx context.Context, entityType string, entityID uuid.UUID) (bool, error) {
	modeIDs, err := r.dependentModeIDs(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	if len(modeIDs) == 0 {
		return false, nil
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT fm.id, fm.fmea_id, fm.process_step_id, fm.name, fm.severity, fm.default_occurrence,
			fm.review_required, fm.created_at, fm.updated_at, f.rpn_threshold
		 FROM failure_modes fm
		 JOIN fmeas f ON f.id = fm.fmea_id
		 WHERE fm.id = ANY($1)`,
		modeIDs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to load failure modes: %w", err)
	}
	modes := []domain.FailureMode{}
	thresholds := map[uuid.UUID]int{}
	for rows.Next() {
		var (
			m         domain.FailureMode
			threshold int
		)
		if err := rows.Scan(&m.ID, &m.FMEAID, &m.ProcessStepID, &m.Name, &m.Severity, &m.DefaultOccurrence,
			&m.ReviewRequired, &m.CreatedAt, &m.UpdatedAt, &threshold); err != nil {
			rows.Close()
			return false, fmt.Errorf("failed to scan failure mode: %w", err)
		}
		modes = append(modes, m)
		thresholds[m.ID] = threshold
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate failure modes: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT id, failure_mode_id, description, occurrence
		 FROM failure_causes WHERE failure_mode_id = ANY($1)`,
		modeIDs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to load failure causes: %w", err)
	}
	causes := []domain.FailureCause{}
	for rows.Next() {
		var c domain.FailureCause
		if err := rows.Scan(&c.ID, &c.FailureModeID, &c.Description, &c.Occurrence); err != nil {
			rows.Close()
			return false, fmt.Errorf("failed to scan failure cause: %w", err)
		}
		causes = append(causes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate failure causes: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT id, failure_mode_id, description, control_type, detection
		 FROM fmea_controls WHERE failure_mode_id = ANY($1)`,
		modeIDs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to load fmea controls: %w", err)
	}
	controls := []domain.FMEAControl{}
	for rows.Next() {
		var c domain.FMEAControl
		if err := rows.Scan(&c.ID, &c.FailureModeID, &c.Description, &c.ControlType, &c.Detection); err != nil {
			rows.Close()
			return false, fmt.Errorf("failed to scan fmea control: %w", err)
		}
		controls = append(controls, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate fmea controls: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT cc.cause_id, cc.control_id
		 FROM cause_controls cc
		 JOIN failure_causes fc ON fc.id = cc.cause_id
		 WHERE fc.failure_mode_id = ANY($1)`,
		modeIDs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to load cause-control links: %w", err)
	}
	links := []domain.CauseControlLink{}
	for rows.Next() {
		var l domain.CauseControlLink
		if err := rows.Scan(&l.CauseID, &l.ControlID); err != nil {
			rows.Close()
			return false, fmt.Errorf("failed to scan cause-control link: %w", err)
		}
		links = append(links, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate cause-control links: %w", err)
	}

	for _, mode := range modes {
		if domain.WorstCaseRPN(mode, causes, controls, links) > thresholds[mode.ID] {
			return true, nil
		}
	}
	return false, nil
}

// dependentModeIDs resolves which failure modes a change to the entity can
// affect.
func (r *dependencyRepository) dependentModeIDs(ctx context.Context, entityType string, entityID uuid.UUID) ([]uuid.UUID, error) {
	var query string
	switch entityType {
	case domain.EntityFailureMode:
		return []uuid.UUID{entityID}, nil
	case domain.EntityProcessStep:
		query = `SELECT id FROM failure_modes WHERE process_step_id = $1`
	case domain.EntityFMEA:
		query = `SELECT id FROM failure_modes WHERE fmea_id = $1`
	case domain.EntityFailureCause:
		query = `SELECT failure_mode_id FROM failure_causes WHERE id = $1`
	case domain.EntityFailureEffect:
		query = `SELECT failure_mode_id FROM failure_effects WHERE id = $1`
	case domain.EntityFMEAControl:
		query = `SELECT failure_mode_id FROM fmea_controls WHERE id = $1`
	default:
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependent failure modes: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan failure mode id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FlagForReview sets review_required on the given entities. Only entity types
// that carry the flag are accepted.
func (r *dependencyRepository) FlagForReview(ctx context.Context, entityType string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	var table string
	switch entityType {
	case domain.EntityProcessStep:
		table = "process_steps"
	case domain.EntityFailureMode:
		table = "failure_modes"
	case domain.EntityControlItem:
		table = "control_items"
	default:
		return fmt.Errorf("entity type %q does not carry a review flag", entityType)
	}

	_, err := r.pool.Exec(
		ctx,
		fmt.Sprintf(`UPDATE %s SET review_required = TRUE, updated_at = NOW() WHERE id = ANY($1)`, table),
		ids,
	)
	if err != nil {
		return fmt.Errorf("failed to flag %s for review: %w", entityType, err)
	}
	return nil
}

// ApplyFieldUpdates copies mapped field values onto one target entity inside
// a transaction and returns the prior values of the touched columns.
func (r *dependencyRepository) ApplyFieldUpdates(ctx context.Context, entityType string, id uuid.UUID, fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return map[string]any{}, nil
	}

	table, ok := entityTables[entityType]
	if !ok {
		return nil, fmt.Errorf("entity type %q: %w", entityType, domain.ErrInvalidFieldMapping)
	}
	allowed := updatableColumns[entityType]

	columns := make([]string, 0, len(fields))
	for column := range fields {
		if !allowed[column] {
			return nil, fmt.Errorf("field %q not updatable on %s: %w", column, entityType, domain.ErrInvalidFieldMapping)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	selectList := ""
	for i, column := range columns {
		if i > 0 {
			selectList += ", "
		}
		selectList += column
	}

	oldScans := make([]any, len(columns))
	oldValues := make([]any, len(columns))
	for i := range oldValues {
		oldScans[i] = &oldValues[i]
	}
	err = tx.QueryRow(
		ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, selectList, table),
		id,
	).Scan(oldScans...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s not found", entityType, id)
		}
		return nil, fmt.Errorf("failed to read current values: %w", err)
	}

	setList := ""
	args := []any{id}
	for i, column := range columns {
		if i > 0 {
			setList += ", "
		}
		args = append(args, fields[column])
		setList += fmt.Sprintf("%s = $%d", column, len(args))
	}
	if timestampedTables[entityType] {
		setList += ", updated_at = NOW()"
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, table, setList), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to apply field updates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit field updates: %w", err)
	}

	old := make(map[string]any, len(columns))
	for i, column := range columns {
		old[column] = oldValues[i]
	}
	return old, nil
}

// ListUnlinkedFMEAControls yields a project's FMEA controls that no control
// plan item references yet.
func (r *dependencyRepository) ListUnlinkedFMEAControls(ctx context.Context, projectID uuid.UUID) ([]domain.FMEAControl, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT ctl.id, ctl.failure_mode_id, ctl.description, ctl.control_type, ctl.detection
		 FROM fmea_controls ctl
		 JOIN failure_modes fm ON fm.id = ctl.failure_mode_id
		 JOIN fmeas f ON f.id = fm.fmea_id
		 WHERE f.project_id = $1
		   AND NOT EXISTS (SELECT 1 FROM control_items ci WHERE ci.source_control_id = ctl.id)
		 ORDER BY ctl.description`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked fmea controls: %w", err)
	}
	defer rows.Close()

	controls := []domain.FMEAControl{}
	for rows.Next() {
		var c domain.FMEAControl
		if err := rows.Scan(&c.ID, &c.FailureModeID, &c.Description, &c.ControlType, &c.Detection); err != nil {
			return nil, fmt.Errorf("failed to scan fmea control: %w", err)
		}
		controls = append(controls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fmea controls: %w", err)
	}
	return controls, nil
}

func (r *dependencyRepository) ControlPlanForProject(ctx context.Context, projectID uuid.UUID) (domain.ControlPlan, error) {
	var plan domain.ControlPlan
	err := r.pool.QueryRow(
		ctx,
		`SELECT id, project_id, name, created_at, updated_at
		 FROM control_plans WHERE project_id = $1
		 ORDER BY created_at ASC LIMIT 1`,
		projectID,
	).Scan(&plan.ID, &plan.ProjectID, &plan.Name, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ControlPlan{}, fmt.Errorf("control plan for project %s: %w", projectID, domain.ErrProjectNotFound)
		}
		return domain.ControlPlan{}, fmt.Errorf("failed to get control plan: %w", err)
	}
	return plan, nil
}

func (r *dependencyRepository) InsertControlItems(ctx context.Context, items []domain.ControlItem) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(
			`INSERT INTO control_items (id, plan_id, process_step_id, source_control_id,
				characteristic, method, frequency, status, review_required)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			item.ID, item.PlanID, item.ProcessStepID, item.SourceControlID,
			item.Characteristic, item.Method, item.Frequency, item.Status, item.ReviewRequired,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert control items: %w", err)
		}
	}
	return nil
}

// ProjectIDForEntity resolves the owning project of a tracked entity by
// walking its foreign keys.
func (r *dependencyRepository) ProjectIDForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (uuid.UUID, error) {
	var query string
	switch entityType {
	case domain.EntityProject:
		query = `SELECT id FROM projects WHERE id = $1`
	case domain.EntityProcessFlow:
		query = `SELECT project_id FROM process_flows WHERE id = $1`
	case domain.EntityProcessStep:
		query = `SELECT pf.project_id FROM process_steps ps JOIN process_flows pf ON pf.id = ps.flow_id WHERE ps.id = $1`
	case domain.EntityStepConnection:
		query = `SELECT pf.project_id FROM step_connections sc JOIN process_flows pf ON pf.id = sc.flow_id WHERE sc.id = $1`
	case domain.EntityFMEA:
		query = `SELECT project_id FROM fmeas WHERE id = $1`
	case domain.EntityFailureMode:
		query = `SELECT f.project_id FROM failure_modes fm JOIN fmeas f ON f.id = fm.fmea_id WHERE fm.id = $1`
	case domain.EntityFailureEffect:
		query = `SELECT f.project_id FROM failure_effects fe
			JOIN failure_modes fm ON fm.id = fe.failure_mode_id
			JOIN fmeas f ON f.id = fm.fmea_id WHERE fe.id = $1`
	case domain.EntityFailureCause:
		query = `SELECT f.project_id FROM failure_causes fc
			JOIN failure_modes fm ON fm.id = fc.failure_mode_id
			JOIN fmeas f ON f.id = fm.fmea_id WHERE fc.id = $1`
	case domain.EntityFMEAControl:
		query = `SELECT f.project_id FROM fmea_controls ctl
			JOIN failure_modes fm ON fm.id = ctl.failure_mode_id
			JOIN fmeas f ON f.id = fm.fmea_id WHERE ctl.id = $1`
	case domain.EntityControlPlan:
		query = `SELECT project_id FROM control_plans WHERE id = $1`
	case domain.EntityControlItem:
		query = `SELECT cp.project_id FROM control_items ci JOIN control_plans cp ON cp.id = ci.plan_id WHERE ci.id = $1`
	default:
		return uuid.Nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	var projectID uuid.UUID
	if err := r.pool.QueryRow(ctx, query, entityID).Scan(&projectID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("%s %s: %w", entityType, entityID, domain.ErrProjectNotFound)
		}
		return uuid.Nil, fmt.Errorf("failed to resolve owning project: %w", err)
	}
	return projectID, nil
}
