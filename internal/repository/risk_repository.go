package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apqp-suite/changecore/internal/domain"
)

type riskRepository struct {
	pool *pgxpool.Pool
}

// NewRiskRepository wires a repository backed by pgxpool.
func NewRiskRepository(pool *pgxpool.Pool) RiskRepository {
	return &riskRepository{pool: pool}
}

// LoadRiskData reads the live FMEA ratings and control-plan item statuses the
// aggregator needs, scoped to one project.
func (r *riskRepository) LoadRiskData(ctx context.Context, projectID uuid.UUID) (domain.FMEARiskData, error) {
	var data domain.FMEARiskData

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, project_id, name, rpn_threshold, created_at, updated_at
		 FROM fmeas WHERE project_id = $1`,
		projectID,
	)
	if err != nil {
		return data, fmt.Errorf("failed to load fmeas: %w", err)
	}
	for rows.Next() {
		var f domain.FMEA
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.RPNThreshold, &f.CreatedAt, &f.UpdatedAt); err != nil {
			rows.Close()
			return data, fmt.Errorf("failed to scan fmea: %w", err)
		}
		data.FMEAs = append(data.FMEAs, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("failed to iterate fmeas: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT fm.id, fm.fmea_id, fm.process_step_id, fm.name, fm.severity, fm.default_occurrence,
			fm.review_required, fm.created_at, fm.updated_at
		 FROM failure_modes fm
		 JOIN fmeas f ON f.id = fm.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return data, fmt.Errorf("failed to load failure modes: %w", err)
	}
	for rows.Next() {
		var m domain.FailureMode
		if err := rows.Scan(&m.ID, &m.FMEAID, &m.ProcessStepID, &m.Name, &m.Severity, &m.DefaultOccurrence,
			&m.ReviewRequired, &m.CreatedAt, &m.UpdatedAt); err != nil {
			rows.Close()
			return data, fmt.Errorf("failed to scan failure mode: %w", err)
		}
		data.FailureModes = append(data.FailureModes, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("failed to iterate failure modes: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT fc.id, fc.failure_mode_id, fc.description, fc.occurrence
		 FROM failure_causes fc
		 JOIN failure_modes fm ON fm.id = fc.failure_mode_id
		 JOIN fmeas f ON f.id = fm.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return data, fmt.Errorf("failed to load failure causes: %w", err)
	}
	for rows.Next() {
		var c domain.FailureCause
		if err := rows.Scan(&c.ID, &c.FailureModeID, &c.Description, &c.Occurrence); err != nil {
			rows.Close()
			return data, fmt.Errorf("failed to scan failure cause: %w", err)
		}
		data.Causes = append(data.Causes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("failed to iterate failure causes: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT ctl.id, ctl.failure_mode_id, ctl.description, ctl.control_type, ctl.detection
		 FROM fmea_controls ctl
		 JOIN failure_modes fm ON fm.id = ctl.failure_mode_id
		 JOIN fmeas f ON f.id = fm.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return data, fmt.Errorf("failed to load fmea controls: %w", err)
	}
	for rows.Next() {
		var c domain.FMEAControl
		if err := rows.Scan(&c.ID, &c.FailureModeID, &c.Description, &c.ControlType, &c.Detection); err != nil {
			rows.Close()
			return data, fmt.Errorf("failed to scan fmea control: %w", err)
		}
		data.Controls = append(data.Controls, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("failed to iterate fmea controls: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT cc.cause_id, cc.control_id
		 FROM cause_controls cc
		 JOIN failure_causes fc ON fc.id = cc.cause_id
		 JOIN failure_modes fm ON fm.id = fc.failure_mode_id
		 JOIN fmeas f ON f.id = fm.fmea_id
		 WHERE f.project_id = $1`,
		projectID,
	)
	if err != nil {
		return data, fmt.Errorf("failed to load cause-control links: %w", err)
	}
	for rows.Next() {
		var l domain.CauseControlLink
		if err := rows.Scan(&l.CauseID, &l.ControlID); err != nil {
			rows.Close()
			return data, fmt.Errorf("failed to scan cause-control link: %w", err)
		}
		data.CauseControls = append(data.CauseControls, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("failed to iterate cause-control links: %w", err)
	}

	rows, err = r.pool.Query(
		ctx,
		`SELECT ci.id, ci.plan_id, ci.process_step_id, ci.source_control_id, ci.characteristic,
			ci.method, ci.frequency, ci.status, ci.review_required, ci.created_at, ci.updated_at
		 FROM control_items ci
		 JOIN control_plans cp ON cp.id = ci.plan_id
		 WHERE cp.project_id = $1`,
		projectID,
	)
	if err != nil {
		return data, fmt.Errorf("failed to load control items: %w", err)
	}
	for rows.Next() {
		var item domain.ControlItem
		if err := rows.Scan(&item.ID, &item.PlanID, &item.ProcessStepID, &item.SourceControlID, &item.Characteristic,
			&item.Method, &item.Frequency, &item.Status, &item.ReviewRequired, &item.CreatedAt, &item.UpdatedAt); err != nil {
			rows.Close()
			return data, fmt.Errorf("failed to scan control item: %w", err)
		}
		data.ControlItems = append(data.ControlItems, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return data, fmt.Errorf("failed to iterate control items: %w", err)
	}

	return data, nil
}

const riskColumns = `id, project_id, date, failure_mode_count, rpn_sum, rpn_avg, rpn_max,
	low_risk_count, medium_risk_count, high_risk_count, critical_risk_count,
	compliance_score, computed_at`

// Upsert writes the unique (project, date) row. A rerun on the same day
// overwrites the prior aggregate.
func (r *riskRepository) Upsert(ctx context.Context, snapshot domain.RiskAnalyticsSnapshot) (domain.RiskAnalyticsSnapshot, error) {
	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO risk_analytics_snapshots (id, project_id, date, failure_mode_count, rpn_sum, rpn_avg, rpn_max,
			low_risk_count, medium_risk_count, high_risk_count, critical_risk_count, compliance_score, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (project_id, date) DO UPDATE SET
			failure_mode_count = EXCLUDED.failure_mode_count,
			rpn_sum = EXCLUDED.rpn_sum,
			rpn_avg = EXCLUDED.rpn_avg,
			rpn_max = EXCLUDED.rpn_max,
			low_risk_count = EXCLUDED.low_risk_count,
			medium_risk_count = EXCLUDED.medium_risk_count,
			high_risk_count = EXCLUDED.high_risk_count,
			critical_risk_count = EXCLUDED.critical_risk_count,
			compliance_score = EXCLUDED.compliance_score,
			computed_at = EXCLUDED.computed_at
		 RETURNING `+riskColumns,
		snapshot.ID, snapshot.ProjectID, snapshot.Date, snapshot.FailureModeCount,
		snapshot.RPNSum, snapshot.RPNAvg, snapshot.RPNMax,
		snapshot.LowRiskCount, snapshot.MediumRiskCount, snapshot.HighRiskCount, snapshot.CriticalRiskCount,
		snapshot.ComplianceScore, snapshot.ComputedAt,
	)

	upserted, err := scanRiskSnapshot(row)
	if err != nil {
		return domain.RiskAnalyticsSnapshot{}, fmt.Errorf("failed to upsert risk snapshot: %w", err)
	}
	return upserted, nil
}

func (r *riskRepository) Latest(ctx context.Context, projectID uuid.UUID) (domain.RiskAnalyticsSnapshot, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+riskColumns+` FROM risk_analytics_snapshots
		 WHERE project_id = $1 ORDER BY date DESC LIMIT 1`,
		projectID,
	)
	snapshot, err := scanRiskSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskAnalyticsSnapshot{}, fmt.Errorf("no risk snapshot for project %s: %w", projectID, pgx.ErrNoRows)
		}
		return domain.RiskAnalyticsSnapshot{}, fmt.Errorf("failed to get latest risk snapshot: %w", err)
	}
	return snapshot, nil
}

func scanRiskSnapshot(row pgx.Row) (domain.RiskAnalyticsSnapshot, error) {
	var s domain.RiskAnalyticsSnapshot
	err := row.Scan(
		&s.ID, &s.ProjectID, &s.Date, &s.FailureModeCount, &s.RPNSum, &s.RPNAvg, &s.RPNMax,
		&s.LowRiskCount, &s.MediumRiskCount, &s.HighRiskCount, &s.CriticalRiskCount,
		&s.ComplianceScore, &s.ComputedAt,
	)
	if err != nil {
		return domain.RiskAnalyticsSnapshot{}, err
	}
	return s, nil
}
