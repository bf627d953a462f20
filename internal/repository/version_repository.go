package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apqp-suite/changecore/internal/domain"
)

type versionRepository struct {
	pool *pgxpool.Pool
}

// NewVersionRepository wires a repository backed by pgxpool.
func NewVersionRepository(pool *pgxpool.Pool) VersionRepository {
	return &versionRepository{pool: pool}
}

const versionColumns = `id, project_id, major_version, minor_version, patch_version, name, description,
	process_flow_data, fmea_data, control_plan_data,
	step_count, failure_mode_count, control_item_count,
	restored_from_version_id, created_by, created_at`

func (r *versionRepository) Create(ctx context.Context, version domain.ProjectVersion) (domain.ProjectVersion, error) {
	return createVersion(ctx, r.pool, version)
}

// CreateInTx writes the version on the caller's transaction so restore can
// roll it back with the rest of its writes.
func (r *versionRepository) CreateInTx(ctx context.Context, tx pgx.Tx, version domain.ProjectVersion) (domain.ProjectVersion, error) {
	return createVersion(ctx, tx, version)
}

func createVersion(ctx context.Context, q querier, version domain.ProjectVersion) (domain.ProjectVersion, error) {
	row := q.QueryRow(
		ctx,
		`INSERT INTO project_versions (id, project_id, major_version, minor_version, patch_version, name, description,
			process_flow_data, fmea_data, control_plan_data,
			step_count, failure_mode_count, control_item_count,
			restored_from_version_id, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING `+versionColumns,
		version.ID, version.ProjectID, version.MajorVersion, version.MinorVersion, version.PatchVersion,
		version.Name, version.Description,
		version.ProcessFlowData, version.FMEAData, version.ControlPlanData,
		version.StepCount, version.FailureModeCount, version.ControlItemCount,
		version.RestoredFromVersionID, version.CreatedBy,
	)

	created, err := scanVersion(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ProjectVersion{}, fmt.Errorf("version %d.%d.%d for project %s: %w",
				version.MajorVersion, version.MinorVersion, version.PatchVersion, version.ProjectID, domain.ErrDuplicateVersion)
		}
		return domain.ProjectVersion{}, fmt.Errorf("failed to create project version: %w", err)
	}
	return created, nil
}

func (r *versionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ProjectVersion, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+versionColumns+` FROM project_versions WHERE id = $1`,
		id,
	)
	version, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProjectVersion{}, fmt.Errorf("version %s: %w", id, domain.ErrVersionNotFound)
		}
		return domain.ProjectVersion{}, fmt.Errorf("failed to get project version: %w", err)
	}
	return version, nil
}

func (r *versionRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]domain.ProjectVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+versionColumns+` FROM project_versions
		 WHERE project_id = $1
		 ORDER BY major_version DESC, minor_version DESC, patch_version DESC
		 LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list project versions: %w", err)
	}
	defer rows.Close()

	versions := []domain.ProjectVersion{}
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate project versions: %w", err)
	}
	return versions, nil
}

// NextMajorVersion returns max(major_version)+1 scoped to the project.
func (r *versionRepository) NextMajorVersion(ctx context.Context, projectID uuid.UUID) (int, error) {
	return nextMajorVersion(ctx, r.pool, projectID)
}

// NextMajorVersionTx computes the next number on the caller's transaction.
func (r *versionRepository) NextMajorVersionTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error) {
	return nextMajorVersion(ctx, tx, projectID)
}

func nextMajorVersion(ctx context.Context, q querier, projectID uuid.UUID) (int, error) {
	var next int
	err := q.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(major_version), 0) + 1 FROM project_versions WHERE project_id = $1`,
		projectID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next version: %w", err)
	}
	return next, nil
}

func scanVersion(row pgx.Row) (domain.ProjectVersion, error) {
	var v domain.ProjectVersion
	err := row.Scan(
		&v.ID, &v.ProjectID, &v.MajorVersion, &v.MinorVersion, &v.PatchVersion, &v.Name, &v.Description,
		&v.ProcessFlowData, &v.FMEAData, &v.ControlPlanData,
		&v.StepCount, &v.FailureModeCount, &v.ControlItemCount,
		&v.RestoredFromVersionID, &v.CreatedBy, &v.CreatedAt,
	)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	return v, nil
}
