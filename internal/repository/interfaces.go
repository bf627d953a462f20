package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/apqp-suite/changecore/internal/domain"
)

// querier is the query surface shared by *pgxpool.Pool and pgx.Tx, so the
// same statements can run standalone or inside a caller-owned transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProjectRepository reads and wholesale-replaces a project's tracked graph.
// Individual record CRUD belongs to the external CRUD layer. The tx-taking
// methods run on the caller's transaction; restore uses them so the lock,
// the tree swap and the version writes commit or roll back together.
type ProjectRepository interface {
	Exists(ctx context.Context, projectID uuid.UUID) (bool, error)
	LoadTree(ctx context.Context, projectID uuid.UUID) (domain.ProjectTree, error)
	LoadTreeTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (domain.ProjectTree, error)
	// LockProject takes the exclusive project-scoped advisory lock on the
	// transaction. The lock releases on commit or rollback; a concurrent
	// holder surfaces as ErrRestoreConflict.
	LockProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error
	// ReplaceTree swaps all three live subtrees on the caller's transaction.
	// Callers take LockProject first.
	ReplaceTree(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, tree domain.ProjectTree) error
}

// DependencyRepository resolves lookup chains between tracked entities for
// impact analysis and propagation.
type DependencyRepository interface {
	// ListDependents walks the dependency chain of one entity
	// (step -> failure modes -> control items) returning identifying
	// snapshots that stay valid after deletion.
	ListDependents(ctx context.Context, entityType string, entityID uuid.UUID) ([]domain.EntityRef, error)
	// AnyDependentRPNOverThreshold reports whether any dependent failure
	// mode's worst-case RPN exceeds its FMEA threshold.
	AnyDependentRPNOverThreshold(ctx context.Context, entityType string, entityID uuid.UUID) (bool, error)
	// FlagForReview marks dependent entities for review without mutating data.
	FlagForReview(ctx context.Context, entityType string, ids []uuid.UUID) error
	// ApplyFieldUpdates copies field values into one target entity and
	// returns the prior values of the touched fields.
	ApplyFieldUpdates(ctx context.Context, entityType string, id uuid.UUID, fields map[string]any) (map[string]any, error)
	// ListUnlinkedFMEAControls yields the FMEA controls of a project that no
	// control-plan item references yet.
	ListUnlinkedFMEAControls(ctx context.Context, projectID uuid.UUID) ([]domain.FMEAControl, error)
	// ControlPlanForProject returns the project's control plan.
	ControlPlanForProject(ctx context.Context, projectID uuid.UUID) (domain.ControlPlan, error)
	// InsertControlItems persists generated control items as one batch.
	InsertControlItems(ctx context.Context, items []domain.ControlItem) error
	// ProjectIDForEntity resolves the owning project of a tracked entity.
	ProjectIDForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (uuid.UUID, error)
}

// VersionRepository stores immutable project versions. The tx variants let
// restore write its backup and restored versions on the same transaction
// that swaps the live tree.
type VersionRepository interface {
	Create(ctx context.Context, version domain.ProjectVersion) (domain.ProjectVersion, error)
	CreateInTx(ctx context.Context, tx pgx.Tx, version domain.ProjectVersion) (domain.ProjectVersion, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ProjectVersion, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]domain.ProjectVersion, error)
	NextMajorVersion(ctx context.Context, projectID uuid.UUID) (int, error)
	NextMajorVersionTx(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error)
}

// ChangeEventRepository is the append-only mutation ledger.
type ChangeEventRepository interface {
	Insert(ctx context.Context, event domain.ChangeEvent) (domain.ChangeEvent, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ChangeEvent, error)
	List(ctx context.Context, projectID uuid.UUID, filter domain.ChangeEventFilter, limit, offset int) ([]domain.ChangeEvent, int, error)
	SetImpactLevel(ctx context.Context, id uuid.UUID, level domain.ImpactLevel) error
	SetApproval(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, workflowID *uuid.UUID, completedAt *time.Time) error
}

// RuleRepository stores declarative propagation rules.
type RuleRepository interface {
	Create(ctx context.Context, rule domain.PropagationRule) (domain.PropagationRule, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.PropagationRule, error)
	// ListActive returns active rules for the source pair, priority ascending.
	ListActive(ctx context.Context, sourceEntityType string, changeType domain.ChangeType) ([]domain.PropagationRule, error)
}

// ImpactRepository stores impact analyses, one per change event.
type ImpactRepository interface {
	Create(ctx context.Context, analysis domain.ImpactAnalysis) (domain.ImpactAnalysis, error)
	// Finish writes the terminal state of an analysis.
	Finish(ctx context.Context, analysis domain.ImpactAnalysis) error
	GetByEventID(ctx context.Context, eventID uuid.UUID) (domain.ImpactAnalysis, error)
}

// WorkflowRepository stores workflow definitions and step instances.
type WorkflowRepository interface {
	CreateWorkflow(ctx context.Context, workflow domain.ApprovalWorkflow) (domain.ApprovalWorkflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (domain.ApprovalWorkflow, error)
	// ListActive returns a project's active workflows ordered by position.
	ListActive(ctx context.Context, projectID uuid.UUID) ([]domain.ApprovalWorkflow, error)

	CreateStep(ctx context.Context, step domain.ApprovalStepInstance) (domain.ApprovalStepInstance, error)
	GetStep(ctx context.Context, id uuid.UUID) (domain.ApprovalStepInstance, error)
	ListStepsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.ApprovalStepInstance, error)
	UpdateStep(ctx context.Context, step domain.ApprovalStepInstance) error
}

// GatedActionRepository queues rule actions awaiting approval.
type GatedActionRepository interface {
	Enqueue(ctx context.Context, action domain.GatedAction) (domain.GatedAction, error)
	ListPending(ctx context.Context, eventID uuid.UUID) ([]domain.GatedAction, error)
	Resolve(ctx context.Context, id uuid.UUID, status domain.GatedActionStatus) error
}

// NotificationRepository enqueues records for the external delivery system.
type NotificationRepository interface {
	Enqueue(ctx context.Context, notification domain.Notification) (domain.Notification, error)
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Notification, error)
}

// RiskRepository feeds and stores risk analytics snapshots.
type RiskRepository interface {
	LoadRiskData(ctx context.Context, projectID uuid.UUID) (domain.FMEARiskData, error)
	// Upsert writes the unique (project, date) row; repeat calls with the
	// same inputs are idempotent.
	Upsert(ctx context.Context, snapshot domain.RiskAnalyticsSnapshot) (domain.RiskAnalyticsSnapshot, error)
	Latest(ctx context.Context, projectID uuid.UUID) (domain.RiskAnalyticsSnapshot, error)
}
