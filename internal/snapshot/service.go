package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/repository"
)

// ErrRestoreFailed wraps any failure during restore after validation passed.
// The transaction is rolled back and the source version is left intact.
var ErrRestoreFailed = errors.New("restore failed")

// TxRunner executes a function inside one database transaction, rolling back
// when the function errors. Implemented by db.Connection.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// ChangeRecorder records the RESTORE change event emitted after a successful
// restore. Implemented by the changelog service.
type ChangeRecorder interface {
	RecordChange(ctx context.Context, input domain.ChangeInput) (domain.ChangeEvent, error)
}

// Service creates, compares and restores immutable project versions.
type Service struct {
	txs      TxRunner
	projects repository.ProjectRepository
	versions repository.VersionRepository
	recorder ChangeRecorder
	log      *logrus.Logger
}

// NewService wires the snapshot store.
func NewService(txs TxRunner, projects repository.ProjectRepository, versions repository.VersionRepository, log *logrus.Logger) *Service {
	return &Service{txs: txs, projects: projects, versions: versions, log: log}
}

// SetRecorder attaches the change recorder after construction; the changelog
// service is built later in the wiring order.
func (s *Service) SetRecorder(recorder ChangeRecorder) {
	s.recorder = recorder
}

// CreateSnapshot captures the project's full live tree as a new immutable
// version. Version numbers are per-project: max(major)+1.
func (s *Service) CreateSnapshot(ctx context.Context, projectID uuid.UUID, name, description, actorID string) (domain.ProjectVersion, error) {
	exists, err := s.projects.Exists(ctx, projectID)
	if err != nil {
		return domain.ProjectVersion{}, fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return domain.ProjectVersion{}, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}

	tree, err := s.projects.LoadTree(ctx, projectID)
	if err != nil {
		return domain.ProjectVersion{}, fmt.Errorf("failed to load project tree: %w", err)
	}

	version, err := s.buildVersion(ctx, projectID, tree, name, description, actorID, nil)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	s.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"version":    version.Version(),
		"steps":      version.StepCount,
	}).Info("snapshot created")

	return version, nil
}

// RestoreToVersion replaces the project's live tree with a stored version.
// The pre-restore backup, the tree swap and the restored version commit as
// one transaction holding the project-scoped advisory lock for its whole
// duration; any failure rolls the live tree back. A RESTORE change event is
// recorded on success.
func (s *Service) RestoreToVersion(ctx context.Context, versionID uuid.UUID, actorID string) (domain.ProjectVersion, error) {
	source, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	tree, err := domain.DeserializeTree(source)
	if err != nil {
		return domain.ProjectVersion{}, fmt.Errorf("version %s: %w", versionID, err)
	}

	projectID := source.ProjectID

	var currentTree domain.ProjectTree
	var backup, restored domain.ProjectVersion
	err = s.txs.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.projects.LockProject(ctx, tx, projectID); err != nil {
			return err
		}

		live, err := s.projects.LoadTreeTx(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("failed to load current tree: %w", err)
		}
		currentTree = live

		major, err := s.versions.NextMajorVersionTx(ctx, tx, projectID)
		if err != nil {
			return err
		}

		backupName := fmt.Sprintf("Pre-restore backup (before v%s)", source.Version())
		backupVersion, err := makeVersion(projectID, live, backupName, "", actorID, nil, major)
		if err != nil {
			return err
		}
		backup, err = s.versions.CreateInTx(ctx, tx, backupVersion)
		if err != nil {
			return fmt.Errorf("failed to create pre-restore backup: %w", err)
		}

		if err := s.projects.ReplaceTree(ctx, tx, projectID, tree); err != nil {
			return err
		}

		restoredName := fmt.Sprintf("Restored from v%s", source.Version())
		restoredVersion, err := makeVersion(projectID, tree, restoredName, source.Description, actorID, &source.ID, major+1)
		if err != nil {
			return err
		}
		restored, err = s.versions.CreateInTx(ctx, tx, restoredVersion)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrRestoreConflict) {
			return domain.ProjectVersion{}, err
		}
		return domain.ProjectVersion{}, fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	if s.recorder != nil {
		oldSteps, oldModes, oldItems := currentTree.Counts()
		newSteps, newModes, newItems := tree.Counts()
		_, err := s.recorder.RecordChange(ctx, domain.ChangeInput{
			ProjectID:  projectID,
			EntityType: domain.EntityProject,
			EntityID:   projectID,
			ChangeType: domain.ChangeRestore,
			OldValues: map[string]any{
				"version_id": backup.ID.String(), "step_count": oldSteps,
				"failure_mode_count": oldModes, "control_item_count": oldItems,
			},
			NewValues: map[string]any{
				"version_id": source.ID.String(), "step_count": newSteps,
				"failure_mode_count": newModes, "control_item_count": newItems,
			},
			ActorID: actorID,
		})
		if err != nil {
			s.log.WithError(err).WithField("project_id", projectID).
				Warn("failed to record restore change event")
		}
	}

	s.log.WithFields(logrus.Fields{
		"project_id":  projectID,
		"source":      source.Version(),
		"new_version": restored.Version(),
		"backup":      backup.Version(),
		"restored_by": actorID,
	}).Info("project restored")

	return restored, nil
}

// CompareVersions computes the structural diff between two stored versions of
// the same project.
func (s *Service) CompareVersions(ctx context.Context, baseID, targetID uuid.UUID) (domain.VersionDiff, error) {
	base, err := s.versions.GetByID(ctx, baseID)
	if err != nil {
		return domain.VersionDiff{}, err
	}
	target, err := s.versions.GetByID(ctx, targetID)
	if err != nil {
		return domain.VersionDiff{}, err
	}
	if base.ProjectID != target.ProjectID {
		return domain.VersionDiff{}, fmt.Errorf("versions %s and %s belong to different projects", baseID, targetID)
	}
	return domain.DiffVersions(base, target)
}

// GetVersionHistory lists a project's versions, newest first.
func (s *Service) GetVersionHistory(ctx context.Context, projectID uuid.UUID, limit int) ([]domain.ProjectVersion, error) {
	exists, err := s.projects.Exists(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrProjectNotFound)
	}
	return s.versions.ListByProject(ctx, projectID, limit)
}

// GetVersion fetches one stored version.
func (s *Service) GetVersion(ctx context.Context, id uuid.UUID) (domain.ProjectVersion, error) {
	return s.versions.GetByID(ctx, id)
}

func (s *Service) buildVersion(ctx context.Context, projectID uuid.UUID, tree domain.ProjectTree,
	name, description, actorID string, restoredFrom *uuid.UUID) (domain.ProjectVersion, error) {

	major, err := s.versions.NextMajorVersion(ctx, projectID)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	version, err := makeVersion(projectID, tree, name, description, actorID, restoredFrom, major)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	return s.versions.Create(ctx, version)
}

// makeVersion serializes the tree into an unsaved version record.
func makeVersion(projectID uuid.UUID, tree domain.ProjectTree,
	name, description, actorID string, restoredFrom *uuid.UUID, major int) (domain.ProjectVersion, error) {

	flowData, fmeaData, planData, err := domain.SerializeTree(tree)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	steps, modes, items := tree.Counts()
	return domain.ProjectVersion{
		ID:                    uuid.New(),
		ProjectID:             projectID,
		MajorVersion:          major,
		Name:                  name,
		Description:           description,
		ProcessFlowData:       flowData,
		FMEAData:              fmeaData,
		ControlPlanData:       planData,
		StepCount:             steps,
		FailureModeCount:      modes,
		ControlItemCount:      items,
		RestoredFromVersionID: restoredFrom,
		CreatedBy:             actorID,
	}, nil
}
