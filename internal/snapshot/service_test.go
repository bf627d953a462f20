package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/domain"
)

type stubProjectRepo struct {
	trees      map[uuid.UUID]domain.ProjectTree
	lockErr    error
	replaceErr error
	replaced   *domain.ProjectTree
}

func (s *stubProjectRepo) Exists(_ context.Context, projectID uuid.UUID) (bool, error) {
	_, ok := s.trees[projectID]
	return ok, nil
}

func (s *stubProjectRepo) LoadTree(_ context.Context, projectID uuid.UUID) (domain.ProjectTree, error) {
	tree, ok := s.trees[projectID]
	if !ok {
		return domain.ProjectTree{}, domain.ErrProjectNotFound
	}
	return tree, nil
}

func (s *stubProjectRepo) LoadTreeTx(ctx context.Context, _ pgx.Tx, projectID uuid.UUID) (domain.ProjectTree, error) {
	return s.LoadTree(ctx, projectID)
}

func (s *stubProjectRepo) LockProject(_ context.Context, _ pgx.Tx, _ uuid.UUID) error {
	return s.lockErr
}

func (s *stubProjectRepo) ReplaceTree(_ context.Context, _ pgx.Tx, projectID uuid.UUID, tree domain.ProjectTree) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.trees[projectID] = tree
	s.replaced = &tree
	return nil
}

type stubVersionRepo struct {
	versions    map[uuid.UUID]domain.ProjectVersion
	created     []domain.ProjectVersion
	createCalls int
	failCreate  int // 1-based call number that errors; 0 disables
}

func newStubVersionRepo() *stubVersionRepo {
	return &stubVersionRepo{versions: map[uuid.UUID]domain.ProjectVersion{}}
}

func (s *stubVersionRepo) Create(_ context.Context, version domain.ProjectVersion) (domain.ProjectVersion, error) {
	s.createCalls++
	if s.failCreate > 0 && s.createCalls == s.failCreate {
		return domain.ProjectVersion{}, errors.New("version insert rejected")
	}
	s.versions[version.ID] = version
	s.created = append(s.created, version)
	return version, nil
}

func (s *stubVersionRepo) CreateInTx(ctx context.Context, _ pgx.Tx, version domain.ProjectVersion) (domain.ProjectVersion, error) {
	return s.Create(ctx, version)
}

func (s *stubVersionRepo) GetByID(_ context.Context, id uuid.UUID) (domain.ProjectVersion, error) {
	version, ok := s.versions[id]
	if !ok {
		return domain.ProjectVersion{}, fmt.Errorf("version %s: %w", id, domain.ErrVersionNotFound)
	}
	return version, nil
}

func (s *stubVersionRepo) ListByProject(_ context.Context, projectID uuid.UUID, _ int) ([]domain.ProjectVersion, error) {
	out := []domain.ProjectVersion{}
	for _, v := range s.versions {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *stubVersionRepo) NextMajorVersion(_ context.Context, projectID uuid.UUID) (int, error) {
	max := 0
	for _, v := range s.versions {
		if v.ProjectID == projectID && v.MajorVersion > max {
			max = v.MajorVersion
		}
	}
	return max + 1, nil
}

func (s *stubVersionRepo) NextMajorVersionTx(ctx context.Context, _ pgx.Tx, projectID uuid.UUID) (int, error) {
	return s.NextMajorVersion(ctx, projectID)
}

// stubTxRunner mimics transactional semantics over the in-memory stubs: it
// snapshots their state before the function runs and restores it when the
// function errors.
type stubTxRunner struct {
	projects *stubProjectRepo
	versions *stubVersionRepo
}

func (s *stubTxRunner) WithTx(_ context.Context, fn func(pgx.Tx) error) error {
	trees := map[uuid.UUID]domain.ProjectTree{}
	for k, v := range s.projects.trees {
		trees[k] = v
	}
	replaced := s.projects.replaced
	saved := map[uuid.UUID]domain.ProjectVersion{}
	for k, v := range s.versions.versions {
		saved[k] = v
	}
	created := append([]domain.ProjectVersion(nil), s.versions.created...)

	if err := fn(nil); err != nil {
		s.projects.trees = trees
		s.projects.replaced = replaced
		s.versions.versions = saved
		s.versions.created = created
		return err
	}
	return nil
}

func newTestService(projects *stubProjectRepo, versions *stubVersionRepo) *Service {
	return NewService(&stubTxRunner{projects: projects, versions: versions}, projects, versions, quietLogger())
}

type recordedChange struct {
	input domain.ChangeInput
}

type stubRecorder struct {
	changes []recordedChange
}

func (s *stubRecorder) RecordChange(_ context.Context, input domain.ChangeInput) (domain.ChangeEvent, error) {
	s.changes = append(s.changes, recordedChange{input: input})
	return domain.ChangeEvent{ID: uuid.New()}, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testTree(projectID uuid.UUID) domain.ProjectTree {
	flowID := uuid.New()
	return domain.ProjectTree{
		ProjectID: projectID,
		Flows:     []domain.ProcessFlow{{ID: flowID, ProjectID: projectID, Name: "Assembly"}},
		Steps: []domain.ProcessStep{
			{ID: uuid.New(), FlowID: flowID, Name: "Torque", StepNumber: 10},
			{ID: uuid.New(), FlowID: flowID, Name: "Inspect", StepNumber: 20},
		},
	}
}

func TestCreateSnapshotUnknownProject(t *testing.T) {
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{}}
	svc := newTestService(projects, newStubVersionRepo())

	_, err := svc.CreateSnapshot(context.Background(), uuid.New(), "v1", "", "user-1")
	if !errors.Is(err, domain.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestCreateSnapshotCapturesCountsAndIncrementsVersion(t *testing.T) {
	projectID := uuid.New()
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{projectID: testTree(projectID)}}
	versions := newStubVersionRepo()
	svc := newTestService(projects, versions)

	first, err := svc.CreateSnapshot(context.Background(), projectID, "baseline", "initial", "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.MajorVersion != 1 {
		t.Errorf("first version = %d, want 1", first.MajorVersion)
	}
	if first.StepCount != 2 {
		t.Errorf("step count = %d, want 2", first.StepCount)
	}
	if first.CreatedBy != "user-1" {
		t.Errorf("created by = %q", first.CreatedBy)
	}

	second, err := svc.CreateSnapshot(context.Background(), projectID, "rev b", "", "user-1")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.MajorVersion != 2 {
		t.Errorf("second version = %d, want 2", second.MajorVersion)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	projectID := uuid.New()
	original := testTree(projectID)
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{projectID: original}}
	versions := newStubVersionRepo()
	recorder := &stubRecorder{}
	svc := newTestService(projects, versions)
	svc.SetRecorder(recorder)

	baseline, err := svc.CreateSnapshot(context.Background(), projectID, "baseline", "", "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// The live tree drifts after the snapshot.
	drifted := testTree(projectID)
	drifted.Steps = drifted.Steps[:1]
	projects.trees[projectID] = drifted

	restored, err := svc.RestoreToVersion(context.Background(), baseline.ID, "user-2")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if projects.replaced == nil {
		t.Fatal("live tree was not replaced")
	}
	if len(projects.replaced.Steps) != 2 {
		t.Errorf("restored tree has %d steps, want 2", len(projects.replaced.Steps))
	}
	if restored.RestoredFromVersionID == nil || *restored.RestoredFromVersionID != baseline.ID {
		t.Error("restored version missing back-reference to source")
	}

	// baseline + pre-restore backup + restored = 3 versions.
	if len(versions.created) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions.created))
	}
	backup := versions.created[1]
	if backup.StepCount != 1 {
		t.Errorf("backup captured %d steps, want the drifted 1", backup.StepCount)
	}

	if len(recorder.changes) != 1 {
		t.Fatalf("expected 1 recorded change, got %d", len(recorder.changes))
	}
	change := recorder.changes[0].input
	if change.ChangeType != domain.ChangeRestore {
		t.Errorf("change type = %s, want RESTORE", change.ChangeType)
	}
	if change.EntityType != domain.EntityProject {
		t.Errorf("entity type = %s, want project", change.EntityType)
	}
}

func TestRestoreConflictSurfaces(t *testing.T) {
	projectID := uuid.New()
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{projectID: testTree(projectID)}}
	versions := newStubVersionRepo()
	svc := newTestService(projects, versions)

	baseline, err := svc.CreateSnapshot(context.Background(), projectID, "baseline", "", "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	projects.lockErr = fmt.Errorf("project %s: %w", projectID, domain.ErrRestoreConflict)
	_, err = svc.RestoreToVersion(context.Background(), baseline.ID, "user-2")
	if !errors.Is(err, domain.ErrRestoreConflict) {
		t.Fatalf("expected ErrRestoreConflict, got %v", err)
	}
}

func TestRestoreRejectsCorruptedVersion(t *testing.T) {
	projectID := uuid.New()
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{projectID: testTree(projectID)}}
	versions := newStubVersionRepo()
	svc := newTestService(projects, versions)

	baseline, err := svc.CreateSnapshot(context.Background(), projectID, "baseline", "", "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	corrupted := versions.versions[baseline.ID]
	corrupted.FMEAData = []byte("not json")
	versions.versions[baseline.ID] = corrupted

	_, err = svc.RestoreToVersion(context.Background(), baseline.ID, "user-2")
	if !errors.Is(err, domain.ErrSnapshotCorrupted) {
		t.Fatalf("expected ErrSnapshotCorrupted, got %v", err)
	}
	if projects.replaced != nil {
		t.Error("live tree must not be touched when the source is corrupted")
	}
}

func TestRestoreFailureWrapsSentinel(t *testing.T) {
	projectID := uuid.New()
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{projectID: testTree(projectID)}}
	versions := newStubVersionRepo()
	svc := newTestService(projects, versions)

	baseline, err := svc.CreateSnapshot(context.Background(), projectID, "baseline", "", "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	projects.replaceErr = errors.New("disk on fire")
	_, err = svc.RestoreToVersion(context.Background(), baseline.ID, "user-2")
	if !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("expected ErrRestoreFailed, got %v", err)
	}
}

func TestRestoreRollsBackWhenVersionInsertFails(t *testing.T) {
	projectID := uuid.New()
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{projectID: testTree(projectID)}}
	versions := newStubVersionRepo()
	recorder := &stubRecorder{}
	svc := newTestService(projects, versions)
	svc.SetRecorder(recorder)

	baseline, err := svc.CreateSnapshot(context.Background(), projectID, "baseline", "", "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	drifted := testTree(projectID)
	drifted.Steps = drifted.Steps[:1]
	projects.trees[projectID] = drifted

	// Baseline was insert 1; the backup is 2 and the restored version 3.
	// Failing the restored-version insert after the tree swap must roll the
	// whole transaction back.
	versions.failCreate = 3
	_, err = svc.RestoreToVersion(context.Background(), baseline.ID, "user-2")
	if !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("expected ErrRestoreFailed, got %v", err)
	}

	live := projects.trees[projectID]
	if len(live.Steps) != 1 {
		t.Errorf("live tree has %d steps, want the drifted 1", len(live.Steps))
	}
	if len(versions.created) != 1 {
		t.Errorf("persisted versions = %d, want only the baseline", len(versions.created))
	}
	if len(recorder.changes) != 0 {
		t.Errorf("recorded changes = %d, want none on a failed restore", len(recorder.changes))
	}
}

func TestCompareVersionsAcrossProjectsRejected(t *testing.T) {
	projectA := uuid.New()
	projectB := uuid.New()
	projects := &stubProjectRepo{trees: map[uuid.UUID]domain.ProjectTree{
		projectA: testTree(projectA),
		projectB: testTree(projectB),
	}}
	versions := newStubVersionRepo()
	svc := newTestService(projects, versions)

	a, err := svc.CreateSnapshot(context.Background(), projectA, "a", "", "user-1")
	if err != nil {
		t.Fatalf("snapshot a: %v", err)
	}
	b, err := svc.CreateSnapshot(context.Background(), projectB, "b", "", "user-1")
	if err != nil {
		t.Fatalf("snapshot b: %v", err)
	}

	if _, err := svc.CompareVersions(context.Background(), a.ID, b.ID); err == nil {
		t.Fatal("cross-project comparison should fail")
	}
}
