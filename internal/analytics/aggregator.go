package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/domain"
	"github.com/apqp-suite/changecore/internal/repository"
)

// summaryCacheTTL bounds how stale a cached risk summary may get between
// recomputes.
const summaryCacheTTL = 5 * time.Minute

// Aggregator computes per-project risk analytics snapshots from live FMEA
// data. The redis cache is optional; a nil client disables it.
type Aggregator struct {
	risk  repository.RiskRepository
	cache *redis.Client
	log   *logrus.Logger
	now   func() time.Time
}

// NewAggregator wires the aggregator. cache may be nil.
func NewAggregator(risk repository.RiskRepository, cache *redis.Client, log *logrus.Logger) *Aggregator {
	return &Aggregator{risk: risk, cache: cache, log: log, now: time.Now}
}

// Recompute rebuilds the project's snapshot for the given day from current
// live data and upserts it. A zero date means today. The result is a pure
// function of the inputs, so repeated calls on unchanged data write identical
// rows.
func (a *Aggregator) Recompute(ctx context.Context, projectID uuid.UUID, date time.Time) (domain.RiskAnalyticsSnapshot, error) {
	data, err := a.risk.LoadRiskData(ctx, projectID)
	if err != nil {
		return domain.RiskAnalyticsSnapshot{}, fmt.Errorf("failed to load risk data: %w", err)
	}

	now := a.now().UTC()
	if date.IsZero() {
		date = now
	}
	snapshot := buildSnapshot(projectID, data, date.UTC().Truncate(24*time.Hour), now)

	upserted, err := a.risk.Upsert(ctx, snapshot)
	if err != nil {
		return domain.RiskAnalyticsSnapshot{}, err
	}

	a.invalidate(ctx, projectID)

	a.log.WithFields(logrus.Fields{
		"project_id":    projectID,
		"failure_modes": upserted.FailureModeCount,
		"rpn_max":       upserted.RPNMax,
		"compliance":    upserted.ComplianceScore,
	}).Info("risk analytics recomputed")

	return upserted, nil
}

// GetRiskSummary returns the latest snapshot, from cache when possible. A
// project with no snapshot yet gets one computed on the spot.
func (a *Aggregator) GetRiskSummary(ctx context.Context, projectID uuid.UUID) (domain.RiskAnalyticsSnapshot, error) {
	if cached, ok := a.fromCache(ctx, projectID); ok {
		return cached, nil
	}

	snapshot, err := a.risk.Latest(ctx, projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		snapshot, err = a.Recompute(ctx, projectID, time.Time{})
	}
	if err != nil {
		return domain.RiskAnalyticsSnapshot{}, err
	}

	a.toCache(ctx, projectID, snapshot)
	return snapshot, nil
}

// buildSnapshot aggregates worst-case RPN per failure mode into bucket counts
// and the compliance score.
func buildSnapshot(projectID uuid.UUID, data domain.FMEARiskData, date, computedAt time.Time) domain.RiskAnalyticsSnapshot {
	snapshot := domain.RiskAnalyticsSnapshot{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Date:       date,
		ComputedAt: computedAt,
	}

	for _, mode := range data.FailureModes {
		rpn := domain.WorstCaseRPN(mode, data.Causes, data.Controls, data.CauseControls)
		snapshot.FailureModeCount++
		snapshot.RPNSum += rpn
		if rpn > snapshot.RPNMax {
			snapshot.RPNMax = rpn
		}
		switch domain.RPNBucket(rpn) {
		case domain.ImpactCritical:
			snapshot.CriticalRiskCount++
		case domain.ImpactHigh:
			snapshot.HighRiskCount++
		case domain.ImpactMedium:
			snapshot.MediumRiskCount++
		default:
			snapshot.LowRiskCount++
		}
	}
	if snapshot.FailureModeCount > 0 {
		snapshot.RPNAvg = float64(snapshot.RPNSum) / float64(snapshot.FailureModeCount)
	}

	verified := 0
	for _, item := range data.ControlItems {
		if item.Status == domain.ControlItemVerified {
			verified++
		}
	}
	if len(data.ControlItems) > 0 {
		snapshot.ComplianceScore = float64(verified) / float64(len(data.ControlItems))
	} else {
		snapshot.ComplianceScore = 1.0
	}

	return snapshot
}

func summaryKey(projectID uuid.UUID) string {
	return fmt.Sprintf("risk:summary:%s", projectID)
}

func (a *Aggregator) fromCache(ctx context.Context, projectID uuid.UUID) (domain.RiskAnalyticsSnapshot, bool) {
	if a.cache == nil {
		return domain.RiskAnalyticsSnapshot{}, false
	}
	payload, err := a.cache.Get(ctx, summaryKey(projectID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			a.log.WithError(err).Warn("risk summary cache read failed")
		}
		return domain.RiskAnalyticsSnapshot{}, false
	}
	var snapshot domain.RiskAnalyticsSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		a.log.WithError(err).Warn("risk summary cache entry corrupt, ignoring")
		return domain.RiskAnalyticsSnapshot{}, false
	}
	return snapshot, true
}

func (a *Aggregator) toCache(ctx context.Context, projectID uuid.UUID, snapshot domain.RiskAnalyticsSnapshot) {
	if a.cache == nil {
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, summaryKey(projectID), payload, summaryCacheTTL).Err(); err != nil {
		a.log.WithError(err).Warn("risk summary cache write failed")
	}
}

func (a *Aggregator) invalidate(ctx context.Context, projectID uuid.UUID) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Del(ctx, summaryKey(projectID)).Err(); err != nil {
		a.log.WithError(err).Warn("risk summary cache invalidation failed")
	}
}
