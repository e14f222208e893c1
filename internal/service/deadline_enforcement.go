package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/kursadbilgin/settlement-engine/internal/queue"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"go.uber.org/zap"
)

const JobDeadlineEnforcement = "deadline-enforcement"

// BatchEnforcementResult is the outcome of enforcing one batch. It is one
// of EnforcementApplied, EnforcementSkipped or EnforcementFailed.
type BatchEnforcementResult interface {
	BatchID() string
	isBatchEnforcementResult()
}

// EnforcementApplied means the batch moved to payment_processing.
type EnforcementApplied struct {
	ID           string
	AutoApproved int
}

// EnforcementSkipped means another caller advanced the batch first.
type EnforcementSkipped struct {
	ID     string
	Reason string
}

// EnforcementFailed means the batch could not be enforced this run.
type EnforcementFailed struct {
	ID     string
	Reason string
}

func (r EnforcementApplied) BatchID() string { return r.ID }
func (r EnforcementSkipped) BatchID() string { return r.ID }
func (r EnforcementFailed) BatchID() string  { return r.ID }

func (EnforcementApplied) isBatchEnforcementResult() {}
func (EnforcementSkipped) isBatchEnforcementResult() {}
func (EnforcementFailed) isBatchEnforcementResult()  {}

// EnforcementSummary aggregates one sweep.
type EnforcementSummary struct {
	BatchesProcessed  int
	TotalAutoApproved int
	Results           []BatchEnforcementResult
}

// Failed returns the batches that could not be enforced.
func (s *EnforcementSummary) Failed() []EnforcementFailed {
	failed := make([]EnforcementFailed, 0)
	for _, result := range s.Results {
		if f, ok := result.(EnforcementFailed); ok {
			failed = append(failed, f)
		}
	}
	return failed
}

// ForceDeadlineResult is the outcome of an administrative override.
type ForceDeadlineResult struct {
	BatchID      string             `json:"batchId"`
	AutoApproved int                `json:"autoApproved"`
	Status       domain.BatchStatus `json:"status"`
}

// DeadlineEnforcementJob auto-approves pending verifications of batches
// whose review deadline has passed.
type DeadlineEnforcementJob struct {
	batches       repository.BillingBatchRepository
	verifications repository.VerificationRepository
	creator       *MonthlyBatchProcessor
	publisher     queue.Publisher
	// maxHighFraud blocks ForceDeadline when more pending high-tier
	// verifications remain. Zero disables the check.
	maxHighFraud int
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewDeadlineEnforcementJob(
	batches repository.BillingBatchRepository,
	verifications repository.VerificationRepository,
	creator *MonthlyBatchProcessor,
	publisher queue.Publisher,
	maxHighFraud int,
	logger *zap.Logger,
) (*DeadlineEnforcementJob, error) {
	if batches == nil || verifications == nil {
		return nil, fmt.Errorf("deadline enforcement requires repositories")
	}
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	if maxHighFraud < 0 {
		maxHighFraud = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeadlineEnforcementJob{
		batches:       batches,
		verifications: verifications,
		creator:       creator,
		publisher:     publisher,
		maxHighFraud:  maxHighFraud,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (j *DeadlineEnforcementJob) SetMetrics(metrics *observability.Metrics) {
	if j == nil {
		return
	}
	j.metrics = metrics
}

func (j *DeadlineEnforcementJob) Name() string { return JobDeadlineEnforcement }

func (j *DeadlineEnforcementJob) Run(ctx context.Context) error {
	_, err := j.Execute(ctx)
	return err
}

// Execute sweeps every batch past its review deadline. A failing batch is
// recorded and the sweep continues; only a failed listing aborts it.
func (j *DeadlineEnforcementJob) Execute(ctx context.Context) (*EnforcementSummary, error) {
	logger := observability.WithContextLogger(j.logger, ctx)
	now := j.now()

	due, err := j.batches.ListDueForEnforcement(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches due for enforcement: %w", err)
	}

	summary := &EnforcementSummary{Results: make([]BatchEnforcementResult, 0, len(due))}
	for i := range due {
		batch := due[i]
		result := j.enforce(ctx, batch, now)
		summary.Results = append(summary.Results, result)

		switch r := result.(type) {
		case EnforcementApplied:
			summary.BatchesProcessed++
			summary.TotalAutoApproved += r.AutoApproved
		case EnforcementSkipped:
			logger.Info("deadline enforcement skipped", zap.String("batchId", r.ID), zap.String("reason", r.Reason))
		case EnforcementFailed:
			logger.Error("deadline enforcement failed", zap.String("batchId", r.ID), zap.String("reason", r.Reason))
		}
	}

	logger.Info("deadline enforcement sweep finished",
		zap.Int("due", len(due)),
		zap.Int("batchesProcessed", summary.BatchesProcessed),
		zap.Int("totalAutoApproved", summary.TotalAutoApproved),
		zap.Int("failed", len(summary.Failed())),
	)
	return summary, nil
}

func (j *DeadlineEnforcementJob) enforce(ctx context.Context, batch domain.BillingBatch, now time.Time) BatchEnforcementResult {
	outcome, err := j.batches.EnforceDeadline(ctx, repository.EnforceParams{
		BatchID:         batch.ID,
		ReviewedBy:      domain.ReviewerDeadlineSweep,
		Now:             now,
		RequireDeadline: true,
	})
	if err != nil {
		return EnforcementFailed{ID: batch.ID, Reason: err.Error()}
	}
	if !outcome.Applied {
		return EnforcementSkipped{
			ID:     batch.ID,
			Reason: fmt.Sprintf("batch is %s", outcome.Status),
		}
	}

	j.recordApplied(ctx, batch, domain.ReviewerDeadlineSweep, outcome.AutoApproved)
	return EnforcementApplied{ID: batch.ID, AutoApproved: outcome.AutoApproved}
}

// ForceDeadline closes the review window of one batch now, regardless of
// its deadline.
func (j *DeadlineEnforcementJob) ForceDeadline(ctx context.Context, batchID string) (*ForceDeadlineResult, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batchId is required", domain.ErrValidation)
	}

	batch, err := j.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != domain.BatchStatusReviewPeriod {
		return nil, fmt.Errorf("%w: batch %s is %s, want %s",
			domain.ErrInvalidState, batchID, batch.Status, domain.BatchStatusReviewPeriod)
	}

	if j.maxHighFraud > 0 {
		highFraud, err := j.verifications.CountPendingHighFraud(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("failed to count high fraud verifications: %w", err)
		}
		if highFraud > int64(j.maxHighFraud) {
			return nil, fmt.Errorf("%w: %d pending high-fraud verifications exceed limit %d",
				domain.ErrPolicyBlocked, highFraud, j.maxHighFraud)
		}
	}

	outcome, err := j.batches.EnforceDeadline(ctx, repository.EnforceParams{
		BatchID:    batchID,
		ReviewedBy: domain.ReviewerAdminForce,
		Now:        j.now(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to force deadline: %w", err)
	}
	if !outcome.Applied {
		return nil, fmt.Errorf("%w: batch %s is %s, want %s",
			domain.ErrInvalidState, batchID, outcome.Status, domain.BatchStatusReviewPeriod)
	}

	j.recordApplied(ctx, *batch, domain.ReviewerAdminForce, outcome.AutoApproved)
	observability.WithContextLogger(j.logger, ctx).Warn("review deadline forced",
		zap.String("batchId", batchID),
		zap.Int("autoApproved", outcome.AutoApproved),
	)

	return &ForceDeadlineResult{
		BatchID:      batchID,
		AutoApproved: outcome.AutoApproved,
		Status:       outcome.Status,
	}, nil
}

// CreateMonthlyBatch exposes batch creation for administrative use.
func (j *DeadlineEnforcementJob) CreateMonthlyBatch(ctx context.Context, businessID string, year, month int) (string, error) {
	if j.creator == nil {
		return "", fmt.Errorf("monthly batch processor is not configured")
	}
	return j.creator.CreateMonthlyBatch(ctx, businessID, year, month)
}

func (j *DeadlineEnforcementJob) recordApplied(ctx context.Context, batch domain.BillingBatch, reviewer string, autoApproved int) {
	j.metrics.IncBatchTransition(domain.BatchStatusPaymentProcessing.String())
	j.metrics.AddAutoApproved(reviewer, autoApproved)

	publishEvent(ctx, j.publisher, j.logger, j.now, queue.BillingEvent{
		Type:         queue.EventBatchPaymentProcessing,
		BatchID:      batch.ID,
		BusinessID:   batch.BusinessID,
		BatchMonth:   batch.Period().BatchMonth(),
		ReviewedBy:   reviewer,
		AutoApproved: autoApproved,
	})
}
