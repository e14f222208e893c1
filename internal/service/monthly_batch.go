package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/kursadbilgin/settlement-engine/internal/queue"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	JobMonthlyBatchProcessing = "monthly-batch-processing"

	defaultReviewWindow = 7 * 24 * time.Hour
	defaultPaymentTerms = 30 * 24 * time.Hour
)

// BatchSettings are the billing calendar parameters.
type BatchSettings struct {
	ReviewWindow time.Duration
	PaymentTerms time.Duration
}

// BusinessFailure is one business the monthly run could not process.
type BusinessFailure struct {
	BusinessID string `json:"businessId"`
	Reason     string `json:"reason"`
}

// MonthlyProcessingResult summarizes one ProcessMonthlyBatches call.
type MonthlyProcessingResult struct {
	BatchMonth            string            `json:"batchMonth"`
	BusinessesProcessed   int               `json:"businessesProcessed"`
	BatchesCreated        int               `json:"batchesCreated"`
	VerificationsAssigned int64             `json:"verificationsAssigned"`
	AdvancedToReview      int               `json:"advancedToReview"`
	Failures              []BusinessFailure `json:"failures"`
}

type MonthlyBatchProcessor struct {
	businesses    repository.BusinessRepository
	batches       repository.BillingBatchRepository
	verifications repository.VerificationRepository
	publisher     queue.Publisher
	settings      BatchSettings
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewMonthlyBatchProcessor(
	businesses repository.BusinessRepository,
	batches repository.BillingBatchRepository,
	verifications repository.VerificationRepository,
	publisher queue.Publisher,
	settings BatchSettings,
	logger *zap.Logger,
) (*MonthlyBatchProcessor, error) {
	if businesses == nil || batches == nil || verifications == nil {
		return nil, fmt.Errorf("monthly batch processor requires repositories")
	}
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	if settings.ReviewWindow <= 0 {
		settings.ReviewWindow = defaultReviewWindow
	}
	if settings.PaymentTerms < 0 {
		settings.PaymentTerms = defaultPaymentTerms
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MonthlyBatchProcessor{
		businesses:    businesses,
		batches:       batches,
		verifications: verifications,
		publisher:     publisher,
		settings:      settings,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (p *MonthlyBatchProcessor) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// CreateMonthlyBatch returns the batch id for (business, month), creating
// the batch if it does not exist yet. An existing batch is not modified.
func (p *MonthlyBatchProcessor) CreateMonthlyBatch(ctx context.Context, businessID string, year, month int) (string, error) {
	period, err := domain.NewPeriod(year, month)
	if err != nil {
		return "", err
	}
	businessID = strings.TrimSpace(businessID)
	if businessID == "" {
		return "", fmt.Errorf("%w: businessId is required", domain.ErrValidation)
	}

	if _, err := p.businesses.GetByID(ctx, businessID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("%w: business %s", domain.ErrNotFound, businessID)
		}
		return "", fmt.Errorf("failed to load business: %w", err)
	}

	batch, _, err := p.ensureBatch(ctx, businessID, period)
	if err != nil {
		return "", err
	}
	return batch.ID, nil
}

// ProcessMonthlyBatches rolls up every active business for the period and,
// once the month has closed, opens the review window. Safe to re-run.
func (p *MonthlyBatchProcessor) ProcessMonthlyBatches(ctx context.Context, year, month int) (*MonthlyProcessingResult, error) {
	period, err := domain.NewPeriod(year, month)
	if err != nil {
		return nil, err
	}
	return p.processPeriod(ctx, period)
}

func (p *MonthlyBatchProcessor) processPeriod(ctx context.Context, period domain.Period) (*MonthlyProcessingResult, error) {
	logger := observability.WithContextLogger(p.logger, ctx).With(zap.String("batchMonth", period.BatchMonth()))

	businesses, err := p.businesses.ListActive(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to list active businesses: %w", err)
	}

	result := &MonthlyProcessingResult{
		BatchMonth: period.BatchMonth(),
		Failures:   make([]BusinessFailure, 0),
	}
	for i := range businesses {
		business := businesses[i]
		if err := p.processBusiness(ctx, business, period, result); err != nil {
			logger.Error("monthly batch processing failed for business",
				zap.String("businessId", business.ID),
				zap.Error(err),
			)
			result.Failures = append(result.Failures, BusinessFailure{
				BusinessID: business.ID,
				Reason:     err.Error(),
			})
			continue
		}
		result.BusinessesProcessed++
	}

	logger.Info("monthly batch processing finished",
		zap.Int("businessesProcessed", result.BusinessesProcessed),
		zap.Int("batchesCreated", result.BatchesCreated),
		zap.Int64("verificationsAssigned", result.VerificationsAssigned),
		zap.Int("advancedToReview", result.AdvancedToReview),
		zap.Int("failures", len(result.Failures)),
	)
	return result, nil
}

func (p *MonthlyBatchProcessor) processBusiness(
	ctx context.Context,
	business domain.Business,
	period domain.Period,
	result *MonthlyProcessingResult,
) error {
	batch, created, err := p.ensureBatch(ctx, business.ID, period)
	if err != nil {
		return err
	}
	if created {
		result.BatchesCreated++
	}

	assigned, err := p.verifications.AssignToBatch(ctx, business.ID, period, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to assign verifications: %w", err)
	}
	result.VerificationsAssigned += assigned

	if _, err := p.batches.RecomputeTotals(ctx, batch.ID); err != nil {
		return fmt.Errorf("failed to recompute batch totals: %w", err)
	}

	if batch.Status != domain.BatchStatusCollecting || p.now().Before(period.End()) {
		return nil
	}

	deadline := period.End().Add(business.ReviewWindow(p.settings.ReviewWindow))
	advanced, err := p.batches.AdvanceToReview(ctx, batch.ID, deadline)
	if err != nil {
		return fmt.Errorf("failed to open review period: %w", err)
	}
	if !advanced {
		return nil
	}

	result.AdvancedToReview++
	p.metrics.IncBatchTransition(domain.BatchStatusReviewPeriod.String())
	p.publish(ctx, queue.BillingEvent{
		Type:       queue.EventBatchReviewOpened,
		BatchID:    batch.ID,
		BusinessID: business.ID,
		BatchMonth: period.BatchMonth(),
	})
	return nil
}

func (p *MonthlyBatchProcessor) ensureBatch(ctx context.Context, businessID string, period domain.Period) (*domain.BillingBatch, bool, error) {
	batch := &domain.BillingBatch{
		ID:                    uuid.NewString(),
		BusinessID:            businessID,
		BillingMonth:          period.Start(),
		Status:                domain.BatchStatusCollecting,
		PaymentDueDate:        period.End().Add(p.settings.PaymentTerms),
		TotalCustomerPayments: decimal.Zero,
		TotalCommission:       decimal.Zero,
		TotalStoreCost:        decimal.Zero,
		CreatedAt:             p.now().UTC(),
	}

	created, err := p.batches.CreateIfAbsent(ctx, batch)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create billing batch: %w", err)
	}
	if created {
		p.metrics.IncBatchTransition(domain.BatchStatusCollecting.String())
		p.logger.Info("billing batch created",
			zap.String("batchId", batch.ID),
			zap.String("businessId", businessID),
			zap.String("batchMonth", period.BatchMonth()),
		)
	}
	return batch, created, nil
}

func (p *MonthlyBatchProcessor) publish(ctx context.Context, event queue.BillingEvent) {
	publishEvent(ctx, p.publisher, p.logger, p.now, event)
}

// MonthlyBatchJob closes the previous month and keeps the current month's
// batches collecting.
type MonthlyBatchJob struct {
	processor *MonthlyBatchProcessor
}

func NewMonthlyBatchJob(processor *MonthlyBatchProcessor) *MonthlyBatchJob {
	return &MonthlyBatchJob{processor: processor}
}

func (j *MonthlyBatchJob) Name() string { return JobMonthlyBatchProcessing }

func (j *MonthlyBatchJob) Run(ctx context.Context) error {
	current := domain.PeriodOf(j.processor.now())

	var errs error
	for _, period := range []domain.Period{current.Previous(), current} {
		if _, err := j.processor.processPeriod(ctx, period); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", period.BatchMonth(), err))
		}
	}
	return errs
}

func publishEvent(ctx context.Context, publisher queue.Publisher, logger *zap.Logger, now func() time.Time, event queue.BillingEvent) {
	if publisher == nil {
		return
	}
	event.EventID = uuid.NewString()
	event.OccurredAt = now().UTC()
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		event.CorrelationID = correlationID
	}

	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish billing event",
			zap.String("type", event.Type.String()),
			zap.String("batchId", event.BatchID),
			zap.Error(err),
		)
	}
}
