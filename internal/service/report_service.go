package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/matching"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"go.uber.org/zap"
)

// FraudTierBreakdown counts verifications per fraud tier.
type FraudTierBreakdown struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Unscored int `json:"unscored"`
}

func (b *FraudTierBreakdown) add(tier domain.FraudTier) {
	switch tier {
	case domain.FraudTierLow:
		b.Low++
	case domain.FraudTierMedium:
		b.Medium++
	case domain.FraudTierHigh:
		b.High++
	default:
		b.Unscored++
	}
}

// BatchMatchingReport is the matching evidence for one billing batch.
type BatchMatchingReport struct {
	BatchID     string                  `json:"batchId"`
	BusinessID  string                  `json:"businessId"`
	BatchMonth  string                  `json:"batchMonth"`
	GeneratedAt time.Time               `json:"generatedAt"`
	Summary     matching.MatchingReport `json:"summary"`
	FraudTiers  FraudTierBreakdown      `json:"fraudTiers"`
	Results     []matching.MatchResult  `json:"results"`
}

type ReportService struct {
	batches       repository.BillingBatchRepository
	verifications repository.VerificationRepository
	tolerance     matching.Tolerance
	logger        *zap.Logger
	now           func() time.Time
}

func NewReportService(
	batches repository.BillingBatchRepository,
	verifications repository.VerificationRepository,
	tolerance matching.Tolerance,
	logger *zap.Logger,
) (*ReportService, error) {
	if batches == nil || verifications == nil {
		return nil, fmt.Errorf("report service requires repositories")
	}
	if tolerance.MaxTimeSeconds <= 0 && tolerance.MaxAmountDelta.IsZero() {
		tolerance = matching.DefaultTolerance
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReportService{
		batches:       batches,
		verifications: verifications,
		tolerance:     tolerance,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// BatchMatchingReport pairs each verification of the batch with the
// candidate transaction nearest in time and scores the pair.
func (s *ReportService) BatchMatchingReport(
	ctx context.Context,
	batchID string,
	transactions []matching.Transaction,
) (*BatchMatchingReport, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batchId is required", domain.ErrValidation)
	}

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	history, err := s.verifications.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch verifications: %w", err)
	}

	report := &BatchMatchingReport{
		BatchID:     batch.ID,
		BusinessID:  batch.BusinessID,
		BatchMonth:  batch.Period().BatchMonth(),
		GeneratedAt: s.now().UTC(),
		Results:     make([]matching.MatchResult, 0, len(history)),
	}

	for i, claim := range matching.ClaimsFromHistory(history) {
		report.FraudTiers.add(domain.FraudTierOf(history[i].FraudScore))

		tx, ok := matching.NearestTransaction(claim, transactions)
		if !ok {
			report.Results = append(report.Results, matching.Unmatched(claim))
			continue
		}
		report.Results = append(report.Results, matching.EvaluateMatch(claim, tx, s.tolerance))
	}
	report.Summary = matching.GenerateMatchingReport(report.Results)

	s.logger.Info("matching report generated",
		zap.String("batchId", batch.ID),
		zap.Int("verifications", report.Summary.Total),
		zap.Int("verified", report.Summary.Verified),
	)
	return report, nil
}
