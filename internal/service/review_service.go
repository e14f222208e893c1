package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"go.uber.org/zap"
)

// ReviewService applies human review decisions to pending verifications.
type ReviewService struct {
	verifications repository.VerificationRepository
	batches       repository.BillingBatchRepository
	logger        *zap.Logger
	now           func() time.Time
}

func NewReviewService(
	verifications repository.VerificationRepository,
	batches repository.BillingBatchRepository,
	logger *zap.Logger,
) (*ReviewService, error) {
	if verifications == nil || batches == nil {
		return nil, fmt.Errorf("review service requires repositories")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReviewService{
		verifications: verifications,
		batches:       batches,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *ReviewService) ReviewVerification(
	ctx context.Context,
	id string,
	decision domain.ReviewDecision,
	reviewer string,
	reason string,
) (*domain.Verification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: verification id is required", domain.ErrValidation)
	}
	decision, err := domain.ParseReviewDecision(string(decision))
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateHumanReviewer(reviewer); err != nil {
		return nil, err
	}
	reviewer = strings.TrimSpace(reviewer)

	var rejectionReason *string
	if decision == domain.DecisionReject {
		if err := domain.ValidateRejectionReason(reason); err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(reason)
		rejectionReason = &trimmed
	}

	if err := s.verifications.Review(ctx, repository.ReviewParams{
		ID:              id,
		Status:          decision.Status(),
		ReviewedBy:      reviewer,
		RejectionReason: rejectionReason,
		Now:             s.now(),
	}); err != nil {
		return nil, err
	}

	verification, err := s.verifications.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload verification: %w", err)
	}

	if verification.BillingBatchID != nil {
		if _, err := s.batches.RecomputeTotals(ctx, *verification.BillingBatchID); err != nil {
			observability.WithContextLogger(s.logger, ctx).Warn("failed to refresh batch totals after review",
				zap.String("batchId", *verification.BillingBatchID),
				zap.Error(err),
			)
		}
	}

	observability.WithContextLogger(s.logger, ctx).Info("verification reviewed",
		zap.String("verificationId", id),
		zap.String("reviewStatus", verification.ReviewStatus.String()),
	)
	return verification, nil
}
