package handler

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/matching"
	"github.com/kursadbilgin/settlement-engine/internal/report"
	"github.com/kursadbilgin/settlement-engine/internal/service"
	"github.com/shopspring/decimal"
)

type BatchService interface {
	CreateMonthlyBatch(ctx context.Context, businessID string, year, month int) (string, error)
	ProcessMonthlyBatches(ctx context.Context, year, month int) (*service.MonthlyProcessingResult, error)
}

type DeadlineService interface {
	ForceDeadline(ctx context.Context, batchID string) (*service.ForceDeadlineResult, error)
}

type ReportService interface {
	BatchMatchingReport(ctx context.Context, batchID string, transactions []matching.Transaction) (*service.BatchMatchingReport, error)
}

type ReviewService interface {
	ReviewVerification(ctx context.Context, id string, decision domain.ReviewDecision, reviewer string, reason string) (*domain.Verification, error)
}

type BillingHandler struct {
	batches  BatchService
	deadline DeadlineService
	reports  ReportService
	reviews  ReviewService
}

func NewBillingHandler(batches BatchService, deadline DeadlineService, reports ReportService, reviews ReviewService) (*BillingHandler, error) {
	if batches == nil || deadline == nil || reports == nil || reviews == nil {
		return nil, fmt.Errorf("billing handler requires batch, deadline, report and review services")
	}
	return &BillingHandler{
		batches:  batches,
		deadline: deadline,
		reports:  reports,
		reviews:  reviews,
	}, nil
}

func RegisterBillingRoutes(router fiber.Router, h *BillingHandler) {
	router.Post("/billing-batches", h.CreateBatch)
	router.Post("/billing-batches/process", h.ProcessBatches)
	router.Post("/billing-batches/:id/force-deadline", h.ForceDeadline)
	router.Post("/billing-batches/:id/matching-report", h.MatchingReport)
	router.Post("/verifications/:id/review", h.ReviewVerification)
}

type periodRequest struct {
	Year  int `json:"year" validate:"required,min=2000,max=2100"`
	Month int `json:"month" validate:"required,min=1,max=12"`
}

type createBatchRequest struct {
	BusinessID string `json:"businessId" validate:"required,max=64"`
	Year       int    `json:"year" validate:"required,min=2000,max=2100"`
	Month      int    `json:"month" validate:"required,min=1,max=12"`
}

type transactionRequest struct {
	ID     string     `json:"id" validate:"required"`
	Time   *time.Time `json:"time" validate:"required"`
	Amount string     `json:"amount" validate:"required,numeric"`
}

type matchingReportRequest struct {
	Transactions []transactionRequest `json:"transactions" validate:"max=10000,dive"`
}

type reviewRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Reviewer string `json:"reviewer" validate:"required,max=100"`
	Reason   string `json:"reason" validate:"max=1000"`
}

type verificationResponse struct {
	ID              string     `json:"id"`
	BusinessID      string     `json:"businessId"`
	BillingBatchID  *string    `json:"billingBatchId,omitempty"`
	ReviewStatus    string     `json:"reviewStatus"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	ReviewedBy      *string    `json:"reviewedBy,omitempty"`
	RejectionReason *string    `json:"rejectionReason,omitempty"`
	FraudTier       string     `json:"fraudTier"`
}

func (h *BillingHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := bindBody(c, &req); err != nil {
		return toHTTPError(err)
	}

	batchID, err := h.batches.CreateMonthlyBatch(c.UserContext(), strings.TrimSpace(req.BusinessID), req.Year, req.Month)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"batchId": batchID,
	})
}

func (h *BillingHandler) ProcessBatches(c *fiber.Ctx) error {
	var req periodRequest
	if err := bindBody(c, &req); err != nil {
		return toHTTPError(err)
	}

	result, err := h.batches.ProcessMonthlyBatches(c.UserContext(), req.Year, req.Month)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

func (h *BillingHandler) ForceDeadline(c *fiber.Ctx) error {
	result, err := h.deadline.ForceDeadline(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// MatchingReport scores the batch against the posted transactions. The
// response is JSON unless ?format=xlsx.
func (h *BillingHandler) MatchingReport(c *fiber.Ctx) error {
	format := strings.ToLower(strings.TrimSpace(c.Query("format", "json")))
	if format != "json" && format != "xlsx" {
		return toHTTPError(fmt.Errorf("%w: format must be json or xlsx", domain.ErrValidation))
	}

	var req matchingReportRequest
	if len(c.Body()) > 0 {
		if err := bindBody(c, &req); err != nil {
			return toHTTPError(err)
		}
	}

	transactions := make([]matching.Transaction, 0, len(req.Transactions))
	for _, tx := range req.Transactions {
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			return toHTTPError(fmt.Errorf("%w: transaction %s amount is invalid", domain.ErrValidation, tx.ID))
		}
		transactions = append(transactions, matching.Transaction{
			ID:     tx.ID,
			Time:   tx.Time.UTC(),
			Amount: amount,
		})
	}

	result, err := h.reports.BatchMatchingReport(c.UserContext(), strings.TrimSpace(c.Params("id")), transactions)
	if err != nil {
		return toHTTPError(err)
	}

	if format == "json" {
		return c.Status(fiber.StatusOK).JSON(result)
	}

	var buf bytes.Buffer
	if err := report.WriteMatchingReportXLSX(&buf, result); err != nil {
		return err
	}
	c.Attachment(report.FileName(result))
	c.Set(fiber.HeaderContentType, report.ContentTypeXLSX)
	return c.Status(fiber.StatusOK).Send(buf.Bytes())
}

func (h *BillingHandler) ReviewVerification(c *fiber.Ctx) error {
	var req reviewRequest
	if err := bindBody(c, &req); err != nil {
		return toHTTPError(err)
	}

	verification, err := h.reviews.ReviewVerification(
		c.UserContext(),
		strings.TrimSpace(c.Params("id")),
		domain.ReviewDecision(req.Decision),
		req.Reviewer,
		req.Reason,
	)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toVerificationResponse(verification))
}

func toVerificationResponse(v *domain.Verification) verificationResponse {
	if v == nil {
		return verificationResponse{}
	}

	return verificationResponse{
		ID:              v.ID,
		BusinessID:      v.BusinessID,
		BillingBatchID:  v.BillingBatchID,
		ReviewStatus:    v.ReviewStatus.String(),
		ReviewedAt:      v.ReviewedAt,
		ReviewedBy:      v.ReviewedBy,
		RejectionReason: v.RejectionReason,
		FraudTier:       domain.FraudTierOf(v.FraudScore).String(),
	}
}
