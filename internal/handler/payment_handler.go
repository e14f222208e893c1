package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/service"
)

type PaymentService interface {
	ProcessMonthlyPayments(ctx context.Context, year, month int) (*service.PaymentRunResult, error)
	GetPaymentBatch(ctx context.Context, id string) (*domain.PaymentBatch, error)
	ListPaymentItems(ctx context.Context, paymentBatchID string) ([]domain.PaymentItem, error)
	GetMonthlyPaymentStats(ctx context.Context, year, month int) (*domain.MonthlyPaymentStats, error)
	TestSwishConnection(ctx context.Context) bool
}

type PaymentHandler struct {
	service PaymentService
}

func NewPaymentHandler(service PaymentService) (*PaymentHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("payment service is required")
	}
	return &PaymentHandler{service: service}, nil
}

func RegisterPaymentRoutes(router fiber.Router, service PaymentService) error {
	h, err := NewPaymentHandler(service)
	if err != nil {
		return err
	}

	router.Post("/payments/monthly", h.ProcessMonthly)
	router.Get("/payments/batches/:id", h.GetBatch)
	router.Get("/payments/stats", h.GetStats)
	router.Get("/payments/gateway/health", h.GatewayHealth)
	return nil
}

type paymentErrorResponse struct {
	CustomerReference string `json:"customerReference"`
	Reason            string `json:"reason"`
	Retryable         bool   `json:"retryable"`
}

type paymentItemResponse struct {
	CustomerReference string  `json:"customerReference"`
	Amount            string  `json:"amount"`
	VerificationCount int     `json:"verificationCount"`
	Status            string  `json:"status"`
	GatewayReference  *string `json:"gatewayReference,omitempty"`
	ErrorMessage      *string `json:"errorMessage,omitempty"`
	Retryable         bool    `json:"retryable"`
}

type paymentBatchResponse struct {
	ID                 string                 `json:"id"`
	BatchMonth         string                 `json:"batchMonth"`
	Status             string                 `json:"status"`
	TotalPayments      int                    `json:"totalPayments"`
	SuccessfulPayments int                    `json:"successfulPayments"`
	FailedPayments     int                    `json:"failedPayments"`
	TotalAmount        string                 `json:"totalAmount"`
	Errors             []paymentErrorResponse `json:"errors"`
	CreatedAt          time.Time              `json:"createdAt"`
	ProcessedAt        *time.Time             `json:"processedAt,omitempty"`
	Items              []paymentItemResponse  `json:"items"`
}

type paymentRunResponse struct {
	PaymentBatchID     string                 `json:"paymentBatchId"`
	BatchMonth         string                 `json:"batchMonth"`
	Status             string                 `json:"status"`
	ProcessedPayments  int                    `json:"processedPayments"`
	SuccessfulPayments int                    `json:"successfulPayments"`
	FailedPayments     int                    `json:"failedPayments"`
	TotalAmount        string                 `json:"totalAmount"`
	Errors             []paymentErrorResponse `json:"errors"`
	BatchesCompleted   int                    `json:"batchesCompleted"`
}

type paymentStatsResponse struct {
	BatchMonth            string `json:"batchMonth"`
	ApprovedVerifications int    `json:"approvedVerifications"`
	PendingVerifications  int    `json:"pendingVerifications"`
	PaidVerifications     int    `json:"paidVerifications"`
	PaidAmount            string `json:"paidAmount"`
	PendingAmount         string `json:"pendingAmount"`
	UniqueCustomers       int    `json:"uniqueCustomers"`
}

func (h *PaymentHandler) ProcessMonthly(c *fiber.Ctx) error {
	var req periodRequest
	if err := bindBody(c, &req); err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.ProcessMonthlyPayments(c.UserContext(), req.Year, req.Month)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(paymentRunResponse{
		PaymentBatchID:     result.PaymentBatchID,
		BatchMonth:         result.BatchMonth,
		Status:             result.Status.String(),
		ProcessedPayments:  result.ProcessedPayments,
		SuccessfulPayments: result.SuccessfulPayments,
		FailedPayments:     result.FailedPayments,
		TotalAmount:        result.TotalAmount.StringFixed(2),
		Errors:             toPaymentErrorResponses(result.Errors),
		BatchesCompleted:   result.BatchesCompleted,
	})
}

func (h *PaymentHandler) GetBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	batch, err := h.service.GetPaymentBatch(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	items, err := h.service.ListPaymentItems(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toPaymentBatchResponse(batch, items))
}

func (h *PaymentHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.service.GetMonthlyPaymentStats(c.UserContext(), c.QueryInt("year"), c.QueryInt("month"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(paymentStatsResponse{
		BatchMonth:            stats.BatchMonth,
		ApprovedVerifications: stats.ApprovedVerifications,
		PendingVerifications:  stats.PendingVerifications,
		PaidVerifications:     stats.PaidVerifications,
		PaidAmount:            stats.PaidAmount.StringFixed(2),
		PendingAmount:         stats.PendingAmount.StringFixed(2),
		UniqueCustomers:       stats.UniqueCustomers,
	})
}

func (h *PaymentHandler) GatewayHealth(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"connected": h.service.TestSwishConnection(c.UserContext()),
	})
}

func toPaymentErrorResponses(errs []domain.PaymentError) []paymentErrorResponse {
	responses := make([]paymentErrorResponse, 0, len(errs))
	for _, e := range errs {
		responses = append(responses, paymentErrorResponse{
			CustomerReference: e.CustomerReference,
			Reason:            e.Reason,
			Retryable:         e.Retryable,
		})
	}
	return responses
}

func toPaymentBatchResponse(b *domain.PaymentBatch, items []domain.PaymentItem) paymentBatchResponse {
	itemResponses := make([]paymentItemResponse, 0, len(items))
	for _, item := range items {
		itemResponses = append(itemResponses, paymentItemResponse{
			CustomerReference: item.CustomerReference,
			Amount:            item.Amount.StringFixed(2),
			VerificationCount: item.VerificationCount,
			Status:            string(item.Status),
			GatewayReference:  item.GatewayReference,
			ErrorMessage:      item.ErrorMessage,
			Retryable:         item.Retryable,
		})
	}

	return paymentBatchResponse{
		ID:                 b.ID,
		BatchMonth:         b.BatchMonth,
		Status:             b.Status.String(),
		TotalPayments:      b.TotalPayments,
		SuccessfulPayments: b.SuccessfulPayments,
		FailedPayments:     b.FailedPayments,
		TotalAmount:        b.TotalAmount.StringFixed(2),
		Errors:             toPaymentErrorResponses(b.Errors),
		CreatedAt:          b.CreatedAt,
		ProcessedAt:        b.ProcessedAt,
		Items:              itemResponses,
	}
}
