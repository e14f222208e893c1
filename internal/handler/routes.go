package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Services bundles everything the admin API serves.
type Services struct {
	Scheduler JobScheduler
	Batches   BatchService
	Deadline  DeadlineService
	Reports   ReportService
	Reviews   ReviewService
	Payments  PaymentService
}

// RegisterAdminRoutes mounts the admin API under /v1.
func RegisterAdminRoutes(router fiber.Router, services Services) error {
	v1 := router.Group("/v1")

	if err := RegisterJobRoutes(v1, services.Scheduler); err != nil {
		return err
	}

	billing, err := NewBillingHandler(services.Batches, services.Deadline, services.Reports, services.Reviews)
	if err != nil {
		return err
	}
	RegisterBillingRoutes(v1, billing)

	if err := RegisterPaymentRoutes(v1, services.Payments); err != nil {
		return fmt.Errorf("failed to register payment routes: %w", err)
	}
	return nil
}
