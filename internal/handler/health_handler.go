package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 2 * time.Second

// HealthCheck is one readiness dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

func RegisterHealthRoutes(app fiber.Router, checks ...HealthCheck) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(checks...))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(checks ...HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		// Checks run concurrently and share one deadline.
		states := make([]string, len(checks))
		var g errgroup.Group
		for i, check := range checks {
			g.Go(func() error {
				states[i] = "ok"
				if err := check.Ping(ctx); err != nil {
					states[i] = "down"
				}
				return nil
			})
		}
		_ = g.Wait()

		results := fiber.Map{}
		ready := true
		for i, check := range checks {
			results[check.Name] = states[i]
			if states[i] != "ok" {
				ready = false
			}
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	}
}
