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

type JobScheduler interface {
	GetJobStatuses() []domain.JobStatus
	GetJobStatus(name string) (domain.JobStatus, error)
	TriggerJob(ctx context.Context, name string) (<-chan service.JobRunResult, error)
}

type JobHandler struct {
	scheduler JobScheduler
}

func NewJobHandler(scheduler JobScheduler) (*JobHandler, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("job scheduler is required")
	}
	return &JobHandler{scheduler: scheduler}, nil
}

func RegisterJobRoutes(router fiber.Router, scheduler JobScheduler) error {
	h, err := NewJobHandler(scheduler)
	if err != nil {
		return err
	}

	router.Get("/jobs", h.ListJobs)
	router.Get("/jobs/:name", h.GetJob)
	router.Post("/jobs/:name/trigger", h.TriggerJob)
	return nil
}

type jobRunResponse struct {
	Job        string     `json:"job"`
	RunID      string     `json:"runId,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": h.scheduler.GetJobStatuses(),
	})
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	status, err := h.scheduler.GetJobStatus(strings.TrimSpace(c.Params("name")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

// TriggerJob answers 202 once the run is accepted. With ?wait=true it
// answers after the run with its outcome.
func (h *JobHandler) TriggerJob(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	done, err := h.scheduler.TriggerJob(c.UserContext(), name)
	if err != nil {
		return toHTTPError(err)
	}

	if !c.QueryBool("wait", false) {
		return c.Status(fiber.StatusAccepted).JSON(jobRunResponse{
			Job:    name,
			Status: domain.JobStateRunning.String(),
		})
	}

	result := <-done
	return c.Status(fiber.StatusOK).JSON(toJobRunResponse(result))
}

func toJobRunResponse(result service.JobRunResult) jobRunResponse {
	startedAt, finishedAt := result.StartedAt, result.FinishedAt
	resp := jobRunResponse{
		Job:        result.Job,
		RunID:      result.RunID,
		Status:     "succeeded",
		StartedAt:  &startedAt,
		FinishedAt: &finishedAt,
	}
	switch {
	case result.Err != nil:
		resp.Status = "failed"
		resp.Error = result.Err.Error()
	case result.Skipped:
		resp.Status = "skipped"
	}
	return resp
}
