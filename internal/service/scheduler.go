package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	jobResultSuccess = "success"
	jobResultError   = "error"
	jobResultSkipped = "skipped"
)

// Job is a named unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobLocker provides cross-instance exclusion for job runs.
type JobLocker interface {
	TryLock(ctx context.Context, job string) (release func(), ok bool, err error)
}

// JobRunResult is delivered once on the channel returned by TriggerJob.
type JobRunResult struct {
	Job        string
	RunID      string
	Skipped    bool
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type jobEntry struct {
	job      Job
	schedule cron.Schedule
	entryID  cron.EntryID
	status   domain.JobStatus
}

// JobScheduler owns the job registry. Timer ticks and manual triggers share
// one path, so a job never runs twice at the same time in this process.
type JobScheduler struct {
	mu      sync.Mutex
	jobs    map[string]*jobEntry
	order   []string
	cron    *cron.Cron
	loc     *time.Location
	locker  JobLocker
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	runs    sync.WaitGroup
	started bool
}

func NewJobScheduler(loc *time.Location, logger *zap.Logger) (*JobScheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobScheduler{
		jobs:   make(map[string]*jobEntry),
		cron:   cron.New(cron.WithLocation(loc)),
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *JobScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *JobScheduler) SetLocker(locker JobLocker) {
	if s == nil {
		return
	}
	s.locker = locker
}

// Register adds a job. An empty spec registers it for manual triggers only.
func (s *JobScheduler) Register(job Job, spec string) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrValidation)
	}
	name := strings.TrimSpace(job.Name())
	if name == "" {
		return fmt.Errorf("%w: job name is required", domain.ErrValidation)
	}

	entry := &jobEntry{
		job:    job,
		status: domain.JobStatus{Name: name, Status: domain.JobStateIdle},
	}

	spec = strings.TrimSpace(spec)
	if spec != "" {
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("%w: invalid schedule %q for job %s: %v", domain.ErrValidation, spec, name, err)
		}
		entry.schedule = schedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: job %s already registered", domain.ErrConflict, name)
	}
	if entry.schedule != nil {
		entry.entryID = s.cron.Schedule(entry.schedule, cron.FuncJob(func() {
			s.onTick(name)
		}))
	}
	s.jobs[name] = entry
	s.order = append(s.order, name)
	return nil
}

// Start runs the timers until ctx is done, then waits for in-flight runs.
func (s *JobScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("job scheduler started", zap.Strings("jobs", s.jobNames()))

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.runs.Wait()
	s.logger.Info("job scheduler stopped")
	return nil
}

// GetJobStatuses returns a snapshot of every job in registration order.
func (s *JobScheduler) GetJobStatuses() []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]domain.JobStatus, 0, len(s.order))
	for _, name := range s.order {
		statuses = append(statuses, s.snapshotLocked(s.jobs[name]))
	}
	return statuses
}

func (s *JobScheduler) GetJobStatus(name string) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[name]
	if !ok {
		return domain.JobStatus{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, name)
	}
	return s.snapshotLocked(entry), nil
}

// TriggerJob accepts a run and returns without waiting for it. The channel
// receives exactly one result after the job status has been updated.
func (s *JobScheduler) TriggerJob(ctx context.Context, name string) (<-chan JobRunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	entry, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, name)
	}
	if entry.status.Status == domain.JobStateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrJobAlreadyRunning, name)
	}
	entry.status.Status = domain.JobStateRunning
	s.runs.Add(1)
	s.mu.Unlock()

	runCtx := observability.WithJobRun(context.WithoutCancel(ctx), name, uuid.NewString())
	done := make(chan JobRunResult, 1)
	go func() {
		defer s.runs.Done()
		done <- s.run(runCtx, entry)
		close(done)
	}()

	return done, nil
}

func (s *JobScheduler) onTick(name string) {
	if _, err := s.TriggerJob(context.Background(), name); err != nil {
		if errors.Is(err, domain.ErrJobAlreadyRunning) {
			s.logger.Info("scheduled run skipped, job still running", zap.String("job", name))
			return
		}
		s.logger.Error("scheduled trigger failed", zap.String("job", name), zap.Error(err))
	}
}

func (s *JobScheduler) run(ctx context.Context, entry *jobEntry) JobRunResult {
	name := entry.status.Name
	_, runID, _ := observability.JobRunFromContext(ctx)
	logger := observability.WithContextLogger(s.logger, ctx)

	result := JobRunResult{Job: name, RunID: runID, StartedAt: s.now()}
	logger.Info("job run started")

	release, acquired, err := s.acquire(ctx, name)
	switch {
	case err != nil:
		result.Err = fmt.Errorf("failed to acquire job lock: %w", err)
	case !acquired:
		result.Skipped = true
		logger.Info("job run skipped, lock held by another instance")
	default:
		result.Err = runJobSafely(ctx, entry.job)
		release()
	}
	result.FinishedAt = s.now()
	duration := result.FinishedAt.Sub(result.StartedAt)

	s.mu.Lock()
	finished := result.FinishedAt
	entry.status.LastRun = &finished
	if result.Err != nil {
		entry.status.Status = domain.JobStateError
		entry.status.ErrorMessage = result.Err.Error()
	} else {
		entry.status.Status = domain.JobStateIdle
		entry.status.ErrorMessage = ""
	}
	s.mu.Unlock()

	label := jobResultSuccess
	switch {
	case result.Err != nil:
		label = jobResultError
		logger.Error("job run failed", zap.Duration("duration", duration), zap.Error(result.Err))
	case result.Skipped:
		label = jobResultSkipped
	default:
		logger.Info("job run completed", zap.Duration("duration", duration))
	}
	s.metrics.ObserveJobRun(name, label, duration)

	return result
}

func (s *JobScheduler) acquire(ctx context.Context, name string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	release, ok, err := s.locker.TryLock(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	if release == nil {
		release = func() {}
	}
	return release, true, nil
}

func runJobSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}

func (s *JobScheduler) snapshotLocked(entry *jobEntry) domain.JobStatus {
	status := entry.status
	if entry.status.LastRun != nil {
		lastRun := *entry.status.LastRun
		status.LastRun = &lastRun
	}
	if entry.schedule != nil {
		next := s.cron.Entry(entry.entryID).Next
		if next.IsZero() {
			next = entry.schedule.Next(s.now().In(s.loc))
		}
		status.NextRun = &next
	}
	return status
}

func (s *JobScheduler) jobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}
