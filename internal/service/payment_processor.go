package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/gateway"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"github.com/kursadbilgin/settlement-engine/internal/queue"
	"github.com/kursadbilgin/settlement-engine/internal/ratelimit"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	JobMonthlyPayments = "monthly-payments"

	payoutRateLimitScope     = "swish"
	defaultPayoutConcurrency = 4
	defaultPayoutTimeout     = 10 * time.Second
	connectionCheckTimeout   = 5 * time.Second
	bookkeepingTimeout       = 30 * time.Second
	unparseablePhonePrefix   = "unparseable:"
)

// payoutNamespace seeds deterministic payout instruction ids.
var payoutNamespace = uuid.MustParse("6f1c9a52-3a8e-4c1e-9d0b-5d2f7e1a4b60")

// PaymentSettings bound the payout fan-out.
type PaymentSettings struct {
	Concurrency   int
	Timeout       time.Duration
	DefaultRegion string
}

// PaymentRunResult reports one ProcessMonthlyPayments call. Counters are
// per customer payout.
type PaymentRunResult struct {
	PaymentBatchID     string                    `json:"paymentBatchId"`
	BatchMonth         string                    `json:"batchMonth"`
	Status             domain.PaymentBatchStatus `json:"status"`
	ProcessedPayments  int                       `json:"processedPayments"`
	SuccessfulPayments int                       `json:"successfulPayments"`
	FailedPayments     int                       `json:"failedPayments"`
	TotalAmount        decimal.Decimal           `json:"totalAmount"`
	Errors             []domain.PaymentError     `json:"errors"`
	BatchesCompleted   int                       `json:"batchesCompleted"`
}

type payoutGroup struct {
	reference       string
	verificationIDs []string
	amount          decimal.Decimal
	invalid         error
}

type payoutOutcome struct {
	success   bool
	reason    string
	retryable bool
	reference string
	storeErr  error
}

type PaymentProcessor struct {
	batches       repository.BillingBatchRepository
	verifications repository.VerificationRepository
	payments      repository.PaymentBatchRepository
	gateway       gateway.PayoutGateway
	rateLimiter   ratelimit.RateLimiter
	publisher     queue.Publisher
	settings      PaymentSettings
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewPaymentProcessor(
	batches repository.BillingBatchRepository,
	verifications repository.VerificationRepository,
	payments repository.PaymentBatchRepository,
	payoutGateway gateway.PayoutGateway,
	rateLimiter ratelimit.RateLimiter,
	publisher queue.Publisher,
	settings PaymentSettings,
	logger *zap.Logger,
) (*PaymentProcessor, error) {
	if batches == nil || verifications == nil || payments == nil {
		return nil, fmt.Errorf("payment processor requires repositories")
	}
	if payoutGateway == nil {
		return nil, fmt.Errorf("payment processor requires a payout gateway")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	if settings.Concurrency < 1 {
		settings.Concurrency = defaultPayoutConcurrency
	}
	if settings.Timeout <= 0 {
		settings.Timeout = defaultPayoutTimeout
	}
	if strings.TrimSpace(settings.DefaultRegion) == "" {
		settings.DefaultRegion = defaultPhoneRegion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PaymentProcessor{
		batches:       batches,
		verifications: verifications,
		payments:      payments,
		gateway:       payoutGateway,
		rateLimiter:   rateLimiter,
		publisher:     publisher,
		settings:      settings,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (p *PaymentProcessor) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// ProcessMonthlyPayments settles every unpaid approved verification of the
// month in one payment batch. A month with a processing or completed batch
// is rejected with ErrBatchAlreadyExists.
func (p *PaymentProcessor) ProcessMonthlyPayments(ctx context.Context, year, month int) (*PaymentRunResult, error) {
	period, err := domain.NewPeriod(year, month)
	if err != nil {
		return nil, err
	}
	logger := observability.WithContextLogger(p.logger, ctx).With(zap.String("batchMonth", period.BatchMonth()))

	batch := &domain.PaymentBatch{
		ID:          uuid.NewString(),
		BatchMonth:  period.BatchMonth(),
		TotalAmount: decimal.Zero,
		Errors:      make([]domain.PaymentError, 0),
		CreatedAt:   p.now().UTC(),
	}
	if err := p.payments.CreateProcessing(ctx, batch); err != nil {
		if errors.Is(err, domain.ErrBatchAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBatchAlreadyExists, period.BatchMonth())
		}
		return nil, fmt.Errorf("failed to create payment batch: %w", err)
	}
	logger = logger.With(zap.String("paymentBatchId", batch.ID))
	logger.Info("payment run started")

	result, runErr := p.settle(ctx, batch, period)
	if err := ctx.Err(); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("payment run interrupted: %w", err))
	}

	batch.TotalPayments = result.ProcessedPayments
	batch.SuccessfulPayments = result.SuccessfulPayments
	batch.FailedPayments = result.FailedPayments
	batch.TotalAmount = result.TotalAmount
	batch.Errors = result.Errors
	processedAt := p.now().UTC()
	batch.ProcessedAt = &processedAt
	batch.Status = domain.PaymentBatchStatusCompleted
	if runErr != nil {
		batch.Status = domain.PaymentBatchStatusFailed
	}

	// A processing batch locks the month, so the outcome is written even
	// when ctx is gone.
	storeCtx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if err := p.payments.Finish(storeCtx, batch); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("failed to finish payment batch: %w", err))
	}
	if runErr != nil {
		logger.Error("payment run failed", zap.Error(runErr))
		return nil, runErr
	}
	result.Status = batch.Status

	completed, err := p.CompleteSettledBatches(ctx, period)
	if err != nil {
		logger.Error("failed to complete settled billing batches", zap.Error(err))
	}
	result.BatchesCompleted = completed

	logger.Info("payment run finished",
		zap.Int("processedPayments", result.ProcessedPayments),
		zap.Int("successfulPayments", result.SuccessfulPayments),
		zap.Int("failedPayments", result.FailedPayments),
		zap.String("totalAmount", result.TotalAmount.StringFixed(2)),
	)

	publishEvent(ctx, p.publisher, p.logger, p.now, queue.BillingEvent{
		Type:        queue.EventPaymentBatchCompleted,
		BatchID:     batch.ID,
		BatchMonth:  batch.BatchMonth,
		Successful:  result.SuccessfulPayments,
		Failed:      result.FailedPayments,
		TotalAmount: result.TotalAmount.StringFixed(2),
	})
	return result, nil
}

func (p *PaymentProcessor) settle(ctx context.Context, batch *domain.PaymentBatch, period domain.Period) (*PaymentRunResult, error) {
	result := &PaymentRunResult{
		PaymentBatchID: batch.ID,
		BatchMonth:     batch.BatchMonth,
		TotalAmount:    decimal.Zero,
		Errors:         make([]domain.PaymentError, 0),
	}

	payable, err := p.verifications.ListPayable(ctx, period)
	if err != nil {
		return result, fmt.Errorf("failed to list payable verifications: %w", err)
	}

	groups := p.groupByCustomer(payable)
	outcomes := make([]payoutOutcome, len(groups))

	var g errgroup.Group
	g.SetLimit(p.settings.Concurrency)
	for i := range groups {
		g.Go(func() error {
			outcomes[i] = p.payout(ctx, batch, groups[i])
			return nil
		})
	}
	_ = g.Wait()

	var storeErr error
	for i, outcome := range outcomes {
		result.ProcessedPayments++
		if outcome.success {
			result.SuccessfulPayments++
			result.TotalAmount = result.TotalAmount.Add(groups[i].amount)
		} else {
			result.FailedPayments++
			result.Errors = append(result.Errors, domain.PaymentError{
				CustomerReference: groups[i].reference,
				Reason:            outcome.reason,
				Retryable:         outcome.retryable,
			})
		}
		storeErr = multierr.Append(storeErr, outcome.storeErr)
	}
	return result, storeErr
}

// groupByCustomer collapses verifications into one payout per E.164 phone,
// keeping the order in which customers first appear.
func (p *PaymentProcessor) groupByCustomer(verifications []domain.Verification) []*payoutGroup {
	index := make(map[string]*payoutGroup)
	groups := make([]*payoutGroup, 0)

	for i := range verifications {
		v := verifications[i]
		key, err := customerKey(v.CustomerPhone, p.settings.DefaultRegion)

		group, ok := index[key]
		if !ok {
			group = &payoutGroup{reference: key, amount: decimal.Zero, invalid: err}
			index[key] = group
			groups = append(groups, group)
		}
		group.verificationIDs = append(group.verificationIDs, v.ID)
		group.amount = group.amount.Add(v.Payout())
	}
	return groups
}

// customerKey is the payout grouping key: the E.164 phone, or the raw
// phone behind unparseablePhonePrefix when it cannot be normalized.
func customerKey(phone string, region string) (string, error) {
	key, err := NormalizePhone(phone, region)
	if err != nil {
		return unparseablePhonePrefix + strings.TrimSpace(phone), err
	}
	return key, nil
}

func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func (p *PaymentProcessor) payout(ctx context.Context, batch *domain.PaymentBatch, group *payoutGroup) payoutOutcome {
	var outcome payoutOutcome
	if group.invalid != nil {
		outcome.reason = group.invalid.Error()
	} else {
		outcome = p.submit(ctx, batch, group)
	}

	// A payout the gateway accepted must be recorded even if the run is
	// being cancelled.
	storeCtx, cancel := bookkeepingContext(ctx)
	defer cancel()
	outcome.storeErr = p.record(storeCtx, batch, group, outcome)
	return outcome
}

func (p *PaymentProcessor) submit(ctx context.Context, batch *domain.PaymentBatch, group *payoutGroup) payoutOutcome {
	p.metrics.IncPayoutsInFlight()
	defer p.metrics.DecPayoutsInFlight()

	if err := p.rateLimiter.Wait(ctx, payoutRateLimitScope); err != nil {
		return payoutOutcome{reason: fmt.Sprintf("rate limiter wait failed: %v", err), retryable: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
	defer cancel()

	start := p.now()
	response, err := p.gateway.SubmitPayout(callCtx, gateway.PayoutRequest{
		CustomerReference: group.reference,
		Amount:            group.amount,
		Message:           "Feedback reward " + batch.BatchMonth,
		IdempotencyKey:    payoutIdempotencyKey(group.verificationIDs),
	})
	p.metrics.ObservePayout(err == nil, group.amount, p.now().Sub(start))

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return payoutOutcome{reason: fmt.Sprintf("payout interrupted: %v", ctx.Err()), retryable: true}
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return payoutOutcome{reason: fmt.Sprintf("payout timed out after %s", p.settings.Timeout), retryable: true}
		default:
			return payoutOutcome{reason: err.Error(), retryable: gateway.IsTransient(err)}
		}
	}

	outcome := payoutOutcome{success: true}
	if response != nil {
		outcome.reference = response.Reference
	}
	return outcome
}

func (p *PaymentProcessor) record(ctx context.Context, batch *domain.PaymentBatch, group *payoutGroup, outcome payoutOutcome) error {
	item := &domain.PaymentItem{
		ID:                uuid.NewString(),
		PaymentBatchID:    batch.ID,
		CustomerReference: group.reference,
		Amount:            group.amount,
		VerificationCount: len(group.verificationIDs),
		Status:            domain.PaymentItemFailed,
		CreatedAt:         p.now().UTC(),
	}

	if outcome.success {
		item.Status = domain.PaymentItemPaid
		if outcome.reference != "" {
			reference := outcome.reference
			item.GatewayReference = &reference
		}
		if _, err := p.verifications.MarkPaid(ctx, repository.MarkPaidParams{
			IDs:              group.verificationIDs,
			PaymentBatchID:   batch.ID,
			PaymentReference: outcome.reference,
			Now:              p.now(),
		}); err != nil {
			return fmt.Errorf("failed to mark verifications paid for %s: %w", group.reference, err)
		}
	} else {
		reason := outcome.reason
		item.ErrorMessage = &reason
		item.Retryable = outcome.retryable
	}

	if err := p.payments.CreateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to record payment item for %s: %w", group.reference, err)
	}
	return nil
}

// payoutIdempotencyKey is stable for the same set of verifications, so a
// re-submitted payout carries the same instruction id.
func payoutIdempotencyKey(verificationIDs []string) string {
	ids := make([]string, len(verificationIDs))
	copy(ids, verificationIDs)
	sort.Strings(ids)
	return uuid.NewSHA1(payoutNamespace, []byte(strings.Join(ids, ","))).String()
}

// CompleteSettledBatches moves billing batches of the month whose payable
// verifications are all paid to completed.
func (p *PaymentProcessor) CompleteSettledBatches(ctx context.Context, period domain.Period) (int, error) {
	batches, err := p.batches.ListByMonthAndStatus(ctx, period.Start(), domain.BatchStatusPaymentProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list settling batches: %w", err)
	}

	var errs error
	completed := 0
	for i := range batches {
		batch := batches[i]
		unpaid, err := p.verifications.CountUnpaidPayable(ctx, batch.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("batch %s: %w", batch.ID, err))
			continue
		}
		if unpaid > 0 {
			continue
		}

		ok, err := p.batches.Complete(ctx, batch.ID, p.now())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("batch %s: %w", batch.ID, err))
			continue
		}
		if !ok {
			continue
		}

		completed++
		p.metrics.IncBatchTransition(domain.BatchStatusCompleted.String())
		publishEvent(ctx, p.publisher, p.logger, p.now, queue.BillingEvent{
			Type:       queue.EventBatchCompleted,
			BatchID:    batch.ID,
			BusinessID: batch.BusinessID,
			BatchMonth: period.BatchMonth(),
		})
	}
	return completed, errs
}

func (p *PaymentProcessor) GetPaymentBatch(ctx context.Context, id string) (*domain.PaymentBatch, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: payment batch id is required", domain.ErrValidation)
	}
	return p.payments.GetByID(ctx, id)
}

func (p *PaymentProcessor) ListPaymentItems(ctx context.Context, paymentBatchID string) ([]domain.PaymentItem, error) {
	if _, err := p.GetPaymentBatch(ctx, paymentBatchID); err != nil {
		return nil, err
	}
	return p.payments.ListItems(ctx, paymentBatchID)
}

// GetMonthlyPaymentStats reads live verification state for the month.
func (p *PaymentProcessor) GetMonthlyPaymentStats(ctx context.Context, year, month int) (*domain.MonthlyPaymentStats, error) {
	period, err := domain.NewPeriod(year, month)
	if err != nil {
		return nil, err
	}
	stats, err := p.verifications.MonthlyStats(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to compute monthly payment stats: %w", err)
	}

	// Customers are counted the way payouts group them.
	phones, err := p.verifications.ListCustomerPhones(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to compute monthly payment stats: %w", err)
	}
	customers := make(map[string]struct{}, len(phones))
	for _, phone := range phones {
		key, _ := customerKey(phone, p.settings.DefaultRegion)
		customers[key] = struct{}{}
	}
	stats.UniqueCustomers = len(customers)
	return stats, nil
}

// TestSwishConnection reports gateway reachability. It never fails.
func (p *PaymentProcessor) TestSwishConnection(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, connectionCheckTimeout)
	defer cancel()
	return p.gateway.TestConnection(checkCtx)
}

// MonthlyPaymentsJob runs settlement for every month with batches waiting
// for payment. A month is held back while any of its billing batches is
// still collecting or in review, since one run settles the whole month.
type MonthlyPaymentsJob struct {
	processor *PaymentProcessor
}

func NewMonthlyPaymentsJob(processor *PaymentProcessor) *MonthlyPaymentsJob {
	return &MonthlyPaymentsJob{processor: processor}
}

func (j *MonthlyPaymentsJob) Name() string { return JobMonthlyPayments }

func (j *MonthlyPaymentsJob) Run(ctx context.Context) error {
	p := j.processor
	logger := observability.WithContextLogger(p.logger, ctx)

	settling, err := p.batches.ListByStatus(ctx, domain.BatchStatusPaymentProcessing)
	if err != nil {
		return fmt.Errorf("failed to list settling batches: %w", err)
	}

	periods := make([]domain.Period, 0)
	seen := make(map[domain.Period]struct{})
	for i := range settling {
		period := settling[i].Period()
		if _, ok := seen[period]; ok {
			continue
		}
		seen[period] = struct{}{}
		periods = append(periods, period)
	}

	var errs error
	for _, period := range periods {
		open, err := j.openBatches(ctx, period)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", period.BatchMonth(), err))
			continue
		}
		if open > 0 {
			logger.Info("payment run deferred until every batch of the month is settling",
				zap.String("batchMonth", period.BatchMonth()),
				zap.Int("openBatches", open),
			)
			continue
		}

		_, err = p.ProcessMonthlyPayments(ctx, period.Year, period.Month)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrBatchAlreadyExists):
			logger.Info("payment run already exists for month", zap.String("batchMonth", period.BatchMonth()))
			if _, err := p.CompleteSettledBatches(ctx, period); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", period.BatchMonth(), err))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", period.BatchMonth(), err))
		}
	}
	return errs
}

func (j *MonthlyPaymentsJob) openBatches(ctx context.Context, period domain.Period) (int, error) {
	open := 0
	for _, status := range []domain.BatchStatus{domain.BatchStatusCollecting, domain.BatchStatusReviewPeriod} {
		batches, err := j.processor.batches.ListByMonthAndStatus(ctx, period.Start(), status)
		if err != nil {
			return 0, fmt.Errorf("failed to list %s batches: %w", status, err)
		}
		open += len(batches)
	}
	return open, nil
}
