package domain

import (
	"errors"
	"testing"
	"time"
)

func TestFraudTierFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		score float64
		want  FraudTier
	}{
		{name: "zero", score: 0, want: FraudTierLow},
		{name: "just below medium", score: 0.2999, want: FraudTierLow},
		{name: "medium lower bound", score: 0.3, want: FraudTierMedium},
		{name: "just below high", score: 0.6999, want: FraudTierMedium},
		{name: "high lower bound", score: 0.7, want: FraudTierHigh},
		{name: "one", score: 1, want: FraudTierHigh},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := FraudTierFor(tt.score); got != tt.want {
				t.Fatalf("FraudTierFor(%v) = %s, want %s", tt.score, got, tt.want)
			}
		})
	}
}

func TestFraudTierOfNil(t *testing.T) {
	t.Parallel()

	if got := FraudTierOf(nil); got != FraudTierUnscored {
		t.Fatalf("FraudTierOf(nil) = %s, want %s", got, FraudTierUnscored)
	}
}

func TestNewPeriod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		year    int
		month   int
		wantErr bool
	}{
		{name: "valid", year: 2025, month: 3},
		{name: "december", year: 2025, month: 12},
		{name: "month zero", year: 2025, month: 0, wantErr: true},
		{name: "month thirteen", year: 2025, month: 13, wantErr: true},
		{name: "year too small", year: 1999, month: 1, wantErr: true},
		{name: "year too large", year: 2101, month: 1, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewPeriod(tt.year, tt.month)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPeriod) || !errors.Is(err, ErrValidation) {
					t.Fatalf("NewPeriod() error = %v, want ErrInvalidPeriod", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPeriod() unexpected error = %v", err)
			}
		})
	}
}

func TestPeriodBoundaries(t *testing.T) {
	t.Parallel()

	p := Period{Year: 2025, Month: 12}
	if got := p.Start(); !got.Equal(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Start() = %v", got)
	}
	if got := p.End(); !got.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("End() = %v", got)
	}
	if got := p.BatchMonth(); got != "2025-12" {
		t.Fatalf("BatchMonth() = %s, want 2025-12", got)
	}
	if got := (Period{Year: 2025, Month: 1}).Previous(); got != (Period{Year: 2024, Month: 12}) {
		t.Fatalf("Previous() = %v", got)
	}

	parsed, err := ParseBatchMonth("2025-03")
	if err != nil {
		t.Fatalf("ParseBatchMonth() unexpected error = %v", err)
	}
	if parsed != (Period{Year: 2025, Month: 3}) {
		t.Fatalf("ParseBatchMonth() = %v", parsed)
	}
	if _, err := ParseBatchMonth("2025/03"); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("ParseBatchMonth() error = %v, want ErrInvalidPeriod", err)
	}
}

func TestBatchStatusCanAdvanceTo(t *testing.T) {
	t.Parallel()

	order := []BatchStatus{
		BatchStatusCollecting,
		BatchStatusReviewPeriod,
		BatchStatusPaymentProcessing,
		BatchStatusCompleted,
	}
	for i, from := range order {
		for j, to := range order {
			want := j > i
			if got := from.CanAdvanceTo(to); got != want {
				t.Fatalf("%s.CanAdvanceTo(%s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if BatchStatus("archived").CanAdvanceTo(BatchStatusCompleted) {
		t.Fatal("unknown status must not advance")
	}
}

func TestBusinessActiveIn(t *testing.T) {
	t.Parallel()

	march := Period{Year: 2025, Month: 3}
	deactivatedFeb := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	deactivatedMid := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		b    Business
		want bool
	}{
		{name: "created before", b: Business{CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, want: true},
		{name: "created after period", b: Business{CreatedAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}, want: false},
		{name: "deactivated before period", b: Business{DeactivatedAt: &deactivatedFeb}, want: false},
		{name: "deactivated during period", b: Business{DeactivatedAt: &deactivatedMid}, want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.b.ActiveIn(march); got != tt.want {
				t.Fatalf("ActiveIn() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBusinessReviewWindow(t *testing.T) {
	t.Parallel()

	days := 3
	if got := (Business{ReviewWindowDays: &days}).ReviewWindow(time.Hour); got != 72*time.Hour {
		t.Fatalf("ReviewWindow() = %v, want 72h", got)
	}
	if got := (Business{}).ReviewWindow(time.Hour); got != time.Hour {
		t.Fatalf("ReviewWindow() = %v, want fallback", got)
	}
}

func TestValidateHumanReviewer(t *testing.T) {
	t.Parallel()

	if err := ValidateHumanReviewer("alice@example.com"); err != nil {
		t.Fatalf("ValidateHumanReviewer() unexpected error = %v", err)
	}
	for _, reviewer := range []string{"", "  ", ReviewerDeadlineSweep, "SYSTEM:me"} {
		if err := ValidateHumanReviewer(reviewer); !errors.Is(err, ErrValidation) {
			t.Fatalf("ValidateHumanReviewer(%q) error = %v, want ErrValidation", reviewer, err)
		}
	}
}

func TestParseReviewDecision(t *testing.T) {
	t.Parallel()

	got, err := ParseReviewDecision(" Reject ")
	if err != nil {
		t.Fatalf("ParseReviewDecision() unexpected error = %v", err)
	}
	if got.Status() != ReviewStatusRejected {
		t.Fatalf("Status() = %s, want rejected", got.Status())
	}
	if _, err := ParseReviewDecision("maybe"); !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseReviewDecision() error = %v, want ErrValidation", err)
	}
}

func TestErrorFamilies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		family error
	}{
		{ErrInvalidPeriod, ErrValidation},
		{ErrBatchNotFound, ErrNotFound},
		{ErrJobNotFound, ErrNotFound},
		{ErrJobAlreadyRunning, ErrAlreadyInProgress},
		{ErrBatchAlreadyExists, ErrAlreadyInProgress},
		{ErrPolicyBlocked, ErrInvalidState},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.family) {
			t.Fatalf("errors.Is(%v, %v) = false", tt.err, tt.family)
		}
	}
}
