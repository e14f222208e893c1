package matching

import "fmt"

// ReportThresholds drive the recommendation rules.
type ReportThresholds struct {
	MinMeanConfidence    float64
	MinVerifiedRate      float64
	MaxTimeFailureRate   float64
	MaxAmountFailureRate float64
}

var DefaultReportThresholds = ReportThresholds{
	MinMeanConfidence:    0.6,
	MinVerifiedRate:      0.8,
	MaxTimeFailureRate:   0.2,
	MaxAmountFailureRate: 0.2,
}

// MatchingReport summarizes a set of match results.
type MatchingReport struct {
	Total           int      `json:"total"`
	Verified        int      `json:"verified"`
	Unverified      int      `json:"unverified"`
	VerifiedRate    float64  `json:"verifiedRate"`
	MeanConfidence  float64  `json:"meanConfidence"`
	TimeFailures    int      `json:"timeFailures"`
	AmountFailures  int      `json:"amountFailures"`
	Recommendations []string `json:"recommendations"`
}

type recommendationRule struct {
	triggered func(r MatchingReport, th ReportThresholds) bool
	message   func(r MatchingReport, th ReportThresholds) string
}

// Rules run in this order; each appends at most one recommendation.
var recommendationRules = []recommendationRule{
	{
		triggered: func(r MatchingReport, th ReportThresholds) bool {
			return r.MeanConfidence < th.MinMeanConfidence
		},
		message: func(r MatchingReport, th ReportThresholds) string {
			return fmt.Sprintf("mean confidence %.2f is below %.2f: review transaction mapping for this business", r.MeanConfidence, th.MinMeanConfidence)
		},
	},
	{
		triggered: func(r MatchingReport, th ReportThresholds) bool {
			return r.VerifiedRate < th.MinVerifiedRate
		},
		message: func(r MatchingReport, th ReportThresholds) string {
			return fmt.Sprintf("verified rate %.0f%% is below %.0f%%: sample unverified claims for manual review", r.VerifiedRate*100, th.MinVerifiedRate*100)
		},
	},
	{
		triggered: func(r MatchingReport, th ReportThresholds) bool {
			return rate(r.TimeFailures, r.Total) > th.MaxTimeFailureRate
		},
		message: func(r MatchingReport, _ ReportThresholds) string {
			return fmt.Sprintf("%d of %d claims fail the time check: verify point-of-sale clock synchronization", r.TimeFailures, r.Total)
		},
	},
	{
		triggered: func(r MatchingReport, th ReportThresholds) bool {
			return rate(r.AmountFailures, r.Total) > th.MaxAmountFailureRate
		},
		message: func(r MatchingReport, _ ReportThresholds) string {
			return fmt.Sprintf("%d of %d claims fail the amount check: investigate rounding or split payments", r.AmountFailures, r.Total)
		},
	},
}

// GenerateMatchingReport aggregates results with DefaultReportThresholds.
func GenerateMatchingReport(results []MatchResult) MatchingReport {
	return GenerateMatchingReportWith(results, DefaultReportThresholds)
}

// GenerateMatchingReportWith aggregates results. Identical input always
// yields identical output, including recommendation order.
func GenerateMatchingReportWith(results []MatchResult, thresholds ReportThresholds) MatchingReport {
	report := MatchingReport{
		Total:           len(results),
		Recommendations: []string{},
	}
	if report.Total == 0 {
		report.Recommendations = append(report.Recommendations, "no verifications to evaluate")
		return report
	}

	var confidenceSum float64
	for _, result := range results {
		if result.Verified {
			report.Verified++
		}
		if !result.ToleranceChecks.TimeWithinTolerance {
			report.TimeFailures++
		}
		if !result.ToleranceChecks.AmountWithinTolerance {
			report.AmountFailures++
		}
		confidenceSum += result.Confidence
	}
	report.Unverified = report.Total - report.Verified
	report.VerifiedRate = rate(report.Verified, report.Total)
	report.MeanConfidence = confidenceSum / float64(report.Total)

	for _, rule := range recommendationRules {
		if rule.triggered(report, thresholds) {
			report.Recommendations = append(report.Recommendations, rule.message(report, thresholds))
		}
	}
	return report
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
