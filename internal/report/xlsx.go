// Package report renders matching reports for download.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/kursadbilgin/settlement-engine/internal/service"
	"github.com/xuri/excelize/v2"
)

const (
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	summarySheet = "Summary"
	resultsSheet = "Results"
)

var resultHeader = []interface{}{
	"Verification ID",
	"Transaction ID",
	"Verified",
	"Confidence",
	"Time Difference (s)",
	"Amount Difference",
	"Reasons",
}

// FileName is the attachment name for a batch report.
func FileName(r *service.BatchMatchingReport) string {
	return fmt.Sprintf("matching-report-%s-%s.xlsx", r.BatchMonth, r.BatchID)
}

// WriteMatchingReportXLSX writes a two-sheet workbook: the summary with
// recommendations and one row per match result.
func WriteMatchingReportXLSX(w io.Writer, r *service.BatchMatchingReport) error {
	if r == nil {
		return fmt.Errorf("matching report is required")
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	if err := writeSummary(f, r); err != nil {
		return err
	}

	if _, err := f.NewSheet(resultsSheet); err != nil {
		return fmt.Errorf("failed to create results sheet: %w", err)
	}
	if err := writeResults(f, r); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, r *service.BatchMatchingReport) error {
	s := r.Summary
	rows := [][]interface{}{
		{"Batch ID", r.BatchID},
		{"Business ID", r.BusinessID},
		{"Batch Month", r.BatchMonth},
		{"Generated At", r.GeneratedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Total", s.Total},
		{"Verified", s.Verified},
		{"Unverified", s.Unverified},
		{"Verified Rate", s.VerifiedRate},
		{"Mean Confidence", s.MeanConfidence},
		{"Time Failures", s.TimeFailures},
		{"Amount Failures", s.AmountFailures},
		{"Fraud Tier Low", r.FraudTiers.Low},
		{"Fraud Tier Medium", r.FraudTiers.Medium},
		{"Fraud Tier High", r.FraudTiers.High},
		{"Fraud Tier Unscored", r.FraudTiers.Unscored},
	}
	for _, recommendation := range s.Recommendations {
		rows = append(rows, []interface{}{"Recommendation", recommendation})
	}
	return setRows(f, summarySheet, rows)
}

func writeResults(f *excelize.File, r *service.BatchMatchingReport) error {
	rows := make([][]interface{}, 0, len(r.Results)+1)
	rows = append(rows, resultHeader)
	for _, result := range r.Results {
		checks := result.ToleranceChecks
		rows = append(rows, []interface{}{
			result.VerificationID,
			result.TransactionID,
			result.Verified,
			result.Confidence,
			checks.TimeDifferenceSeconds,
			checks.AmountDifference.StringFixed(2),
			strings.Join(result.Reasons, ", "),
		})
	}
	return setRows(f, resultsSheet, rows)
}

func setRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
