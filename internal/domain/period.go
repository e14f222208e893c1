package domain

import (
	"fmt"
	"time"
)

const (
	MinBillingYear = 2000
	MaxBillingYear = 2100
)

// Period is a calendar month. All period boundaries are UTC.
type Period struct {
	Year  int
	Month int
}

func NewPeriod(year, month int) (Period, error) {
	if month < 1 || month > 12 {
		return Period{}, fmt.Errorf("%w: month %d out of range", ErrInvalidPeriod, month)
	}
	if year < MinBillingYear || year > MaxBillingYear {
		return Period{}, fmt.Errorf("%w: year %d out of range", ErrInvalidPeriod, year)
	}
	return Period{Year: year, Month: month}, nil
}

// PeriodOf returns the period containing t, evaluated in UTC.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// ParseBatchMonth parses the "YYYY-MM" form used by payment batches.
func ParseBatchMonth(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: batch month %q", ErrInvalidPeriod, s)
	}
	return NewPeriod(t.Year(), int(t.Month()))
}

// Start is the first instant of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant of the following month; the collection window
// closes here.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) Previous() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

func (p Period) BatchMonth() string {
	return p.Start().Format("2006-01")
}

func (p Period) String() string { return p.BatchMonth() }
