package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - The billing period unit (YYYY-MM)
// =============================================================================

// Month is a calendar billing month. It is the granularity at which invoices
// exist and ledger balances are cut off.
type Month struct {
	Year int
	Mon  time.Month
}

// NewMonth builds a Month from a year and month.
func NewMonth(year int, mon time.Month) Month {
	return Month{Year: year, Mon: mon}
}

// MonthOf returns the month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Mon: t.Month()}
}

// ParseMonth parses the canonical "YYYY-MM" form.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Mon))
}

func (m Month) IsZero() bool { return m.Year == 0 }

// Comparison. The string form is lexically ordered the same way, which the
// SQL stores rely on.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Mon < other.Mon
}
func (m Month) After(other Month) bool  { return other.Before(m) }
func (m Month) Equal(other Month) bool  { return m.Year == other.Year && m.Mon == other.Mon }
func (m Month) OnOrBefore(other Month) bool { return m.Before(other) || m.Equal(other) }
func (m Month) OnOrAfter(other Month) bool  { return m.After(other) || m.Equal(other) }

// Next returns the following month.
func (m Month) Next() Month {
	return MonthOf(m.Start().AddDate(0, 1, 0))
}

// Prev returns the preceding month.
func (m Month) Prev() Month {
	return MonthOf(m.Start().AddDate(0, -1, 0))
}

// Start returns midnight UTC on the first day of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC on the last day of the month.
func (m Month) End() time.Time {
	return m.Start().AddDate(0, 1, -1)
}

// Days returns every day of the month.
func (m Month) Days() []time.Time {
	var days []time.Time
	for d := m.Start(); d.Month() == m.Mon; d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether t falls within the month.
func (m Month) Contains(t time.Time) bool {
	return t.Year() == m.Year && t.Month() == m.Mon
}

// =============================================================================
// TIME POINT - Occurrence timestamps on ledger entries
// =============================================================================

// TimePoint is a UTC-normalized instant used for entry occurrence times.
type TimePoint struct {
	Time time.Time
}

func At(t time.Time) TimePoint { return TimePoint{Time: t.UTC()} }

func Now() TimePoint { return At(time.Now()) }

func (tp TimePoint) Before(other TimePoint) bool { return tp.Time.Before(other.Time) }
func (tp TimePoint) After(other TimePoint) bool  { return tp.Time.After(other.Time) }
func (tp TimePoint) IsZero() bool                { return tp.Time.IsZero() }

func (tp TimePoint) String() string { return tp.Time.Format(time.RFC3339) }

// Month returns the billing month the instant falls in.
func (tp TimePoint) Month() Month { return MonthOf(tp.Time) }
