package policy

import "time"

// DefaultUSHolidays returns the observed US federal holidays loaded into
// the tracker when no calendar is configured. Extend the slice when a new
// year's calendar is published; the tracker treats unknown dates as
// business days.
func DefaultUSHolidays() []time.Time {
	dates := []string{
		// 2025
		"2025-01-01", "2025-01-20", "2025-02-17", "2025-05-26",
		"2025-06-19", "2025-07-04", "2025-09-01", "2025-10-13",
		"2025-11-11", "2025-11-27", "2025-12-25",
		// 2026
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-05-25",
		"2026-06-19", "2026-07-03", "2026-09-07", "2026-10-12",
		"2026-11-11", "2026-11-26", "2026-12-25",
		// 2027
		"2027-01-01", "2027-01-18", "2027-02-15", "2027-05-31",
		"2027-06-18", "2027-07-05", "2027-09-06", "2027-10-11",
		"2027-11-11", "2027-11-25", "2027-12-24", "2027-12-31",
	}

	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}
