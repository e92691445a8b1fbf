package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedTracker(now time.Time) *Tracker {
	return NewTracker(nil, nil).WithClock(func() time.Time { return now })
}

func TestCalendarDeadline(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	discovery := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	w := fixedTracker(now).CalculateWindow("lost_inventory", discovery)

	assert.Equal(t, discovery.AddDate(0, 0, 60), w.DeadlineDate)
	assert.Equal(t, 29, w.DaysRemaining)
	assert.False(t, w.IsExpired)
	assert.False(t, w.IsUrgent)
	assert.True(t, w.IsSafe) // 29 > safe threshold 21
	assert.Equal(t, SafeToWait, w.FilingRecommendation)
	assert.Equal(t, AlertInfo, w.AlertLevel)
	assert.Equal(t, w.DeadlineDate.AddDate(0, 0, -7), w.ShouldFileBy)
}

func TestUrgentWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	discovery := now.AddDate(0, 0, -55) // 5 days left on a 60-day window

	w := fixedTracker(now).CalculateWindow("lost_inventory", discovery)

	assert.Equal(t, 5, w.DaysRemaining)
	assert.True(t, w.IsUrgent)
	assert.Equal(t, FileNow, w.FilingRecommendation)
	assert.Equal(t, AlertCritical, w.AlertLevel)
	assert.Equal(t, "file immediately", w.AlertMessage)
	assert.Equal(t, w.DeadlineDate.AddDate(0, 0, -3), w.ShouldFileBy)
}

func TestExpiredWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	discovery := now.AddDate(0, 0, -70)

	w := fixedTracker(now).CalculateWindow("lost_inventory", discovery)

	assert.True(t, w.IsExpired)
	assert.Equal(t, Expired, w.FilingRecommendation)
	assert.Equal(t, AlertCritical, w.AlertLevel)
	assert.Negative(t, w.DaysRemaining)
}

func TestExpiringSoonWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	discovery := now.AddDate(0, 0, -45) // 15 days left: between urgent 7 and safe 21

	w := fixedTracker(now).CalculateWindow("lost_inventory", discovery)

	assert.Equal(t, FileSoon, w.FilingRecommendation)
	assert.Equal(t, AlertWarning, w.AlertLevel)
}

func TestBusinessDayDeadlineSkipsWeekendsAndHolidays(t *testing.T) {
	// Wednesday 2026-07-01 + 7 business days. 2026-07-03 (Friday) is the
	// observed Independence Day holiday, so the count runs
	// Thu 2, Mon 6, Tue 7, Wed 8, Thu 9, Fri 10, Mon 13.
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	discovery := now

	w := fixedTracker(now).CalculateWindow("atoz_claim", discovery)

	assert.Equal(t, time.Date(2026, 7, 13, 0, 0, 0, 0, time.UTC), w.DeadlineDate)
}

func TestBusinessDaysRemaining(t *testing.T) {
	// Monday to Friday of the same week spans four business days after now.
	now := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	tr := fixedTracker(now)

	assert.Equal(t, 4, tr.businessDaysBetween(now, now.AddDate(0, 0, 4)))
	// Spanning the following weekend adds nothing.
	assert.Equal(t, 5, tr.businessDaysBetween(now, now.AddDate(0, 0, 7)))
}

func TestUnknownClaimTypeUsesGeneral(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	w := fixedTracker(now).CalculateWindow("mystery", now)

	assert.Equal(t, now.AddDate(0, 0, 60), w.DeadlineDate)
	assert.Equal(t, 3, w.GracePeriodDays)
}

func TestExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	tr := fixedTracker(now)

	// Deadline exactly now: zero days remaining, not yet expired.
	onDeadline := tr.CalculateWindow("lost_inventory", now.AddDate(0, 0, -60))
	assert.Equal(t, 0, onDeadline.DaysRemaining)
	assert.False(t, onDeadline.IsExpired)
	assert.True(t, onDeadline.IsUrgent)

	// One day past the deadline is expired.
	past := tr.CalculateWindow("lost_inventory", now.AddDate(0, 0, -61))
	assert.True(t, past.IsExpired)
}
