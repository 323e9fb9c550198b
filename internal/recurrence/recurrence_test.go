package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestNext_Daily(t *testing.T) {
	anchor := mustTime(t, "2025-01-01T08:00:00Z")

	next, ok, err := Next("daily", anchor, nil)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2025-01-02T08:00:00Z"), next)
}

func TestNext_Weekly(t *testing.T) {
	anchor := mustTime(t, "2025-01-01T08:00:00Z")

	next, ok, err := Next("weekly", anchor, nil)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2025-01-08T08:00:00Z"), next)
}

func TestNext_MonthlyClampsToFebruary(t *testing.T) {
	// Jan 31 lands on the last day of February
	next, ok, err := Next("monthly", mustTime(t, "2025-01-31T09:00:00Z"), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2025-02-28T09:00:00Z"), next)

	// leap year
	next, ok, err = Next("monthly", mustTime(t, "2024-01-31T09:00:00Z"), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-02-29T09:00:00Z"), next)
}

func TestNext_MonthlyDecemberWraps(t *testing.T) {
	next, ok, err := Next("monthly", mustTime(t, "2025-12-15T09:00:00Z"), nil)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2026-01-15T09:00:00Z"), next)
}

func TestNext_WeekdaysFridayRollsToMonday(t *testing.T) {
	// 2025-01-03 is a Friday
	anchor := mustTime(t, "2025-01-03T09:00:00Z")

	next, ok, err := Next("weekdays", anchor, nil)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2025-01-06T09:00:00Z"), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestNext_WeekdaysNeverLandsOnWeekend(t *testing.T) {
	anchor := mustTime(t, "2025-01-01T09:00:00Z")
	for i := 0; i < 30; i++ {
		next, ok, err := Next("weekdays", anchor, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEqual(t, time.Saturday, next.Weekday())
		assert.NotEqual(t, time.Sunday, next.Weekday())
		assert.True(t, next.After(anchor))
		anchor = next
	}
}

func TestNext_CronRule(t *testing.T) {
	// every Monday at 09:00
	anchor := mustTime(t, "2025-01-01T10:00:00Z") // Wednesday

	next, ok, err := Next("0 9 * * 1", anchor, nil)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
	assert.True(t, next.After(anchor))
}

func TestNext_CronEveryDescriptor(t *testing.T) {
	anchor := mustTime(t, "2025-01-01T08:00:00Z")

	next, ok, err := Next("@every 48h", anchor, nil)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2025-01-03T08:00:00Z"), next)
}

func TestNext_AlwaysStrictlyAfterAnchor(t *testing.T) {
	anchor := mustTime(t, "2025-03-15T12:30:00Z")
	for _, rule := range []string{"daily", "weekly", "monthly", "weekdays", "0 9 * * *"} {
		next, ok, err := Next(rule, anchor, nil)
		require.NoError(t, err, "rule %s", rule)
		require.True(t, ok, "rule %s", rule)
		assert.True(t, next.After(anchor), "rule %s produced %s", rule, next)
	}
}

func TestNext_EndCutoff(t *testing.T) {
	anchor := mustTime(t, "2025-01-01T08:00:00Z")

	// end after the next occurrence: series continues
	end := mustTime(t, "2025-01-02T08:00:01Z")
	next, ok, err := Next("daily", anchor, &end)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2025-01-02T08:00:00Z"), next)

	// end exactly at the next occurrence: series ends
	end = mustTime(t, "2025-01-02T08:00:00Z")
	_, ok, err = Next("daily", anchor, &end)
	require.NoError(t, err)
	assert.False(t, ok)

	// end before the next occurrence: series ends
	end = mustTime(t, "2025-01-01T12:00:00Z")
	_, ok, err = Next("daily", anchor, &end)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNext_DailySeriesWithTwoDayEnd(t *testing.T) {
	// template: daily, end = anchor + 2 days
	anchor := mustTime(t, "2025-01-01T08:00:00Z")
	end := anchor.Add(48 * time.Hour)

	// completing day 0 creates a successor due day 1
	day1, ok, err := Next("daily", anchor, &end)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, anchor.Add(24*time.Hour), day1)

	// completing day 1: day 2 is not before end, no successor
	_, ok, err = Next("daily", day1, &end)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNext_UnknownRule(t *testing.T) {
	for _, rule := range []string{"fortnightly", "", "daily-ish", "* * *"} {
		_, _, err := Next(rule, time.Now(), nil)
		require.Error(t, err, "rule %q", rule)
		assert.ErrorIs(t, err, ErrUnknownRule, "rule %q", rule)

		var ruleErr *RuleError
		assert.ErrorAs(t, err, &ruleErr, "rule %q", rule)
	}
}
