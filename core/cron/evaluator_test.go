package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDueEveryMinute(t *testing.T) {
	minute := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)

	assert.True(t, IsDue("* * * * *", minute.Add(10*time.Second), 30*time.Second))
	assert.False(t, IsDue("* * * * *", minute.Add(45*time.Second), 30*time.Second))
	assert.True(t, IsDue("* * * * *", minute, 30*time.Second), "firing exactly at now is due")
	assert.True(t, IsDue("* * * * *", minute.Add(30*time.Second), 30*time.Second), "tolerance is inclusive")
}

func TestIsDueHourly(t *testing.T) {
	top := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	assert.True(t, IsDue("0 * * * *", top.Add(20*time.Second), 30*time.Second))
	assert.False(t, IsDue("0 * * * *", top.Add(-20*time.Second), 30*time.Second))
	assert.False(t, IsDue("0 * * * *", top.Add(5*time.Minute), 30*time.Second))
	assert.True(t, IsDue("@hourly", top.Add(5*time.Second), 30*time.Second))
}

func TestIsDueMalformedNeverPanics(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 5, 0, time.UTC)
	for _, expr := range []string{"", "   ", "not a cron", "* * *", "61 * * * *", "* * * * * * *", "@every 1m", "@bogus"} {
		assert.NotPanics(t, func() {
			assert.False(t, IsDue(expr, now, time.Minute), expr)
		})
	}
}

func TestDueFiringNamesTheWindow(t *testing.T) {
	minute := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)

	firing, due := DueFiring("* * * * *", minute.Add(10*time.Second), 30*time.Second)
	require.True(t, due)
	assert.Equal(t, minute, firing)

	// consecutive minutes yield distinct firings
	next, due := DueFiring("* * * * *", minute.Add(70*time.Second), 30*time.Second)
	require.True(t, due)
	assert.Equal(t, minute.Add(time.Minute), next)

	_, due = DueFiring("not a cron", minute, time.Minute)
	assert.False(t, due)
}

func TestLastFiring(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 7, 40, 0, time.UTC)

	last, found, err := LastFiring("*/5 * * * *", now, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC), last)

	_, found, err = LastFiring("*/5 * * * *", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = LastFiring("nope", now, time.Minute)
	assert.Error(t, err)
}

func TestLastFiringRespectsTimezonePrefix(t *testing.T) {
	// 09:00 in Rome is 08:00 UTC during winter time
	now := time.Date(2026, 1, 10, 8, 0, 10, 0, time.UTC)
	assert.True(t, IsDue("CRON_TZ=Europe/Rome 0 9 * * *", now, 30*time.Second))
	assert.False(t, IsDue("0 9 * * *", now, 30*time.Second))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("15 3 * * 1-5"))
	assert.Error(t, Validate("15 3 * *"))
}
