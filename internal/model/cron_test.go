package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/prewarm/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"PT2S", 2 * time.Second},
		{"PT0.5S", 500 * time.Millisecond},
		{"PT0,05S", 50 * time.Millisecond},
		{"PT15M", 15 * time.Minute},
		{"P1DT1H", 25 * time.Hour},
		{"PT1H30M", 90 * time.Minute},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}

	for _, given := range []string{"", "P", "PT", "P2DT", "P2M", "5m", "2s"} {
		_, err := model.ParseISODuration(given)
		require.ErrorIs(t, err, model.ErrISOFormat, given)
	}
}

func TestFormatISODuration(t *testing.T) {
	t.Parallel()
	for _, d := range []time.Duration{
		2 * time.Second,
		50 * time.Millisecond,
		400 * time.Millisecond,
		5 * time.Minute,
		61 * time.Minute,
		25*time.Hour + 1500*time.Millisecond,
	} {
		s := model.FormatISODuration(d)
		parsed, err := model.ParseISODuration(s)
		require.NoError(t, err, s)
		require.Equal(t, d, parsed, s)
	}
	require.Equal(t, "PT0S", model.FormatISODuration(0))
	require.Equal(t, "PT1M30S", model.FormatISODuration(90*time.Second))
}

func TestScheduleInterval(t *testing.T) {
	t.Parallel()
	d, err := model.Schedule{Cron: "*/15 * * * *"}.Interval()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, d)

	d, err = model.Schedule{Cron: "@every 5m"}.Interval()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = model.Schedule{Duration: model.Duration(time.Minute)}.Interval()
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	_, err = model.Schedule{Cron: "* * 32 * *"}.Interval()
	require.Error(t, err)

	_, err = model.Schedule{}.Interval()
	require.ErrorIs(t, err, model.ErrEmptySchedule)
}
