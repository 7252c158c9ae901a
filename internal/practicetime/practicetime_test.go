package practicetime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func berlin(t *testing.T) *Converter {
	t.Helper()
	c, err := New("Europe/Berlin")
	require.NoError(t, err)
	return c
}

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDay(s)
	require.NoError(t, err)
	return d
}

func TestToAbsoluteInstantAppliesOffsetPerDate(t *testing.T) {
	c := berlin(t)

	tests := []struct {
		name string
		day  string
		slot string
		want time.Time
	}{
		{"winter time is UTC+1", "2025-11-10", "09:00", time.Date(2025, 11, 10, 8, 0, 0, 0, time.UTC)},
		{"summer time is UTC+2", "2025-07-01", "09:00", time.Date(2025, 7, 1, 7, 0, 0, 0, time.UTC)},
		{"spring transition day after jump", "2025-03-30", "09:00", time.Date(2025, 3, 30, 7, 0, 0, 0, time.UTC)},
		{"autumn transition day after fallback", "2025-10-26", "09:00", time.Date(2025, 10, 26, 8, 0, 0, 0, time.UTC)},
		{"just after midnight lands on previous UTC day", "2025-11-10", "00:30", time.Date(2025, 11, 9, 23, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ToAbsoluteInstant(mustDay(t, tt.day), tt.slot)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestToAbsoluteInstantRejectsBadInput(t *testing.T) {
	c := berlin(t)
	day := mustDay(t, "2025-11-10")

	cases := map[string]struct {
		day  time.Time
		slot string
	}{
		"missing day":          {time.Time{}, "09:00"},
		"hour out of range":    {day, "24:00"},
		"minute out of range":  {day, "09:60"},
		"no colon":             {day, "0900"},
		"single digit hour":    {day, "9:00"},
		"signed hour":          {day, "+9:00"},
		"empty slot":           {day, ""},
		"skipped by DST jump":  {mustDay(t, "2025-03-30"), "02:30"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.ToAbsoluteInstant(tc.day, tc.slot)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTimeInput))
		})
	}
}

func TestCivilDateKeyRoundTrip(t *testing.T) {
	c := berlin(t)
	days := []string{"2025-03-29", "2025-03-30", "2025-03-31", "2025-10-25", "2025-10-26", "2025-10-27", "2025-11-10", "2024-02-29"}
	slots := []string{"00:00", "00:30", "01:00", "03:00", "09:00", "12:15", "23:30", "23:59"}

	for _, d := range days {
		for _, s := range slots {
			day := mustDay(t, d)
			instant, err := c.ToAbsoluteInstant(day, s)
			require.NoError(t, err, "%s %s", d, s)
			assert.Equal(t, d, c.CivilDateKey(instant), "%s %s", d, s)
			assert.True(t, c.DayOf(instant).Equal(day))
		}
	}
}

func TestIsPracticeFriday(t *testing.T) {
	c := berlin(t)

	friday, err := c.ToAbsoluteInstant(mustDay(t, "2025-11-07"), "10:00")
	require.NoError(t, err)
	thursday, err := c.ToAbsoluteInstant(mustDay(t, "2025-11-06"), "10:00")
	require.NoError(t, err)

	assert.True(t, c.IsPracticeFriday(friday))
	assert.False(t, c.IsPracticeFriday(thursday))

	// 23:30 UTC on a Thursday is already Friday in Berlin.
	lateThursdayUTC := time.Date(2025, 11, 6, 23, 30, 0, 0, time.UTC)
	assert.True(t, c.IsPracticeFriday(lateThursdayUTC))
}

func TestSlotOpenHonoursBuffer(t *testing.T) {
	c := berlin(t)
	day := mustDay(t, "2025-11-10")
	now := time.Date(2025, 11, 10, 8, 0, 0, 0, time.UTC) // 09:00 Berlin

	open, err := c.SlotOpen(day, "09:20", now, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, open)

	open, err = c.SlotOpen(day, "09:30", now, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, open)

	assert.True(t, c.IsToday(day, now))
	assert.False(t, c.IsToday(mustDay(t, "2025-11-11"), now))
}

func TestParseDayAndNew(t *testing.T) {
	_, err := ParseDay("2025-13-01")
	assert.ErrorIs(t, err, ErrInvalidTimeInput)
	_, err = ParseDay("")
	assert.ErrorIs(t, err, ErrInvalidTimeInput)

	_, err = New("Nowhere/Special")
	assert.ErrorIs(t, err, ErrInvalidTimeInput)
	_, err = New("")
	assert.ErrorIs(t, err, ErrInvalidTimeInput)

	assert.Equal(t, "2025-11-10", FormatDay(time.Date(2025, 11, 10, 17, 0, 0, 0, time.UTC)))
}
