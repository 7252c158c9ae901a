// Package practicetime converts between wall-clock slots in the practice's
// civil timezone and absolute instants.
//
// Two notions of "day" exist side by side. Slots are wall-clock strings
// ("09:30") interpreted in the practice timezone. Storage keys are calendar
// days normalized to UTC midnight. A Converter holds only an immutable
// *time.Location, so offsets are recomputed for every date it is asked about.
package practicetime

import (
	"errors"
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata"
)

const (
	// DayLayout is the textual form of a calendar-day key.
	DayLayout = "2006-01-02"
	// SlotLayout is the textual form of a slot.
	SlotLayout = "15:04"
)

var ErrInvalidTimeInput = errors.New("invalid time input")

// Converter is safe for concurrent use.
type Converter struct {
	loc *time.Location
}

// New loads the named IANA timezone.
func New(timezone string) (*Converter, error) {
	if timezone == "" {
		return nil, fmt.Errorf("%w: empty timezone", ErrInvalidTimeInput)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: load timezone %q: %v", ErrInvalidTimeInput, timezone, err)
	}
	return &Converter{loc: loc}, nil
}

// ToAbsoluteInstant returns the UTC instant at which the wall clock in the
// practice timezone reads slot on day. Wall-clock times skipped by a daylight
// saving jump do not exist and are rejected.
func (c *Converter) ToAbsoluteInstant(day time.Time, slot string) (time.Time, error) {
	if day.IsZero() {
		return time.Time{}, fmt.Errorf("%w: missing day", ErrInvalidTimeInput)
	}
	hour, minute, err := ParseSlot(slot)
	if err != nil {
		return time.Time{}, err
	}

	y, m, d := day.Date()
	local := time.Date(y, m, d, hour, minute, 0, 0, c.loc)
	if local.Hour() != hour || local.Minute() != minute || local.Day() != d {
		return time.Time{}, fmt.Errorf("%w: %s %s does not exist in %s", ErrInvalidTimeInput, day.Format(DayLayout), slot, c.loc)
	}
	return local.UTC(), nil
}

// IsPracticeFriday reports whether instant falls on a Friday on the practice wall calendar.
func (c *Converter) IsPracticeFriday(instant time.Time) bool {
	return instant.In(c.loc).Weekday() == time.Friday
}

// CivilDateKey returns the YYYY-MM-DD storage key of the practice calendar day
// containing instant.
func (c *Converter) CivilDateKey(instant time.Time) string {
	return instant.In(c.loc).Format(DayLayout)
}

// DayOf returns the UTC-midnight day key of the practice calendar day containing instant.
func (c *Converter) DayOf(instant time.Time) time.Time {
	y, m, d := instant.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsToday reports whether day is the current practice calendar day.
func (c *Converter) IsToday(day, now time.Time) bool {
	return DayKey(day).Equal(c.DayOf(now))
}

// SlotOpen reports whether the slot on day still starts at least buffer after now.
func (c *Converter) SlotOpen(day time.Time, slot string, now time.Time, buffer time.Duration) (bool, error) {
	start, err := c.ToAbsoluteInstant(day, slot)
	if err != nil {
		return false, err
	}
	return !start.Before(now.Add(buffer)), nil
}

// ParseSlot validates a 24-hour HH:MM slot and returns its parts.
func ParseSlot(slot string) (hour, minute int, err error) {
	if len(slot) != 5 || slot[2] != ':' {
		return 0, 0, fmt.Errorf("%w: slot %q is not HH:MM", ErrInvalidTimeInput, slot)
	}
	hour, herr := strconv.Atoi(slot[:2])
	minute, merr := strconv.Atoi(slot[3:])
	if herr != nil || merr != nil || !isDigits(slot[:2]) || !isDigits(slot[3:]) {
		return 0, 0, fmt.Errorf("%w: slot %q is not HH:MM", ErrInvalidTimeInput, slot)
	}
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: slot %q out of range", ErrInvalidTimeInput, slot)
	}
	return hour, minute, nil
}

// ValidSlot reports whether slot is a valid HH:MM string.
func ValidSlot(slot string) bool {
	_, _, err := ParseSlot(slot)
	return err == nil
}

// ParseDay parses a YYYY-MM-DD key into its UTC-midnight day.
func ParseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing day", ErrInvalidTimeInput)
	}
	day, err := time.ParseInLocation(DayLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: day %q: %v", ErrInvalidTimeInput, s, err)
	}
	return day, nil
}

// DayKey normalizes t to midnight UTC of its own calendar date.
func DayKey(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDay renders a day key.
func FormatDay(day time.Time) string {
	return DayKey(day).Format(DayLayout)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
