package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

type fakeTaken map[SlotRef]struct{}

func (f fakeTaken) TakenSlots(context.Context, *uuid.UUID, time.Time, time.Time) (map[SlotRef]struct{}, error) {
	return f, nil
}

func newTestService(t *testing.T, repo *MemoryRepository, taken fakeTaken, now time.Time) *Service {
	t.Helper()
	clock, err := practicetime.New("Europe/Berlin")
	require.NoError(t, err)
	cfg := config.Config{Scheduling: config.Scheduling{ListingBuffer: 30 * time.Minute}}
	svc := NewService(repo, taken, clock, cfg, nil)
	svc.now = func() time.Time { return now }
	return svc
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := practicetime.ParseDay(s)
	require.NoError(t, err)
	return d
}

var beforeNov = time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)

func TestPublishNormalizesAndRejectsDuplicates(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, fakeTaken{}, beforeNov)
	doc := uuid.New()
	ctx := context.Background()

	a, err := svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-10"), []string{"09:30", "09:00", "09:30"})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30"}, a.Slots)
	assert.True(t, a.Active)

	_, err = svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-10"), []string{"10:00"})
	assert.ErrorIs(t, err, ErrDuplicateAvailability)
}

func TestPublishValidation(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), fakeTaken{}, beforeNov)
	doc := uuid.New()
	ctx := context.Background()

	_, err := svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-10"), []string{"9:00"})
	assert.ErrorIs(t, err, ErrInvalidSlotFormat)

	_, err = svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-10"), []string{"24:00"})
	assert.ErrorIs(t, err, ErrInvalidSlotFormat)

	_, err = svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-10"), nil)
	assert.ErrorIs(t, err, ErrNoSlots)

	_, err = svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-10-01"), []string{"09:00"})
	assert.ErrorIs(t, err, ErrPastDay)

	_, err = svc.Publish(ctx, auth.Doctor(uuid.New()), doc, day(t, "2025-11-10"), []string{"09:00"})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = svc.Publish(ctx, auth.Admin(uuid.New()), doc, day(t, "2025-11-10"), []string{"09:00"})
	assert.NoError(t, err)
}

func TestAddAndRemoveSlot(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, fakeTaken{}, beforeNov)
	doc := uuid.New()
	actor := auth.Doctor(doc)
	ctx := context.Background()
	d := day(t, "2025-11-10")

	_, err := svc.AddSlot(ctx, actor, doc, d, "09:00")
	assert.ErrorIs(t, err, ErrAvailabilityNotFound)

	_, err = svc.Publish(ctx, actor, doc, d, []string{"09:00"})
	require.NoError(t, err)

	a, err := svc.AddSlot(ctx, actor, doc, d, "08:30")
	require.NoError(t, err)
	assert.Equal(t, []string{"08:30", "09:00"}, a.Slots)

	_, err = svc.AddSlot(ctx, actor, doc, d, "08:30")
	assert.ErrorIs(t, err, ErrSlotAlreadyExists)

	_, err = svc.RemoveSlot(ctx, actor, doc, d, "11:00")
	assert.ErrorIs(t, err, ErrSlotNotFound)

	a, err = svc.RemoveSlot(ctx, actor, doc, d, "09:00")
	require.NoError(t, err)
	assert.Equal(t, []string{"08:30"}, a.Slots)

	a, err = svc.ReplaceSlots(ctx, actor, doc, d, []string{"14:00", "13:00"})
	require.NoError(t, err)
	assert.Equal(t, []string{"13:00", "14:00"}, a.Slots)
}

func TestListBookableExcludesTakenInactiveAndDangling(t *testing.T) {
	repo := NewMemoryRepository()
	doc, ghost := uuid.New(), uuid.New()
	repo.SetDoctorActive(doc, true)
	ctx := context.Background()
	d := day(t, "2025-11-10")

	taken := fakeTaken{NewSlotRef(doc, d, "09:00"): {}}
	svc := newTestService(t, repo, taken, beforeNov)

	_, err := svc.Publish(ctx, auth.Doctor(doc), doc, d, []string{"09:00", "09:30"})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, auth.Doctor(ghost), ghost, d, []string{"09:00"})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-11"), []string{"10:00"})
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, auth.Doctor(doc), doc, day(t, "2025-11-11"))
	require.NoError(t, err)

	days, err := svc.ListBookable(ctx, Query{From: d, To: day(t, "2025-11-12")})
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, doc, days[0].DoctorID)
	assert.Equal(t, []string{"09:30"}, days[0].Slots)
}

func TestListBookableFiltersPastSlotsOnlyToday(t *testing.T) {
	repo := NewMemoryRepository()
	doc := uuid.New()
	repo.SetDoctorActive(doc, true)
	ctx := context.Background()

	// Publish while the days are still in the future.
	svc := newTestService(t, repo, fakeTaken{}, beforeNov)
	_, err := svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-10"), []string{"09:00", "09:20", "09:30", "10:00"})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-11"), []string{"08:00"})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, auth.Doctor(doc), doc, day(t, "2025-11-09"), []string{"12:00"})
	require.NoError(t, err)

	// 09:00 Berlin on 2025-11-10.
	svc.now = func() time.Time { return time.Date(2025, 11, 10, 8, 0, 0, 0, time.UTC) }

	days, err := svc.ListBookable(ctx, Query{DoctorID: &doc, From: day(t, "2025-11-09"), To: day(t, "2025-11-11")})
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, []string{"09:30", "10:00"}, days[0].Slots)
	assert.Equal(t, []string{"08:00"}, days[1].Slots)
}

func TestListBookableRejectsBadRange(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), fakeTaken{}, beforeNov)
	_, err := svc.ListBookable(context.Background(), Query{From: day(t, "2025-11-10"), To: day(t, "2025-11-09")})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = svc.ListBookable(context.Background(), Query{From: day(t, "2025-11-10"), To: day(t, "2026-03-01")})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestCopySchedule(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, fakeTaken{}, beforeNov)
	src, dst := uuid.New(), uuid.New()
	ctx := context.Background()

	for _, d := range []string{"2025-11-10", "2025-11-11", "2025-11-12"} {
		_, err := svc.Publish(ctx, auth.Doctor(src), src, day(t, d), []string{"09:00"})
		require.NoError(t, err)
	}
	for _, d := range []string{"2025-11-11", "2025-11-12"} {
		_, err := svc.Publish(ctx, auth.Doctor(dst), dst, day(t, d), []string{"15:00"})
		require.NoError(t, err)
	}

	req := CopyRequest{FromDoctor: src, ToDoctor: dst, From: day(t, "2025-11-10"), To: day(t, "2025-11-12")}

	_, err := svc.CopySchedule(ctx, auth.Doctor(src), req)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = svc.CopySchedule(ctx, auth.Doctor(dst), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScheduleConflict)
	var conflict *ScheduleConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []time.Time{day(t, "2025-11-11"), day(t, "2025-11-12")}, conflict.Days)
	assert.Contains(t, err.Error(), "2025-11-11, 2025-11-12")

	req.Overwrite = true
	n, err := svc.CopySchedule(ctx, auth.Doctor(dst), req)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	a, err := svc.Get(ctx, dst, day(t, "2025-11-12"))
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00"}, a.Slots)
}

func TestClearAndIsPublished(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, fakeTaken{}, beforeNov)
	doc := uuid.New()
	ctx := context.Background()
	d := day(t, "2025-11-10")

	_, err := svc.Publish(ctx, auth.Doctor(doc), doc, d, []string{"09:00"})
	require.NoError(t, err)

	ok, err := svc.IsPublished(ctx, doc, d, "09:00")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsPublished(ctx, doc, d, "10:00")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.ClearDoctor(ctx, auth.Patient(doc), doc)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	n, err := svc.ClearDoctor(ctx, auth.Admin(uuid.New()), doc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = svc.IsPublished(ctx, doc, d, "09:00")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, svc.Delete(ctx, auth.Doctor(doc), doc, d), ErrAvailabilityNotFound)
}
