package scheduling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeDay = Date{2024, time.January, 10}

func newAppt(doctorID string, start, end TimeOfDay) *Appointment {
	return &Appointment{
		ID:        uuid.New(),
		DoctorID:  doctorID,
		UserID:    "user-1",
		Date:      storeDay,
		StartTime: start,
		EndTime:   end,
		Status:    StatusBooked,
	}
}

func TestStore_HalfOpenOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryAppointmentRepo())

	_, err := s.Insert(ctx, newAppt("doc-1", 540, 570))
	require.NoError(t, err)

	tests := []struct {
		start, end TimeOfDay
		want       bool
	}{
		{570, 600, false},
		{510, 540, false},
		{555, 585, true},
		{540, 570, true},
		{480, 600, true},
	}
	for _, tt := range tests {
		got, err := s.HasOverlap(ctx, "doc-1", storeDay, tt.start, tt.end)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "[%s, %s)", tt.start, tt.end)
	}

	other, err := s.HasOverlap(ctx, "doc-2", storeDay, 540, 570)
	require.NoError(t, err)
	assert.False(t, other, "other doctors are independent")
}

func TestStore_InsertConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAppointmentRepo()
	s := NewStore(repo)

	first := newAppt("doc-1", 540, 570)
	id, err := s.Insert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)

	id, err = s.Insert(ctx, newAppt("doc-1", 555, 585))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, uuid.Nil, id)

	// Adjacent intervals are fine.
	_, err = s.Insert(ctx, newAppt("doc-1", 570, 600))
	require.NoError(t, err)

	day, err := s.Day(ctx, "doc-1", storeDay)
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, TimeOfDay(540), day[0].StartTime)
	assert.Equal(t, TimeOfDay(570), day[1].StartTime)

	stored, err := repo.ListActiveByDoctorDate(ctx, "doc-1", storeDay)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestStore_InsertPublishesCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryAppointmentRepo())
	a := newAppt("doc-1", 540, 570)
	_, err := s.Insert(ctx, a)
	require.NoError(t, err)

	a.StartTime, a.EndTime = 600, 630
	taken, err := s.HasOverlap(ctx, "doc-1", storeDay, 540, 570)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAppointmentRepo()
	now := time.Date(2024, 1, 9, 12, 0, 0, 0, time.UTC)
	s := NewStore(repo, WithStoreClock(func() time.Time { return now }))

	a := newAppt("doc-1", 540, 570)
	_, err := s.Insert(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, a.ID))
	taken, err := s.HasOverlap(ctx, "doc-1", storeDay, 540, 570)
	require.NoError(t, err)
	assert.False(t, taken)

	stored, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	require.NotNil(t, stored.CancelledAt)
	assert.True(t, stored.CancelledAt.Equal(now))

	// Second removal is a no-op.
	require.NoError(t, s.Remove(ctx, a.ID))
	assert.ErrorIs(t, s.Remove(ctx, uuid.New()), ErrAppointmentNotFound)

	// The freed interval can be booked again.
	_, err = s.Insert(ctx, newAppt("doc-1", 540, 570))
	require.NoError(t, err)
}

func TestStore_LockIsExclusivePerDay(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryAppointmentRepo())

	sec, err := s.Lock(ctx, "doc-1", storeDay)
	require.NoError(t, err)

	// Another doctor and another day are not blocked.
	other, err := s.Lock(ctx, "doc-2", storeDay)
	require.NoError(t, err)
	other.Release()
	nextDay, err := s.Lock(ctx, "doc-1", Date{2024, time.January, 11})
	require.NoError(t, err)
	nextDay.Release()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Lock(waitCtx, "doc-1", storeDay)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sec.Release()
	sec.Release()

	again, err := s.Lock(ctx, "doc-1", storeDay)
	require.NoError(t, err)
	again.Release()
}

func TestSection_InsertChecksContextBeforeWriting(t *testing.T) {
	repo := NewMemoryAppointmentRepo()
	s := NewStore(repo)

	sec, err := s.Lock(context.Background(), "doc-1", storeDay)
	require.NoError(t, err)
	defer sec.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sec.Insert(ctx, newAppt("doc-1", 540, 570))
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := repo.ListActiveByDoctorDate(context.Background(), "doc-1", storeDay)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.False(t, sec.HasOverlap(540, 570))
}

func TestSection_InsertRejectsForeignAppointment(t *testing.T) {
	s := NewStore(NewMemoryAppointmentRepo())
	sec, err := s.Lock(context.Background(), "doc-1", storeDay)
	require.NoError(t, err)
	defer sec.Release()

	err = sec.Insert(context.Background(), newAppt("doc-2", 540, 570))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestSection_InsertStorageFailure(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAppointmentRepo()
	s := NewStore(repo)

	sec, err := s.Lock(ctx, "doc-1", storeDay)
	require.NoError(t, err)
	repo.SetFailure(errors.New("disk full"))
	err = sec.Insert(ctx, newAppt("doc-1", 540, 570))
	sec.Release()

	assert.Equal(t, KindStorageUnavailable, KindOf(err))
	assert.ErrorContains(t, err, "disk full")

	repo.SetFailure(nil)
	taken, err := s.HasOverlap(ctx, "doc-1", storeDay, 540, 570)
	require.NoError(t, err)
	assert.False(t, taken, "failed write must not be visible")
}

func TestStore_LoadFailureIsStorageUnavailable(t *testing.T) {
	repo := NewMemoryAppointmentRepo()
	repo.SetFailure(errors.New("connection refused"))
	s := NewStore(repo)

	_, err := s.HasOverlap(context.Background(), "doc-1", storeDay, 540, 570)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))

	_, err = s.Lock(context.Background(), "doc-1", storeDay)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))

	// The failed load released the section.
	repo.SetFailure(nil)
	sec, err := s.Lock(context.Background(), "doc-1", storeDay)
	require.NoError(t, err)
	sec.Release()
}

// touch caches a day by entering and leaving its commit section.
func touch(t *testing.T, s *Store, doctorID string, d Date) {
	t.Helper()
	sec, err := s.Lock(context.Background(), doctorID, d)
	require.NoError(t, err)
	sec.Release()
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryAppointmentRepo())

	for _, d := range []Date{{2024, time.January, 8}, {2024, time.January, 9}, storeDay} {
		touch(t, s, "doc-1", d)
	}
	held, err := s.Lock(ctx, "doc-2", Date{2024, time.January, 8})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Prune(storeDay))
	assert.Equal(t, 2, s.cached())

	held.Release()
	assert.Equal(t, 1, s.Prune(storeDay))
}

func TestStore_ReadsDoNotGrowCache(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAppointmentRepo()
	s := NewStore(repo)
	_, err := s.Insert(ctx, newAppt("doc-1", 540, 570))
	require.NoError(t, err)
	require.Equal(t, 1, s.cached())

	d := storeDay
	for i := 0; i < 500; i++ {
		d = DateOf(d.At(0, time.UTC).AddDate(0, 0, 1))
		_, err := s.HasOverlap(ctx, "doc-1", d, 540, 570)
		require.NoError(t, err)
		_, err = s.Day(ctx, fmt.Sprintf("doc-%d", i), d)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.cached())

	// Uncached reads still see what the repository holds.
	other := newAppt("doc-2", 600, 630)
	require.NoError(t, repo.Save(ctx, other))
	taken, err := s.HasOverlap(ctx, "doc-2", storeDay, 615, 645)
	require.NoError(t, err)
	assert.True(t, taken)
	day, err := s.Day(ctx, "doc-2", storeDay)
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, other.ID, day[0].ID)
}

func TestStore_PruneDropsIdleDays(t *testing.T) {
	now := time.Date(2024, time.January, 9, 8, 0, 0, 0, time.UTC)
	s := NewStore(NewMemoryAppointmentRepo(),
		WithStoreClock(func() time.Time { return now }),
		WithIdleDayTTL(time.Hour))

	touch(t, s, "doc-1", storeDay)
	now = now.Add(30 * time.Minute)
	touch(t, s, "doc-2", storeDay)
	held, err := s.Lock(context.Background(), "doc-3", storeDay)
	require.NoError(t, err)
	defer held.Release()

	now = now.Add(45 * time.Minute)
	assert.Equal(t, 1, s.Prune(Date{2024, time.January, 9}), "only doc-1 sat idle past the TTL")
	assert.Equal(t, 2, s.cached())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, s.Prune(Date{2024, time.January, 9}), "held days are never dropped")

	// A dropped day reloads from the repository on the next write.
	_, err = s.Insert(context.Background(), newAppt("doc-1", 540, 570))
	require.NoError(t, err)
	taken, err := s.HasOverlap(context.Background(), "doc-1", storeDay, 540, 570)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestDayBook_InsertIsIdempotent(t *testing.T) {
	b := &dayBook{}
	a := newAppt("doc-1", 600, 630)
	b.insert(a)
	b.insert(a)
	b.insert(newAppt("doc-1", 540, 570))
	require.Len(t, b.appts, 2)
	assert.Equal(t, TimeOfDay(540), b.appts[0].StartTime)

	b.remove(a.ID)
	assert.Len(t, b.appts, 1)
}

func TestStore_ReplicasWithSharedLocker(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAppointmentRepo()
	locker := newChanLocker()
	a := NewStore(repo, WithDistributedLocker(locker))
	b := NewStore(repo, WithDistributedLocker(locker))

	// b caches the empty day before a books.
	touch(t, b, "doc-1", storeDay)

	_, err := a.Insert(ctx, newAppt("doc-1", 540, 570))
	require.NoError(t, err)

	// Entering the section reloads the day, so b sees a's booking.
	sec, err := b.Lock(ctx, "doc-1", storeDay)
	require.NoError(t, err)
	assert.True(t, sec.HasOverlap(540, 570))
	sec.Release()

	assert.Equal(t, 3, locker.acquires)
}

func TestStore_StaleReplicaWithoutLocker(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAppointmentRepo()
	a := NewStore(repo)
	b := NewStore(repo)

	touch(t, b, "doc-1", storeDay)
	_, err := a.Insert(ctx, newAppt("doc-1", 540, 570))
	require.NoError(t, err)

	// The repository rejects the overlap and b drops its stale day.
	_, err = b.Insert(ctx, newAppt("doc-1", 540, 570))
	assert.ErrorIs(t, err, ErrConflict)

	taken, err := b.HasOverlap(ctx, "doc-1", storeDay, 540, 570)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestStore_LockerFailure(t *testing.T) {
	s := NewStore(NewMemoryAppointmentRepo(), WithDistributedLocker(brokenLocker{}))

	_, err := s.Lock(context.Background(), "doc-1", storeDay)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))
	assert.ErrorContains(t, err, "connection refused")

	// The local section was released on failure.
	select {
	case s.days[dayKey{"doc-1", storeDay}].sem <- struct{}{}:
	default:
		t.Fatal("commit section still held after locker failure")
	}
}

func TestWithWriteTimeout(t *testing.T) {
	s := NewStore(NewMemoryAppointmentRepo(), WithWriteTimeout(0))
	assert.Equal(t, defaultWriteTimeout, s.writeTimeout)

	s = NewStore(NewMemoryAppointmentRepo(), WithWriteTimeout(time.Second))
	assert.Equal(t, time.Second, s.writeTimeout)
}
