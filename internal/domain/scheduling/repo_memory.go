package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAppointmentRepo keeps appointments in process memory. It is used when
// no database is configured and in tests. Like the Postgres table it refuses
// overlapping active rows.
type MemoryAppointmentRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
	fail  error
}

func NewMemoryAppointmentRepo() *MemoryAppointmentRepo {
	return &MemoryAppointmentRepo{items: make(map[uuid.UUID]*Appointment)}
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (r *MemoryAppointmentRepo) SetFailure(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *MemoryAppointmentRepo) Save(ctx context.Context, a *Appointment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if !validStatuses[a.Status] {
		return fmt.Errorf("invalid appointment status: %s", a.Status)
	}
	if _, ok := r.items[a.ID]; ok {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	if a.Active() {
		for _, other := range r.items {
			if other.Active() && other.DoctorID == a.DoctorID && other.Date == a.Date &&
				other.Slot().Overlaps(a.StartTime, a.EndTime) {
				return ErrConflict
			}
		}
	}
	r.items[a.ID] = a.clone()
	return nil
}

func (r *MemoryAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fail != nil {
		return nil, r.fail
	}
	a, ok := r.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return a.clone(), nil
}

func (r *MemoryAppointmentRepo) ListActiveByDoctorDate(_ context.Context, doctorID string, date Date) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fail != nil {
		return nil, r.fail
	}
	var items []*Appointment
	for _, a := range r.items {
		if a.Active() && a.DoctorID == doctorID && a.Date == date {
			items = append(items, a.clone())
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartTime < items[j].StartTime })
	return items, nil
}

func (r *MemoryAppointmentRepo) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fail != nil {
		return nil, 0, r.fail
	}
	var all []*Appointment
	for _, a := range r.items {
		if a.UserID == userID {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Date != all[j].Date {
			return all[j].Date.Before(all[i].Date)
		}
		return all[i].StartTime > all[j].StartTime
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	items := make([]*Appointment, 0, end-offset)
	for _, a := range all[offset:end] {
		items = append(items, a.clone())
	}
	return items, total, nil
}

func (r *MemoryAppointmentRepo) Cancel(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	a, ok := r.items[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if !a.Active() {
		return nil
	}
	a.Status = StatusCancelled
	a.CancelledAt = &at
	return nil
}

// MemoryScheduleRepo keeps doctor schedules in process memory.
type MemoryScheduleRepo struct {
	mu    sync.RWMutex
	items map[string]*DoctorSchedule
}

func NewMemoryScheduleRepo() *MemoryScheduleRepo {
	return &MemoryScheduleRepo{items: make(map[string]*DoctorSchedule)}
}

func (r *MemoryScheduleRepo) Get(_ context.Context, doctorID string) (*DoctorSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[doctorID]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	c := *s
	return &c, nil
}

func (r *MemoryScheduleRepo) Upsert(_ context.Context, s *DoctorSchedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	c := *s
	r.items[s.DoctorID] = &c
	return nil
}

func (r *MemoryScheduleRepo) List(_ context.Context, limit, offset int) ([]*DoctorSchedule, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	total := len(ids)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	items := make([]*DoctorSchedule, 0, end-offset)
	for _, id := range ids[offset:end] {
		c := *r.items[id]
		items = append(items, &c)
	}
	return items, total, nil
}
