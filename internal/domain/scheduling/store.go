package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DistributedLocker serializes a key across server replicas. Acquire blocks
// until the key is held or ctx is done.
type DistributedLocker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultIdleDayTTL   = 15 * time.Minute
)

type dayKey struct {
	doctorID string
	date     Date
}

func (k dayKey) lockKey() string {
	return "doctor:" + k.doctorID + ":" + k.date.String()
}

// dayBook holds one doctor's active appointments for one date, ordered by
// start time and never overlapping. sem is the commit section: whoever holds
// it is the only writer for the day. mu guards appts for readers.
type dayBook struct {
	sem    chan struct{}
	mu     sync.RWMutex
	loaded bool
	appts  []*Appointment
	refs   int
	used   time.Time
}

// overlapsSorted relies on appts being sorted and disjoint, so only the last
// appointment starting before end can intersect [start, end).
func overlapsSorted(appts []*Appointment, start, end TimeOfDay) bool {
	i := sort.Search(len(appts), func(i int) bool { return appts[i].StartTime >= end })
	return i > 0 && appts[i-1].EndTime > start
}

func (b *dayBook) overlaps(start, end TimeOfDay) bool { return overlapsSorted(b.appts, start, end) }

func (b *dayBook) insert(a *Appointment) {
	for _, existing := range b.appts {
		if existing.ID == a.ID {
			return
		}
	}
	i := sort.Search(len(b.appts), func(i int) bool { return b.appts[i].StartTime >= a.StartTime })
	b.appts = append(b.appts, nil)
	copy(b.appts[i+1:], b.appts[i:])
	b.appts[i] = a
}

func (b *dayBook) remove(id uuid.UUID) {
	for i, a := range b.appts {
		if a.ID == id {
			b.appts = append(b.appts[:i], b.appts[i+1:]...)
			return
		}
	}
}

// Store is the authoritative set of active appointments per doctor and date.
// Writes for the same doctor and date are serialized; different doctors and
// different dates never wait on each other. Only days that have been written
// through the store are cached.
type Store struct {
	repo         AppointmentRepository
	locker       DistributedLocker
	writeTimeout time.Duration
	idleTTL      time.Duration
	now          func() time.Time

	mu   sync.Mutex
	days map[dayKey]*dayBook
}

type StoreOption func(*Store)

// WithDistributedLocker makes every commit section also hold a lock shared
// with other replicas, and reload the day from the repository once held.
func WithDistributedLocker(l DistributedLocker) StoreOption {
	return func(s *Store) { s.locker = l }
}

// WithWriteTimeout bounds a repository write once it has started. Zero keeps
// the default.
func WithWriteTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithIdleDayTTL sets how long an unused cached day survives Prune. Zero
// keeps the default.
func WithIdleDayTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(repo AppointmentRepository, opts ...StoreOption) *Store {
	s := &Store{
		repo:         repo,
		writeTimeout: defaultWriteTimeout,
		idleTTL:      defaultIdleDayTTL,
		now:          time.Now,
		days:         make(map[dayKey]*dayBook),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) acquireDay(k dayKey) *dayBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.days[k]
	if !ok {
		b = &dayBook{sem: make(chan struct{}, 1)}
		s.days[k] = b
	}
	b.refs++
	return b
}

// peekDay pins the cached day for k, or returns nil when it is not cached.
func (s *Store) peekDay(k dayKey) *dayBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.days[k]
	if !ok {
		return nil
	}
	b.refs++
	return b
}

func (s *Store) releaseDay(b *dayBook) {
	s.mu.Lock()
	b.refs--
	b.used = s.now()
	s.mu.Unlock()
}

// fetch reads a day's active appointments from the repository, sorted.
func (s *Store) fetch(ctx context.Context, k dayKey) ([]*Appointment, error) {
	appts, err := s.repo.ListActiveByDoctorDate(ctx, k.doctorID, k.date)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newError(ErrStorageUnavailable, "", fmt.Errorf("load appointments for %s: %w", k.lockKey(), err))
	}
	sort.Slice(appts, func(i, j int) bool { return appts[i].StartTime < appts[j].StartTime })
	return appts, nil
}

func (s *Store) load(ctx context.Context, k dayKey, b *dayBook, force bool) error {
	if !force {
		b.mu.RLock()
		loaded := b.loaded
		b.mu.RUnlock()
		if loaded {
			return nil
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded && !force {
		return nil
	}
	appts, err := s.fetch(ctx, k)
	if err != nil {
		return err
	}
	b.appts = appts
	b.loaded = true
	return nil
}

// view calls fn with the sorted active appointments of a day. A day that is
// not cached is read from the repository and left uncached, so reads alone
// never grow the store.
func (s *Store) view(ctx context.Context, k dayKey, fn func([]*Appointment)) error {
	b := s.peekDay(k)
	if b == nil {
		appts, err := s.fetch(ctx, k)
		if err != nil {
			return err
		}
		fn(appts)
		return nil
	}
	defer s.releaseDay(b)
	if err := s.load(ctx, k, b, false); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.appts)
	return nil
}

// HasOverlap reports whether any active appointment of doctorID on date
// intersects [start, end). It does not wait for commits in progress.
func (s *Store) HasOverlap(ctx context.Context, doctorID string, date Date, start, end TimeOfDay) (bool, error) {
	var taken bool
	err := s.view(ctx, dayKey{doctorID: doctorID, date: date}, func(appts []*Appointment) {
		taken = overlapsSorted(appts, start, end)
	})
	return taken, err
}

// Day returns copies of the active appointments of doctorID on date.
func (s *Store) Day(ctx context.Context, doctorID string, date Date) ([]*Appointment, error) {
	var out []*Appointment
	err := s.view(ctx, dayKey{doctorID: doctorID, date: date}, func(appts []*Appointment) {
		out = make([]*Appointment, 0, len(appts))
		for _, a := range appts {
			out = append(out, a.clone())
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Section is a held commit section for one doctor and date. Check and insert
// done through the same Section are atomic with respect to every other
// writer of that day.
type Section struct {
	store   *Store
	key     dayKey
	book    *dayBook
	release func(context.Context) error
	once    sync.Once
}

// Lock enters the commit section for doctorID on date. It gives up when ctx
// is done, before anything has been written.
func (s *Store) Lock(ctx context.Context, doctorID string, date Date) (*Section, error) {
	k := dayKey{doctorID: doctorID, date: date}
	b := s.acquireDay(k)
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		s.releaseDay(b)
		return nil, ctx.Err()
	}
	sec := &Section{store: s, key: k, book: b}

	force := false
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, k.lockKey())
		if err != nil {
			sec.Release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, newError(ErrStorageUnavailable, "", fmt.Errorf("acquire %s: %w", k.lockKey(), err))
		}
		sec.release = release
		force = true
	}
	lctx, cancel := sec.Bounded(ctx)
	err := s.load(lctx, k, b, force)
	cancel()
	if err != nil {
		sec.Release()
		return nil, err
	}
	return sec, nil
}

// Bounded limits ctx to the store's write timeout. Reads made while the
// section is held use it, so the whole section fits in a lock lease of a
// few write timeouts.
func (sec *Section) Bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, sec.store.writeTimeout)
}

// Release leaves the section. It is safe to call more than once.
func (sec *Section) Release() {
	sec.once.Do(func() {
		if sec.release != nil {
			ctx, cancel := context.WithTimeout(context.Background(), sec.store.writeTimeout)
			_ = sec.release(ctx)
			cancel()
		}
		<-sec.book.sem
		sec.store.releaseDay(sec.book)
	})
}

func (sec *Section) HasOverlap(start, end TimeOfDay) bool {
	sec.book.mu.RLock()
	defer sec.book.mu.RUnlock()
	return sec.book.overlaps(start, end)
}

// Insert persists a and then publishes it to readers. It returns ErrConflict
// when the interval is taken, the context error when ctx ended before the
// write started, and a StorageUnavailable error when the write failed. Once
// the write has started it runs to completion under its own timeout so the
// outcome is always known.
func (sec *Section) Insert(ctx context.Context, a *Appointment) error {
	if a.DoctorID != sec.key.doctorID || a.Date != sec.key.date {
		return fmt.Errorf("appointment for %s/%s inserted under section %s", a.DoctorID, a.Date, sec.key.lockKey())
	}
	if sec.HasOverlap(a.StartTime, a.EndTime) {
		return ErrConflict
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sec.store.writeTimeout)
	defer cancel()
	if err := sec.store.repo.Save(wctx, a); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another writer got there first; the cached day is stale.
			sec.book.mu.Lock()
			sec.book.loaded = false
			sec.book.mu.Unlock()
			return ErrConflict
		}
		return newError(ErrStorageUnavailable, "", fmt.Errorf("save appointment %s: %w", a.ID, err))
	}

	sec.book.mu.Lock()
	sec.book.insert(a.clone())
	sec.book.mu.Unlock()
	return nil
}

// Insert is the standalone atomic check-and-insert.
func (s *Store) Insert(ctx context.Context, a *Appointment) (uuid.UUID, error) {
	sec, err := s.Lock(ctx, a.DoctorID, a.Date)
	if err != nil {
		return uuid.Nil, err
	}
	defer sec.Release()
	if err := sec.Insert(ctx, a); err != nil {
		return uuid.Nil, err
	}
	return a.ID, nil
}

// Get loads an appointment by id from the repository.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, newError(ErrStorageUnavailable, "", fmt.Errorf("get appointment %s: %w", id, err))
	}
	return a, nil
}

// ListByUser pages through a user's appointments in the repository.
func (s *Store) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, newError(ErrStorageUnavailable, "", fmt.Errorf("list appointments for %q: %w", userID, err))
	}
	return items, total, nil
}

// Remove cancels the appointment durably and frees its interval. Removing an
// already cancelled appointment is a no-op.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Active() {
		return nil
	}

	sec, err := s.Lock(ctx, a.DoctorID, a.Date)
	if err != nil {
		return err
	}
	defer sec.Release()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := s.repo.Cancel(wctx, id, s.now().UTC()); err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return ErrAppointmentNotFound
		}
		return newError(ErrStorageUnavailable, "", fmt.Errorf("cancel appointment %s: %w", id, err))
	}

	sec.book.mu.Lock()
	sec.book.remove(id)
	sec.book.mu.Unlock()
	return nil
}

// Prune forgets cached days strictly before the given date and days nobody
// has used for the idle TTL. Days currently in use are kept. It returns how
// many days were dropped.
func (s *Store) Prune(before Date) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, b := range s.days {
		if b.refs > 0 {
			continue
		}
		if k.date.Before(before) || now.Sub(b.used) > s.idleTTL {
			delete(s.days, k)
			n++
		}
	}
	return n
}

func (s *Store) cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.days)
}
