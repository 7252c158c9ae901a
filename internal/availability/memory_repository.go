package availability

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

type memKey struct {
	doctor uuid.UUID
	day    string
}

// MemoryRepository is an in-process Repository with the one-row-per-day
// rule of the Postgres schema. Used by tests and the simulator.
type MemoryRepository struct {
	mu      sync.Mutex
	rows    map[memKey]*Availability
	doctors map[uuid.UUID]bool // id -> active
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: map[memKey]*Availability{}, doctors: map[uuid.UUID]bool{}}
}

// SetDoctorActive registers a doctor for KnownDoctorsOnly listings.
func (m *MemoryRepository) SetDoctorActive(id uuid.UUID, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[id] = active
}

func key(doctor uuid.UUID, day time.Time) memKey {
	return memKey{doctor, practicetime.FormatDay(day)}
}

func (m *MemoryRepository) Create(_ context.Context, a Availability) (*Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.DoctorID, a.Day)
	if _, ok := m.rows[k]; ok {
		return nil, ErrDuplicateAvailability
	}
	a.ID = uuid.New()
	a.Slots = slices.Clone(a.Slots)
	m.rows[k] = &a
	cp := a
	return &cp, nil
}

func (m *MemoryRepository) Get(_ context.Context, doctorID uuid.UUID, day time.Time) (*Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[key(doctorID, day)]
	if !ok {
		return nil, ErrAvailabilityNotFound
	}
	cp := *a
	cp.Slots = slices.Clone(a.Slots)
	return &cp, nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Availability
	for _, a := range m.rows {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if a.Day.Before(f.From) || a.Day.After(f.To) {
			continue
		}
		if f.ActiveOnly && !a.Active {
			continue
		}
		if f.KnownDoctorsOnly && !m.doctors[a.DoctorID] {
			continue
		}
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b Availability) int { return a.Day.Compare(b.Day) })
	return out, nil
}

func (m *MemoryRepository) mutate(doctorID uuid.UUID, day time.Time, fn func(a *Availability) error) (*Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[key(doctorID, day)]
	if !ok {
		return nil, ErrAvailabilityNotFound
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) AddSlot(_ context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error) {
	return m.mutate(doctorID, day, func(a *Availability) error {
		if a.HasSlot(slot) {
			return ErrSlotAlreadyExists
		}
		a.Slots = append(a.Slots, slot)
		slices.Sort(a.Slots)
		return nil
	})
}

func (m *MemoryRepository) RemoveSlot(_ context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error) {
	return m.mutate(doctorID, day, func(a *Availability) error {
		i := slices.Index(a.Slots, slot)
		if i < 0 {
			return ErrSlotNotFound
		}
		a.Slots = slices.Delete(a.Slots, i, i+1)
		return nil
	})
}

func (m *MemoryRepository) ReplaceSlots(_ context.Context, doctorID uuid.UUID, day time.Time, slots []string) (*Availability, error) {
	return m.mutate(doctorID, day, func(a *Availability) error {
		a.Slots = slices.Clone(slots)
		return nil
	})
}

func (m *MemoryRepository) SetActive(_ context.Context, doctorID uuid.UUID, day time.Time, active bool) (*Availability, error) {
	return m.mutate(doctorID, day, func(a *Availability) error {
		a.Active = active
		return nil
	})
}

func (m *MemoryRepository) Delete(_ context.Context, doctorID uuid.UUID, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(doctorID, day)
	if _, ok := m.rows[k]; !ok {
		return ErrAvailabilityNotFound
	}
	delete(m.rows, k)
	return nil
}

func (m *MemoryRepository) DeleteByDoctor(_ context.Context, doctorID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.rows {
		if k.doctor == doctorID {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CopyRange(_ context.Context, req CopyRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inRange := func(d time.Time) bool { return !d.Before(req.From) && !d.After(req.To) }

	var conflicts []time.Time
	for k, a := range m.rows {
		if k.doctor == req.ToDoctor && inRange(a.Day) {
			conflicts = append(conflicts, a.Day)
		}
	}
	if len(conflicts) > 0 {
		if !req.Overwrite {
			slices.SortFunc(conflicts, time.Time.Compare)
			return 0, &ScheduleConflictError{Days: conflicts}
		}
		for k, a := range m.rows {
			if k.doctor == req.ToDoctor && inRange(a.Day) {
				delete(m.rows, k)
			}
		}
	}

	var n int64
	var copies []*Availability
	for k, a := range m.rows {
		if k.doctor == req.FromDoctor && inRange(a.Day) {
			cp := *a
			cp.ID = uuid.New()
			cp.DoctorID = req.ToDoctor
			cp.Slots = slices.Clone(a.Slots)
			copies = append(copies, &cp)
		}
	}
	for _, c := range copies {
		m.rows[key(c.DoctorID, c.Day)] = c
		n++
	}
	return n, nil
}
