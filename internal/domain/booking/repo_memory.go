package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of both repositories. A single
// mutex guards rules, appointments and the slot index, so the check for an
// occupied slot and the write that claims it happen atomically.
type MemoryStore struct {
	mu           sync.RWMutex
	rules        map[uuid.UUID]*ScheduleRule
	appointments map[uuid.UUID]*Appointment
	slots        map[SlotKey]uuid.UUID // slot -> appointment ID
	now          func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:        make(map[uuid.UUID]*ScheduleRule),
		appointments: make(map[uuid.UUID]*Appointment),
		slots:        make(map[SlotKey]uuid.UUID),
		now:          time.Now,
	}
}

// Schedules returns the store as a ScheduleRepository.
func (m *MemoryStore) Schedules() ScheduleRepository { return memoryRules{m} }

// Appointments returns the store as an AppointmentRepository.
func (m *MemoryStore) Appointments() AppointmentRepository { return memoryAppointments{m} }

type memoryRules struct{ m *MemoryStore }

func (r memoryRules) Create(_ context.Context, rule *ScheduleRule) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rule.ID = uuid.New()
	rule.CreatedAt = r.m.now()
	r.m.rules[rule.ID] = rule.clone()
	return nil
}

func (r memoryRules) GetByID(_ context.Context, id uuid.UUID) (*ScheduleRule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	rule, ok := r.m.rules[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rule.clone(), nil
}

func (r memoryRules) Delete(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.rules[id]; !ok {
		return ErrRecordNotFound
	}
	delete(r.m.rules, id)
	return nil
}

func (r memoryRules) ListByDoctor(_ context.Context, doctorID string) ([]*ScheduleRule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*ScheduleRule
	for _, rule := range r.m.rules {
		if rule.DoctorID == doctorID {
			out = append(out, rule.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memoryRules) DeleteByDoctor(_ context.Context, doctorID string) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for id, rule := range r.m.rules {
		if rule.DoctorID == doctorID {
			delete(r.m.rules, id)
			n++
		}
	}
	return n, nil
}

type memoryAppointments struct{ m *MemoryStore }

func (r memoryAppointments) Create(_ context.Context, a *Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, taken := r.m.slots[a.SlotKey()]; taken {
		return ErrDuplicateBooking
	}
	a.ID = uuid.New()
	a.CreatedAt = r.m.now()
	a.UpdatedAt = a.CreatedAt
	r.m.appointments[a.ID] = a.clone()
	r.m.slots[a.SlotKey()] = a.ID
	return nil
}

func (r memoryAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.appointments[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return a.clone(), nil
}

func (r memoryAppointments) Update(_ context.Context, a *Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	existing, ok := r.m.appointments[a.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if holder, taken := r.m.slots[a.SlotKey()]; taken && holder != a.ID {
		return ErrDuplicateBooking
	}
	delete(r.m.slots, existing.SlotKey())
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = r.m.now()
	r.m.appointments[a.ID] = a.clone()
	r.m.slots[a.SlotKey()] = a.ID
	return nil
}

func (r memoryAppointments) Delete(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.appointments[id]
	if !ok {
		return ErrRecordNotFound
	}
	delete(r.m.slots, a.SlotKey())
	delete(r.m.appointments, id)
	return nil
}

func (r memoryAppointments) ListByDoctorAndDate(_ context.Context, doctorID string, date Date) ([]*Appointment, error) {
	return r.filter(func(a *Appointment) bool { return a.DoctorID == doctorID && a.Date == date }), nil
}

func (r memoryAppointments) ListByDoctor(_ context.Context, doctorID string) ([]*Appointment, error) {
	return r.filter(func(a *Appointment) bool { return a.DoctorID == doctorID }), nil
}

func (r memoryAppointments) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	all := r.filter(func(a *Appointment) bool { return a.PatientID == patientID })
	return page(all, limit, offset), len(all), nil
}

func (r memoryAppointments) ListAll(_ context.Context, limit, offset int) ([]*Appointment, int, error) {
	all := r.filter(func(*Appointment) bool { return true })
	return page(all, limit, offset), len(all), nil
}

func (r memoryAppointments) DeleteByDoctor(_ context.Context, doctorID string) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for id, a := range r.m.appointments {
		if a.DoctorID == doctorID {
			delete(r.m.slots, a.SlotKey())
			delete(r.m.appointments, id)
			n++
		}
	}
	return n, nil
}

func (r memoryAppointments) filter(keep func(*Appointment) bool) []*Appointment {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.m.appointments {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sortByStart(out)
	return out
}

// sortByStart orders appointments chronologically, as every list view shows
// them.
func sortByStart(appts []*Appointment) {
	sort.SliceStable(appts, func(i, j int) bool {
		if !appts[i].StartsAt.Equal(appts[j].StartsAt) {
			return appts[i].StartsAt.Before(appts[j].StartsAt)
		}
		return appts[i].CreatedAt.Before(appts[j].CreatedAt)
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
