package booking

import (
	"context"

	"github.com/google/uuid"
)

// ScheduleRepository stores weekly schedule rules. Rules are immutable: there
// is no Update.
type ScheduleRepository interface {
	Create(ctx context.Context, r *ScheduleRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduleRule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDoctor(ctx context.Context, doctorID string) ([]*ScheduleRule, error)
	DeleteByDoctor(ctx context.Context, doctorID string) (int, error)
}

// AppointmentRepository stores appointments and owns the (doctor, date, time)
// uniqueness invariant: Create and Update must fail with ErrDuplicateBooking
// instead of writing a second appointment into an occupied slot. Lookups of
// unknown ids fail with ErrRecordNotFound.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByDoctorAndDate(ctx context.Context, doctorID string, date Date) ([]*Appointment, error)
	ListByDoctor(ctx context.Context, doctorID string) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error)
	ListAll(ctx context.Context, limit, offset int) ([]*Appointment, int, error)
	DeleteByDoctor(ctx context.Context, doctorID string) (int, error)
}
