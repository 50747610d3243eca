package booking

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Blocks reports whether an appointment in this status occupies its slot.
// Every stored appointment blocks; a request that is still pending keeps the
// slot away from other patients until an administrator deletes it.
func (s Status) Blocks() bool {
	return s.Valid()
}

// CanTransition reports whether from -> to is an allowed status change.
// Staying in the same status is allowed so that confirmation is idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	return from == StatusPending && to == StatusConfirmed
}

// ScheduleRule maps to the schedule_rule table: a recurring weekly
// availability for one doctor.
type ScheduleRule struct {
	ID        uuid.UUID `db:"id" json:"id"`
	DoctorID  string    `db:"doctor_id" json:"doctor_id"`
	Weekdays  []int     `db:"weekdays" json:"weekdays"`
	TimeSlots []string  `db:"time_slots" json:"time_slots"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HasWeekday reports whether the rule applies on w.
func (r *ScheduleRule) HasWeekday(w time.Weekday) bool {
	for _, d := range r.Weekdays {
		if d == int(w) {
			return true
		}
	}
	return false
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    string    `db:"patient_id" json:"patient_id"`
	DoctorID     string    `db:"doctor_id" json:"doctor_id"`
	Specialty    string    `db:"specialty" json:"specialty"`
	Date         Date      `db:"appointment_date" json:"date"`
	Time         string    `db:"slot_time" json:"time"`
	WeekdayLabel string    `db:"weekday_label" json:"weekday_label"`
	StartsAt     time.Time `db:"starts_at" json:"starts_at"`
	Status       Status    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// SlotKey identifies the (doctor, date, time) triple that must be unique.
type SlotKey struct {
	DoctorID string
	Date     Date
	Time     string
}

func (a *Appointment) SlotKey() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, Time: a.Time}
}

func (a *Appointment) clone() *Appointment {
	cp := *a
	return &cp
}

func (r *ScheduleRule) clone() *ScheduleRule {
	cp := *r
	cp.Weekdays = append([]int(nil), r.Weekdays...)
	cp.TimeSlots = append([]string(nil), r.TimeSlots...)
	return &cp
}
