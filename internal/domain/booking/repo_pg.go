package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

// uniqueViolation is the SQLSTATE raised when appointment_slot_uniq rejects
// a second booking for the same slot.
const uniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func pgConn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRecordNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == uniqueViolation {
		return ErrDuplicateBooking
	}
	return err
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

const ruleCols = `id, doctor_id, weekdays, time_slots, created_at`

func scanRule(row pgx.Row) (*ScheduleRule, error) {
	var r ScheduleRule
	var days []int32
	if err := row.Scan(&r.ID, &r.DoctorID, &days, &r.TimeSlots, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Weekdays = make([]int, len(days))
	for i, d := range days {
		r.Weekdays[i] = int(d)
	}
	return &r, nil
}

func (r *scheduleRepoPG) Create(ctx context.Context, rule *ScheduleRule) error {
	rule.ID = uuid.New()
	days := make([]int32, len(rule.Weekdays))
	for i, d := range rule.Weekdays {
		days[i] = int32(d)
	}
	return pgConn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO schedule_rule (id, doctor_id, weekdays, time_slots)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		rule.ID, rule.DoctorID, days, rule.TimeSlots).Scan(&rule.CreatedAt)
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleRule, error) {
	rule, err := scanRule(pgConn(ctx, r.pool).QueryRow(ctx, `SELECT `+ruleCols+` FROM schedule_rule WHERE id = $1`, id))
	return rule, pgErr(err)
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := pgConn(ctx, r.pool).Exec(ctx, `DELETE FROM schedule_rule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *scheduleRepoPG) ListByDoctor(ctx context.Context, doctorID string) ([]*ScheduleRule, error) {
	rows, err := pgConn(ctx, r.pool).Query(ctx, `SELECT `+ruleCols+` FROM schedule_rule WHERE doctor_id = $1 ORDER BY created_at`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ScheduleRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rule)
	}
	return items, rows.Err()
}

func (r *scheduleRepoPG) DeleteByDoctor(ctx context.Context, doctorID string) (int, error) {
	tag, err := pgConn(ctx, r.pool).Exec(ctx, `DELETE FROM schedule_rule WHERE doctor_id = $1`, doctorID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, patient_id, doctor_id, specialty, appointment_date, slot_time,
	weekday_label, starts_at, status, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var day time.Time
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Specialty, &day, &a.Time,
		&a.WeekdayLabel, &a.StartsAt, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(day)
	return &a, nil
}

// sqlDate converts a civil date into the value bound to a DATE column.
func sqlDate(d Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := pgConn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, specialty, appointment_date, slot_time,
			weekday_label, starts_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.Specialty, sqlDate(a.Date), a.Time,
		a.WeekdayLabel, a.StartsAt, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	return pgErr(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(pgConn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	return a, pgErr(err)
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := pgConn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointment SET patient_id=$2, doctor_id=$3, specialty=$4, appointment_date=$5,
			slot_time=$6, weekday_label=$7, starts_at=$8, status=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.Specialty, sqlDate(a.Date), a.Time,
		a.WeekdayLabel, a.StartsAt, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	return pgErr(err)
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := pgConn(ctx, r.pool).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *appointmentRepoPG) ListByDoctorAndDate(ctx context.Context, doctorID string, date Date) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2 ORDER BY starts_at`, doctorID, sqlDate(date))
}

func (r *appointmentRepoPG) ListByDoctor(ctx context.Context, doctorID string) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointment WHERE doctor_id = $1 ORDER BY starts_at`, doctorID)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := pgConn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `SELECT `+apptCols+` FROM appointment WHERE patient_id = $1
		ORDER BY starts_at, created_at LIMIT NULLIF($2::int, 0) OFFSET $3`, patientID, limit, offset)
	return items, total, err
}

func (r *appointmentRepoPG) ListAll(ctx context.Context, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := pgConn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `SELECT `+apptCols+` FROM appointment
		ORDER BY starts_at, created_at LIMIT NULLIF($1::int, 0) OFFSET $2`, limit, offset)
	return items, total, err
}

func (r *appointmentRepoPG) DeleteByDoctor(ctx context.Context, doctorID string) (int, error) {
	tag, err := pgConn(ctx, r.pool).Exec(ctx, `DELETE FROM appointment WHERE doctor_id = $1`, doctorID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *appointmentRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Appointment, error) {
	rows, err := pgConn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
