package booking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	fsSchedules    = "schedules"
	fsAppointments = "appointments"
	fsSlotClaims   = "slot_claims"
)

type fsRule struct {
	DoctorID  string    `firestore:"doctorId"`
	Weekdays  []int     `firestore:"weekdays"`
	TimeSlots []string  `firestore:"timeSlots"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type fsAppointment struct {
	PatientID    string    `firestore:"patientId"`
	DoctorID     string    `firestore:"doctorId"`
	Specialty    string    `firestore:"specialty"`
	Date         string    `firestore:"date"`
	Time         string    `firestore:"time"`
	WeekdayLabel string    `firestore:"weekdayLabel"`
	StartsAt     time.Time `firestore:"startsAt"`
	Status       string    `firestore:"status"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// fsClaim marks a (doctor, date, time) slot as held by one appointment.
type fsClaim struct {
	AppointmentID string `firestore:"appointmentId"`
	DoctorID      string `firestore:"doctorId"`
}

func claimID(k SlotKey) string {
	sum := sha256.Sum256([]byte(k.DoctorID + "|" + k.Date.String() + "|" + k.Time))
	return hex.EncodeToString(sum[:])
}

func isCode(err error, c codes.Code) bool {
	return status.Code(err) == c
}

func fsErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isCode(err, codes.NotFound):
		return ErrRecordNotFound
	case isCode(err, codes.AlreadyExists):
		return ErrDuplicateBooking
	}
	return err
}

func decodeAppointment(snap *firestore.DocumentSnapshot) (*Appointment, error) {
	var doc fsAppointment
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(snap.Ref.ID)
	if err != nil {
		return nil, fmt.Errorf("appointment %q: %w", snap.Ref.ID, err)
	}
	day, err := ParseDate(doc.Date)
	if err != nil {
		return nil, fmt.Errorf("appointment %s: %w", snap.Ref.ID, err)
	}
	return &Appointment{
		ID:           id,
		PatientID:    doc.PatientID,
		DoctorID:     doc.DoctorID,
		Specialty:    doc.Specialty,
		Date:         day,
		Time:         doc.Time,
		WeekdayLabel: doc.WeekdayLabel,
		StartsAt:     doc.StartsAt,
		Status:       Status(doc.Status),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

func encodeAppointment(a *Appointment) fsAppointment {
	return fsAppointment{
		PatientID:    a.PatientID,
		DoctorID:     a.DoctorID,
		Specialty:    a.Specialty,
		Date:         a.Date.String(),
		Time:         a.Time,
		WeekdayLabel: a.WeekdayLabel,
		StartsAt:     a.StartsAt,
		Status:       string(a.Status),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// =========== Schedule Repository ===========

type scheduleRepoFirestore struct{ client *firestore.Client }

func NewScheduleRepoFirestore(client *firestore.Client) ScheduleRepository {
	return &scheduleRepoFirestore{client: client}
}

func (r *scheduleRepoFirestore) Create(ctx context.Context, rule *ScheduleRule) error {
	rule.ID = uuid.New()
	rule.CreatedAt = time.Now().UTC()
	_, err := r.client.Collection(fsSchedules).Doc(rule.ID.String()).Create(ctx, fsRule{
		DoctorID:  rule.DoctorID,
		Weekdays:  rule.Weekdays,
		TimeSlots: rule.TimeSlots,
		CreatedAt: rule.CreatedAt,
	})
	return err
}

func (r *scheduleRepoFirestore) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleRule, error) {
	snap, err := r.client.Collection(fsSchedules).Doc(id.String()).Get(ctx)
	if err != nil {
		return nil, fsErr(err)
	}
	return decodeRule(snap)
}

func decodeRule(snap *firestore.DocumentSnapshot) (*ScheduleRule, error) {
	var doc fsRule
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(snap.Ref.ID)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", snap.Ref.ID, err)
	}
	return &ScheduleRule{ID: id, DoctorID: doc.DoctorID, Weekdays: doc.Weekdays, TimeSlots: doc.TimeSlots, CreatedAt: doc.CreatedAt}, nil
}

func (r *scheduleRepoFirestore) Delete(ctx context.Context, id uuid.UUID) error {
	ref := r.client.Collection(fsSchedules).Doc(id.String())
	// Exists precondition turns a missing rule into NotFound.
	_, err := ref.Delete(ctx, firestore.Exists)
	return fsErr(err)
}

func (r *scheduleRepoFirestore) ListByDoctor(ctx context.Context, doctorID string) ([]*ScheduleRule, error) {
	snaps, err := r.client.Collection(fsSchedules).Where("doctorId", "==", doctorID).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	rules := make([]*ScheduleRule, 0, len(snaps))
	for _, s := range snaps {
		rule, err := decodeRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return rules, nil
}

func (r *scheduleRepoFirestore) DeleteByDoctor(ctx context.Context, doctorID string) (int, error) {
	snaps, err := r.client.Collection(fsSchedules).Where("doctorId", "==", doctorID).Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	refs := make([]*firestore.DocumentRef, len(snaps))
	for i, s := range snaps {
		refs[i] = s.Ref
	}
	return bulkDelete(ctx, r.client, refs)
}

// bulkDelete removes refs through a BulkWriter and returns how many deletes
// succeeded.
func bulkDelete(ctx context.Context, client *firestore.Client, refs []*firestore.DocumentRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	bw := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for _, ref := range refs {
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bw.End()

	n := 0
	var firstErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// =========== Appointment Repository ===========

// appointmentRepoFirestore keeps a slot_claims document per occupied slot.
// Every write that moves an appointment into a slot creates the claim inside
// the same transaction, so two concurrent bookings cannot both commit.
type appointmentRepoFirestore struct{ client *firestore.Client }

func NewAppointmentRepoFirestore(client *firestore.Client) AppointmentRepository {
	return &appointmentRepoFirestore{client: client}
}

func (r *appointmentRepoFirestore) apptRef(id uuid.UUID) *firestore.DocumentRef {
	return r.client.Collection(fsAppointments).Doc(id.String())
}

func (r *appointmentRepoFirestore) claimRef(k SlotKey) *firestore.DocumentRef {
	return r.client.Collection(fsSlotClaims).Doc(claimID(k))
}

func (r *appointmentRepoFirestore) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	claim := r.claimRef(a.SlotKey())

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(claim); err == nil {
			return ErrDuplicateBooking
		} else if !isCode(err, codes.NotFound) {
			return err
		}
		if err := tx.Create(claim, fsClaim{AppointmentID: a.ID.String(), DoctorID: a.DoctorID}); err != nil {
			return err
		}
		return tx.Create(r.apptRef(a.ID), encodeAppointment(a))
	})
	return fsErr(err)
}

func (r *appointmentRepoFirestore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	snap, err := r.apptRef(id).Get(ctx)
	if err != nil {
		return nil, fsErr(err)
	}
	return decodeAppointment(snap)
}

func (r *appointmentRepoFirestore) Update(ctx context.Context, a *Appointment) error {
	ref := r.apptRef(a.ID)
	newClaim := r.claimRef(a.SlotKey())

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		existing, err := decodeAppointment(snap)
		if err != nil {
			return err
		}
		moved := existing.SlotKey() != a.SlotKey()
		if moved {
			held, err := tx.Get(newClaim)
			if err == nil {
				var c fsClaim
				if err := held.DataTo(&c); err != nil {
					return err
				}
				if c.AppointmentID != a.ID.String() {
					return ErrDuplicateBooking
				}
			} else if !isCode(err, codes.NotFound) {
				return err
			}
		}

		a.CreatedAt = existing.CreatedAt
		a.UpdatedAt = time.Now().UTC()
		if moved {
			if err := tx.Delete(r.claimRef(existing.SlotKey())); err != nil {
				return err
			}
			if err := tx.Create(newClaim, fsClaim{AppointmentID: a.ID.String(), DoctorID: a.DoctorID}); err != nil {
				return err
			}
		}
		return tx.Set(ref, encodeAppointment(a))
	})
	return fsErr(err)
}

func (r *appointmentRepoFirestore) Delete(ctx context.Context, id uuid.UUID) error {
	ref := r.apptRef(id)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		existing, err := decodeAppointment(snap)
		if err != nil {
			return err
		}
		if err := tx.Delete(r.claimRef(existing.SlotKey())); err != nil {
			return err
		}
		return tx.Delete(ref)
	})
	return fsErr(err)
}

func (r *appointmentRepoFirestore) ListByDoctorAndDate(ctx context.Context, doctorID string, date Date) ([]*Appointment, error) {
	q := r.client.Collection(fsAppointments).Where("doctorId", "==", doctorID).Where("date", "==", date.String())
	return r.query(ctx, q)
}

func (r *appointmentRepoFirestore) ListByDoctor(ctx context.Context, doctorID string) ([]*Appointment, error) {
	return r.query(ctx, r.client.Collection(fsAppointments).Where("doctorId", "==", doctorID))
}

func (r *appointmentRepoFirestore) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	all, err := r.query(ctx, r.client.Collection(fsAppointments).Where("patientId", "==", patientID))
	if err != nil {
		return nil, 0, err
	}
	return page(all, limit, offset), len(all), nil
}

func (r *appointmentRepoFirestore) ListAll(ctx context.Context, limit, offset int) ([]*Appointment, int, error) {
	all, err := r.query(ctx, r.client.Collection(fsAppointments).Query)
	if err != nil {
		return nil, 0, err
	}
	return page(all, limit, offset), len(all), nil
}

func (r *appointmentRepoFirestore) DeleteByDoctor(ctx context.Context, doctorID string) (int, error) {
	appts, err := r.ListByDoctor(ctx, doctorID)
	if err != nil {
		return 0, err
	}
	refs := make([]*firestore.DocumentRef, 0, 2*len(appts))
	for _, a := range appts {
		refs = append(refs, r.apptRef(a.ID), r.claimRef(a.SlotKey()))
	}
	n, err := bulkDelete(ctx, r.client, refs)
	// Each appointment accounts for two deletes.
	return n / 2, err
}

func (r *appointmentRepoFirestore) query(ctx context.Context, q firestore.Query) ([]*Appointment, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	items := make([]*Appointment, 0, len(snaps))
	for _, s := range snaps {
		a, err := decodeAppointment(s)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	sortByStart(items)
	return items, nil
}

