package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 5 * time.Second

type ruleDoc struct {
	ID        string    `bson:"_id"`
	DoctorID  string    `bson:"doctorId"`
	Weekdays  []int     `bson:"weekdays"`
	TimeSlots []string  `bson:"timeSlots"`
	CreatedAt time.Time `bson:"createdAt"`
}

type appointmentDoc struct {
	ID           string    `bson:"_id"`
	PatientID    string    `bson:"patientId"`
	DoctorID     string    `bson:"doctorId"`
	Specialty    string    `bson:"specialty"`
	Date         string    `bson:"date"`
	Time         string    `bson:"time"`
	WeekdayLabel string    `bson:"weekdayLabel"`
	StartsAt     time.Time `bson:"startsAt"`
	Status       string    `bson:"status"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

func toRuleDoc(r *ScheduleRule) ruleDoc {
	return ruleDoc{ID: r.ID.String(), DoctorID: r.DoctorID, Weekdays: r.Weekdays, TimeSlots: r.TimeSlots, CreatedAt: r.CreatedAt}
}

func (d ruleDoc) rule() (*ScheduleRule, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", d.ID, err)
	}
	return &ScheduleRule{ID: id, DoctorID: d.DoctorID, Weekdays: d.Weekdays, TimeSlots: d.TimeSlots, CreatedAt: d.CreatedAt}, nil
}

func toAppointmentDoc(a *Appointment) appointmentDoc {
	return appointmentDoc{
		ID:           a.ID.String(),
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

func (d appointmentDoc) appointment() (*Appointment, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("appointment %q: %w", d.ID, err)
	}
	day, err := ParseDate(d.Date)
	if err != nil {
		return nil, fmt.Errorf("appointment %s: %w", d.ID, err)
	}
	return &Appointment{
		ID:           id,
		PatientID:    d.PatientID,
		DoctorID:     d.DoctorID,
		Specialty:    d.Specialty,
		Date:         day,
		Time:         d.Time,
		WeekdayLabel: d.WeekdayLabel,
		StartsAt:     d.StartsAt,
		Status:       Status(d.Status),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}

func mongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrRecordNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicateBooking
	}
	return err
}

// =========== Schedule Repository ===========

type scheduleRepoMongo struct{ coll *mongo.Collection }

// NewScheduleRepoMongo stores rules in the "schedules" collection of db.
func NewScheduleRepoMongo(db *mongo.Database) ScheduleRepository {
	return &scheduleRepoMongo{coll: db.Collection("schedules")}
}

func (r *scheduleRepoMongo) Create(ctx context.Context, rule *ScheduleRule) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	rule.ID = uuid.New()
	rule.CreatedAt = time.Now().UTC()
	_, err := r.coll.InsertOne(ctx, toRuleDoc(rule))
	return err
}

func (r *scheduleRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleRule, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	var doc ruleDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		return nil, mongoErr(err)
	}
	return doc.rule()
}

func (r *scheduleRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *scheduleRepoMongo) ListByDoctor(ctx context.Context, doctorID string) ([]*ScheduleRule, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := r.coll.Find(ctx, bson.M{"doctorId": doctorID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []ruleDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	rules := make([]*ScheduleRule, 0, len(docs))
	for _, d := range docs {
		rule, err := d.rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r *scheduleRepoMongo) DeleteByDoctor(ctx context.Context, doctorID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	res, err := r.coll.DeleteMany(ctx, bson.M{"doctorId": doctorID})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// EnsureIndexes creates the indexes the rule queries rely on.
func (r *scheduleRepoMongo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "doctorId", Value: 1}, {Key: "createdAt", Value: 1}},
		Options: options.Index().SetName("doctor_created_idx"),
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule indexes: %w", err)
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoMongo struct{ coll *mongo.Collection }

// NewAppointmentRepoMongo stores appointments in the "appointments"
// collection of db. EnsureIndexes must have run for double bookings to be
// rejected.
func NewAppointmentRepoMongo(db *mongo.Database) AppointmentRepository {
	return &appointmentRepoMongo{coll: db.Collection("appointments")}
}

// EnsureIndexes creates the unique slot index and the list indexes.
func (r *appointmentRepoMongo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "doctorId", Value: 1}, {Key: "date", Value: 1}, {Key: "time", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("doctor_date_time_uniq"),
		},
		{
			Keys:    bson.D{{Key: "patientId", Value: 1}, {Key: "startsAt", Value: 1}},
			Options: options.Index().SetName("patient_starts_idx"),
		},
		{
			Keys:    bson.D{{Key: "startsAt", Value: 1}},
			Options: options.Index().SetName("starts_idx"),
		},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create appointment indexes: %w", err)
	}
	return nil
}

func (r *appointmentRepoMongo) Create(ctx context.Context, a *Appointment) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	_, err := r.coll.InsertOne(ctx, toAppointmentDoc(a))
	return mongoErr(err)
}

func (r *appointmentRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	var doc appointmentDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		return nil, mongoErr(err)
	}
	return doc.appointment()
}

func (r *appointmentRepoMongo) Update(ctx context.Context, a *Appointment) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	a.UpdatedAt = time.Now().UTC()
	doc := toAppointmentDoc(a)
	update := bson.M{"$set": bson.M{
		"patientId":    doc.PatientID,
		"doctorId":     doc.DoctorID,
		"specialty":    doc.Specialty,
		"date":         doc.Date,
		"time":         doc.Time,
		"weekdayLabel": doc.WeekdayLabel,
		"startsAt":     doc.StartsAt,
		"status":       doc.Status,
		"updatedAt":    doc.UpdatedAt,
	}}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": doc.ID}, update)
	if err != nil {
		return mongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *appointmentRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *appointmentRepoMongo) ListByDoctorAndDate(ctx context.Context, doctorID string, date Date) ([]*Appointment, error) {
	items, _, err := r.find(ctx, bson.M{"doctorId": doctorID, "date": date.String()}, 0, 0)
	return items, err
}

func (r *appointmentRepoMongo) ListByDoctor(ctx context.Context, doctorID string) ([]*Appointment, error) {
	items, _, err := r.find(ctx, bson.M{"doctorId": doctorID}, 0, 0)
	return items, err
}

func (r *appointmentRepoMongo) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	return r.find(ctx, bson.M{"patientId": patientID}, limit, offset)
}

func (r *appointmentRepoMongo) ListAll(ctx context.Context, limit, offset int) ([]*Appointment, int, error) {
	return r.find(ctx, bson.M{}, limit, offset)
}

func (r *appointmentRepoMongo) DeleteByDoctor(ctx context.Context, doctorID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	res, err := r.coll.DeleteMany(ctx, bson.M{"doctorId": doctorID})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// find returns the page of matching appointments ordered by start time and
// the total match count. limit 0 means no limit.
func (r *appointmentRepoMongo) find(ctx context.Context, filter bson.M, limit, offset int) ([]*Appointment, int, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "startsAt", Value: 1}, {Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var docs []appointmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, err
	}
	items := make([]*Appointment, 0, len(docs))
	for _, d := range docs {
		a, err := d.appointment()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, int(total), nil
}

// MongoIndexer is implemented by the Mongo repositories.
type MongoIndexer interface {
	EnsureIndexes(ctx context.Context) error
}
