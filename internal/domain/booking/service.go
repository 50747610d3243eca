package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/websocket"
)

// Caller is the authenticated user on whose behalf an operation runs.
type Caller struct {
	UserID string
	Admin  bool
}

// Notifier delivers patient notifications. *notification.Dispatcher
// implements it.
type Notifier interface {
	Notify(ctx context.Context, recipient, templateID string, data map[string]string) error
}

// Config holds the clinic policy knobs.
type Config struct {
	HorizonDays      int
	Location         *time.Location
	RequireSpecialty bool
}

// BookingRequest is the input of CreateAppointment. PatientID may be left
// empty by patients, who always book for themselves.
type BookingRequest struct {
	PatientID string `json:"patient_id"`
	BookingInput
}

// AppointmentUpdate carries the editable fields of an appointment. Blank
// fields keep their stored value.
type AppointmentUpdate struct {
	DoctorID  string `json:"doctor_id"`
	Specialty string `json:"specialty"`
	Date      string `json:"date"`
	Time      string `json:"time"`
}

// PurgeResult reports what PurgeDoctor removed.
type PurgeResult struct {
	Appointments int `json:"appointments"`
	Rules        int `json:"rules"`
}

type Service struct {
	rules    ScheduleRepository
	appts    AppointmentRepository
	bus      EventBus
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*Service)

func WithEventBus(bus EventBus) Option      { return func(s *Service) { s.bus = bus } }
func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l zerolog.Logger) Option    { return func(s *Service) { s.logger = l } }
func WithConfig(cfg Config) Option          { return func(s *Service) { s.cfg = cfg } }

func NewService(rules ScheduleRepository, appts AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		rules:  rules,
		appts:  appts,
		cfg:    Config{HorizonDays: DefaultHorizonDays, Location: time.Local},
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.HorizonDays <= 0 {
		s.cfg.HorizonDays = DefaultHorizonDays
	}
	if s.cfg.Location == nil {
		s.cfg.Location = time.Local
	}
	return s
}

func (s *Service) today() Date {
	return Today(s.now(), s.cfg.Location)
}

// -- Schedule rules --

func (s *Service) CreateRule(ctx context.Context, caller Caller, doctorID string, weekdays []int, slots []string) (*ScheduleRule, error) {
	if !caller.Admin {
		return nil, ErrForbidden
	}
	days, times, err := validateRule(doctorID, weekdays, slots)
	if err != nil {
		return nil, err
	}
	rule := &ScheduleRule{
		DoctorID:  strings.TrimSpace(doctorID),
		Weekdays:  days,
		TimeSlots: times,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("creating schedule rule: %w", err)
	}
	s.publish(ctx, newEvent(EventRuleCreated, RulesTopic(rule.DoctorID), "ScheduleRule", rule.ID.String(), rule))
	return rule, nil
}

func (s *Service) DeleteRule(ctx context.Context, caller Caller, id uuid.UUID) error {
	if !caller.Admin {
		return ErrForbidden
	}
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rules.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting schedule rule %s: %w", id, err)
	}
	s.publish(ctx, newEvent(EventRuleDeleted, RulesTopic(rule.DoctorID), "ScheduleRule", id.String(), nil))
	return nil
}

func (s *Service) ListRules(ctx context.Context, doctorID string) ([]*ScheduleRule, error) {
	if blank(doctorID) {
		return nil, missing("doctor_id")
	}
	rules, err := s.rules.ListByDoctor(ctx, strings.TrimSpace(doctorID))
	if err != nil {
		return nil, fmt.Errorf("listing schedule rules: %w", err)
	}
	if rules == nil {
		rules = []*ScheduleRule{}
	}
	return rules, nil
}

// -- Availability --

// AvailableDates lists the doctor's working days inside the booking window.
func (s *Service) AvailableDates(ctx context.Context, doctorID string) ([]Date, error) {
	rules, err := s.ListRules(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return ComputeWorkingDates(rules, s.cfg.HorizonDays, s.today()), nil
}

// OpenSlots lists the times still bookable with the doctor on date.
func (s *Service) OpenSlots(ctx context.Context, doctorID string, date Date) ([]string, error) {
	rules, err := s.ListRules(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	existing, err := s.appts.ListByDoctorAndDate(ctx, strings.TrimSpace(doctorID), date)
	if err != nil {
		return nil, fmt.Errorf("listing appointments: %w", err)
	}
	return ResolveOpenSlots(rules, date, TakenTimes(existing, uuid.Nil)), nil
}

// -- Appointments --

// CreateAppointment books a pending appointment. Patients may only book for
// themselves and only inside the booking window.
func (s *Service) CreateAppointment(ctx context.Context, caller Caller, req BookingRequest) (*Appointment, error) {
	patientID := strings.TrimSpace(req.PatientID)
	if patientID == "" && !caller.Admin {
		patientID = caller.UserID
	}
	if patientID == "" {
		return nil, missing("patient_id")
	}
	if !caller.Admin && patientID != caller.UserID {
		return nil, ErrForbidden
	}

	opts := ValidateOptions{RequireSpecialty: s.cfg.RequireSpecialty}
	if err := checkBookingFields(req.BookingInput, opts); err != nil {
		return nil, err
	}
	doctorID := strings.TrimSpace(req.DoctorID)
	date, _ := ParseDate(strings.TrimSpace(req.Date))
	clock := strings.TrimSpace(req.Time)

	if !caller.Admin {
		if offset := s.today().DaysUntil(date); offset < 0 || offset >= s.cfg.HorizonDays {
			return nil, invalid("date", fmt.Errorf("date must fall within the next %d days", s.cfg.HorizonDays))
		}
	}
	if err := s.checkOffered(ctx, doctorID, date, clock); err != nil {
		return nil, err
	}

	existing, err := s.appts.ListByDoctorAndDate(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("listing appointments: %w", err)
	}
	if err := ValidateBooking(req.BookingInput, TakenTimes(existing, uuid.Nil), opts); err != nil {
		// Same outcome whether the pre-check or the unique index catches it.
		if errors.Is(err, ErrSlotTaken) {
			return nil, ErrDuplicateBooking
		}
		return nil, err
	}

	startsAt, err := date.At(clock, s.cfg.Location)
	if err != nil {
		return nil, invalid("time", err)
	}
	a := &Appointment{
		PatientID:    patientID,
		DoctorID:     doctorID,
		Specialty:    strings.TrimSpace(req.Specialty),
		Date:         date,
		Time:         clock,
		WeekdayLabel: WeekdayLabel(date),
		StartsAt:     startsAt,
		Status:       StatusPending,
	}
	if err := s.appts.Create(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateBooking) {
			return nil, ErrDuplicateBooking
		}
		return nil, fmt.Errorf("creating appointment: %w", err)
	}

	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID).
		Str("date", a.Date.String()).
		Str("time", a.Time).
		Msg("appointment requested")
	s.publishAppointment(ctx, EventAppointmentCreated, a)
	s.notify(ctx, a, notification.TemplateAppointmentRequested)
	return a, nil
}

// checkOffered rejects times the doctor's rules do not offer on date.
func (s *Service) checkOffered(ctx context.Context, doctorID string, date Date, clock string) error {
	rules, err := s.rules.ListByDoctor(ctx, doctorID)
	if err != nil {
		return fmt.Errorf("listing schedule rules: %w", err)
	}
	if !NewTimeSet(SlotsForDate(rules, date)...).Has(clock) {
		return ErrSlotUnavailable
	}
	return nil
}

// ConfirmAppointment moves a pending appointment to confirmed. Confirming an
// already confirmed appointment succeeds without writing.
func (s *Service) ConfirmAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	if !caller.Admin {
		return nil, ErrForbidden
	}
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, StatusConfirmed) {
		return nil, ErrInvalidTransition
	}
	if a.Status == StatusConfirmed {
		return a, nil
	}
	a.Status = StatusConfirmed
	if err := s.appts.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("confirming appointment %s: %w", id, err)
	}
	s.publishAppointment(ctx, EventAppointmentConfirmed, a)
	s.notify(ctx, a, notification.TemplateAppointmentConfirmed)
	return a, nil
}

// UpdateAppointment reschedules an appointment. The merged slot must be
// offered by the doctor and free of other appointments.
func (s *Service) UpdateAppointment(ctx context.Context, caller Caller, id uuid.UUID, upd AppointmentUpdate) (*Appointment, error) {
	if !caller.Admin {
		return nil, ErrForbidden
	}
	existing, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := existing.clone()
	if !blank(upd.DoctorID) {
		merged.DoctorID = strings.TrimSpace(upd.DoctorID)
	}
	if !blank(upd.Specialty) {
		merged.Specialty = strings.TrimSpace(upd.Specialty)
	}
	if !blank(upd.Date) {
		d, err := ParseDate(strings.TrimSpace(upd.Date))
		if err != nil {
			return nil, invalid("date", err)
		}
		merged.Date = d
	}
	if !blank(upd.Time) {
		clock := strings.TrimSpace(upd.Time)
		if _, _, err := ParseClock(clock); err != nil {
			return nil, invalid("time", err)
		}
		merged.Time = clock
	}

	if merged.SlotKey() != existing.SlotKey() {
		if err := s.checkOffered(ctx, merged.DoctorID, merged.Date, merged.Time); err != nil {
			return nil, err
		}
		others, err := s.appts.ListByDoctorAndDate(ctx, merged.DoctorID, merged.Date)
		if err != nil {
			return nil, fmt.Errorf("listing appointments: %w", err)
		}
		if TakenTimes(others, id).Has(merged.Time) {
			return nil, ErrDuplicateBooking
		}
	}

	merged.WeekdayLabel = WeekdayLabel(merged.Date)
	if merged.StartsAt, err = merged.Date.At(merged.Time, s.cfg.Location); err != nil {
		return nil, invalid("time", err)
	}
	if err := s.appts.Update(ctx, merged); err != nil {
		if errors.Is(err, ErrDuplicateBooking) || errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("updating appointment %s: %w", id, err)
	}
	s.publishAppointment(ctx, EventAppointmentUpdated, merged)
	s.notify(ctx, merged, notification.TemplateAppointmentUpdated)
	return merged, nil
}

// DeleteAppointment removes an appointment in any status and frees its slot.
func (s *Service) DeleteAppointment(ctx context.Context, caller Caller, id uuid.UUID) error {
	if !caller.Admin {
		return ErrForbidden
	}
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.appts.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("deleting appointment %s: %w", id, err)
	}
	s.publishAppointment(ctx, EventAppointmentDeleted, a)
	s.notify(ctx, a, notification.TemplateAppointmentDeleted)
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, caller Caller, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Admin && a.PatientID != caller.UserID {
		return nil, ErrForbidden
	}
	return a, nil
}

// ListAppointments returns one page of appointments ordered by start time.
// Administrators see every appointment unless patientID narrows the list;
// patients only ever see their own.
func (s *Service) ListAppointments(ctx context.Context, caller Caller, patientID string, limit, offset int) ([]*Appointment, int, error) {
	patientID = strings.TrimSpace(patientID)
	if !caller.Admin {
		if patientID != "" && patientID != caller.UserID {
			return nil, 0, ErrForbidden
		}
		patientID = caller.UserID
	}

	var (
		items []*Appointment
		total int
		err   error
	)
	if patientID == "" {
		items, total, err = s.appts.ListAll(ctx, limit, offset)
	} else {
		items, total, err = s.appts.ListByPatient(ctx, patientID, limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("listing appointments: %w", err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return items, total, nil
}

// PurgeDoctor removes every appointment and schedule rule of a doctor, as
// when the doctor leaves the clinic.
func (s *Service) PurgeDoctor(ctx context.Context, caller Caller, doctorID string) (*PurgeResult, error) {
	if !caller.Admin {
		return nil, ErrForbidden
	}
	if blank(doctorID) {
		return nil, missing("doctor_id")
	}
	doctorID = strings.TrimSpace(doctorID)

	affected, err := s.appts.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("listing appointments: %w", err)
	}
	var res PurgeResult
	if res.Appointments, err = s.appts.DeleteByDoctor(ctx, doctorID); err != nil {
		return nil, fmt.Errorf("deleting appointments of %s: %w", doctorID, err)
	}
	if res.Rules, err = s.rules.DeleteByDoctor(ctx, doctorID); err != nil {
		return nil, fmt.Errorf("deleting schedule rules of %s: %w", doctorID, err)
	}

	s.logger.Info().
		Str("doctor_id", doctorID).
		Int("appointments", res.Appointments).
		Int("rules", res.Rules).
		Msg("doctor purged")

	s.publish(ctx, newEvent(EventDoctorPurged, RulesTopic(doctorID), "Doctor", doctorID, res))
	s.publish(ctx, newEvent(EventDoctorPurged, AllAppointmentsTopic, "Doctor", doctorID, res))
	notified := make(map[string]bool)
	for _, a := range affected {
		if !notified[a.PatientID] {
			notified[a.PatientID] = true
			s.publish(ctx, newEvent(EventDoctorPurged, PatientTopic(a.PatientID), "Doctor", doctorID, res))
		}
		s.notify(ctx, a, notification.TemplateAppointmentDeleted)
	}
	return &res, nil
}

// -- Live reads --

func (s *Service) WatchRules(ctx context.Context, doctorID string) (*Stream[*ScheduleRule], error) {
	if blank(doctorID) {
		return nil, missing("doctor_id")
	}
	doctorID = strings.TrimSpace(doctorID)
	return watch(ctx, s.bus, RulesTopic(doctorID), s.logger, func(ctx context.Context) ([]*ScheduleRule, error) {
		return s.ListRules(ctx, doctorID)
	})
}

func (s *Service) WatchPatientAppointments(ctx context.Context, patientID string) (*Stream[*Appointment], error) {
	if blank(patientID) {
		return nil, missing("patient_id")
	}
	patientID = strings.TrimSpace(patientID)
	return watch(ctx, s.bus, PatientTopic(patientID), s.logger, func(ctx context.Context) ([]*Appointment, error) {
		items, _, err := s.appts.ListByPatient(ctx, patientID, 0, 0)
		return items, err
	})
}

func (s *Service) WatchAllAppointments(ctx context.Context) (*Stream[*Appointment], error) {
	return watch(ctx, s.bus, AllAppointmentsTopic, s.logger, func(ctx context.Context) ([]*Appointment, error) {
		items, _, err := s.appts.ListAll(ctx, 0, 0)
		return items, err
	})
}

// -- Side effects --

func (s *Service) publish(ctx context.Context, ev websocket.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("topic", ev.Topic).Str("type", ev.Type).Msg("failed to publish event")
	}
}

func (s *Service) publishAppointment(ctx context.Context, typ string, a *Appointment) {
	id := a.ID.String()
	s.publish(ctx, newEvent(typ, PatientTopic(a.PatientID), "Appointment", id, a))
	s.publish(ctx, newEvent(typ, AllAppointmentsTopic, "Appointment", id, a))
}

// notify never fails the operation; the dispatcher keeps failed deliveries
// for retry.
func (s *Service) notify(ctx context.Context, a *Appointment, templateID string) {
	if s.notifier == nil {
		return
	}
	data := map[string]string{
		"appointment_id": a.ID.String(),
		"doctor_id":      a.DoctorID,
		"weekday":        a.WeekdayLabel,
		"date":           a.Date.String(),
		"time":           a.Time,
	}
	if err := s.notifier.Notify(ctx, a.PatientID, templateID, data); err != nil {
		s.logger.Warn().Err(err).
			Str("appointment_id", a.ID.String()).
			Str("template", templateID).
			Msg("patient notification failed")
	}
}
