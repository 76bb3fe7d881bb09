package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WaitEstimator turns a count of waiting patients into a display string.
type WaitEstimator interface {
	Estimate(waiting int) string
}

type noEstimate struct{}

func (noEstimate) Estimate(int) string { return "" }

// Recorder counts queue operations. Event names are stable metric labels.
type Recorder interface {
	Count(event string)
}

type noRecorder struct{}

func (noRecorder) Count(string) {}

type Service struct {
	store  Store
	alloc  *TicketAllocator
	retry  RetryPolicy
	waits  WaitEstimator
	rec    Recorder
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithWaitEstimator(w WaitEstimator) Option {
	return func(s *Service) { s.waits = w }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.rec = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		retry:  DefaultRetryPolicy(),
		waits:  noEstimate{},
		rec:    noRecorder{},
		logger: logger.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.alloc = NewTicketAllocator(store, s.retry)
	return s
}

// atomic runs fn as one unit and re-runs it while it loses races.
func (s *Service) atomic(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return s.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.rec.Count("conflict_retry")
			s.logger.Warn().Str("op", op).Int("attempt", attempt).Msg("retrying after conflict")
		}
		return s.store.Atomically(ctx, op, fn)
	})
}

// -- Doctors --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	d.Name = strings.TrimSpace(d.Name)
	d.Specialization = strings.TrimSpace(d.Specialization)
	if d.Name == "" {
		return invalidf("doctor name is required")
	}
	d.LastQueueNumber = 0
	d.CurrentEntryID = nil
	if err := s.store.Doctors().Create(ctx, d); err != nil {
		return err
	}
	s.logger.Info().Str("doctor_id", d.ID.String()).Str("name", d.Name).Msg("doctor created")
	return s.store.Feed().Publish(ctx, Change{DoctorID: d.ID, Doctors: true})
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.store.Doctors().GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, availableOnly bool, limit, offset int) ([]*Doctor, int, error) {
	return s.store.Doctors().List(ctx, availableOnly, limit, offset)
}

// SetDoctorAvailability toggles whether the doctor accepts new bookings.
// Patients already queued are unaffected.
func (s *Service) SetDoctorAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error) {
	d, err := s.store.Doctors().SetAvailability(ctx, id, available)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("doctor_id", id.String()).Bool("available", available).Msg("doctor availability changed")
	if err := s.store.Feed().Publish(ctx, Change{DoctorID: id, Doctors: true}); err != nil {
		return nil, fmt.Errorf("publish availability change: %w", err)
	}
	return d, nil
}

// -- Booking --

type BookRequest struct {
	DoctorID       uuid.UUID
	Patient        PatientInfo
	Source         Source
	IdempotencyKey string
}

const maxIdempotencyKey = 128

// NextTicket allocates a queue number for the doctor outside of a booking.
func (s *Service) NextTicket(ctx context.Context, doctorID uuid.UUID) (int, error) {
	return s.alloc.Next(ctx, doctorID)
}

// Book upserts the patient, allocates a ticket and records the appointment
// and its queue entry in one atomic unit. Replaying an idempotency key
// already used for the doctor returns the original booking.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Booking, error) {
	if !req.Source.Valid() {
		return nil, invalidf("invalid booking source: %q", req.Source)
	}
	req.Patient.Normalize()
	if err := req.Patient.Validate(); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if len(req.IdempotencyKey) > maxIdempotencyKey {
		return nil, invalidf("idempotency key exceeds %d characters", maxIdempotencyKey)
	}

	var booking *Booking
	err := s.atomic(ctx, "book appointment", func(ctx context.Context) error {
		var err error
		booking, err = s.book(ctx, req)
		return err
	})
	if err != nil {
		return nil, allocationErr(err)
	}
	if booking.Replayed {
		s.rec.Count("booking_replayed")
		s.logger.Info().Str("appointment_id", booking.AppointmentID.String()).Msg("booking replayed")
	} else {
		s.rec.Count("ticket_issued")
		s.logger.Info().
			Str("doctor_id", booking.DoctorID.String()).
			Str("appointment_id", booking.AppointmentID.String()).
			Int("queue_number", booking.QueueNumber).
			Str("source", string(req.Source)).
			Msg("ticket issued")
	}
	return booking, nil
}

func (s *Service) book(ctx context.Context, req BookRequest) (*Booking, error) {
	doctor, err := s.store.Doctors().Lock(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prior, err := s.store.Appointments().GetByIdempotencyKey(ctx, req.DoctorID, req.IdempotencyKey)
		switch {
		case err == nil:
			return s.replay(ctx, prior)
		case !IsNotFound(err):
			return nil, err
		}
	}

	if !doctor.IsAvailable {
		return nil, &InvalidStateError{Entity: "doctor", ID: doctor.ID.String(), From: "unavailable", To: "booked"}
	}

	patient, err := s.store.Patients().UpsertByPhone(ctx, req.Patient)
	if err != nil {
		return nil, err
	}

	n, err := s.alloc.Issue(ctx, doctor.ID)
	if err != nil {
		return nil, err
	}

	appt := &Appointment{
		PatientID:       patient.ID,
		DoctorID:        doctor.ID,
		QueueNumber:     n,
		Status:          AppointmentWaiting,
		CreatedBy:       req.Source,
		AppointmentDate: s.now(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		appt.IdempotencyKey = &key
	}
	if err := s.store.Appointments().Create(ctx, appt); err != nil {
		return nil, err
	}

	entry := &QueueEntry{
		DoctorID:      doctor.ID,
		AppointmentID: appt.ID,
		PatientName:   patient.Name,
		QueueNumber:   n,
		Status:        EntryWaiting,
	}
	if err := s.store.Entries().Insert(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.store.Events().Append(ctx, &QueueEvent{DoctorID: doctor.ID, EntryID: entry.ID, Event: EventIssued}); err != nil {
		return nil, err
	}

	entries, err := s.store.Entries().ListByDoctor(ctx, doctor.ID)
	if err != nil {
		return nil, err
	}
	ahead := WaitingBefore(entries, n)

	if err := s.store.Feed().Publish(ctx, Change{DoctorID: doctor.ID, Phone: patient.Phone}); err != nil {
		return nil, err
	}
	return &Booking{
		AppointmentID: appt.ID,
		EntryID:       entry.ID,
		PatientID:     patient.ID,
		DoctorID:      doctor.ID,
		QueueNumber:   n,
		WaitingAhead:  ahead,
		EstimatedWait: s.waits.Estimate(ahead),
	}, nil
}

func (s *Service) replay(ctx context.Context, appt *Appointment) (*Booking, error) {
	entry, err := s.store.Entries().GetByAppointment(ctx, appt.ID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.Entries().ListByDoctor(ctx, appt.DoctorID)
	if err != nil {
		return nil, err
	}
	ahead := WaitingBefore(entries, entry.QueueNumber)
	return &Booking{
		AppointmentID: appt.ID,
		EntryID:       entry.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		QueueNumber:   entry.QueueNumber,
		WaitingAhead:  ahead,
		EstimatedWait: s.waits.Estimate(ahead),
		Replayed:      true,
	}, nil
}

// -- Queue state machine --

// Advance completes the current entry, if any, and promotes the waiting
// entry with the lowest queue number, if any. It returns the promoted entry
// or nil when nobody was waiting. An empty queue is left untouched.
func (s *Service) Advance(ctx context.Context, doctorID uuid.UUID) (*QueueEntry, error) {
	var promoted *QueueEntry
	var retired *QueueEntry
	err := s.atomic(ctx, "advance queue", func(ctx context.Context) error {
		promoted, retired = nil, nil
		if _, err := s.store.Doctors().Lock(ctx, doctorID); err != nil {
			return err
		}
		entries, err := s.store.Entries().ListByDoctor(ctx, doctorID)
		if err != nil {
			return err
		}
		plan, err := planAdvance(entries)
		if err != nil {
			return err
		}
		if plan.empty() {
			return nil
		}

		var phones []string
		// Retire before promoting: at no point may two entries be current.
		if plan.retire != nil {
			appt, err := s.transition(ctx, plan.retire, EntryCompleted)
			if err != nil {
				return err
			}
			retired = plan.retire
			phones = append(phones, appt.PatientPhone)
		}
		var current *uuid.UUID
		if plan.promote != nil {
			appt, err := s.transition(ctx, plan.promote, EntryCurrent)
			if err != nil {
				return err
			}
			promoted = plan.promote
			current = &promoted.ID
			phones = append(phones, appt.PatientPhone)
		}
		if err := s.store.Doctors().SetCurrentEntry(ctx, doctorID, current); err != nil {
			return err
		}
		return s.publish(ctx, doctorID, phones...)
	})
	if err != nil {
		return nil, err
	}

	s.rec.Count("advance")
	ev := s.logger.Info().Str("doctor_id", doctorID.String())
	if retired != nil {
		ev = ev.Int("completed_number", retired.QueueNumber)
	}
	if promoted != nil {
		ev.Int("current_number", promoted.QueueNumber).Msg("entry promoted")
	} else if retired != nil {
		ev.Msg("queue drained")
	} else {
		ev.Msg("advance on empty queue")
	}
	return promoted, nil
}

// Skip moves a waiting or current entry to skipped. Skipping the current
// entry leaves the doctor with no current entry until the next Advance.
func (s *Service) Skip(ctx context.Context, entryID uuid.UUID) (*QueueEntry, error) {
	var skipped *QueueEntry
	err := s.atomic(ctx, "skip entry", func(ctx context.Context) error {
		e, err := s.lockEntry(ctx, func(ctx context.Context) (*QueueEntry, error) {
			return s.store.Entries().GetByID(ctx, entryID)
		})
		if err != nil {
			return err
		}
		wasCurrent := e.Status == EntryCurrent
		appt, err := s.transition(ctx, e, EntrySkipped)
		if err != nil {
			return err
		}
		if wasCurrent {
			if err := s.store.Doctors().SetCurrentEntry(ctx, e.DoctorID, nil); err != nil {
				return err
			}
		}
		skipped = e
		return s.publish(ctx, e.DoctorID, appt.PatientPhone)
	})
	if err != nil {
		return nil, err
	}
	s.rec.Count("skip")
	s.logger.Info().Str("doctor_id", skipped.DoctorID.String()).Int("queue_number", skipped.QueueNumber).Msg("entry skipped")
	return skipped, nil
}

// Complete finishes the current entry belonging to an appointment. It does
// not promote the next patient.
func (s *Service) Complete(ctx context.Context, appointmentID uuid.UUID) (*QueueEntry, error) {
	var done *QueueEntry
	err := s.atomic(ctx, "complete appointment", func(ctx context.Context) error {
		e, err := s.lockEntry(ctx, func(ctx context.Context) (*QueueEntry, error) {
			return s.store.Entries().GetByAppointment(ctx, appointmentID)
		})
		if err != nil {
			return err
		}
		appt, err := s.transition(ctx, e, EntryCompleted)
		if err != nil {
			return err
		}
		if err := s.store.Doctors().SetCurrentEntry(ctx, e.DoctorID, nil); err != nil {
			return err
		}
		done = e
		return s.publish(ctx, e.DoctorID, appt.PatientPhone)
	})
	if err != nil {
		return nil, err
	}
	s.rec.Count("complete")
	s.logger.Info().Str("doctor_id", done.DoctorID.String()).Int("queue_number", done.QueueNumber).Msg("entry completed")
	return done, nil
}

// UpdateAppointmentStatus applies an appointment-side status change and
// mirrors it onto the queue entry so the two never disagree. Completing
// behaves like Complete, so it requires the patient to have been called, and
// cancelling behaves like Skip. in-progress is accepted
// only for the patient already being served; patients are called with
// Advance.
func (s *Service) UpdateAppointmentStatus(ctx context.Context, appointmentID uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if !status.Valid() {
		return nil, invalidf("invalid appointment status: %q", status)
	}

	switch status {
	case AppointmentCompleted:
		if _, err := s.Complete(ctx, appointmentID); err != nil {
			return nil, err
		}
	case AppointmentCancelled:
		e, err := s.store.Entries().GetByAppointment(ctx, appointmentID)
		if err != nil {
			return nil, err
		}
		if _, err := s.Skip(ctx, e.ID); err != nil {
			return nil, err
		}
	case AppointmentInProgress:
		e, err := s.store.Entries().GetByAppointment(ctx, appointmentID)
		if err != nil {
			return nil, err
		}
		if e.Status != EntryCurrent {
			return nil, &InvalidStateError{Entity: "appointment", ID: appointmentID.String(),
				From: string(appointmentStatusFor(e.Status)), To: string(status)}
		}
	case AppointmentWaiting:
		appt, err := s.store.Appointments().GetByID(ctx, appointmentID)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidStateError{Entity: "appointment", ID: appointmentID.String(),
			From: string(appt.Status), To: string(status)}
	}
	return s.store.Appointments().GetByID(ctx, appointmentID)
}

// lockEntry finds an entry, takes its doctor's lock and re-reads it so the
// status seen is the one the unit will change.
func (s *Service) lockEntry(ctx context.Context, find func(ctx context.Context) (*QueueEntry, error)) (*QueueEntry, error) {
	e, err := find(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Doctors().Lock(ctx, e.DoctorID); err != nil {
		return nil, err
	}
	return s.store.Entries().GetByID(ctx, e.ID)
}

// transition moves an entry to status, mirrors the change onto its
// appointment and records the event. e is updated in place.
func (s *Service) transition(ctx context.Context, e *QueueEntry, to EntryStatus) (*Appointment, error) {
	if !e.Status.CanTransition(to) {
		return nil, &InvalidStateError{Entity: "queue entry", ID: e.ID.String(), From: string(e.Status), To: string(to)}
	}
	if err := s.store.Entries().SetStatus(ctx, e.ID, to); err != nil {
		return nil, err
	}

	appt, err := s.store.Appointments().GetByID(ctx, e.AppointmentID)
	if err != nil {
		return nil, err
	}
	want := appointmentStatusFor(to)
	if appt.Status != want {
		if !appt.Status.CanTransition(want) {
			return nil, &InvalidStateError{Entity: "appointment", ID: appt.ID.String(), From: string(appt.Status), To: string(want)}
		}
		if err := s.store.Appointments().SetStatus(ctx, appt.ID, want); err != nil {
			return nil, err
		}
		appt.Status = want
	}

	if err := s.store.Events().Append(ctx, &QueueEvent{DoctorID: e.DoctorID, EntryID: e.ID, Event: eventFor(to)}); err != nil {
		return nil, err
	}
	e.Status = to
	return appt, nil
}

func eventFor(to EntryStatus) EventKind {
	switch to {
	case EntryCurrent:
		return EventPromoted
	case EntryCompleted:
		return EventCompleted
	case EntrySkipped:
		return EventSkipped
	case EntryWaiting:
		return EventIssued
	}
	return EventIssued
}

func (s *Service) publish(ctx context.Context, doctorID uuid.UUID, phones ...string) error {
	if len(phones) == 0 {
		return s.store.Feed().Publish(ctx, Change{DoctorID: doctorID})
	}
	for _, phone := range phones {
		if err := s.store.Feed().Publish(ctx, Change{DoctorID: doctorID, Phone: phone}); err != nil {
			return err
		}
	}
	return nil
}

// -- Reads --

// Snapshot is a doctor together with every one of its queue entries.
type Snapshot struct {
	Doctor  *Doctor       `json:"doctor"`
	Entries []*QueueEntry `json:"entries"`
}

// Queue returns the doctor's entries in serving order.
func (s *Service) Queue(ctx context.Context, doctorID uuid.UUID) (*Snapshot, error) {
	d, err := s.store.Doctors().GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.Entries().ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*QueueEntry{}
	}
	return &Snapshot{Doctor: d, Entries: entries}, nil
}

// ActiveForPatient lists the patient's waiting and in-progress
// appointments, newest first.
func (s *Service) ActiveForPatient(ctx context.Context, phone string) ([]*Appointment, error) {
	phone = NormalizePhone(phone)
	if phone == "" {
		return nil, invalidf("phone is required")
	}
	appts, err := s.store.Appointments().ListActiveByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if appts == nil {
		appts = []*Appointment{}
	}
	return appts, nil
}

// DoctorAppointments lists the doctor's appointments on the calendar day
// containing day, in day's location, ordered by queue number.
func (s *Service) DoctorAppointments(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]*Appointment, error) {
	if _, err := s.store.Doctors().GetByID(ctx, doctorID); err != nil {
		return nil, err
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	appts, err := s.store.Appointments().ListByDoctor(ctx, doctorID, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	if appts == nil {
		appts = []*Appointment{}
	}
	return appts, nil
}

// QueueEvents returns the doctor's most recent transitions, newest first.
func (s *Service) QueueEvents(ctx context.Context, doctorID uuid.UUID, limit int) ([]*QueueEvent, error) {
	if _, err := s.store.Doctors().GetByID(ctx, doctorID); err != nil {
		return nil, err
	}
	events, err := s.store.Events().ListByDoctor(ctx, doctorID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*QueueEvent{}
	}
	return events, nil
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }
