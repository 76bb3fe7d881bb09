package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable system of record for doctors, patients, appointments
// and queue entries.
type Store interface {
	// Atomically runs fn as one indivisible unit. Repository calls made with
	// the ctx passed to fn join the unit; changes published through Feed
	// inside it are delivered only if it commits. A ConflictError from
	// Atomically means the whole unit can be re-run.
	Atomically(ctx context.Context, op string, fn func(ctx context.Context) error) error

	Doctors() DoctorRepository
	Patients() PatientRepository
	Appointments() AppointmentRepository
	Entries() EntryRepository
	Events() EventRepository
	Feed() ChangeFeed
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	// Lock reads the doctor and holds it exclusively until the enclosing
	// atomic unit ends. Every mutation of a doctor's queue takes this lock
	// first, which serializes them per doctor.
	Lock(ctx context.Context, id uuid.UUID) (*Doctor, error)
	List(ctx context.Context, availableOnly bool, limit, offset int) ([]*Doctor, int, error)
	SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error)
	// IncrementQueueNumber atomically bumps the doctor's ticket counter and
	// returns the new value.
	IncrementQueueNumber(ctx context.Context, id uuid.UUID) (int, error)
	SetCurrentEntry(ctx context.Context, id uuid.UUID, entryID *uuid.UUID) error
}

type PatientRepository interface {
	// UpsertByPhone creates the patient or overwrites the demographics of
	// the one already registered under the same phone.
	UpsertByPhone(ctx context.Context, info PatientInfo) (*Patient, error)
	GetByPhone(ctx context.Context, phone string) (*Patient, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByIdempotencyKey(ctx context.Context, doctorID uuid.UUID, key string) (*Appointment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) error
	// ListActiveByPhone returns waiting and in-progress appointments,
	// newest first.
	ListActiveByPhone(ctx context.Context, phone string) ([]*Appointment, error)
	// ListByDoctor returns appointments dated in [from, to) ordered by
	// queue number.
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Appointment, error)
}

type EntryRepository interface {
	Insert(ctx context.Context, e *QueueEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*QueueEntry, error)
	// ListByDoctor returns every entry of the doctor ordered by queue number.
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*QueueEntry, error)
	SetStatus(ctx context.Context, id uuid.UUID, status EntryStatus) error
}

type EventRepository interface {
	Append(ctx context.Context, ev *QueueEvent) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit int) ([]*QueueEvent, error)
}

// ChangeFeed carries committed changes to observers. Delivery is
// at-least-once with no ordering promise between notifications.
type ChangeFeed interface {
	Publish(ctx context.Context, c Change) error
	// Listen blocks until ctx is done, calling fn for each change. onResync
	// is called whenever earlier changes may have been missed, including
	// once at start.
	Listen(ctx context.Context, onResync func(), fn func(Change)) error
}
