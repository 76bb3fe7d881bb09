package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Doctor maps to the doctors table.
type Doctor struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	Specialization  string     `db:"specialization" json:"specialization"`
	IsAvailable     bool       `db:"is_available" json:"is_available"`
	CurrentEntryID  *uuid.UUID `db:"current_entry_id" json:"current_entry_id,omitempty"`
	LastQueueNumber int        `db:"last_queue_number" json:"last_queue_number"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

func (g Gender) Valid() bool {
	switch g {
	case GenderMale, GenderFemale, GenderOther:
		return true
	}
	return false
}

// Patient maps to the patients table. Phone is the natural key.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Phone     string    `db:"phone" json:"phone"`
	Age       int       `db:"age" json:"age"`
	Gender    Gender    `db:"gender" json:"gender"`
	Problem   string    `db:"problem" json:"problem"`
	IsGuest   bool      `db:"is_guest" json:"is_guest"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PatientInfo is what a patient or receptionist submits when booking.
type PatientInfo struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Age     int    `json:"age"`
	Gender  Gender `json:"gender"`
	Problem string `json:"problem"`
	IsGuest *bool  `json:"is_guest,omitempty"`
}

// Normalize trims whitespace and applies defaults.
func (p *PatientInfo) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Phone = NormalizePhone(p.Phone)
	p.Problem = strings.TrimSpace(p.Problem)
	if p.Gender == "" {
		p.Gender = GenderOther
	}
}

func (p *PatientInfo) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Phone == "" {
		return fmt.Errorf("phone is required")
	}
	if p.Age < 0 || p.Age > 150 {
		return fmt.Errorf("age must be between 0 and 150, got %d", p.Age)
	}
	if !p.Gender.Valid() {
		return fmt.Errorf("invalid gender: %s", p.Gender)
	}
	return nil
}

// NormalizePhone strips spaces, dashes and parentheses so that the same
// number typed two ways dedups to one patient.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

// Source records who placed a booking.
type Source string

const (
	SourcePatient      Source = "patient"
	SourceReceptionist Source = "receptionist"
)

func (s Source) Valid() bool {
	return s == SourcePatient || s == SourceReceptionist
}

// Appointment maps to the appointments table. QueueNumber always equals the
// number on the sibling QueueEntry; both are written in the same atomic unit.
type Appointment struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	PatientID       uuid.UUID         `db:"patient_id" json:"patient_id"`
	DoctorID        uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	PatientName     string            `db:"patient_name" json:"patient_name"`
	PatientPhone    string            `db:"patient_phone" json:"patient_phone"`
	DoctorName      string            `db:"doctor_name" json:"doctor_name"`
	Specialization  string            `db:"specialization" json:"specialization"`
	QueueNumber     int               `db:"queue_number" json:"queue_number"`
	Status          AppointmentStatus `db:"status" json:"status"`
	CreatedBy       Source            `db:"created_by" json:"created_by"`
	IdempotencyKey  *string           `db:"idempotency_key" json:"-"`
	AppointmentDate time.Time         `db:"appointment_date" json:"appointment_date"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// QueueEntry maps to the queue_entries table.
type QueueEntry struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	DoctorID      uuid.UUID   `db:"doctor_id" json:"doctor_id"`
	AppointmentID uuid.UUID   `db:"appointment_id" json:"appointment_id"`
	PatientName   string      `db:"patient_name" json:"patient_name"`
	QueueNumber   int         `db:"queue_number" json:"queue_number"`
	Status        EntryStatus `db:"status" json:"status"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

type EventKind string

const (
	EventIssued    EventKind = "issued"
	EventPromoted  EventKind = "promoted"
	EventCompleted EventKind = "completed"
	EventSkipped   EventKind = "skipped"
)

// QueueEvent is one row of the queue transition log.
type QueueEvent struct {
	ID        int64     `db:"id" json:"id"`
	DoctorID  uuid.UUID `db:"doctor_id" json:"doctor_id"`
	EntryID   uuid.UUID `db:"entry_id" json:"entry_id"`
	Event     EventKind `db:"event" json:"event"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Booking is returned by Book.
type Booking struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	EntryID       uuid.UUID `json:"entry_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	QueueNumber   int       `json:"queue_number"`
	WaitingAhead  int       `json:"waiting_ahead"`
	EstimatedWait string    `json:"estimated_wait"`
	// Replayed is set when an idempotency key matched an earlier booking.
	Replayed bool `json:"replayed,omitempty"`
}

// Change identifies what a committed mutation touched.
type Change struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Phone    string    `json:"phone,omitempty"`
	// Doctors is set when doctor metadata (availability) changed.
	Doctors bool `json:"doctors,omitempty"`
}
