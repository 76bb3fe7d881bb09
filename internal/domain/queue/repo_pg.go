package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/db"
)

// ChangeChannel is the NOTIFY channel committed queue changes are sent on.
const ChangeChannel = "queue_changes"

type pgStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	doctors      *doctorRepoPG
	patients     *patientRepoPG
	appointments *appointmentRepoPG
	entries      *entryRepoPG
	events       *eventRepoPG
	feed         *pgFeed
}

// NewPGStore returns a Store backed by postgres. Atomic units run as
// READ COMMITTED transactions that start by locking the doctor row.
func NewPGStore(pool *pgxpool.Pool, logger zerolog.Logger) Store {
	return &pgStore{
		pool:         pool,
		logger:       logger,
		doctors:      &doctorRepoPG{pool: pool},
		patients:     &patientRepoPG{pool: pool},
		appointments: &appointmentRepoPG{pool: pool},
		entries:      &entryRepoPG{pool: pool},
		events:       &eventRepoPG{pool: pool},
		feed:         &pgFeed{pool: pool, logger: logger},
	}
}

func (s *pgStore) Doctors() DoctorRepository           { return s.doctors }
func (s *pgStore) Patients() PatientRepository         { return s.patients }
func (s *pgStore) Appointments() AppointmentRepository { return s.appointments }
func (s *pgStore) Entries() EntryRepository            { return s.entries }
func (s *pgStore) Events() EventRepository             { return s.events }
func (s *pgStore) Feed() ChangeFeed                    { return s.feed }

func (s *pgStore) Atomically(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := db.WithTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
	return translateTxErr(op, err)
}

// racingConstraints are the unique constraints two concurrent units for the
// same doctor can collide on. A violation of any other one is a bug and is
// not retried.
var racingConstraints = []string{
	"appointments_doctor_number_key",
	"appointments_idempotency_key",
	"queue_entries_doctor_number_key",
	"queue_entries_one_current",
}

func translateTxErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsNotFound(err), IsInvalidState(err), IsConflict(err), IsUnavailable(err), IsValidation(err):
		return err
	case db.IsRetryable(err, racingConstraints...):
		return &ConflictError{Op: op, Err: err}
	case db.IsUnavailable(err):
		return &StoreUnavailableError{Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rowErr maps a single-row lookup failure.
func rowErr(err error, kind string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
	}
	return storeErr(err)
}

func storeErr(err error) error {
	if err != nil && db.IsUnavailable(err) {
		return &StoreUnavailableError{Err: err}
	}
	return err
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

const doctorCols = `id, name, specialization, is_available, current_entry_id, last_queue_number, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialization, &d.IsAvailable, &d.CurrentEntryID,
		&d.LastQueueNumber, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctors (id, name, specialization, is_available)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.Specialization, d.IsAvailable).Scan(&d.CreatedAt, &d.UpdatedAt)
	return storeErr(err)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id))
	if err != nil {
		return nil, rowErr(err, "doctor", id)
	}
	return d, nil
}

func (r *doctorRepoPG) Lock(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, rowErr(err, "doctor", id)
	}
	return d, nil
}

func (r *doctorRepoPG) List(ctx context.Context, availableOnly bool, limit, offset int) ([]*Doctor, int, error) {
	where := ``
	if availableOnly {
		where = ` WHERE is_available`
	}
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM doctors`+where).Scan(&total); err != nil {
		return nil, 0, storeErr(err)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+doctorCols+` FROM doctors`+where+` ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, storeErr(rows.Err())
}

func (r *doctorRepoPG) SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error) {
	d, err := scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE doctors SET is_available = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+doctorCols, id, available))
	if err != nil {
		return nil, rowErr(err, "doctor", id)
	}
	return d, nil
}

func (r *doctorRepoPG) IncrementQueueNumber(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE doctors SET last_queue_number = last_queue_number + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING last_queue_number`, id).Scan(&n)
	if err != nil {
		return 0, rowErr(err, "doctor", id)
	}
	return n, nil
}

func (r *doctorRepoPG) SetCurrentEntry(ctx context.Context, id uuid.UUID, entryID *uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE doctors SET current_entry_id = $2, updated_at = NOW() WHERE id = $1`, id, entryID)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "doctor", ID: id.String()}
	}
	return nil
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

const patientCols = `id, name, phone, age, gender, problem, is_guest, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Age, &p.Gender, &p.Problem, &p.IsGuest, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) UpsertByPhone(ctx context.Context, info PatientInfo) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patients (id, name, phone, age, gender, problem, is_guest)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::boolean, TRUE))
		ON CONFLICT ON CONSTRAINT patients_phone_key DO UPDATE SET
			name = EXCLUDED.name,
			age = EXCLUDED.age,
			gender = EXCLUDED.gender,
			problem = EXCLUDED.problem,
			is_guest = COALESCE($7::boolean, patients.is_guest),
			updated_at = NOW()
		RETURNING `+patientCols,
		uuid.New(), info.Name, info.Phone, info.Age, info.Gender, info.Problem, info.IsGuest))
	if err != nil {
		return nil, storeErr(err)
	}
	return p, nil
}

func (r *patientRepoPG) GetByPhone(ctx context.Context, phone string) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE phone = $1`, phone))
	if err != nil {
		return nil, rowErr(err, "patient", phone)
	}
	return p, nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

const appointmentSelect = `SELECT a.id, a.patient_id, a.doctor_id, p.name, p.phone, d.name, d.specialization,
	a.queue_number, a.status, a.created_by, a.idempotency_key, a.appointment_date, a.created_at, a.updated_at
	FROM appointments a
	JOIN patients p ON p.id = a.patient_id
	JOIN doctors d ON d.id = a.doctor_id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.PatientName, &a.PatientPhone, &a.DoctorName,
		&a.Specialization, &a.QueueNumber, &a.Status, &a.CreatedBy, &a.IdempotencyKey,
		&a.AppointmentDate, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) collect(ctx context.Context, query string, args ...interface{}) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
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
	return items, storeErr(rows.Err())
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, queue_number, status, created_by,
			idempotency_key, appointment_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.QueueNumber, a.Status, a.CreatedBy,
		a.IdempotencyKey, a.AppointmentDate).Scan(&a.CreatedAt, &a.UpdatedAt)
	return storeErr(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx, appointmentSelect+` WHERE a.id = $1`, id))
	if err != nil {
		return nil, rowErr(err, "appointment", id)
	}
	return a, nil
}

func (r *appointmentRepoPG) GetByIdempotencyKey(ctx context.Context, doctorID uuid.UUID, key string) (*Appointment, error) {
	a, err := scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx,
		appointmentSelect+` WHERE a.doctor_id = $1 AND a.idempotency_key = $2`, doctorID, key))
	if err != nil {
		return nil, rowErr(err, "appointment", key)
	}
	return a, nil
}

func (r *appointmentRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE appointments SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "appointment", ID: id.String()}
	}
	return nil
}

func (r *appointmentRepoPG) ListActiveByPhone(ctx context.Context, phone string) ([]*Appointment, error) {
	return r.collect(ctx, appointmentSelect+`
		WHERE p.phone = $1 AND a.status IN ('waiting', 'in-progress')
		ORDER BY a.created_at DESC, a.queue_number DESC`, phone)
}

func (r *appointmentRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	return r.collect(ctx, appointmentSelect+`
		WHERE a.doctor_id = $1 AND a.appointment_date >= $2 AND a.appointment_date < $3
		ORDER BY a.queue_number`, doctorID, from, to)
}

// =========== Queue Entry Repository ===========

type entryRepoPG struct{ pool *pgxpool.Pool }

const entryCols = `id, doctor_id, appointment_id, patient_name, queue_number, status, created_at, updated_at`

func (r *entryRepoPG) Insert(ctx context.Context, e *QueueEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO queue_entries (id, doctor_id, appointment_id, patient_name, queue_number, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		e.ID, e.DoctorID, e.AppointmentID, e.PatientName, e.QueueNumber, e.Status).Scan(&e.CreatedAt, &e.UpdatedAt)
	return storeErr(err)
}

func (r *entryRepoPG) getOne(ctx context.Context, where string, arg interface{}) (*QueueEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+entryCols+` FROM queue_entries WHERE `+where, arg)
	if err != nil {
		return nil, storeErr(err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[QueueEntry])
	if err != nil {
		return nil, rowErr(err, "queue entry", arg)
	}
	return e, nil
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *entryRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*QueueEntry, error) {
	return r.getOne(ctx, `appointment_id = $1`, appointmentID)
}

func (r *entryRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*QueueEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+entryCols+` FROM queue_entries WHERE doctor_id = $1 ORDER BY queue_number, created_at`, doctorID)
	if err != nil {
		return nil, storeErr(err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[QueueEntry])
	return entries, storeErr(err)
}

func (r *entryRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status EntryStatus) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE queue_entries SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "queue entry", ID: id.String()}
	}
	return nil
}

// =========== Queue Event Repository ===========

type eventRepoPG struct{ pool *pgxpool.Pool }

func (r *eventRepoPG) Append(ctx context.Context, ev *QueueEvent) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO queue_events (doctor_id, entry_id, event)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`, ev.DoctorID, ev.EntryID, ev.Event).Scan(&ev.ID, &ev.CreatedAt)
	return storeErr(err)
}

func (r *eventRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit int) ([]*QueueEvent, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, doctor_id, entry_id, event, created_at
		FROM queue_events WHERE doctor_id = $1
		ORDER BY id DESC LIMIT $2`, doctorID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[QueueEvent])
	return events, storeErr(err)
}

// =========== Change Feed ===========

type pgFeed struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Publish issues pg_notify on the connection carried by ctx, so a change
// published inside Atomically is delivered on commit and dropped on rollback.
func (f *pgFeed) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return storeErr(db.Notify(ctx, db.Conn(ctx, f.pool), ChangeChannel, string(payload)))
}

func (f *pgFeed) Listen(ctx context.Context, onResync func(), fn func(Change)) error {
	return db.Listen(ctx, f.pool, ChangeChannel, f.logger, onResync, func(payload string) {
		var c Change
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			f.logger.Warn().Err(err).Str("payload", payload).Msg("dropping malformed queue change")
			if onResync != nil {
				onResync()
			}
			return
		}
		fn(c)
	})
}
