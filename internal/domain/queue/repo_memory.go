package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps everything in process. A single mutex is held for the
// whole of each atomic unit and for every standalone call, so units are
// serializable. Writes made inside a unit are undone if it fails.
type memoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	doctors        map[uuid.UUID]*Doctor
	patients       map[uuid.UUID]*Patient
	patientByPhone map[string]uuid.UUID
	appointments   map[uuid.UUID]*Appointment
	apptOrder      []uuid.UUID
	entries        map[uuid.UUID]*QueueEntry
	events         []*QueueEvent

	subsMu sync.Mutex
	subs   map[*memSub]struct{}
}

type memSub struct {
	ch     chan Change
	resync chan struct{}
}

type memTx struct {
	undo    []func()
	pending []Change
}

type memTxKey struct{}

// NewMemoryStore returns a Store that lives in process memory. It is meant
// for development and tests; nothing survives a restart.
func NewMemoryStore() Store {
	return &memoryStore{
		now:            time.Now,
		doctors:        make(map[uuid.UUID]*Doctor),
		patients:       make(map[uuid.UUID]*Patient),
		patientByPhone: make(map[string]uuid.UUID),
		appointments:   make(map[uuid.UUID]*Appointment),
		entries:        make(map[uuid.UUID]*QueueEntry),
		subs:           make(map[*memSub]struct{}),
	}
}

func (s *memoryStore) Doctors() DoctorRepository           { return (*memDoctors)(s) }
func (s *memoryStore) Patients() PatientRepository         { return (*memPatients)(s) }
func (s *memoryStore) Appointments() AppointmentRepository { return (*memAppointments)(s) }
func (s *memoryStore) Entries() EntryRepository            { return (*memEntries)(s) }
func (s *memoryStore) Events() EventRepository             { return (*memEvents)(s) }
func (s *memoryStore) Feed() ChangeFeed                    { return (*memFeed)(s) }

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// enter takes the store lock unless ctx already belongs to a unit holding it.
func (s *memoryStore) enter(ctx context.Context) (*memTx, func()) {
	if tx := txFrom(ctx); tx != nil {
		return tx, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

// onUndo registers how to revert a write made inside a unit.
func (tx *memTx) onUndo(fn func()) {
	if tx != nil {
		tx.undo = append(tx.undo, fn)
	}
}

func (s *memoryStore) Atomically(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{}
	if err := s.run(ctx, tx, fn); err != nil {
		return err
	}
	for _, c := range tx.pending {
		s.deliver(c)
	}
	return nil
}

func (s *memoryStore) run(ctx context.Context, tx *memTx, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	committed := false
	defer func() {
		if !committed {
			for i := len(tx.undo) - 1; i >= 0; i-- {
				tx.undo[i]()
			}
		}
		s.mu.Unlock()
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	committed = true
	return nil
}

// =========== Doctors ===========

type memDoctors memoryStore

func (r *memDoctors) Create(ctx context.Context, d *Doctor) error {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if _, exists := s.doctors[d.ID]; exists {
		return &ConflictError{Op: "create doctor"}
	}
	d.CreatedAt, d.UpdatedAt = s.now(), s.now()
	cp := *d
	s.doctors[d.ID] = &cp
	id := d.ID
	tx.onUndo(func() { delete(s.doctors, id) })
	return nil
}

func (r *memDoctors) get(id uuid.UUID) (*Doctor, error) {
	d, ok := r.doctors[id]
	if !ok {
		return nil, &NotFoundError{Kind: "doctor", ID: id.String()}
	}
	return d, nil
}

func (r *memDoctors) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	d, err := r.get(id)
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

// Lock is a plain read; the unit already holds the store lock.
func (r *memDoctors) Lock(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.GetByID(ctx, id)
}

func (r *memDoctors) List(ctx context.Context, availableOnly bool, limit, offset int) ([]*Doctor, int, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()

	var all []*Doctor
	for _, d := range r.doctors {
		if availableOnly && !d.IsAvailable {
			continue
		}
		cp := *d
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// update applies fn to the stored doctor, recording an undo step.
func (r *memDoctors) update(ctx context.Context, id uuid.UUID, fn func(d *Doctor)) (*Doctor, error) {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()

	d, err := r.get(id)
	if err != nil {
		return nil, err
	}
	prev := *d
	tx.onUndo(func() { *d = prev })
	fn(d)
	d.UpdatedAt = s.now()
	cp := *d
	return &cp, nil
}

func (r *memDoctors) SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error) {
	return r.update(ctx, id, func(d *Doctor) { d.IsAvailable = available })
}

func (r *memDoctors) IncrementQueueNumber(ctx context.Context, id uuid.UUID) (int, error) {
	d, err := r.update(ctx, id, func(d *Doctor) { d.LastQueueNumber++ })
	if err != nil {
		return 0, err
	}
	return d.LastQueueNumber, nil
}

func (r *memDoctors) SetCurrentEntry(ctx context.Context, id uuid.UUID, entryID *uuid.UUID) error {
	_, err := r.update(ctx, id, func(d *Doctor) {
		if entryID == nil {
			d.CurrentEntryID = nil
			return
		}
		v := *entryID
		d.CurrentEntryID = &v
	})
	return err
}

// =========== Patients ===========

type memPatients memoryStore

func (r *memPatients) UpsertByPhone(ctx context.Context, info PatientInfo) (*Patient, error) {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()

	if id, ok := s.patientByPhone[info.Phone]; ok {
		p := s.patients[id]
		prev := *p
		tx.onUndo(func() { *p = prev })
		p.Name, p.Age, p.Gender, p.Problem = info.Name, info.Age, info.Gender, info.Problem
		if info.IsGuest != nil {
			p.IsGuest = *info.IsGuest
		}
		p.UpdatedAt = s.now()
		cp := *p
		return &cp, nil
	}

	p := &Patient{
		ID:        uuid.New(),
		Name:      info.Name,
		Phone:     info.Phone,
		Age:       info.Age,
		Gender:    info.Gender,
		Problem:   info.Problem,
		IsGuest:   true,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if info.IsGuest != nil {
		p.IsGuest = *info.IsGuest
	}
	s.patients[p.ID] = p
	s.patientByPhone[p.Phone] = p.ID
	tx.onUndo(func() {
		delete(s.patients, p.ID)
		delete(s.patientByPhone, p.Phone)
	})
	cp := *p
	return &cp, nil
}

func (r *memPatients) GetByPhone(ctx context.Context, phone string) (*Patient, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	id, ok := r.patientByPhone[phone]
	if !ok {
		return nil, &NotFoundError{Kind: "patient", ID: phone}
	}
	cp := *r.patients[id]
	return &cp, nil
}

// =========== Appointments ===========

type memAppointments memoryStore

// view copies a stored appointment and fills the joined fields.
func (r *memAppointments) view(a *Appointment) *Appointment {
	cp := *a
	if p, ok := r.patients[a.PatientID]; ok {
		cp.PatientName, cp.PatientPhone = p.Name, p.Phone
	}
	if d, ok := r.doctors[a.DoctorID]; ok {
		cp.DoctorName, cp.Specialization = d.Name, d.Specialization
	}
	return &cp
}

func (r *memAppointments) Create(ctx context.Context, a *Appointment) error {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()

	if _, ok := s.doctors[a.DoctorID]; !ok {
		return &NotFoundError{Kind: "doctor", ID: a.DoctorID.String()}
	}
	if _, ok := s.patients[a.PatientID]; !ok {
		return &NotFoundError{Kind: "patient", ID: a.PatientID.String()}
	}
	for _, other := range s.appointments {
		if other.DoctorID != a.DoctorID {
			continue
		}
		if other.QueueNumber == a.QueueNumber {
			return &ConflictError{Op: "create appointment"}
		}
		if a.IdempotencyKey != nil && other.IdempotencyKey != nil && *a.IdempotencyKey == *other.IdempotencyKey {
			return &ConflictError{Op: "create appointment"}
		}
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt, a.UpdatedAt = s.now(), s.now()
	cp := *a
	s.appointments[a.ID] = &cp
	s.apptOrder = append(s.apptOrder, a.ID)
	id := a.ID
	tx.onUndo(func() {
		delete(s.appointments, id)
		s.apptOrder = s.apptOrder[:len(s.apptOrder)-1]
	})
	return nil
}

func (r *memAppointments) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	a, ok := r.appointments[id]
	if !ok {
		return nil, &NotFoundError{Kind: "appointment", ID: id.String()}
	}
	return r.view(a), nil
}

func (r *memAppointments) GetByIdempotencyKey(ctx context.Context, doctorID uuid.UUID, key string) (*Appointment, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	for _, a := range r.appointments {
		if a.DoctorID == doctorID && a.IdempotencyKey != nil && *a.IdempotencyKey == key {
			return r.view(a), nil
		}
	}
	return nil, &NotFoundError{Kind: "appointment", ID: key}
}

func (r *memAppointments) SetStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) error {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()
	a, ok := s.appointments[id]
	if !ok {
		return &NotFoundError{Kind: "appointment", ID: id.String()}
	}
	prev := *a
	tx.onUndo(func() { *a = prev })
	a.Status = status
	a.UpdatedAt = s.now()
	return nil
}

func (r *memAppointments) ListActiveByPhone(ctx context.Context, phone string) ([]*Appointment, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	pid, ok := r.patientByPhone[phone]
	if !ok {
		return nil, nil
	}
	var out []*Appointment
	for i := len(r.apptOrder) - 1; i >= 0; i-- {
		a := r.appointments[r.apptOrder[i]]
		if a.PatientID == pid && a.Status.Active() {
			out = append(out, r.view(a))
		}
	}
	return out, nil
}

func (r *memAppointments) ListByDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	var out []*Appointment
	for _, a := range r.appointments {
		if a.DoctorID != doctorID || a.AppointmentDate.Before(from) || !a.AppointmentDate.Before(to) {
			continue
		}
		out = append(out, r.view(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out, nil
}

// =========== Queue Entries ===========

type memEntries memoryStore

func (r *memEntries) Insert(ctx context.Context, e *QueueEntry) error {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()

	for _, other := range s.entries {
		if other.DoctorID != e.DoctorID {
			continue
		}
		if other.QueueNumber == e.QueueNumber || other.AppointmentID == e.AppointmentID {
			return &ConflictError{Op: "insert queue entry"}
		}
		if e.Status == EntryCurrent && other.Status == EntryCurrent {
			return ErrMultipleCurrent
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt, e.UpdatedAt = s.now(), s.now()
	cp := *e
	s.entries[e.ID] = &cp
	id := e.ID
	tx.onUndo(func() { delete(s.entries, id) })
	return nil
}

func (r *memEntries) find(match func(e *QueueEntry) bool, id string) (*QueueEntry, error) {
	for _, e := range r.entries {
		if match(e) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, &NotFoundError{Kind: "queue entry", ID: id}
}

func (r *memEntries) GetByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	return r.find(func(e *QueueEntry) bool { return e.ID == id }, id.String())
}

func (r *memEntries) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*QueueEntry, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	return r.find(func(e *QueueEntry) bool { return e.AppointmentID == appointmentID }, appointmentID.String())
}

func (r *memEntries) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*QueueEntry, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	var out []*QueueEntry
	for _, e := range r.entries {
		if e.DoctorID == doctorID {
			cp := *e
			out = append(out, &cp)
		}
	}
	SortEntries(out)
	return out, nil
}

func (r *memEntries) SetStatus(ctx context.Context, id uuid.UUID, status EntryStatus) error {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()
	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{Kind: "queue entry", ID: id.String()}
	}
	if status == EntryCurrent {
		for _, other := range s.entries {
			if other.ID != id && other.DoctorID == e.DoctorID && other.Status == EntryCurrent {
				return ErrMultipleCurrent
			}
		}
	}
	prev := *e
	tx.onUndo(func() { *e = prev })
	e.Status = status
	e.UpdatedAt = s.now()
	return nil
}

// =========== Events ===========

type memEvents memoryStore

func (r *memEvents) Append(ctx context.Context, ev *QueueEvent) error {
	s := (*memoryStore)(r)
	tx, done := s.enter(ctx)
	defer done()
	ev.ID = int64(len(s.events) + 1)
	ev.CreatedAt = s.now()
	cp := *ev
	s.events = append(s.events, &cp)
	tx.onUndo(func() { s.events = s.events[:len(s.events)-1] })
	return nil
}

func (r *memEvents) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit int) ([]*QueueEvent, error) {
	_, done := (*memoryStore)(r).enter(ctx)
	defer done()
	var out []*QueueEvent
	for i := len(r.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.events[i].DoctorID == doctorID {
			cp := *r.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =========== Change Feed ===========

type memFeed memoryStore

func (f *memFeed) Publish(ctx context.Context, c Change) error {
	if tx := txFrom(ctx); tx != nil {
		tx.pending = append(tx.pending, c)
		return nil
	}
	(*memoryStore)(f).deliver(c)
	return nil
}

func (s *memoryStore) deliver(c Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- c:
		default:
			// Listener is behind; ask it to rebuild from the store.
			select {
			case sub.resync <- struct{}{}:
			default:
			}
		}
	}
}

func (f *memFeed) Listen(ctx context.Context, onResync func(), fn func(Change)) error {
	s := (*memoryStore)(f)
	sub := &memSub{ch: make(chan Change, 256), resync: make(chan struct{}, 1)}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	defer func() {
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
	}()

	if onResync != nil {
		onResync()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-sub.ch:
			fn(c)
		case <-sub.resync:
			if onResync != nil {
				onResync()
			}
		}
	}
}
