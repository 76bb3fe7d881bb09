// Package liveview derives the read views that waiting-room screens,
// dashboards and patients watch, and pushes a fresh copy whenever the queue
// store reports a committed change.
package liveview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/websocket"
)

// Reader is the slice of the queue service the projector reads from.
type Reader interface {
	Queue(ctx context.Context, doctorID uuid.UUID) (*queue.Snapshot, error)
	ActiveForPatient(ctx context.Context, phone string) ([]*queue.Appointment, error)
	ListDoctors(ctx context.Context, availableOnly bool, limit, offset int) ([]*queue.Doctor, int, error)
}

// QueueView is what a doctor dashboard shows. Entries holds every entry in
// serving order, terminal ones included.
type QueueView struct {
	DoctorID       uuid.UUID           `json:"doctor_id"`
	DoctorName     string              `json:"doctor_name"`
	IsAvailable    bool                `json:"is_available"`
	CurrentNumber  int                 `json:"current_number"`
	WaitingCount   int                 `json:"waiting_count"`
	CompletedCount int                 `json:"completed_count"`
	SkippedCount   int                 `json:"skipped_count"`
	EstimatedWait  string              `json:"estimated_wait"`
	Entries        []*queue.QueueEntry `json:"entries"`
}

// CurrentView is the "now serving" number alone.
type CurrentView struct {
	DoctorID      uuid.UUID `json:"doctor_id"`
	CurrentNumber int       `json:"current_number"`
}

// PatientAppointment is one active booking as its patient sees it.
type PatientAppointment struct {
	AppointmentID  uuid.UUID               `json:"appointment_id"`
	DoctorID       uuid.UUID               `json:"doctor_id"`
	DoctorName     string                  `json:"doctor_name"`
	Specialization string                  `json:"specialization"`
	Status         queue.AppointmentStatus `json:"status"`
	MyNumber       int                     `json:"my_number"`
	CurrentNumber  int                     `json:"current_number"`
	PeopleAhead    int                     `json:"people_ahead"`
	EstimatedWait  string                  `json:"estimated_wait"`
}

type PatientStatus struct {
	Phone        string               `json:"phone"`
	Appointments []PatientAppointment `json:"appointments"`
}

type BoardDoctor struct {
	DoctorID       uuid.UUID `json:"doctor_id"`
	Name           string    `json:"name"`
	Specialization string    `json:"specialization"`
	CurrentNumber  int       `json:"current_number"`
	WaitingCount   int       `json:"waiting_count"`
	EstimatedWait  string    `json:"estimated_wait"`
}

// BoardView is the public display: every available doctor.
type BoardView struct {
	Doctors []BoardDoctor `json:"doctors"`
}

// Kind names a family of topics.
type Kind string

const (
	KindQueue   Kind = "queue"
	KindCurrent Kind = "current"
	KindPatient Kind = "patient"
	KindBoard   Kind = "board"
)

// Topic identifies one subscribable view.
type Topic struct {
	Kind     Kind
	DoctorID uuid.UUID
	Phone    string
}

func QueueTopic(doctorID uuid.UUID) Topic   { return Topic{Kind: KindQueue, DoctorID: doctorID} }
func CurrentTopic(doctorID uuid.UUID) Topic { return Topic{Kind: KindCurrent, DoctorID: doctorID} }
func PatientTopic(phone string) Topic {
	return Topic{Kind: KindPatient, Phone: queue.NormalizePhone(phone)}
}
func BoardTopic() Topic { return Topic{Kind: KindBoard} }

func (t Topic) String() string {
	switch t.Kind {
	case KindQueue, KindCurrent:
		return string(t.Kind) + "/" + t.DoctorID.String()
	case KindPatient:
		return string(t.Kind) + "/" + t.Phone
	}
	return string(t.Kind)
}

// ParseTopic accepts queue/<doctor id>, current/<doctor id>, patient/<phone>
// and board. Phones are normalized, so String may differ from s.
func ParseTopic(s string) (Topic, error) {
	if s == string(KindBoard) {
		return BoardTopic(), nil
	}
	kind, arg, ok := strings.Cut(s, "/")
	if !ok || arg == "" {
		return Topic{}, fmt.Errorf("unknown topic %q", s)
	}
	switch Kind(kind) {
	case KindQueue, KindCurrent:
		id, err := uuid.Parse(arg)
		if err != nil {
			return Topic{}, fmt.Errorf("topic %q: invalid doctor id", s)
		}
		return Topic{Kind: Kind(kind), DoctorID: id}, nil
	case KindPatient:
		t := PatientTopic(arg)
		if t.Phone == "" {
			return Topic{}, fmt.Errorf("topic %q: empty phone", s)
		}
		return t, nil
	}
	return Topic{}, fmt.Errorf("unknown topic %q", s)
}

// Option configures a Projector.
type Option func(*Projector)

// WithWaitEstimator sets the policy for QueueView.EstimatedWait.
func WithWaitEstimator(w queue.WaitEstimator) Option {
	return func(p *Projector) { p.waits = w }
}

func WithPatientEstimate(e PatientEstimate) Option {
	return func(p *Projector) { p.patient = e }
}

// WithHub publishes every view to websocket subscribers of its topic and
// answers their subscriptions with a snapshot.
func WithHub(hub *websocket.Hub) Option {
	return func(p *Projector) { p.hub = hub }
}

const boardPageSize = 100

// Projector computes views and delivers them to subscribers.
//
// Computing a view and delivering it happen together under deliverMu, and
// a new subscriber gets its snapshot under the same lock. Every subscriber
// therefore sees views in the order they were computed, starting with its
// snapshot.
type Projector struct {
	reader  Reader
	feed    queue.ChangeFeed
	waits   queue.WaitEstimator
	patient PatientEstimate
	hub     *websocket.Hub
	logger  zerolog.Logger

	deliverMu sync.Mutex
	// doctors each watched phone had active appointments with when its
	// status was last computed. Guarded by deliverMu.
	patientDoctors map[string]map[uuid.UUID]struct{}

	subsMu sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func(interface{})
}

func NewProjector(reader Reader, feed queue.ChangeFeed, logger zerolog.Logger, opts ...Option) *Projector {
	p := &Projector{
		reader:         reader,
		feed:           feed,
		waits:          MustParseBands(DefaultBands),
		patient:        PatientEstimate{MinMinutes: 5, MaxMinutes: 8},
		logger:         logger.With().Str("component", "liveview").Logger(),
		patientDoctors: make(map[string]map[uuid.UUID]struct{}),
		subs:           make(map[string]map[uint64]func(interface{})),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.hub != nil {
		p.hub.OnSubscribe(p.subscribeClient)
	}
	return p
}

// -- Views --

// QueueView computes the doctor dashboard view.
func (p *Projector) QueueView(ctx context.Context, doctorID uuid.UUID) (*QueueView, error) {
	snap, err := p.reader.Queue(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	v := &QueueView{
		DoctorID:      snap.Doctor.ID,
		DoctorName:    snap.Doctor.Name,
		IsAvailable:   snap.Doctor.IsAvailable,
		CurrentNumber: queue.CurrentNumber(snap.Entries),
		Entries:       make([]*queue.QueueEntry, 0, len(snap.Entries)),
	}
	for _, e := range snap.Entries {
		switch e.Status {
		case queue.EntryWaiting:
			v.WaitingCount++
		case queue.EntryCompleted:
			v.CompletedCount++
		case queue.EntrySkipped:
			v.SkippedCount++
		}
		v.Entries = append(v.Entries, e)
	}
	v.EstimatedWait = p.waits.Estimate(v.WaitingCount)
	return v, nil
}

// PatientStatus computes where each of the patient's active bookings
// stands.
func (p *Projector) PatientStatus(ctx context.Context, phone string) (*PatientStatus, error) {
	appts, err := p.reader.ActiveForPatient(ctx, phone)
	if err != nil {
		return nil, err
	}
	status := &PatientStatus{Phone: queue.NormalizePhone(phone), Appointments: make([]PatientAppointment, 0, len(appts))}
	current := make(map[uuid.UUID]int)
	for _, a := range appts {
		n, ok := current[a.DoctorID]
		if !ok {
			snap, err := p.reader.Queue(ctx, a.DoctorID)
			if err != nil {
				return nil, err
			}
			n = queue.CurrentNumber(snap.Entries)
			current[a.DoctorID] = n
		}
		ahead := queue.PeopleAhead(a.QueueNumber, n)
		status.Appointments = append(status.Appointments, PatientAppointment{
			AppointmentID:  a.ID,
			DoctorID:       a.DoctorID,
			DoctorName:     a.DoctorName,
			Specialization: a.Specialization,
			Status:         a.Status,
			MyNumber:       a.QueueNumber,
			CurrentNumber:  n,
			PeopleAhead:    ahead,
			EstimatedWait:  p.patient.Estimate(ahead),
		})
	}
	return status, nil
}

// Board computes the display board.
func (p *Projector) Board(ctx context.Context) (*BoardView, error) {
	board := &BoardView{Doctors: []BoardDoctor{}}
	for offset := 0; ; offset += boardPageSize {
		doctors, total, err := p.reader.ListDoctors(ctx, true, boardPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, d := range doctors {
			snap, err := p.reader.Queue(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			waiting := queue.WaitingCount(snap.Entries)
			board.Doctors = append(board.Doctors, BoardDoctor{
				DoctorID:       d.ID,
				Name:           d.Name,
				Specialization: d.Specialization,
				CurrentNumber:  queue.CurrentNumber(snap.Entries),
				WaitingCount:   waiting,
				EstimatedWait:  p.waits.Estimate(waiting),
			})
		}
		if len(doctors) == 0 || offset+len(doctors) >= total {
			return board, nil
		}
	}
}

// compute returns the view for t. Caller holds deliverMu.
func (p *Projector) compute(ctx context.Context, t Topic) (interface{}, error) {
	switch t.Kind {
	case KindQueue:
		return p.QueueView(ctx, t.DoctorID)
	case KindCurrent:
		v, err := p.QueueView(ctx, t.DoctorID)
		if err != nil {
			return nil, err
		}
		return &CurrentView{DoctorID: v.DoctorID, CurrentNumber: v.CurrentNumber}, nil
	case KindPatient:
		v, err := p.PatientStatus(ctx, t.Phone)
		if err != nil {
			return nil, err
		}
		doctors := make(map[uuid.UUID]struct{}, len(v.Appointments))
		for _, a := range v.Appointments {
			doctors[a.DoctorID] = struct{}{}
		}
		p.patientDoctors[t.Phone] = doctors
		return v, nil
	case KindBoard:
		return p.Board(ctx)
	}
	return nil, fmt.Errorf("unknown topic kind %q", t.Kind)
}

// -- In-process subscriptions --

// SubscribeQueue calls fn with the doctor's current QueueView and again
// after every change to the doctor's queue. Callbacks run on the
// projector's delivery path: they must not block or subscribe. The
// returned func unsubscribes; a delivery already under way may still
// reach fn once.
func (p *Projector) SubscribeQueue(ctx context.Context, doctorID uuid.UUID, fn func(QueueView)) (func(), error) {
	return p.subscribe(ctx, QueueTopic(doctorID), func(v interface{}) { fn(*v.(*QueueView)) })
}

// SubscribeCurrentNumber follows the number the doctor is serving.
func (p *Projector) SubscribeCurrentNumber(ctx context.Context, doctorID uuid.UUID, fn func(int)) (func(), error) {
	return p.subscribe(ctx, CurrentTopic(doctorID), func(v interface{}) { fn(v.(*CurrentView).CurrentNumber) })
}

// SubscribePatientStatus follows the patient's active bookings, including
// progress of every queue they wait in.
func (p *Projector) SubscribePatientStatus(ctx context.Context, phone string, fn func(PatientStatus)) (func(), error) {
	t := PatientTopic(phone)
	if t.Phone == "" {
		return nil, &queue.ValidationError{Msg: "phone is required"}
	}
	return p.subscribe(ctx, t, func(v interface{}) { fn(*v.(*PatientStatus)) })
}

func (p *Projector) SubscribeBoard(ctx context.Context, fn func(BoardView)) (func(), error) {
	return p.subscribe(ctx, BoardTopic(), func(v interface{}) { fn(*v.(*BoardView)) })
}

func (p *Projector) subscribe(ctx context.Context, t Topic, fn func(interface{})) (func(), error) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	v, err := p.compute(ctx, t)
	if err != nil {
		return nil, err
	}
	fn(v)

	key := t.String()
	p.subsMu.Lock()
	p.nextID++
	id := p.nextID
	if p.subs[key] == nil {
		p.subs[key] = make(map[uint64]func(interface{}))
	}
	p.subs[key][id] = fn
	p.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.subsMu.Lock()
			defer p.subsMu.Unlock()
			delete(p.subs[key], id)
			if len(p.subs[key]) == 0 {
				delete(p.subs, key)
			}
		})
	}, nil
}

// subscribeClient is the hub's SubscribeFunc.
func (p *Projector) subscribeClient(ctx context.Context, client *websocket.Client, topic string) error {
	t, err := ParseTopic(topic)
	if err != nil {
		return err
	}
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	v, err := p.compute(ctx, t)
	if err != nil {
		var nf *queue.NotFoundError
		if errors.As(err, &nf) {
			return nf
		}
		p.logger.Error().Err(err).Str("topic", t.String()).Msg("failed to compute snapshot")
		return fmt.Errorf("snapshot unavailable, try again")
	}
	ev, err := websocket.NewEvent(websocket.EventSnapshot, t.String(), v)
	if err != nil {
		return err
	}
	return p.hub.Join(client, t.String(), &ev)
}

// -- Delivery --

// Run follows the store's change feed until ctx is done.
func (p *Projector) Run(ctx context.Context) error {
	p.logger.Info().Msg("live view projector started")
	defer p.logger.Info().Msg("live view projector stopped")
	return p.feed.Listen(ctx, func() { p.Resync(ctx) }, func(c queue.Change) { p.HandleChange(ctx, c) })
}

// HandleChange recomputes and delivers every watched view the change can
// affect. Patient views depend on the doctor's current number, so a change
// to one doctor refreshes every patient waiting for that doctor.
func (p *Projector) HandleChange(ctx context.Context, c queue.Change) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	var targets []Topic
	for _, t := range p.watchedLocked() {
		switch t.Kind {
		case KindQueue, KindCurrent:
			if t.DoctorID == c.DoctorID {
				targets = append(targets, t)
			}
		case KindPatient:
			if _, waits := p.patientDoctors[t.Phone][c.DoctorID]; waits || t.Phone == c.Phone {
				targets = append(targets, t)
			}
		case KindBoard:
			targets = append(targets, t)
		}
	}
	p.refreshLocked(ctx, targets)
}

// Resync recomputes every watched view. The feed calls it when changes may
// have been missed.
func (p *Projector) Resync(ctx context.Context) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.refreshLocked(ctx, p.watchedLocked())
}

// watchedLocked lists topics with at least one subscriber and forgets
// patients nobody watches any more.
func (p *Projector) watchedLocked() []Topic {
	keys := make(map[string]struct{})
	p.subsMu.Lock()
	for k := range p.subs {
		keys[k] = struct{}{}
	}
	p.subsMu.Unlock()
	if p.hub != nil {
		for _, k := range p.hub.Topics() {
			keys[k] = struct{}{}
		}
	}

	topics := make([]Topic, 0, len(keys))
	watchedPhones := make(map[string]struct{})
	for k := range keys {
		t, err := ParseTopic(k)
		if err != nil {
			continue
		}
		if t.Kind == KindPatient {
			watchedPhones[t.Phone] = struct{}{}
		}
		topics = append(topics, t)
	}
	for phone := range p.patientDoctors {
		if _, ok := watchedPhones[phone]; !ok {
			delete(p.patientDoctors, phone)
		}
	}
	return topics
}

func (p *Projector) refreshLocked(ctx context.Context, topics []Topic) {
	for _, t := range topics {
		v, err := p.compute(ctx, t)
		if err != nil {
			p.logger.Warn().Err(err).Str("topic", t.String()).Msg("failed to refresh view")
			continue
		}
		p.deliverLocked(t, v)
	}
}

func (p *Projector) deliverLocked(t Topic, v interface{}) {
	key := t.String()
	p.subsMu.Lock()
	fns := make([]func(interface{}), 0, len(p.subs[key]))
	for _, fn := range p.subs[key] {
		fns = append(fns, fn)
	}
	p.subsMu.Unlock()
	for _, fn := range fns {
		fn(v)
	}

	if p.hub == nil || p.hub.TopicCount(key) == 0 {
		return
	}
	ev, err := websocket.NewEvent(websocket.EventUpdate, key, v)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", key).Msg("failed to encode view")
		return
	}
	p.hub.Broadcast(key, ev)
}
