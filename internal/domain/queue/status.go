package queue

import "sort"

// EntryStatus is the lifecycle state of a QueueEntry.
//
//	waiting -> current -> completed
//	   |          |
//	   +----------+-----> skipped
type EntryStatus string

const (
	EntryWaiting   EntryStatus = "waiting"
	EntryCurrent   EntryStatus = "current"
	EntryCompleted EntryStatus = "completed"
	EntrySkipped   EntryStatus = "skipped"
)

func (s EntryStatus) Valid() bool {
	switch s {
	case EntryWaiting, EntryCurrent, EntryCompleted, EntrySkipped:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible. Skipped
// entries stay terminal; they are never put back into the waiting set.
func (s EntryStatus) Terminal() bool {
	switch s {
	case EntryCompleted, EntrySkipped:
		return true
	case EntryWaiting, EntryCurrent:
		return false
	}
	return false
}

func (s EntryStatus) CanTransition(to EntryStatus) bool {
	switch s {
	case EntryWaiting:
		return to == EntryCurrent || to == EntrySkipped
	case EntryCurrent:
		return to == EntryCompleted || to == EntrySkipped
	case EntryCompleted, EntrySkipped:
		return false
	}
	return false
}

// AppointmentStatus is the lifecycle state of an Appointment.
type AppointmentStatus string

const (
	AppointmentWaiting    AppointmentStatus = "waiting"
	AppointmentInProgress AppointmentStatus = "in-progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentWaiting, AppointmentInProgress, AppointmentCompleted, AppointmentCancelled:
		return true
	}
	return false
}

// Active reports whether the appointment still belongs on a patient's list.
func (s AppointmentStatus) Active() bool {
	switch s {
	case AppointmentWaiting, AppointmentInProgress:
		return true
	case AppointmentCompleted, AppointmentCancelled:
		return false
	}
	return false
}

// CanTransition mirrors the entry machine: an appointment completes only
// after its patient has been called.
func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	switch s {
	case AppointmentWaiting:
		return to == AppointmentInProgress || to == AppointmentCancelled
	case AppointmentInProgress:
		return to == AppointmentCompleted || to == AppointmentCancelled
	case AppointmentCompleted, AppointmentCancelled:
		return false
	}
	return false
}

// appointmentStatusFor is the appointment state mirrored from an entry state.
func appointmentStatusFor(s EntryStatus) AppointmentStatus {
	switch s {
	case EntryWaiting:
		return AppointmentWaiting
	case EntryCurrent:
		return AppointmentInProgress
	case EntryCompleted:
		return AppointmentCompleted
	case EntrySkipped:
		return AppointmentCancelled
	}
	return AppointmentWaiting
}

// SortEntries orders entries by queue number, the canonical serving order.
// CreatedAt only breaks ties, which the unique index makes impossible for a
// single doctor but which can occur when mixing doctors.
func SortEntries(entries []*QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].QueueNumber != entries[j].QueueNumber {
			return entries[i].QueueNumber < entries[j].QueueNumber
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// advancePlan is what one advance does to a doctor's queue.
type advancePlan struct {
	retire  *QueueEntry
	promote *QueueEntry
}

func (p advancePlan) empty() bool { return p.retire == nil && p.promote == nil }

// planAdvance picks the entry to retire (the current one, if any) and the
// entry to promote (the lowest-numbered waiting one, if any). It returns
// ErrMultipleCurrent if the queue already violates the single-current rule.
func planAdvance(entries []*QueueEntry) (advancePlan, error) {
	var plan advancePlan
	for _, e := range entries {
		switch e.Status {
		case EntryCurrent:
			if plan.retire != nil {
				return advancePlan{}, ErrMultipleCurrent
			}
			plan.retire = e
		case EntryWaiting:
			if plan.promote == nil || e.QueueNumber < plan.promote.QueueNumber {
				plan.promote = e
			}
		case EntryCompleted, EntrySkipped:
		}
	}
	return plan, nil
}

// CurrentNumber returns the queue number being served, or 0.
func CurrentNumber(entries []*QueueEntry) int {
	for _, e := range entries {
		if e.Status == EntryCurrent {
			return e.QueueNumber
		}
	}
	return 0
}

// WaitingCount counts entries still waiting to be called.
func WaitingCount(entries []*QueueEntry) int {
	n := 0
	for _, e := range entries {
		if e.Status == EntryWaiting {
			n++
		}
	}
	return n
}

// WaitingBefore counts waiting entries with a lower number than n.
func WaitingBefore(entries []*QueueEntry, n int) int {
	count := 0
	for _, e := range entries {
		if e.Status == EntryWaiting && e.QueueNumber < n {
			count++
		}
	}
	return count
}

// PeopleAhead is how many numbers stand between a ticket and the one being
// served, never negative.
func PeopleAhead(myNumber, currentNumber int) int {
	if d := myNumber - currentNumber; d > 0 {
		return d
	}
	return 0
}
