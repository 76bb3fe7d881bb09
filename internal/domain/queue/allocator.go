package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TicketAllocator issues queue numbers. Numbers come from a per-doctor
// counter that the store increments in place, so two callers can never
// read the same value and numbers are never reused.
type TicketAllocator struct {
	store Store
	retry RetryPolicy
}

func NewTicketAllocator(store Store, retry RetryPolicy) *TicketAllocator {
	return &TicketAllocator{store: store, retry: retry}
}

// Issue allocates the next number within the caller's atomic unit. If the
// unit rolls back the increment rolls back with it.
func (a *TicketAllocator) Issue(ctx context.Context, doctorID uuid.UUID) (int, error) {
	n, err := a.store.Doctors().IncrementQueueNumber(ctx, doctorID)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("doctor %s: counter produced non-positive ticket %d", doctorID, n)
	}
	return n, nil
}

// Next allocates a number in a unit of its own, retrying conflicts.
func (a *TicketAllocator) Next(ctx context.Context, doctorID uuid.UUID) (int, error) {
	var n int
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		return a.store.Atomically(ctx, "allocate ticket", func(ctx context.Context) error {
			var err error
			n, err = a.Issue(ctx, doctorID)
			return err
		})
	})
	if err != nil {
		return 0, allocationErr(err)
	}
	return n, nil
}

func allocationErr(err error) error {
	if IsConflict(err) {
		return fmt.Errorf("%w: %w", ErrTicketAllocationFailed, err)
	}
	return err
}
