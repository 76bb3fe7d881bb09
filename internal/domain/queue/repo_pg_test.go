package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslateTxErr_UniqueViolations(t *testing.T) {
	tests := []struct {
		constraint string
		conflict   bool
	}{
		{"appointments_doctor_number_key", true},
		{"appointments_idempotency_key", true},
		{"queue_entries_doctor_number_key", true},
		{"queue_entries_one_current", true},
		{"queue_entries_appointment_key", false},
		{"patients_phone_key", false},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: "23505", ConstraintName: tt.constraint}
			err := translateTxErr("book", fmt.Errorf("insert: %w", pgErr))
			if IsConflict(err) != tt.conflict {
				t.Fatalf("IsConflict = %v, want %v (err: %v)", IsConflict(err), tt.conflict, err)
			}
			if !errors.Is(err, pgErr) {
				t.Error("expected the driver error to stay in the chain")
			}
		})
	}
}

func TestTranslateTxErr_PassesDomainErrors(t *testing.T) {
	nf := &NotFoundError{Kind: "doctor", ID: "x"}
	if got := translateTxErr("advance", nf); got != nf {
		t.Errorf("expected domain error unchanged, got %v", got)
	}
	if err := translateTxErr("advance", &pgconn.PgError{Code: "40001"}); !IsConflict(err) {
		t.Errorf("serialization failures should be retried, got %v", err)
	}
}
