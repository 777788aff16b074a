package pgstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestConflictOrMapsRetryableCodes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name         string
		err          error
		wantConflict bool
	}{
		{name: "serialization", err: &pgconn.PgError{Code: pgSerializationFailureCode}, wantConflict: true},
		{name: "deadlock", err: fmt.Errorf("commit: %w", &pgconn.PgError{Code: pgDeadlockDetectedCode}), wantConflict: true},
		{name: "unique", err: &pgconn.PgError{Code: pgUniqueViolationCode}},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mapped := conflictOr(tc.err)
			if got := errors.Is(mapped, timebank.ErrConflict); got != tc.wantConflict {
				t.Fatalf("expected conflict=%v, got %v (%v)", tc.wantConflict, got, mapped)
			}
			if !errors.Is(mapped, tc.err) {
				t.Fatalf("expected the original error to stay reachable")
			}
		})
	}
}

func TestIsUniqueViolationMatchesConstraint(t *testing.T) {
	t.Parallel()
	referenceConflict := &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintReference}
	if !isUniqueViolation(referenceConflict, constraintReference) {
		t.Fatalf("expected reference constraint to match")
	}
	if isUniqueViolation(referenceConflict, constraintBookingPrimary) {
		t.Fatalf("expected other constraint not to match")
	}
	if !isUniqueViolation(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintEscrowBooking}, "") {
		t.Fatalf("expected empty constraint to match any unique violation")
	}
	if isUniqueViolation(errors.New("boom"), "") {
		t.Fatalf("expected plain errors not to match")
	}
}

func TestMapTransactionParsesNumericText(t *testing.T) {
	t.Parallel()
	from := "client"
	to := "provider"
	bookingID := "booking-1"
	createdAt := time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)
	entry, err := mapTransaction("entry-1", &from, &to, "2.50", "escrow_release", &bookingID, "ref-1", "released", `{"listing_id":"l-1"}`, createdAt)
	if err != nil {
		t.Fatalf("map transaction: %v", err)
	}
	if entry.Amount().String() != "2.50" || entry.Type() != timebank.TransactionEscrowRelease {
		t.Fatalf("unexpected entry %s %s", entry.Amount(), entry.Type())
	}
	if got, ok := entry.BookingID(); !ok || got.String() != bookingID {
		t.Fatalf("expected booking id %q, got %q", bookingID, got)
	}
	if _, err := mapTransaction("entry-2", nil, nil, "1", "refund", nil, "ref-2", "", "{}", createdAt); err == nil {
		t.Fatalf("expected entry without parties to fail")
	}
}

func TestMapWalletRejectsNegativeBalance(t *testing.T) {
	t.Parallel()
	_, err := mapWallet("user", "-1.00", "0", 1, time.Now())
	if !errors.Is(err, timebank.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
