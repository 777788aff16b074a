package timebank

import (
	"fmt"
	"time"
)

// BookingState defines the booking lifecycle.
type BookingState string

const (
	BookingStatePending   BookingState = "pending"
	BookingStateAccepted  BookingState = "accepted"
	BookingStateCompleted BookingState = "completed"
	BookingStateRejected  BookingState = "rejected"
)

var bookingTransitions = map[BookingState][]BookingState{
	BookingStatePending:  {BookingStateAccepted, BookingStateRejected},
	BookingStateAccepted: {BookingStateCompleted},
}

// ParseBookingState validates a stored state value.
func ParseBookingState(raw string) (BookingState, error) {
	state := BookingState(raw)
	switch state {
	case BookingStatePending, BookingStateAccepted, BookingStateCompleted, BookingStateRejected:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBookingState, raw)
	}
}

// String returns the raw state value.
func (state BookingState) String() string {
	return string(state)
}

// IsTerminal reports whether no transition leaves this state.
func (state BookingState) IsTerminal() bool {
	return len(bookingTransitions[state]) == 0
}

// CanTransition reports whether state -> target is a legal lifecycle step.
func (state BookingState) CanTransition(target BookingState) bool {
	for _, allowed := range bookingTransitions[state] {
		if allowed == target {
			return true
		}
	}
	return false
}

// EscrowStatus defines the escrow entry lifecycle.
type EscrowStatus string

const (
	EscrowStatusHold     EscrowStatus = "hold"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// ParseEscrowStatus validates a stored status value.
func ParseEscrowStatus(raw string) (EscrowStatus, error) {
	status := EscrowStatus(raw)
	switch status {
	case EscrowStatusHold, EscrowStatusReleased, EscrowStatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEscrowStatus, raw)
	}
}

// String returns the raw status value.
func (status EscrowStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the hold has been resolved.
func (status EscrowStatus) IsTerminal() bool {
	return status == EscrowStatusReleased || status == EscrowStatusRefunded
}

// TimeSlot is the requested session window.
type TimeSlot struct {
	start time.Time
	end   time.Time
}

// NewTimeSlot requires end to be strictly after start.
func NewTimeSlot(start time.Time, end time.Time) (TimeSlot, error) {
	if start.IsZero() || end.IsZero() {
		return TimeSlot{}, fmt.Errorf("%w: start and end are required", ErrInvalidTimeSlot)
	}
	if !end.After(start) {
		return TimeSlot{}, fmt.Errorf("%w: end must be after start", ErrInvalidTimeSlot)
	}
	return TimeSlot{start: start.UTC(), end: end.UTC()}, nil
}

// Start returns the session start.
func (slot TimeSlot) Start() time.Time {
	return slot.start
}

// End returns the session end.
func (slot TimeSlot) End() time.Time {
	return slot.end
}

// EscrowEntry is the single hold of funds owned by a booking.
type EscrowEntry struct {
	escrowID  EscrowID
	bookingID BookingID
	amount    PositiveCredits
	status    EscrowStatus
}

// NewEscrowEntry validates an escrow entry.
func NewEscrowEntry(escrowID EscrowID, bookingID BookingID, amount PositiveCredits, status EscrowStatus) (EscrowEntry, error) {
	if escrowID.value == "" {
		return EscrowEntry{}, fmt.Errorf("%w: empty value", ErrInvalidEscrowID)
	}
	if bookingID.value == "" {
		return EscrowEntry{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	if !amount.value.IsPositive() {
		return EscrowEntry{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseEscrowStatus(status.String()); err != nil {
		return EscrowEntry{}, err
	}
	return EscrowEntry{escrowID: escrowID, bookingID: bookingID, amount: amount, status: status}, nil
}

// EscrowID returns the entry id.
func (entry EscrowEntry) EscrowID() EscrowID {
	return entry.escrowID
}

// BookingID returns the owning booking.
func (entry EscrowEntry) BookingID() BookingID {
	return entry.bookingID
}

// Amount returns the held amount, fixed at creation.
func (entry EscrowEntry) Amount() PositiveCredits {
	return entry.amount
}

// Status returns the entry status.
func (entry EscrowEntry) Status() EscrowStatus {
	return entry.status
}

func (entry EscrowEntry) withStatus(status EscrowStatus) EscrowEntry {
	entry.status = status
	return entry
}

// Booking is one requested session between a client and a provider.
type Booking struct {
	bookingID  BookingID
	clientID   UserID
	providerID UserID
	listingID  ListingID
	slot       TimeSlot
	state      BookingState
	escrow     EscrowEntry
	hasEscrow  bool
	createdAt  time.Time
}

// NewBooking validates a booking record. The escrow entry is attached separately with WithEscrow.
func NewBooking(bookingID BookingID, clientID UserID, providerID UserID, listingID ListingID, slot TimeSlot, state BookingState, createdAt time.Time) (Booking, error) {
	if bookingID.value == "" {
		return Booking{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	if clientID.IsZero() || providerID.IsZero() {
		return Booking{}, fmt.Errorf("%w: client and provider are required", ErrInvalidUserID)
	}
	if clientID == providerID {
		return Booking{}, ErrSelfBooking
	}
	if listingID.value == "" {
		return Booking{}, fmt.Errorf("%w: empty value", ErrInvalidListingID)
	}
	if !slot.end.After(slot.start) {
		return Booking{}, fmt.Errorf("%w: end must be after start", ErrInvalidTimeSlot)
	}
	if _, err := ParseBookingState(state.String()); err != nil {
		return Booking{}, err
	}
	return Booking{
		bookingID:  bookingID,
		clientID:   clientID,
		providerID: providerID,
		listingID:  listingID,
		slot:       slot,
		state:      state,
		createdAt:  createdAt.UTC(),
	}, nil
}

// WithEscrow attaches the booking's escrow entry.
func (booking Booking) WithEscrow(entry EscrowEntry) (Booking, error) {
	if entry.bookingID != booking.bookingID {
		return Booking{}, fmt.Errorf("%w: escrow entry belongs to booking %q", ErrInvalidEscrowID, entry.bookingID.String())
	}
	booking.escrow = entry
	booking.hasEscrow = true
	return booking, nil
}

// BookingID returns the booking id.
func (booking Booking) BookingID() BookingID {
	return booking.bookingID
}

// ClientID returns the paying party.
func (booking Booking) ClientID() UserID {
	return booking.clientID
}

// ProviderID returns the party delivering the session.
func (booking Booking) ProviderID() UserID {
	return booking.providerID
}

// ListingID returns the listing the booking was made against.
func (booking Booking) ListingID() ListingID {
	return booking.listingID
}

// Slot returns the session window.
func (booking Booking) Slot() TimeSlot {
	return booking.slot
}

// State returns the lifecycle state.
func (booking Booking) State() BookingState {
	return booking.state
}

// Escrow returns the attached escrow entry, if any.
func (booking Booking) Escrow() (EscrowEntry, bool) {
	return booking.escrow, booking.hasEscrow
}

// CreatedAt returns the creation time.
func (booking Booking) CreatedAt() time.Time {
	return booking.createdAt
}

// Involves reports whether userID is the client or the provider.
func (booking Booking) Involves(userID UserID) bool {
	return booking.clientID == userID || booking.providerID == userID
}

func (booking Booking) withState(state BookingState) Booking {
	booking.state = state
	return booking
}
