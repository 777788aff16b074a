package timebank

import (
	"fmt"
	"time"
)

// TransactionType enumerates balance-changing events.
type TransactionType string

const (
	TransactionInitialCredit   TransactionType = "initial_credit"
	TransactionEscrowHold      TransactionType = "escrow_hold"
	TransactionEscrowRelease   TransactionType = "escrow_release"
	TransactionRefund          TransactionType = "refund"
	TransactionAdminAdjustment TransactionType = "admin_adjustment"
)

// ParseTransactionType validates a stored type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(raw)
	switch transactionType {
	case TransactionInitialCredit, TransactionEscrowHold, TransactionEscrowRelease, TransactionRefund, TransactionAdminAdjustment:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the raw type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionEntry is an immutable audit fact.
// A missing sender means the system originated the movement; a missing
// recipient means the funds stayed in escrow.
type TransactionEntry struct {
	entryID    EntryID
	fromUserID *UserID
	toUserID   *UserID
	amount     PositiveCredits
	kind       TransactionType
	bookingID  *BookingID
	reference  TransactionReference
	notes      string
	metadata   MetadataJSON
	occurredAt time.Time
}

// NewTransactionEntry validates a log entry.
func NewTransactionEntry(
	entryID EntryID,
	fromUserID *UserID,
	toUserID *UserID,
	amount PositiveCredits,
	transactionType TransactionType,
	bookingID *BookingID,
	reference TransactionReference,
	notes string,
	metadata MetadataJSON,
	occurredAt time.Time,
) (TransactionEntry, error) {
	if entryID.value == "" {
		return TransactionEntry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	if fromUserID == nil && toUserID == nil {
		return TransactionEntry{}, fmt.Errorf("%w: sender or recipient is required", ErrInvalidUserID)
	}
	if fromUserID != nil && fromUserID.IsZero() || toUserID != nil && toUserID.IsZero() {
		return TransactionEntry{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if !amount.value.IsPositive() {
		return TransactionEntry{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionEntry{}, err
	}
	if reference.IsZero() {
		return TransactionEntry{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return TransactionEntry{
		entryID:    entryID,
		fromUserID: copyUserID(fromUserID),
		toUserID:   copyUserID(toUserID),
		amount:     amount,
		kind:       transactionType,
		bookingID:  copyBookingID(bookingID),
		reference:  reference,
		notes:      notes,
		metadata:   metadata,
		occurredAt: occurredAt.UTC(),
	}, nil
}

// EntryID returns the entry id.
func (entry TransactionEntry) EntryID() EntryID {
	return entry.entryID
}

// FromUserID returns the sender, absent for system-originated entries.
func (entry TransactionEntry) FromUserID() (UserID, bool) {
	if entry.fromUserID == nil {
		return UserID{}, false
	}
	return *entry.fromUserID, true
}

// ToUserID returns the recipient, absent while funds sit in escrow.
func (entry TransactionEntry) ToUserID() (UserID, bool) {
	if entry.toUserID == nil {
		return UserID{}, false
	}
	return *entry.toUserID, true
}

// Amount returns the moved amount.
func (entry TransactionEntry) Amount() PositiveCredits {
	return entry.amount
}

// Type returns the entry type.
func (entry TransactionEntry) Type() TransactionType {
	return entry.kind
}

// BookingID returns the related booking, if any.
func (entry TransactionEntry) BookingID() (BookingID, bool) {
	if entry.bookingID == nil {
		return BookingID{}, false
	}
	return *entry.bookingID, true
}

// Reference returns the unique reference.
func (entry TransactionEntry) Reference() TransactionReference {
	return entry.reference
}

// Notes returns the free-form description.
func (entry TransactionEntry) Notes() string {
	return entry.notes
}

// Metadata returns the structured context.
func (entry TransactionEntry) Metadata() MetadataJSON {
	return entry.metadata
}

// OccurredAt returns the entry timestamp.
func (entry TransactionEntry) OccurredAt() time.Time {
	return entry.occurredAt
}

// Direction is how a log entry looks from one user's point of view.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// String returns the raw direction value.
func (direction Direction) String() string {
	return string(direction)
}

// DirectionFor returns sent when viewer is the sender, received otherwise.
func (entry TransactionEntry) DirectionFor(viewer UserID) Direction {
	if entry.fromUserID != nil && *entry.fromUserID == viewer {
		return DirectionSent
	}
	return DirectionReceived
}

// PartnerFor returns the counterparty relative to viewer; absent means system or escrow.
func (entry TransactionEntry) PartnerFor(viewer UserID) (UserID, bool) {
	if entry.DirectionFor(viewer) == DirectionSent {
		return entry.ToUserID()
	}
	return entry.FromUserID()
}

// HistoryItem is a log entry joined with the viewer-relative direction.
type HistoryItem struct {
	Entry     TransactionEntry
	Direction Direction
	PartnerID *UserID
}

// HistoryPage is one page of a user's transaction history, newest first.
type HistoryPage struct {
	Items      []HistoryItem
	TotalCount int
	Page       int
	PageSize   int
	TotalPages int
}

func copyUserID(source *UserID) *UserID {
	if source == nil {
		return nil
	}
	value := *source
	return &value
}

func copyBookingID(source *BookingID) *BookingID {
	if source == nil {
		return nil
	}
	value := *source
	return &value
}
