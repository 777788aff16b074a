package timebank

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const creditsScale = 2

// UserID identifies a wallet owner. Ids come from the identity provider and are opaque here.
type UserID struct {
	value string
}

// BookingID identifies a booking.
type BookingID struct {
	value string
}

// ListingID identifies the listing a booking was made against.
type ListingID struct {
	value string
}

// EscrowID identifies an escrow entry.
type EscrowID struct {
	value string
}

// EntryID identifies a transaction log entry.
type EntryID struct {
	value string
}

// TransactionReference is the globally unique reference of a log entry.
type TransactionReference struct {
	value string
}

// MetadataJSON stores structured context attached to a log entry.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidUserID)
	if err != nil {
		return UserID{}, err
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidBookingID)
	if err != nil {
		return BookingID{}, err
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// NewListingID validates and normalizes a listing id.
func NewListingID(raw string) (ListingID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidListingID)
	if err != nil {
		return ListingID{}, err
	}
	return ListingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ListingID) String() string {
	return id.value
}

// NewEscrowID validates and normalizes an escrow id.
func NewEscrowID(raw string) (EscrowID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidEscrowID)
	if err != nil {
		return EscrowID{}, err
	}
	return EscrowID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EscrowID) String() string {
	return id.value
}

// NewEntryID validates and normalizes a log entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidEntryID)
	if err != nil {
		return EntryID{}, err
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewTransactionReference validates and normalizes a transaction reference.
func NewTransactionReference(raw string) (TransactionReference, error) {
	trimmed, err := normalizeIdentifier(raw, ErrInvalidReference)
	if err != nil {
		return TransactionReference{}, err
	}
	return TransactionReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference TransactionReference) String() string {
	return reference.value
}

// IsZero reports whether the reference was never set.
func (reference TransactionReference) IsZero() bool {
	return reference.value == ""
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil || object == nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

func normalizeIdentifier(raw string, invalid error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", invalid)
	}
	return trimmed, nil
}

// Credits is a non-negative amount of time credits kept at two decimal places.
type Credits struct {
	value decimal.Decimal
}

// PositiveCredits is a strictly positive amount of credits.
type PositiveCredits struct {
	value decimal.Decimal
}

// ZeroCredits returns an empty balance.
func ZeroCredits() Credits {
	return Credits{value: decimal.Zero}
}

// NewCredits validates that raw is not negative after rounding to two places.
func NewCredits(raw decimal.Decimal) (Credits, error) {
	rounded := raw.Round(creditsScale)
	if rounded.IsNegative() {
		return Credits{}, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Credits{value: rounded}, nil
}

// ParseCredits parses a decimal string into Credits.
func ParseCredits(raw string) (Credits, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Credits{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, raw)
	}
	return NewCredits(parsed)
}

// Decimal exposes the underlying decimal value.
func (credits Credits) Decimal() decimal.Decimal {
	return credits.value
}

// String renders the amount with exactly two decimal places.
func (credits Credits) String() string {
	return credits.value.StringFixed(creditsScale)
}

// IsZero reports whether the amount is zero.
func (credits Credits) IsZero() bool {
	return credits.value.IsZero()
}

// Equal compares two amounts by value.
func (credits Credits) Equal(other Credits) bool {
	return credits.value.Equal(other.value)
}

// LessThan reports whether credits < other.
func (credits Credits) LessThan(other Credits) bool {
	return credits.value.LessThan(other.value)
}

// Add returns credits + other.
func (credits Credits) Add(other Credits) Credits {
	return Credits{value: credits.value.Add(other.value)}
}

// Sub returns credits - other, or false when the result would be negative.
func (credits Credits) Sub(other Credits) (Credits, bool) {
	difference := credits.value.Sub(other.value)
	if difference.IsNegative() {
		return Credits{}, false
	}
	return Credits{value: difference}, true
}

// NewPositiveCredits validates that raw is greater than zero after rounding to two places.
func NewPositiveCredits(raw decimal.Decimal) (PositiveCredits, error) {
	rounded := raw.Round(creditsScale)
	if !rounded.IsPositive() {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits{value: rounded}, nil
}

// ParsePositiveCredits parses a decimal string into PositiveCredits.
func ParsePositiveCredits(raw string) (PositiveCredits, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return PositiveCredits{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, raw)
	}
	return NewPositiveCredits(parsed)
}

// Credits widens the amount to a plain Credits value.
func (amount PositiveCredits) Credits() Credits {
	return Credits{value: amount.value}
}

// Decimal exposes the underlying decimal value.
func (amount PositiveCredits) Decimal() decimal.Decimal {
	return amount.value
}

// String renders the amount with exactly two decimal places.
func (amount PositiveCredits) String() string {
	return amount.value.StringFixed(creditsScale)
}

// Equal compares two amounts by value.
func (amount PositiveCredits) Equal(other PositiveCredits) bool {
	return amount.value.Equal(other.value)
}
