package timebank

import "context"

// Escrows manages the hold of funds tied to each booking.
type Escrows struct {
	newID func() string
}

// NewEscrows builds the escrow component around an id generator.
func NewEscrows(newID func() string) Escrows {
	return Escrows{newID: newID}
}

// OpenHold records a new hold of amount for bookingID.
func (escrows Escrows) OpenHold(ctx context.Context, store Store, bookingID BookingID, amount PositiveCredits) (EscrowEntry, error) {
	escrowID, err := NewEscrowID(escrows.newID())
	if err != nil {
		return EscrowEntry{}, err
	}
	entry, err := NewEscrowEntry(escrowID, bookingID, amount, EscrowStatusHold)
	if err != nil {
		return EscrowEntry{}, err
	}
	if err := store.CreateEscrow(ctx, entry); err != nil {
		return EscrowEntry{}, err
	}
	return entry, nil
}

// Release resolves a held entry in favour of the provider.
func (escrows Escrows) Release(ctx context.Context, store Store, escrowID EscrowID) (EscrowEntry, error) {
	return escrows.resolve(ctx, store, escrowID, EscrowStatusReleased)
}

// Refund resolves a held entry in favour of the client.
func (escrows Escrows) Refund(ctx context.Context, store Store, escrowID EscrowID) (EscrowEntry, error) {
	return escrows.resolve(ctx, store, escrowID, EscrowStatusRefunded)
}

func (escrows Escrows) resolve(ctx context.Context, store Store, escrowID EscrowID, target EscrowStatus) (EscrowEntry, error) {
	entry, err := store.GetEscrow(ctx, escrowID)
	if err != nil {
		return EscrowEntry{}, err
	}
	if entry.Status() != EscrowStatusHold {
		return EscrowEntry{}, ErrEscrowNotHeld
	}
	if err := store.UpdateEscrowStatus(ctx, escrowID, EscrowStatusHold, target); err != nil {
		return EscrowEntry{}, err
	}
	return entry.withStatus(target), nil
}
