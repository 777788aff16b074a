package timebank

import "context"

// Store is the persistence contract used by the booking service.
// Every mutating call made through the txStore handed to WithTx commits or
// rolls back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	// InsertWalletIfAbsent stores wallet unless one exists for the user and
	// returns the stored row together with whether it was created.
	InsertWalletIfAbsent(ctx context.Context, wallet Wallet) (Wallet, bool, error)
	// LockWallet reads a wallet and holds a row lock until the transaction ends.
	LockWallet(ctx context.Context, userID UserID) (Wallet, error)
	// SaveWallet writes next only if the stored version still equals previous.Version().
	SaveWallet(ctx context.Context, previous Wallet, next Wallet) error

	CreateBooking(ctx context.Context, booking Booking) error
	GetBooking(ctx context.Context, bookingID BookingID) (Booking, error)
	// LockBooking reads a booking with its escrow entry under a row lock.
	LockBooking(ctx context.Context, bookingID BookingID) (Booking, error)
	// UpdateBookingState moves from -> to and fails with ErrStaleBooking when the stored state differs.
	UpdateBookingState(ctx context.Context, bookingID BookingID, from BookingState, to BookingState) error
	ListBookingsForUser(ctx context.Context, userID UserID) ([]Booking, error)

	CreateEscrow(ctx context.Context, entry EscrowEntry) error
	GetEscrow(ctx context.Context, escrowID EscrowID) (EscrowEntry, error)
	// UpdateEscrowStatus moves from -> to and fails with ErrEscrowNotHeld when the stored status differs.
	UpdateEscrowStatus(ctx context.Context, escrowID EscrowID, from EscrowStatus, to EscrowStatus) error

	// AppendTransaction inserts an entry; a reused reference fails with ErrDuplicateReference.
	AppendTransaction(ctx context.Context, entry TransactionEntry) error
	ListTransactionsForUser(ctx context.Context, userID UserID, offset int, limit int) ([]TransactionEntry, error)
	CountTransactionsForUser(ctx context.Context, userID UserID) (int, error)
}
