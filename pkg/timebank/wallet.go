package timebank

import (
	"fmt"
	"time"
)

// Wallet holds the two balances of a single user. Values are immutable;
// every transition returns the next wallet with its version bumped.
type Wallet struct {
	userID    UserID
	available Credits
	escrow    Credits
	version   int64
	updatedAt time.Time
}

// NewWallet validates a wallet snapshot.
func NewWallet(userID UserID, available Credits, escrow Credits, version int64, updatedAt time.Time) (Wallet, error) {
	if userID.IsZero() {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if version < 0 {
		return Wallet{}, fmt.Errorf("%w: negative wallet version", ErrInvalidInput)
	}
	return Wallet{
		userID:    userID,
		available: available,
		escrow:    escrow,
		version:   version,
		updatedAt: updatedAt.UTC(),
	}, nil
}

// EmptyWallet returns a zero-balance wallet at version zero.
func EmptyWallet(userID UserID, at time.Time) Wallet {
	return Wallet{userID: userID, available: ZeroCredits(), escrow: ZeroCredits(), updatedAt: at.UTC()}
}

// UserID returns the owner.
func (wallet Wallet) UserID() UserID {
	return wallet.userID
}

// Available returns the spendable balance.
func (wallet Wallet) Available() Credits {
	return wallet.available
}

// Escrow returns the balance committed to unresolved bookings.
func (wallet Wallet) Escrow() Credits {
	return wallet.escrow
}

// Total returns available + escrow.
func (wallet Wallet) Total() Credits {
	return wallet.available.Add(wallet.escrow)
}

// Version returns the optimistic concurrency version.
func (wallet Wallet) Version() int64 {
	return wallet.version
}

// UpdatedAt returns the time of the last mutation.
func (wallet Wallet) UpdatedAt() time.Time {
	return wallet.updatedAt
}

// DebitAvailable removes amount from the available balance.
func (wallet Wallet) DebitAvailable(amount PositiveCredits, at time.Time) (Wallet, error) {
	available, ok := wallet.available.Sub(amount.Credits())
	if !ok {
		return Wallet{}, ErrInsufficientFunds
	}
	return wallet.next(available, wallet.escrow, at), nil
}

// CreditAvailable adds amount to the available balance.
func (wallet Wallet) CreditAvailable(amount PositiveCredits, at time.Time) Wallet {
	return wallet.next(wallet.available.Add(amount.Credits()), wallet.escrow, at)
}

// MoveAvailableToEscrow sets amount aside from the available balance.
func (wallet Wallet) MoveAvailableToEscrow(amount PositiveCredits, at time.Time) (Wallet, error) {
	available, ok := wallet.available.Sub(amount.Credits())
	if !ok {
		return Wallet{}, ErrInsufficientFunds
	}
	return wallet.next(available, wallet.escrow.Add(amount.Credits()), at), nil
}

// DebitEscrow removes amount from the escrow balance; the funds leave this wallet.
func (wallet Wallet) DebitEscrow(amount PositiveCredits, at time.Time) (Wallet, error) {
	escrow, ok := wallet.escrow.Sub(amount.Credits())
	if !ok {
		return Wallet{}, fmt.Errorf("%w: escrow balance below %s", ErrInsufficientFunds, amount)
	}
	return wallet.next(wallet.available, escrow, at), nil
}

// RefundEscrowToAvailable returns amount from escrow to the available balance.
func (wallet Wallet) RefundEscrowToAvailable(amount PositiveCredits, at time.Time) (Wallet, error) {
	escrow, ok := wallet.escrow.Sub(amount.Credits())
	if !ok {
		return Wallet{}, fmt.Errorf("%w: escrow balance below %s", ErrInsufficientFunds, amount)
	}
	return wallet.next(wallet.available.Add(amount.Credits()), escrow, at), nil
}

func (wallet Wallet) next(available Credits, escrow Credits, at time.Time) Wallet {
	return Wallet{
		userID:    wallet.userID,
		available: available,
		escrow:    escrow,
		version:   wallet.version + 1,
		updatedAt: at.UTC(),
	}
}
