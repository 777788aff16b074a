package timebank

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Wallets applies balance primitives to wallet rows. Each primitive is a
// single locked read-modify-write inside the caller's unit of work.
type Wallets struct {
	nowFn func() time.Time
}

// NewWallets builds the wallet component around a clock.
func NewWallets(now func() time.Time) Wallets {
	return Wallets{nowFn: now}
}

// GetWallet returns the wallet of userID or ErrUnknownWallet.
func (wallets Wallets) GetWallet(ctx context.Context, store Store, userID UserID) (Wallet, error) {
	return store.GetWallet(ctx, userID)
}

// EnsureWallet returns the wallet of userID, creating an empty one on first reference.
func (wallets Wallets) EnsureWallet(ctx context.Context, store Store, userID UserID) (Wallet, error) {
	wallet, _, err := wallets.ensure(ctx, store, userID)
	return wallet, err
}

func (wallets Wallets) ensure(ctx context.Context, store Store, userID UserID) (Wallet, bool, error) {
	wallet, err := store.GetWallet(ctx, userID)
	if err == nil {
		return wallet, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Wallet{}, false, err
	}
	return store.InsertWalletIfAbsent(ctx, EmptyWallet(userID, wallets.nowFn()))
}

// DebitAvailable removes amount from the available balance of userID.
func (wallets Wallets) DebitAvailable(ctx context.Context, store Store, userID UserID, amount PositiveCredits) (Wallet, error) {
	return wallets.apply(ctx, store, userID, func(wallet Wallet, at time.Time) (Wallet, error) {
		return wallet.DebitAvailable(amount, at)
	})
}

// CreditAvailable adds amount to the available balance of userID.
func (wallets Wallets) CreditAvailable(ctx context.Context, store Store, userID UserID, amount PositiveCredits) (Wallet, error) {
	return wallets.apply(ctx, store, userID, func(wallet Wallet, at time.Time) (Wallet, error) {
		return wallet.CreditAvailable(amount, at), nil
	})
}

// MoveAvailableToEscrow sets amount aside on the wallet of userID.
func (wallets Wallets) MoveAvailableToEscrow(ctx context.Context, store Store, userID UserID, amount PositiveCredits) (Wallet, error) {
	return wallets.apply(ctx, store, userID, func(wallet Wallet, at time.Time) (Wallet, error) {
		return wallet.MoveAvailableToEscrow(amount, at)
	})
}

// ReleaseEscrowToAvailable pays amount held on the payer's escrow into the payee's available balance.
func (wallets Wallets) ReleaseEscrowToAvailable(ctx context.Context, store Store, payerID UserID, payeeID UserID, amount PositiveCredits) error {
	if err := wallets.lockInOrder(ctx, store, payerID, payeeID); err != nil {
		return err
	}
	if _, err := wallets.apply(ctx, store, payerID, func(wallet Wallet, at time.Time) (Wallet, error) {
		return wallet.DebitEscrow(amount, at)
	}); err != nil {
		return err
	}
	_, err := wallets.CreditAvailable(ctx, store, payeeID, amount)
	return err
}

// RefundEscrowToAvailable returns amount from escrow to the available balance of userID.
func (wallets Wallets) RefundEscrowToAvailable(ctx context.Context, store Store, userID UserID, amount PositiveCredits) (Wallet, error) {
	return wallets.apply(ctx, store, userID, func(wallet Wallet, at time.Time) (Wallet, error) {
		return wallet.RefundEscrowToAvailable(amount, at)
	})
}

func (wallets Wallets) apply(ctx context.Context, store Store, userID UserID, transition func(Wallet, time.Time) (Wallet, error)) (Wallet, error) {
	current, err := store.LockWallet(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	next, err := transition(current, wallets.nowFn())
	if err != nil {
		return Wallet{}, err
	}
	if err := store.SaveWallet(ctx, current, next); err != nil {
		return Wallet{}, err
	}
	return next, nil
}

// lockInOrder takes wallet row locks in ascending user id order so two
// transfers between the same pair of wallets cannot deadlock.
func (wallets Wallets) lockInOrder(ctx context.Context, store Store, userIDs ...UserID) error {
	ordered := make([]UserID, len(userIDs))
	copy(ordered, userIDs)
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].String() < ordered[right].String()
	})
	for _, userID := range ordered {
		if _, err := store.LockWallet(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}
