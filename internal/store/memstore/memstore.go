// Package memstore keeps the booking ledger in process memory. Transactions
// run one at a time against a private copy of the state that replaces the
// shared state only when fn succeeds.
//
// Every transaction holds a single store-wide mutex, so unrelated wallets
// never proceed in parallel and nothing survives a restart. Use it for
// development and tests; it is not a production backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
)

const (
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectBooking     = "booking"
	errorSubjectEscrow      = "escrow"
	errorSubjectTransaction = "transaction"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInvalid        = "invalid"
	errorCodeStale          = "stale"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements timebank.Store in memory.
type Store struct {
	mutex sync.Mutex
	data  *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: newState()}
}

// WithTx runs fn against a copy of the state and publishes the copy on success.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore timebank.Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := store.data.clone()
	if err := fn(ctx, &transaction{data: working}); err != nil {
		return err
	}
	store.data = working
	return nil
}

func (store *Store) autocommit(fn func(view *transaction) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(&transaction{data: store.data})
}

func (store *Store) GetWallet(ctx context.Context, userID timebank.UserID) (wallet timebank.Wallet, err error) {
	err = store.autocommit(func(view *transaction) error {
		wallet, err = view.GetWallet(ctx, userID)
		return err
	})
	return wallet, err
}

func (store *Store) InsertWalletIfAbsent(ctx context.Context, wallet timebank.Wallet) (stored timebank.Wallet, created bool, err error) {
	err = store.autocommit(func(view *transaction) error {
		stored, created, err = view.InsertWalletIfAbsent(ctx, wallet)
		return err
	})
	return stored, created, err
}

func (store *Store) LockWallet(ctx context.Context, userID timebank.UserID) (timebank.Wallet, error) {
	return store.GetWallet(ctx, userID)
}

func (store *Store) SaveWallet(ctx context.Context, previous timebank.Wallet, next timebank.Wallet) error {
	return store.autocommit(func(view *transaction) error {
		return view.SaveWallet(ctx, previous, next)
	})
}

func (store *Store) CreateBooking(ctx context.Context, booking timebank.Booking) error {
	return store.autocommit(func(view *transaction) error {
		return view.CreateBooking(ctx, booking)
	})
}

func (store *Store) GetBooking(ctx context.Context, bookingID timebank.BookingID) (booking timebank.Booking, err error) {
	err = store.autocommit(func(view *transaction) error {
		booking, err = view.GetBooking(ctx, bookingID)
		return err
	})
	return booking, err
}

func (store *Store) LockBooking(ctx context.Context, bookingID timebank.BookingID) (timebank.Booking, error) {
	return store.GetBooking(ctx, bookingID)
}

func (store *Store) UpdateBookingState(ctx context.Context, bookingID timebank.BookingID, from timebank.BookingState, to timebank.BookingState) error {
	return store.autocommit(func(view *transaction) error {
		return view.UpdateBookingState(ctx, bookingID, from, to)
	})
}

func (store *Store) ListBookingsForUser(ctx context.Context, userID timebank.UserID) (bookings []timebank.Booking, err error) {
	err = store.autocommit(func(view *transaction) error {
		bookings, err = view.ListBookingsForUser(ctx, userID)
		return err
	})
	return bookings, err
}

func (store *Store) CreateEscrow(ctx context.Context, entry timebank.EscrowEntry) error {
	return store.autocommit(func(view *transaction) error {
		return view.CreateEscrow(ctx, entry)
	})
}

func (store *Store) GetEscrow(ctx context.Context, escrowID timebank.EscrowID) (entry timebank.EscrowEntry, err error) {
	err = store.autocommit(func(view *transaction) error {
		entry, err = view.GetEscrow(ctx, escrowID)
		return err
	})
	return entry, err
}

func (store *Store) UpdateEscrowStatus(ctx context.Context, escrowID timebank.EscrowID, from timebank.EscrowStatus, to timebank.EscrowStatus) error {
	return store.autocommit(func(view *transaction) error {
		return view.UpdateEscrowStatus(ctx, escrowID, from, to)
	})
}

func (store *Store) AppendTransaction(ctx context.Context, entry timebank.TransactionEntry) error {
	return store.autocommit(func(view *transaction) error {
		return view.AppendTransaction(ctx, entry)
	})
}

func (store *Store) ListTransactionsForUser(ctx context.Context, userID timebank.UserID, offset int, limit int) (entries []timebank.TransactionEntry, err error) {
	err = store.autocommit(func(view *transaction) error {
		entries, err = view.ListTransactionsForUser(ctx, userID, offset, limit)
		return err
	})
	return entries, err
}

func (store *Store) CountTransactionsForUser(ctx context.Context, userID timebank.UserID) (count int, err error) {
	err = store.autocommit(func(view *transaction) error {
		count, err = view.CountTransactionsForUser(ctx, userID)
		return err
	})
	return count, err
}

type state struct {
	wallets         map[timebank.UserID]timebank.Wallet
	bookings        map[timebank.BookingID]timebank.Booking
	bookingOrder    []timebank.BookingID
	escrows         map[timebank.EscrowID]timebank.EscrowEntry
	escrowByBooking map[timebank.BookingID]timebank.EscrowID
	transactions    []timebank.TransactionEntry
	references      map[timebank.TransactionReference]struct{}
}

func newState() *state {
	return &state{
		wallets:         map[timebank.UserID]timebank.Wallet{},
		bookings:        map[timebank.BookingID]timebank.Booking{},
		escrows:         map[timebank.EscrowID]timebank.EscrowEntry{},
		escrowByBooking: map[timebank.BookingID]timebank.EscrowID{},
		references:      map[timebank.TransactionReference]struct{}{},
	}
}

func (current *state) clone() *state {
	copied := newState()
	for key, value := range current.wallets {
		copied.wallets[key] = value
	}
	for key, value := range current.bookings {
		copied.bookings[key] = value
	}
	for key, value := range current.escrows {
		copied.escrows[key] = value
	}
	for key, value := range current.escrowByBooking {
		copied.escrowByBooking[key] = value
	}
	for key := range current.references {
		copied.references[key] = struct{}{}
	}
	copied.bookingOrder = append([]timebank.BookingID(nil), current.bookingOrder...)
	copied.transactions = append([]timebank.TransactionEntry(nil), current.transactions...)
	return copied
}

// transaction is the Store view handed to WithTx callbacks. Nested WithTx
// calls reuse the same view.
type transaction struct {
	data *state
}

func (view *transaction) WithTx(ctx context.Context, fn func(ctx context.Context, txStore timebank.Store) error) error {
	return fn(ctx, view)
}

func (view *transaction) GetWallet(_ context.Context, userID timebank.UserID) (timebank.Wallet, error) {
	wallet, ok := view.data.wallets[userID]
	if !ok {
		return timebank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, timebank.ErrUnknownWallet)
	}
	return wallet, nil
}

func (view *transaction) InsertWalletIfAbsent(_ context.Context, wallet timebank.Wallet) (timebank.Wallet, bool, error) {
	if existing, ok := view.data.wallets[wallet.UserID()]; ok {
		return existing, false, nil
	}
	view.data.wallets[wallet.UserID()] = wallet
	return wallet, true, nil
}

func (view *transaction) LockWallet(ctx context.Context, userID timebank.UserID) (timebank.Wallet, error) {
	return view.GetWallet(ctx, userID)
}

func (view *transaction) SaveWallet(_ context.Context, previous timebank.Wallet, next timebank.Wallet) error {
	stored, ok := view.data.wallets[previous.UserID()]
	if !ok {
		return wrapStoreError(errorSubjectWallet, errorCodeGet, timebank.ErrUnknownWallet)
	}
	if stored.Version() != previous.Version() || next.UserID() != previous.UserID() {
		return wrapStoreError(errorSubjectWallet, errorCodeStale, timebank.ErrStaleWallet)
	}
	view.data.wallets[next.UserID()] = next
	return nil
}

func (view *transaction) CreateBooking(_ context.Context, booking timebank.Booking) error {
	if _, ok := view.data.bookings[booking.BookingID()]; ok {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, timebank.ErrConflict)
	}
	view.data.bookings[booking.BookingID()] = booking
	view.data.bookingOrder = append(view.data.bookingOrder, booking.BookingID())
	return nil
}

func (view *transaction) GetBooking(_ context.Context, bookingID timebank.BookingID) (timebank.Booking, error) {
	booking, ok := view.data.bookings[bookingID]
	if !ok {
		return timebank.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, timebank.ErrUnknownBooking)
	}
	escrowID, ok := view.data.escrowByBooking[bookingID]
	if !ok {
		return booking, nil
	}
	withEscrow, err := booking.WithEscrow(view.data.escrows[escrowID])
	if err != nil {
		return timebank.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return withEscrow, nil
}

func (view *transaction) LockBooking(ctx context.Context, bookingID timebank.BookingID) (timebank.Booking, error) {
	return view.GetBooking(ctx, bookingID)
}

func (view *transaction) UpdateBookingState(_ context.Context, bookingID timebank.BookingID, from timebank.BookingState, to timebank.BookingState) error {
	booking, ok := view.data.bookings[bookingID]
	if !ok {
		return wrapStoreError(errorSubjectBooking, errorCodeGet, timebank.ErrUnknownBooking)
	}
	if booking.State() != from {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, timebank.ErrStaleBooking)
	}
	updated, err := timebank.NewBooking(booking.BookingID(), booking.ClientID(), booking.ProviderID(), booking.ListingID(), booking.Slot(), to, booking.CreatedAt())
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	view.data.bookings[bookingID] = updated
	return nil
}

func (view *transaction) ListBookingsForUser(ctx context.Context, userID timebank.UserID) ([]timebank.Booking, error) {
	bookings := make([]timebank.Booking, 0)
	for index := len(view.data.bookingOrder) - 1; index >= 0; index-- {
		bookingID := view.data.bookingOrder[index]
		if !view.data.bookings[bookingID].Involves(userID) {
			continue
		}
		booking, err := view.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	sort.SliceStable(bookings, func(left, right int) bool {
		return bookings[left].CreatedAt().After(bookings[right].CreatedAt())
	})
	return bookings, nil
}

func (view *transaction) CreateEscrow(_ context.Context, entry timebank.EscrowEntry) error {
	if _, ok := view.data.bookings[entry.BookingID()]; !ok {
		return wrapStoreError(errorSubjectEscrow, errorCodeGet, timebank.ErrUnknownBooking)
	}
	if _, ok := view.data.escrowByBooking[entry.BookingID()]; ok {
		return wrapStoreError(errorSubjectEscrow, errorCodeDuplicate, timebank.ErrConflict)
	}
	if _, ok := view.data.escrows[entry.EscrowID()]; ok {
		return wrapStoreError(errorSubjectEscrow, errorCodeDuplicate, timebank.ErrConflict)
	}
	view.data.escrows[entry.EscrowID()] = entry
	view.data.escrowByBooking[entry.BookingID()] = entry.EscrowID()
	return nil
}

func (view *transaction) GetEscrow(_ context.Context, escrowID timebank.EscrowID) (timebank.EscrowEntry, error) {
	entry, ok := view.data.escrows[escrowID]
	if !ok {
		return timebank.EscrowEntry{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, timebank.ErrUnknownEscrow)
	}
	return entry, nil
}

func (view *transaction) UpdateEscrowStatus(_ context.Context, escrowID timebank.EscrowID, from timebank.EscrowStatus, to timebank.EscrowStatus) error {
	entry, ok := view.data.escrows[escrowID]
	if !ok {
		return wrapStoreError(errorSubjectEscrow, errorCodeGet, timebank.ErrUnknownEscrow)
	}
	if entry.Status() != from {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, timebank.ErrEscrowNotHeld)
	}
	updated, err := timebank.NewEscrowEntry(entry.EscrowID(), entry.BookingID(), entry.Amount(), to)
	if err != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	view.data.escrows[escrowID] = updated
	return nil
}

func (view *transaction) AppendTransaction(_ context.Context, entry timebank.TransactionEntry) error {
	if _, ok := view.data.references[entry.Reference()]; ok {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, timebank.ErrDuplicateReference)
	}
	view.data.references[entry.Reference()] = struct{}{}
	view.data.transactions = append(view.data.transactions, entry)
	return nil
}

func (view *transaction) ListTransactionsForUser(_ context.Context, userID timebank.UserID, offset int, limit int) ([]timebank.TransactionEntry, error) {
	matching := view.entriesFor(userID)
	if offset >= len(matching) {
		return []timebank.TransactionEntry{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matching) {
		end = len(matching)
	}
	return append([]timebank.TransactionEntry(nil), matching[offset:end]...), nil
}

func (view *transaction) CountTransactionsForUser(_ context.Context, userID timebank.UserID) (int, error) {
	return len(view.entriesFor(userID)), nil
}

// entriesFor returns entries involving userID, newest first.
func (view *transaction) entriesFor(userID timebank.UserID) []timebank.TransactionEntry {
	matching := make([]timebank.TransactionEntry, 0)
	for index := len(view.data.transactions) - 1; index >= 0; index-- {
		entry := view.data.transactions[index]
		from, hasFrom := entry.FromUserID()
		to, hasTo := entry.ToUserID()
		if (hasFrom && from == userID) || (hasTo && to == userID) {
			matching = append(matching, entry)
		}
	}
	sort.SliceStable(matching, func(left, right int) bool {
		return matching[left].OccurredAt().After(matching[right].OccurredAt())
	})
	return matching
}

func wrapStoreError(subject string, code string, err error) error {
	return timebank.WrapError(errorOperationStore, subject, code, err)
}

var (
	_ timebank.Store = (*Store)(nil)
	_ timebank.Store = (*transaction)(nil)
)
