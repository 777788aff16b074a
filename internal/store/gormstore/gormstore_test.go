package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

// newFileStore opens a SQLite file shared by several connections. Writers
// take the database lock at BEGIN and wait for it instead of failing.
func newFileStore(test *testing.T) *Store {
	test.Helper()
	dsn := filepath.Join(test.TempDir(), "timebank.db") + "?_txlock=immediate&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite file: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func newTestService(test *testing.T, store *Store, options ...timebank.ServiceOption) *timebank.Service {
	test.Helper()
	var counter atomic.Int64
	clock := func() time.Time {
		return testNow.Add(time.Duration(counter.Load()) * time.Second)
	}
	defaults := []timebank.ServiceOption{timebank.WithIDGenerator(func() string {
		return fmt.Sprintf("gorm-%04d", counter.Add(1))
	})}
	service, err := timebank.NewService(store, clock, append(defaults, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func TestInsertWalletIfAbsentKeepsExistingRow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustUserID(t, "wallet-owner")
	available, _ := timebank.ParseCredits("4.50")
	funded, err := timebank.NewWallet(userID, available, timebank.ZeroCredits(), 3, testNow)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}

	stored, created, err := store.InsertWalletIfAbsent(ctx, funded)
	if err != nil || !created {
		t.Fatalf("expected first insert to create, got created=%v err=%v", created, err)
	}
	stored, created, err = store.InsertWalletIfAbsent(ctx, timebank.EmptyWallet(userID, testNow))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("expected second insert to keep the existing row")
	}
	if stored.Available().String() != "4.50" || stored.Version() != 3 {
		t.Fatalf("unexpected stored wallet %s v%d", stored.Available(), stored.Version())
	}
}

func TestSaveWalletRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	userID := mustUserID(t, "stale-owner")
	wallet, _, err := store.InsertWalletIfAbsent(ctx, timebank.EmptyWallet(userID, testNow))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	amount, _ := timebank.ParsePositiveCredits("1")
	next := wallet.CreditAvailable(amount, testNow)
	if err := store.SaveWallet(ctx, wallet, next); err != nil {
		t.Fatalf("save: %v", err)
	}

	err = store.SaveWallet(ctx, wallet, next.CreditAvailable(amount, testNow))
	if !errors.Is(err, timebank.ErrStaleWallet) || !errors.Is(err, timebank.ErrConflict) {
		t.Fatalf("expected ErrStaleWallet, got %v", err)
	}
	reloaded, err := store.GetWallet(ctx, userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Available().String() != "1.00" || reloaded.Version() != 1 {
		t.Fatalf("unexpected wallet after stale save: %s v%d", reloaded.Available(), reloaded.Version())
	}
}

func TestGetWalletUnknown(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	_, err := store.GetWallet(context.Background(), mustUserID(t, "nobody"))
	if !errors.Is(err, timebank.ErrUnknownWallet) {
		t.Fatalf("expected ErrUnknownWallet, got %v", err)
	}
}

func TestAppendTransactionRejectsDuplicateReference(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	recipient := mustUserID(t, "recipient")
	first := mustEntry(t, "entry-1", "welcome:recipient", recipient)
	if err := store.AppendTransaction(ctx, first); err != nil {
		t.Fatalf("append: %v", err)
	}

	err := store.AppendTransaction(ctx, mustEntry(t, "entry-2", "welcome:recipient", recipient))
	if !errors.Is(err, timebank.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	count, err := store.CountTransactionsForUser(ctx, recipient)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored entry, got %d", count)
	}
}

func TestAppendTransactionDuplicateEntryIDIsNotDuplicateReference(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	recipient := mustUserID(t, "recipient")
	if err := store.AppendTransaction(ctx, mustEntry(t, "entry-1", "welcome:recipient", recipient)); err != nil {
		t.Fatalf("append: %v", err)
	}

	err := store.AppendTransaction(ctx, mustEntry(t, "entry-1", "welcome:other", recipient))
	if err == nil {
		t.Fatalf("expected duplicate entry id to fail")
	}
	if errors.Is(err, timebank.ErrDuplicateReference) {
		t.Fatalf("duplicate entry id reported as duplicate reference: %v", err)
	}
}

func TestIsUniqueViolationMatchesConstraint(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	insert := func(entryID string, reference string) error {
		return store.db.Create(&TransactionLog{
			EntryID:   entryID,
			Amount:    decimal.RequireFromString("1.00"),
			Type:      "initial_credit",
			Reference: reference,
			Notes:     "",
			Metadata:  datatypesJSON(defaultMetadataJSON),
			CreatedAt: testNow,
		}).Error
	}
	if err := insert("entry-1", "reference-1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	duplicateReference := insert("entry-2", "reference-1")
	duplicateEntryID := insert("entry-1", "reference-2")
	notNull := store.db.Exec("INSERT INTO transaction_logs (entry_id) VALUES (?)", "entry-3").Error

	testCases := []struct {
		name       string
		err        error
		constraint string
		expected   bool
	}{
		{name: "duplicate reference any", err: duplicateReference, constraint: "", expected: true},
		{name: "duplicate reference named", err: duplicateReference, constraint: constraintReference, expected: true},
		{name: "duplicate entry id any", err: duplicateEntryID, constraint: "", expected: true},
		{name: "duplicate entry id named reference", err: duplicateEntryID, constraint: constraintReference, expected: false},
		{name: "unknown constraint", err: duplicateReference, constraint: "bookings_pkey", expected: false},
		{name: "not null", err: notNull, constraint: "", expected: false},
		{name: "translated any", err: gorm.ErrDuplicatedKey, constraint: "", expected: true},
		{name: "translated named", err: gorm.ErrDuplicatedKey, constraint: constraintReference, expected: false},
		{name: "nil", err: nil, constraint: "", expected: false},
	}
	for _, testCase := range testCases {
		if testCase.name != "nil" && testCase.err == nil {
			t.Fatalf("%s: expected an insert error", testCase.name)
		}
		if got := isUniqueViolation(testCase.err, testCase.constraint); got != testCase.expected {
			t.Fatalf("%s: expected %v, got %v (%v)", testCase.name, testCase.expected, got, testCase.err)
		}
	}
}

func TestUpdateStatusGuards(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	service := newTestService(t, store)
	client, provider := mustUserID(t, "client"), mustUserID(t, "provider")
	booking := mustFundedBooking(t, service, client, provider, "2")

	err := store.UpdateBookingState(ctx, booking.BookingID(), timebank.BookingStateAccepted, timebank.BookingStateCompleted)
	if !errors.Is(err, timebank.ErrStaleBooking) {
		t.Fatalf("expected ErrStaleBooking, got %v", err)
	}
	hold, _ := booking.Escrow()
	err = store.UpdateEscrowStatus(ctx, hold.EscrowID(), timebank.EscrowStatusReleased, timebank.EscrowStatusRefunded)
	if !errors.Is(err, timebank.ErrEscrowNotHeld) {
		t.Fatalf("expected ErrEscrowNotHeld, got %v", err)
	}
}

func TestBookingLifecycleOnSQLite(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	service := newTestService(t, store)
	client, provider := mustUserID(t, "client"), mustUserID(t, "provider")
	booking := mustFundedBooking(t, service, client, provider, "2.5")

	locked, err := store.LockBooking(ctx, booking.BookingID())
	if err != nil {
		t.Fatalf("lock booking: %v", err)
	}
	if hold, ok := locked.Escrow(); !ok || hold.Amount().String() != "2.50" || hold.Status() != timebank.EscrowStatusHold {
		t.Fatalf("expected stored 2.50 hold, got %+v (present=%v)", hold, ok)
	}
	if _, err := service.AcceptBooking(ctx, provider, booking.BookingID()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := service.CompleteBooking(ctx, client, booking.BookingID()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	clientWallet, err := store.GetWallet(ctx, client)
	if err != nil {
		t.Fatalf("client wallet: %v", err)
	}
	providerWallet, err := store.GetWallet(ctx, provider)
	if err != nil {
		t.Fatalf("provider wallet: %v", err)
	}
	if clientWallet.Available().String() != "2.50" || !clientWallet.Escrow().IsZero() {
		t.Fatalf("unexpected client wallet %s/%s", clientWallet.Available(), clientWallet.Escrow())
	}
	if providerWallet.Available().String() != "2.50" {
		t.Fatalf("unexpected provider wallet %s", providerWallet.Available())
	}

	bookings, err := store.ListBookingsForUser(ctx, provider)
	if err != nil {
		t.Fatalf("list bookings: %v", err)
	}
	if len(bookings) != 1 || bookings[0].State() != timebank.BookingStateCompleted {
		t.Fatalf("unexpected bookings %+v", bookings)
	}
	if hold, _ := bookings[0].Escrow(); hold.Status() != timebank.EscrowStatusReleased {
		t.Fatalf("expected released escrow, got %s", hold.Status())
	}

	history, err := service.GetTransactionHistory(ctx, client, 1, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantTypes := []timebank.TransactionType{
		timebank.TransactionEscrowRelease,
		timebank.TransactionEscrowHold,
		timebank.TransactionAdminAdjustment,
	}
	if len(history.Items) != len(wantTypes) {
		t.Fatalf("expected %d entries, got %d", len(wantTypes), len(history.Items))
	}
	for index, wantType := range wantTypes {
		if got := history.Items[index].Entry.Type(); got != wantType {
			t.Fatalf("entry %d: expected %s, got %s", index, wantType, got)
		}
	}
	if metadata := history.Items[0].Entry.Metadata().String(); metadata == "{}" {
		t.Fatalf("expected booking metadata on release entry")
	}
}

func TestRejectRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	service := newTestService(t, store)
	client, provider := mustUserID(t, "client"), mustUserID(t, "provider")
	booking := mustFundedBooking(t, service, client, provider, "1")

	failure := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, txStore timebank.Store) error {
		if err := txStore.UpdateBookingState(ctx, booking.BookingID(), timebank.BookingStatePending, timebank.BookingStateRejected); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	reloaded, err := store.GetBooking(ctx, booking.BookingID())
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if reloaded.State() != timebank.BookingStatePending {
		t.Fatalf("expected rolled back pending state, got %s", reloaded.State())
	}
}

func TestConcurrentBookingsCannotOverdrawWallet(t *testing.T) {
	t.Parallel()
	store := newFileStore(t)
	ctx := context.Background()
	service := newTestService(t, store, timebank.WithConflictRetries(10, time.Millisecond))
	client, provider := mustUserID(t, "client"), mustUserID(t, "provider")
	funding, _ := timebank.ParsePositiveCredits("3")
	if _, err := service.AdjustCredits(ctx, mustUserID(t, "admin"), client, funding, ""); err != nil {
		t.Fatalf("fund: %v", err)
	}
	price, _ := timebank.ParsePositiveCredits("1")
	listingID, _ := timebank.NewListingID("listing-1")
	request, err := timebank.NewBookingRequest(client, provider, listingID, testNow.Add(time.Hour), testNow.Add(2*time.Hour), price)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	const callers = 10
	results := make(chan error, callers)
	start := make(chan struct{})
	var waitGroup sync.WaitGroup
	for range callers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			_, createErr := service.CreateBooking(ctx, client, request)
			results <- createErr
		}()
	}
	close(start)
	waitGroup.Wait()
	close(results)

	succeeded := 0
	for createErr := range results {
		switch kind := timebank.KindOf(createErr); {
		case createErr == nil:
			succeeded++
		case kind != timebank.KindInsufficientFunds:
			t.Fatalf("expected insufficient funds, got %v", createErr)
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected 3 bookings to fit the wallet, got %d", succeeded)
	}
	wallet, err := store.GetWallet(ctx, client)
	if err != nil {
		t.Fatalf("client wallet: %v", err)
	}
	if wallet.Available().String() != "0.00" || wallet.Escrow().String() != "3.00" {
		t.Fatalf("expected 0.00/3.00, got %s/%s", wallet.Available(), wallet.Escrow())
	}
	bookings, err := store.ListBookingsForUser(ctx, client)
	if err != nil {
		t.Fatalf("list bookings: %v", err)
	}
	if len(bookings) != 3 {
		t.Fatalf("expected 3 stored bookings, got %d", len(bookings))
	}
	if count, _ := store.CountTransactionsForUser(ctx, client); count != 4 {
		t.Fatalf("expected funding plus 3 holds, got %d entries", count)
	}
}

func TestConcurrentCompleteReleasesOnceOnSQLite(t *testing.T) {
	t.Parallel()
	store := newFileStore(t)
	ctx := context.Background()
	service := newTestService(t, store, timebank.WithConflictRetries(10, time.Millisecond))
	client, provider := mustUserID(t, "client"), mustUserID(t, "provider")
	booking := mustFundedBooking(t, service, client, provider, "2")
	if _, err := service.AcceptBooking(ctx, provider, booking.BookingID()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	const callers = 8
	results := make(chan error, callers)
	start := make(chan struct{})
	var waitGroup sync.WaitGroup
	for range callers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			_, completeErr := service.CompleteBooking(ctx, client, booking.BookingID())
			results <- completeErr
		}()
	}
	close(start)
	waitGroup.Wait()
	close(results)

	succeeded := 0
	for completeErr := range results {
		switch kind := timebank.KindOf(completeErr); {
		case completeErr == nil:
			succeeded++
		case kind != timebank.KindInvalidState:
			t.Fatalf("expected invalid state, got %v", completeErr)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one completion, got %d", succeeded)
	}
	providerWallet, err := store.GetWallet(ctx, provider)
	if err != nil {
		t.Fatalf("provider wallet: %v", err)
	}
	clientWallet, err := store.GetWallet(ctx, client)
	if err != nil {
		t.Fatalf("client wallet: %v", err)
	}
	if providerWallet.Available().String() != "2.00" || clientWallet.Available().String() != "3.00" || !clientWallet.Escrow().IsZero() {
		t.Fatalf("unexpected balances provider=%s client=%s/%s", providerWallet.Available(), clientWallet.Available(), clientWallet.Escrow())
	}
	if count, _ := store.CountTransactionsForUser(ctx, provider); count != 1 {
		t.Fatalf("expected a single release entry for the provider, got %d", count)
	}
}

func mustFundedBooking(test *testing.T, service *timebank.Service, client timebank.UserID, provider timebank.UserID, price string) timebank.Booking {
	test.Helper()
	ctx := context.Background()
	funding, _ := timebank.ParsePositiveCredits("5")
	if _, err := service.AdjustCredits(ctx, mustUserID(test, "admin"), client, funding, ""); err != nil {
		test.Fatalf("fund: %v", err)
	}
	amount, err := timebank.ParsePositiveCredits(price)
	if err != nil {
		test.Fatalf("price: %v", err)
	}
	listingID, _ := timebank.NewListingID("listing-1")
	request, err := timebank.NewBookingRequest(client, provider, listingID, testNow.Add(time.Hour), testNow.Add(2*time.Hour), amount)
	if err != nil {
		test.Fatalf("request: %v", err)
	}
	booking, err := service.CreateBooking(ctx, client, request)
	if err != nil {
		test.Fatalf("create booking: %v", err)
	}
	return booking
}

func mustEntry(test *testing.T, entryID string, reference string, recipient timebank.UserID) timebank.TransactionEntry {
	test.Helper()
	parsedEntryID, _ := timebank.NewEntryID(entryID)
	parsedReference, _ := timebank.NewTransactionReference(reference)
	amount, _ := timebank.ParsePositiveCredits("2")
	entry, err := timebank.NewTransactionEntry(parsedEntryID, nil, &recipient, amount, timebank.TransactionInitialCredit, nil, parsedReference, "welcome", timebank.MetadataJSON{}, testNow)
	if err != nil {
		test.Fatalf("entry: %v", err)
	}
	return entry
}

func mustUserID(test *testing.T, raw string) timebank.UserID {
	test.Helper()
	userID, err := timebank.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}
