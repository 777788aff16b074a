package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
)

var testNow = time.Date(2026, time.May, 5, 9, 0, 0, 0, time.UTC)

func TestWithTxDiscardsWorkOnError(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	userID := mustUserID(t, "user-1")
	failure := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, txStore timebank.Store) error {
		if _, _, err := txStore.InsertWalletIfAbsent(ctx, timebank.EmptyWallet(userID, testNow)); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := store.GetWallet(ctx, userID); !errors.Is(err, timebank.ErrUnknownWallet) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestWithTxPublishesOnSuccess(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	userID := mustUserID(t, "user-1")

	err := store.WithTx(ctx, func(ctx context.Context, txStore timebank.Store) error {
		_, created, err := txStore.InsertWalletIfAbsent(ctx, timebank.EmptyWallet(userID, testNow))
		if !created {
			return fmt.Errorf("expected a new wallet")
		}
		return err
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if _, err := store.GetWallet(ctx, userID); err != nil {
		t.Fatalf("expected committed wallet, got %v", err)
	}
}

func TestWithTxRunsOneTransactionAtATime(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- store.WithTx(ctx, func(context.Context, timebank.Store) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	secondEntered := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- store.WithTx(ctx, func(context.Context, timebank.Store) error {
			close(secondEntered)
			return nil
		})
	}()
	select {
	case <-secondEntered:
		t.Fatalf("second transaction ran while the first was open")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first tx: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second tx: %v", err)
	}
	select {
	case <-secondEntered:
	default:
		t.Fatalf("second transaction never ran")
	}
}

func TestSaveWalletRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	userID := mustUserID(t, "user-1")
	wallet, _, err := store.InsertWalletIfAbsent(ctx, timebank.EmptyWallet(userID, testNow))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	amount, err := timebank.ParsePositiveCredits("1.00")
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	next := wallet.CreditAvailable(amount, testNow)
	if err := store.SaveWallet(ctx, wallet, next); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveWallet(ctx, wallet, next); !errors.Is(err, timebank.ErrStaleWallet) {
		t.Fatalf("expected stale wallet, got %v", err)
	}
}

func TestAppendTransactionRejectsDuplicateReference(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	first := newEntry(t, "entry-1", "ref-1", testNow)
	if err := store.AppendTransaction(ctx, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	duplicate := newEntry(t, "entry-2", "ref-1", testNow)
	if err := store.AppendTransaction(ctx, duplicate); !errors.Is(err, timebank.ErrDuplicateReference) {
		t.Fatalf("expected duplicate reference, got %v", err)
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	for index, offset := range []time.Duration{0, 2 * time.Minute, time.Minute, time.Minute} {
		entry := newEntry(t, fmt.Sprintf("entry-%d", index), fmt.Sprintf("ref-%d", index), testNow.Add(offset))
		if err := store.AppendTransaction(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := store.ListTransactionsForUser(ctx, mustUserID(t, "user-1"), 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]string, 0, len(entries))
	for _, entry := range entries {
		got = append(got, entry.EntryID().String())
	}
	want := []string{"entry-1", "entry-3", "entry-2", "entry-0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	page, err := store.ListTransactionsForUser(ctx, mustUserID(t, "user-1"), 3, 10)
	if err != nil || len(page) != 1 {
		t.Fatalf("expected last entry on offset page, got %d (%v)", len(page), err)
	}
	if count, _ := store.CountTransactionsForUser(ctx, mustUserID(t, "user-1")); count != 4 {
		t.Fatalf("expected 4 entries, got %d", count)
	}
}

func newEntry(test *testing.T, entryID string, reference string, at time.Time) timebank.TransactionEntry {
	test.Helper()
	id, err := timebank.NewEntryID(entryID)
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}
	ref, err := timebank.NewTransactionReference(reference)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	amount, err := timebank.ParsePositiveCredits("1.00")
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	recipient := mustUserID(test, "user-1")
	entry, err := timebank.NewTransactionEntry(id, nil, &recipient, amount, timebank.TransactionInitialCredit, nil, ref, "", timebank.MetadataJSON{}, at)
	if err != nil {
		test.Fatalf("entry: %v", err)
	}
	return entry
}

func mustUserID(test *testing.T, raw string) timebank.UserID {
	test.Helper()
	userID, err := timebank.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}
