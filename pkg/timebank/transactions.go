package timebank

import (
	"context"
	"time"
)

// TransactionRecord describes a movement to append to the log.
type TransactionRecord struct {
	From      *UserID
	To        *UserID
	Amount    PositiveCredits
	Type      TransactionType
	BookingID *BookingID
	Reference TransactionReference
	Notes     string
	Metadata  MetadataJSON
}

// Transactions is the append-only log of balance-changing events.
type Transactions struct {
	newID func() string
	nowFn func() time.Time
}

// NewTransactions builds the log component around an id generator and a clock.
func NewTransactions(newID func() string, now func() time.Time) Transactions {
	return Transactions{newID: newID, nowFn: now}
}

// Append inserts record, generating a reference when none was supplied.
func (transactions Transactions) Append(ctx context.Context, store Store, record TransactionRecord) (TransactionEntry, error) {
	entryID, err := NewEntryID(transactions.newID())
	if err != nil {
		return TransactionEntry{}, err
	}
	reference := record.Reference
	if reference.IsZero() {
		reference, err = NewTransactionReference(transactions.newID())
		if err != nil {
			return TransactionEntry{}, err
		}
	}
	entry, err := NewTransactionEntry(
		entryID,
		record.From,
		record.To,
		record.Amount,
		record.Type,
		record.BookingID,
		reference,
		record.Notes,
		record.Metadata,
		transactions.nowFn(),
	)
	if err != nil {
		return TransactionEntry{}, err
	}
	if err := store.AppendTransaction(ctx, entry); err != nil {
		return TransactionEntry{}, err
	}
	return entry, nil
}

// QueryForUser returns one page of entries sent or received by userID, newest first.
func (transactions Transactions) QueryForUser(ctx context.Context, store Store, userID UserID, page int, pageSize int) (HistoryPage, error) {
	page, pageSize = normalizePage(page, pageSize)
	totalCount, err := store.CountTransactionsForUser(ctx, userID)
	if err != nil {
		return HistoryPage{}, err
	}
	entries, err := store.ListTransactionsForUser(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return HistoryPage{}, err
	}
	items := make([]HistoryItem, 0, len(entries))
	for _, entry := range entries {
		item := HistoryItem{Entry: entry, Direction: entry.DirectionFor(userID)}
		if partner, ok := entry.PartnerFor(userID); ok {
			item.PartnerID = &partner
		}
		items = append(items, item)
	}
	return HistoryPage{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (totalCount + pageSize - 1) / pageSize,
	}, nil
}

func normalizePage(page int, pageSize int) (int, int) {
	if page < 1 {
		page = defaultHistoryPage
	}
	if pageSize < 1 || pageSize > maxHistoryPageSize {
		pageSize = defaultHistoryPageSize
	}
	return page, pageSize
}
