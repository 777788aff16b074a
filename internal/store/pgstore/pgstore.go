package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintReference        = "transaction_logs_reference_key"
	constraintBookingPrimary   = "bookings_pkey"
	constraintEscrowBooking    = "escrow_entries_booking_id_key"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	errorOperationStore        = "store"
	errorSubjectWallet         = "wallet"
	errorSubjectBooking        = "booking"
	errorSubjectEscrow         = "escrow"
	errorSubjectTransaction    = "transaction"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCount             = "count"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeSave              = "save"
	errorCodeSerialization     = "serialization"
	errorCodeStale             = "stale"
	errorCodeUpdateStatus      = "update_status"

	sqlSelectWallet = `
		select user_id, available::text, escrow::text, version, updated_at
		from wallets
		where user_id = $1
	`

	sqlLockWallet = sqlSelectWallet + ` for update`

	sqlInsertWalletIfAbsent = `
		insert into wallets(user_id, available, escrow, version, created_at, updated_at)
		values ($1, $2::numeric, $3::numeric, $4, $5, $5)
		on conflict (user_id) do nothing
	`

	sqlSaveWallet = `
		update wallets
		set available = $3::numeric, escrow = $4::numeric, version = $5, updated_at = $6
		where user_id = $1 and version = $2
	`

	sqlInsertBooking = `
		insert into bookings(booking_id, client_id, provider_id, listing_id, start_time, end_time, state, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`

	sqlSelectBookingColumns = `
		select b.booking_id, b.client_id, b.provider_id, b.listing_id, b.start_time, b.end_time, b.state, b.created_at,
			e.escrow_id, e.amount::text, e.status
		from bookings b
		left join escrow_entries e on e.booking_id = b.booking_id
	`

	sqlSelectBooking = sqlSelectBookingColumns + ` where b.booking_id = $1`

	sqlLockBooking = sqlSelectBooking + ` for update of b`

	sqlListBookingsForUser = sqlSelectBookingColumns + `
		where b.client_id = $1 or b.provider_id = $1
		order by b.created_at desc, b.booking_id desc
	`

	sqlUpdateBookingState = `
		update bookings
		set state = $3, updated_at = now()
		where booking_id = $1 and state = $2
	`

	sqlInsertEscrow = `
		insert into escrow_entries(escrow_id, booking_id, amount, status)
		values ($1, $2, $3::numeric, $4)
	`

	sqlSelectEscrow = `
		select escrow_id, booking_id, amount::text, status
		from escrow_entries
		where escrow_id = $1
		for update
	`

	sqlUpdateEscrowStatus = `
		update escrow_entries
		set status = $3, updated_at = now()
		where escrow_id = $1 and status = $2
	`

	sqlInsertTransaction = `
		insert into transaction_logs(entry_id, from_user_id, to_user_id, amount, type, booking_id, reference, notes, metadata, created_at)
		values ($1, $2, $3, $4::numeric, $5, $6, $7, $8, coalesce(nullif($9,''),'{}')::jsonb, $10)
	`

	sqlListTransactionsForUser = `
		select entry_id, from_user_id, to_user_id, amount::text, type, booking_id, reference, notes, coalesce(metadata::text,'{}'), created_at
		from transaction_logs
		where from_user_id = $1 or to_user_id = $1
		order by created_at desc, id desc
		offset $2
		limit $3
	`

	sqlCountTransactionsForUser = `
		select count(*) from transaction_logs
		where from_user_id = $1 or to_user_id = $1
	`
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements timebank.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements timebank.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// WithTx runs fn in a serializable transaction. Serialization failures and
// deadlocks surface as timebank.ErrConflict so the service can retry.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore timebank.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return conflictOr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return conflictOr(wrapStoreError(errorSubjectTransaction, errorCodeCommit, err))
	}
	return nil
}

// WithTx reuses the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore timebank.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (store queries) GetWallet(ctx context.Context, userID timebank.UserID) (timebank.Wallet, error) {
	return store.selectWallet(ctx, sqlSelectWallet, userID, errorCodeGet)
}

func (store queries) LockWallet(ctx context.Context, userID timebank.UserID) (timebank.Wallet, error) {
	return store.selectWallet(ctx, sqlLockWallet, userID, errorCodeLock)
}

func (store queries) selectWallet(ctx context.Context, query string, userID timebank.UserID, code string) (timebank.Wallet, error) {
	var (
		userIDValue string
		available   string
		escrow      string
		version     int64
		updatedAt   time.Time
	)
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(&userIDValue, &available, &escrow, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return timebank.Wallet{}, wrapStoreError(errorSubjectWallet, code, timebank.ErrUnknownWallet)
		}
		return timebank.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	wallet, err := mapWallet(userIDValue, available, escrow, version, updatedAt)
	if err != nil {
		return timebank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store queries) InsertWalletIfAbsent(ctx context.Context, wallet timebank.Wallet) (timebank.Wallet, bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertWalletIfAbsent,
		wallet.UserID().String(),
		wallet.Available().String(),
		wallet.Escrow().String(),
		wallet.Version(),
		wallet.UpdatedAt(),
	)
	if err != nil {
		return timebank.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := store.GetWallet(ctx, wallet.UserID())
		return existing, false, err
	}
	return wallet, true, nil
}

func (store queries) SaveWallet(ctx context.Context, previous timebank.Wallet, next timebank.Wallet) error {
	if previous.UserID() != next.UserID() {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, timebank.ErrInvalidUserID)
	}
	tag, err := store.db.Exec(ctx, sqlSaveWallet,
		previous.UserID().String(),
		previous.Version(),
		next.Available().String(),
		next.Escrow().String(),
		next.Version(),
		next.UpdatedAt(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeStale, timebank.ErrStaleWallet)
	}
	return nil
}

func (store queries) CreateBooking(ctx context.Context, booking timebank.Booking) error {
	_, err := store.db.Exec(ctx, sqlInsertBooking,
		booking.BookingID().String(),
		booking.ClientID().String(),
		booking.ProviderID().String(),
		booking.ListingID().String(),
		booking.Slot().Start(),
		booking.Slot().End(),
		booking.State().String(),
		booking.CreatedAt(),
	)
	if isUniqueViolation(err, constraintBookingPrimary) {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, timebank.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	return nil
}

func (store queries) GetBooking(ctx context.Context, bookingID timebank.BookingID) (timebank.Booking, error) {
	return store.selectBooking(ctx, sqlSelectBooking, bookingID, errorCodeGet)
}

func (store queries) LockBooking(ctx context.Context, bookingID timebank.BookingID) (timebank.Booking, error) {
	return store.selectBooking(ctx, sqlLockBooking, bookingID, errorCodeLock)
}

func (store queries) selectBooking(ctx context.Context, query string, bookingID timebank.BookingID, code string) (timebank.Booking, error) {
	rows, err := store.db.Query(ctx, query, bookingID.String())
	if err != nil {
		return timebank.Booking{}, wrapStoreError(errorSubjectBooking, code, err)
	}
	bookings, err := scanBookings(rows)
	if err != nil {
		return timebank.Booking{}, wrapStoreError(errorSubjectBooking, code, err)
	}
	if len(bookings) == 0 {
		return timebank.Booking{}, wrapStoreError(errorSubjectBooking, code, timebank.ErrUnknownBooking)
	}
	return bookings[0], nil
}

func (store queries) UpdateBookingState(ctx context.Context, bookingID timebank.BookingID, from timebank.BookingState, to timebank.BookingState) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBookingState, bookingID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, timebank.ErrStaleBooking)
	}
	return nil
}

func (store queries) ListBookingsForUser(ctx context.Context, userID timebank.UserID) ([]timebank.Booking, error) {
	rows, err := store.db.Query(ctx, sqlListBookingsForUser, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	bookings, err := scanBookings(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return bookings, nil
}

func (store queries) CreateEscrow(ctx context.Context, entry timebank.EscrowEntry) error {
	_, err := store.db.Exec(ctx, sqlInsertEscrow,
		entry.EscrowID().String(),
		entry.BookingID().String(),
		entry.Amount().String(),
		entry.Status().String(),
	)
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectEscrow, errorCodeDuplicate, timebank.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeCreate, err)
	}
	return nil
}

func (store queries) GetEscrow(ctx context.Context, escrowID timebank.EscrowID) (timebank.EscrowEntry, error) {
	var (
		escrowIDValue string
		bookingID     string
		amount        string
		status        string
	)
	err := store.db.QueryRow(ctx, sqlSelectEscrow, escrowID.String()).Scan(&escrowIDValue, &bookingID, &amount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return timebank.EscrowEntry{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, timebank.ErrUnknownEscrow)
		}
		return timebank.EscrowEntry{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, err)
	}
	entry, err := mapEscrowEntry(escrowIDValue, bookingID, amount, status)
	if err != nil {
		return timebank.EscrowEntry{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store queries) UpdateEscrowStatus(ctx context.Context, escrowID timebank.EscrowID, from timebank.EscrowStatus, to timebank.EscrowStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateEscrowStatus, escrowID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, timebank.ErrEscrowNotHeld)
	}
	return nil
}

func (store queries) AppendTransaction(ctx context.Context, entry timebank.TransactionEntry) error {
	var bookingID *string
	if value, ok := entry.BookingID(); ok {
		raw := value.String()
		bookingID = &raw
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		entry.EntryID().String(),
		optionalUserID(entry.FromUserID()),
		optionalUserID(entry.ToUserID()),
		entry.Amount().String(),
		entry.Type().String(),
		bookingID,
		entry.Reference().String(),
		entry.Notes(),
		entry.Metadata().String(),
		entry.OccurredAt(),
	)
	if isUniqueViolation(err, constraintReference) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, timebank.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store queries) ListTransactionsForUser(ctx context.Context, userID timebank.UserID, offset int, limit int) ([]timebank.TransactionEntry, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsForUser, userID.String(), offset, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]timebank.TransactionEntry, 0, limit)
	for rows.Next() {
		var (
			entryID    string
			fromUserID *string
			toUserID   *string
			amount     string
			entryType  string
			bookingID  *string
			reference  string
			notes      string
			metadata   string
			createdAt  time.Time
		)
		if err := rows.Scan(&entryID, &fromUserID, &toUserID, &amount, &entryType, &bookingID, &reference, &notes, &metadata, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		entry, err := mapTransaction(entryID, fromUserID, toUserID, amount, entryType, bookingID, reference, notes, metadata, createdAt)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return entries, nil
}

func (store queries) CountTransactionsForUser(ctx context.Context, userID timebank.UserID) (int, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountTransactionsForUser, userID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return int(count), nil
}

func scanBookings(rows pgx.Rows) ([]timebank.Booking, error) {
	defer rows.Close()
	bookings := make([]timebank.Booking, 0)
	for rows.Next() {
		var (
			bookingID  string
			clientID   string
			providerID string
			listingID  string
			startTime  time.Time
			endTime    time.Time
			state      string
			createdAt  time.Time
			escrowID   *string
			amount     *string
			status     *string
		)
		if err := rows.Scan(&bookingID, &clientID, &providerID, &listingID, &startTime, &endTime, &state, &createdAt, &escrowID, &amount, &status); err != nil {
			return nil, err
		}
		booking, err := mapBooking(bookingID, clientID, providerID, listingID, startTime, endTime, state, createdAt)
		if err != nil {
			return nil, err
		}
		if escrowID != nil && amount != nil && status != nil {
			entry, err := mapEscrowEntry(*escrowID, bookingID, *amount, *status)
			if err != nil {
				return nil, err
			}
			if booking, err = booking.WithEscrow(entry); err != nil {
				return nil, err
			}
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}

func mapWallet(userIDValue string, availableValue string, escrowValue string, version int64, updatedAt time.Time) (timebank.Wallet, error) {
	userID, err := timebank.NewUserID(userIDValue)
	if err != nil {
		return timebank.Wallet{}, err
	}
	available, err := timebank.ParseCredits(availableValue)
	if err != nil {
		return timebank.Wallet{}, err
	}
	escrow, err := timebank.ParseCredits(escrowValue)
	if err != nil {
		return timebank.Wallet{}, err
	}
	return timebank.NewWallet(userID, available, escrow, version, updatedAt)
}

func mapBooking(bookingIDValue string, clientIDValue string, providerIDValue string, listingIDValue string, start time.Time, end time.Time, stateValue string, createdAt time.Time) (timebank.Booking, error) {
	bookingID, err := timebank.NewBookingID(bookingIDValue)
	if err != nil {
		return timebank.Booking{}, err
	}
	clientID, err := timebank.NewUserID(clientIDValue)
	if err != nil {
		return timebank.Booking{}, err
	}
	providerID, err := timebank.NewUserID(providerIDValue)
	if err != nil {
		return timebank.Booking{}, err
	}
	listingID, err := timebank.NewListingID(listingIDValue)
	if err != nil {
		return timebank.Booking{}, err
	}
	slot, err := timebank.NewTimeSlot(start, end)
	if err != nil {
		return timebank.Booking{}, err
	}
	state, err := timebank.ParseBookingState(stateValue)
	if err != nil {
		return timebank.Booking{}, err
	}
	return timebank.NewBooking(bookingID, clientID, providerID, listingID, slot, state, createdAt)
}

func mapEscrowEntry(escrowIDValue string, bookingIDValue string, amountValue string, statusValue string) (timebank.EscrowEntry, error) {
	escrowID, err := timebank.NewEscrowID(escrowIDValue)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	bookingID, err := timebank.NewBookingID(bookingIDValue)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	amount, err := parseAmount(amountValue)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	status, err := timebank.ParseEscrowStatus(statusValue)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	return timebank.NewEscrowEntry(escrowID, bookingID, amount, status)
}

func mapTransaction(
	entryIDValue string,
	fromUserIDValue *string,
	toUserIDValue *string,
	amountValue string,
	typeValue string,
	bookingIDValue *string,
	referenceValue string,
	notes string,
	metadataValue string,
	createdAt time.Time,
) (timebank.TransactionEntry, error) {
	entryID, err := timebank.NewEntryID(entryIDValue)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	fromUserID, err := parseOptionalUserID(fromUserIDValue)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	toUserID, err := parseOptionalUserID(toUserIDValue)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	amount, err := parseAmount(amountValue)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	transactionType, err := timebank.ParseTransactionType(typeValue)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	var bookingID *timebank.BookingID
	if bookingIDValue != nil {
		parsedBookingID, err := timebank.NewBookingID(*bookingIDValue)
		if err != nil {
			return timebank.TransactionEntry{}, err
		}
		bookingID = &parsedBookingID
	}
	reference, err := timebank.NewTransactionReference(referenceValue)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	metadata, err := timebank.NewMetadataJSON(metadataValue)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	return timebank.NewTransactionEntry(entryID, fromUserID, toUserID, amount, transactionType, bookingID, reference, notes, metadata, createdAt)
}

func parseAmount(raw string) (timebank.PositiveCredits, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return timebank.PositiveCredits{}, err
	}
	return timebank.NewPositiveCredits(value)
}

func optionalUserID(userID timebank.UserID, ok bool) *string {
	if !ok {
		return nil
	}
	value := userID.String()
	return &value
}

func parseOptionalUserID(raw *string) (*timebank.UserID, error) {
	if raw == nil {
		return nil, nil
	}
	userID, err := timebank.NewUserID(*raw)
	if err != nil {
		return nil, err
	}
	return &userID, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return timebank.WrapError(errorOperationStore, subject, code, err)
}

// conflictOr marks serialization failures and deadlocks as conflicts and
// returns every other error unchanged.
func conflictOr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code != pgSerializationFailureCode && pgErr.Code != pgDeadlockDetectedCode {
		return err
	}
	return wrapStoreError(errorSubjectTransaction, errorCodeSerialization, errors.Join(timebank.ErrConflict, err))
}

// isUniqueViolation reports a unique constraint failure. An empty constraint
// matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
}

var (
	_ timebank.Store = (*Store)(nil)
	_ timebank.Store = (*TxStore)(nil)
)
