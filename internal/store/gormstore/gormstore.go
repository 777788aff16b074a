package gormstore

import (
	"context"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintReference            = "transaction_logs_reference_key"
	defaultMetadataJSON            = "{}"
	pgUniqueViolationCode          = "23505"
	pgSerializationFailureCode     = "40001"
	pgDeadlockDetectedCode         = "40P01"
	sqliteConstraintUniqueCode     = 2067
	sqliteConstraintPrimaryKeyCode = 1555
	sqliteBusyCode                 = 5
	errorOperationStore            = "store"
	errorSubjectWallet             = "wallet"
	errorSubjectBooking            = "booking"
	errorSubjectEscrow             = "escrow"
	errorSubjectTransaction        = "transaction"
	errorCodeCount                 = "count"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeLock                  = "lock"
	errorCodeSave                  = "save"
	errorCodeStale                 = "stale"
	errorCodeUpdateStatus          = "update_status"
	errorCodeSerialization         = "serialization"
	lockingStrengthUpdate          = "UPDATE"
	columnUserID                   = "user_id"
	orderNewestBookingsFirst       = "created_at DESC, booking_id DESC"
	orderNewestTransactionsFirst   = "created_at DESC, id DESC"
)

// Store implements timebank.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Serialization failures and
// deadlocks reported by the database surface as timebank.ErrConflict.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore timebank.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isSerializationFailure(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeSerialization, errors.Join(timebank.ErrConflict, err))
	}
	return err
}

func (store *Store) GetWallet(ctx context.Context, userID timebank.UserID) (timebank.Wallet, error) {
	return store.loadWallet(ctx, userID, false)
}

func (store *Store) LockWallet(ctx context.Context, userID timebank.UserID) (timebank.Wallet, error) {
	return store.loadWallet(ctx, userID, true)
}

func (store *Store) loadWallet(ctx context.Context, userID timebank.UserID, lock bool) (timebank.Wallet, error) {
	code := errorCodeGet
	if lock {
		code = errorCodeLock
	}
	var model Wallet
	err := store.query(ctx, lock).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return timebank.Wallet{}, wrapStoreError(errorSubjectWallet, code, timebank.ErrUnknownWallet)
		}
		return timebank.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return timebank.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) InsertWalletIfAbsent(ctx context.Context, wallet timebank.Wallet) (timebank.Wallet, bool, error) {
	model := Wallet{
		UserID:    wallet.UserID().String(),
		Available: wallet.Available().Decimal(),
		Escrow:    wallet.Escrow().Decimal(),
		Version:   wallet.Version(),
		CreatedAt: wallet.UpdatedAt(),
		UpdatedAt: wallet.UpdatedAt(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnUserID}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return timebank.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeCreate, result.Error)
	}
	if result.RowsAffected == 0 {
		existing, err := store.GetWallet(ctx, wallet.UserID())
		return existing, false, err
	}
	return wallet, true, nil
}

func (store *Store) SaveWallet(ctx context.Context, previous timebank.Wallet, next timebank.Wallet) error {
	if previous.UserID() != next.UserID() {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, timebank.ErrInvalidUserID)
	}
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ? AND version = ?", previous.UserID().String(), previous.Version()).
		Updates(map[string]any{
			"available":  next.Available().Decimal(),
			"escrow":     next.Escrow().Decimal(),
			"version":    next.Version(),
			"updated_at": next.UpdatedAt(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeStale, timebank.ErrStaleWallet)
	}
	return nil
}

func (store *Store) CreateBooking(ctx context.Context, booking timebank.Booking) error {
	model := Booking{
		BookingID:  booking.BookingID().String(),
		ClientID:   booking.ClientID().String(),
		ProviderID: booking.ProviderID().String(),
		ListingID:  booking.ListingID().String(),
		StartTime:  booking.Slot().Start(),
		EndTime:    booking.Slot().End(),
		State:      booking.State().String(),
		CreatedAt:  booking.CreatedAt(),
		UpdatedAt:  booking.CreatedAt(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, timebank.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetBooking(ctx context.Context, bookingID timebank.BookingID) (timebank.Booking, error) {
	return store.loadBooking(ctx, bookingID, false)
}

func (store *Store) LockBooking(ctx context.Context, bookingID timebank.BookingID) (timebank.Booking, error) {
	return store.loadBooking(ctx, bookingID, true)
}

func (store *Store) loadBooking(ctx context.Context, bookingID timebank.BookingID, lock bool) (timebank.Booking, error) {
	code := errorCodeGet
	if lock {
		code = errorCodeLock
	}
	var model Booking
	err := store.query(ctx, lock).Where("booking_id = ?", bookingID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return timebank.Booking{}, wrapStoreError(errorSubjectBooking, code, timebank.ErrUnknownBooking)
		}
		return timebank.Booking{}, wrapStoreError(errorSubjectBooking, code, err)
	}
	var escrows []EscrowEntry
	if err := store.query(ctx, lock).Where("booking_id = ?", model.BookingID).Limit(1).Find(&escrows).Error; err != nil {
		return timebank.Booking{}, wrapStoreError(errorSubjectEscrow, code, err)
	}
	booking, err := mapBooking(model, escrows)
	if err != nil {
		return timebank.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return booking, nil
}

func (store *Store) UpdateBookingState(ctx context.Context, bookingID timebank.BookingID, from timebank.BookingState, to timebank.BookingState) error {
	result := store.db.WithContext(ctx).
		Model(&Booking{}).
		Where("booking_id = ? AND state = ?", bookingID.String(), from.String()).
		Update("state", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, timebank.ErrStaleBooking)
	}
	return nil
}

func (store *Store) ListBookingsForUser(ctx context.Context, userID timebank.UserID) ([]timebank.Booking, error) {
	var rows []Booking
	err := store.db.WithContext(ctx).
		Where("client_id = ? OR provider_id = ?", userID.String(), userID.String()).
		Order(orderNewestBookingsFirst).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	if len(rows) == 0 {
		return []timebank.Booking{}, nil
	}
	bookingIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		bookingIDs = append(bookingIDs, row.BookingID)
	}
	var escrowRows []EscrowEntry
	if err := store.db.WithContext(ctx).Where("booking_id IN ?", bookingIDs).Find(&escrowRows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEscrow, errorCodeList, err)
	}
	escrowsByBooking := make(map[string][]EscrowEntry, len(escrowRows))
	for _, escrowRow := range escrowRows {
		escrowsByBooking[escrowRow.BookingID] = append(escrowsByBooking[escrowRow.BookingID], escrowRow)
	}
	bookings := make([]timebank.Booking, 0, len(rows))
	for _, row := range rows {
		booking, err := mapBooking(row, escrowsByBooking[row.BookingID])
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, booking)
	}
	return bookings, nil
}

func (store *Store) CreateEscrow(ctx context.Context, entry timebank.EscrowEntry) error {
	model := EscrowEntry{
		EscrowID:  entry.EscrowID().String(),
		BookingID: entry.BookingID().String(),
		Amount:    entry.Amount().Decimal(),
		Status:    entry.Status().String(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectEscrow, errorCodeDuplicate, timebank.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetEscrow(ctx context.Context, escrowID timebank.EscrowID) (timebank.EscrowEntry, error) {
	var model EscrowEntry
	err := store.query(ctx, true).
		Where("escrow_id = ?", escrowID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return timebank.EscrowEntry{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, timebank.ErrUnknownEscrow)
		}
		return timebank.EscrowEntry{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, err)
	}
	entry, err := mapEscrowEntry(model)
	if err != nil {
		return timebank.EscrowEntry{}, wrapStoreError(errorSubjectEscrow, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) UpdateEscrowStatus(ctx context.Context, escrowID timebank.EscrowID, from timebank.EscrowStatus, to timebank.EscrowStatus) error {
	result := store.db.WithContext(ctx).
		Model(&EscrowEntry{}).
		Where("escrow_id = ? AND status = ?", escrowID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdateStatus, timebank.ErrEscrowNotHeld)
	}
	return nil
}

func (store *Store) AppendTransaction(ctx context.Context, entry timebank.TransactionEntry) error {
	model := TransactionLog{
		EntryID:    entry.EntryID().String(),
		FromUserID: optionalUserID(entry.FromUserID()),
		ToUserID:   optionalUserID(entry.ToUserID()),
		Amount:     entry.Amount().Decimal(),
		Type:       entry.Type().String(),
		Reference:  entry.Reference().String(),
		Notes:      entry.Notes(),
		Metadata:   datatypesJSON(entry.Metadata().String()),
		CreatedAt:  entry.OccurredAt(),
	}
	if bookingID, ok := entry.BookingID(); ok {
		value := bookingID.String()
		model.BookingID = &value
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReference) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, timebank.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactionsForUser(ctx context.Context, userID timebank.UserID, offset int, limit int) ([]timebank.TransactionEntry, error) {
	var rows []TransactionLog
	err := store.db.WithContext(ctx).
		Where("from_user_id = ? OR to_user_id = ?", userID.String(), userID.String()).
		Order(orderNewestTransactionsFirst).
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	entries := make([]timebank.TransactionEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapTransactionLog(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CountTransactionsForUser(ctx context.Context, userID timebank.UserID) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&TransactionLog{}).
		Where("from_user_id = ? OR to_user_id = ?", userID.String(), userID.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return int(count), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return timebank.WrapError(errorOperationStore, subject, code, err)
}

// query returns a fresh statement, holding row locks until commit when lock is set.
func (store *Store) query(ctx context.Context, lock bool) *gorm.DB {
	query := store.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: lockingStrengthUpdate})
	}
	return query
}

func mapWallet(model Wallet) (timebank.Wallet, error) {
	userID, err := timebank.NewUserID(model.UserID)
	if err != nil {
		return timebank.Wallet{}, err
	}
	available, err := timebank.NewCredits(model.Available)
	if err != nil {
		return timebank.Wallet{}, err
	}
	escrow, err := timebank.NewCredits(model.Escrow)
	if err != nil {
		return timebank.Wallet{}, err
	}
	return timebank.NewWallet(userID, available, escrow, model.Version, model.UpdatedAt)
}

func mapBooking(model Booking, escrows []EscrowEntry) (timebank.Booking, error) {
	bookingID, err := timebank.NewBookingID(model.BookingID)
	if err != nil {
		return timebank.Booking{}, err
	}
	clientID, err := timebank.NewUserID(model.ClientID)
	if err != nil {
		return timebank.Booking{}, err
	}
	providerID, err := timebank.NewUserID(model.ProviderID)
	if err != nil {
		return timebank.Booking{}, err
	}
	listingID, err := timebank.NewListingID(model.ListingID)
	if err != nil {
		return timebank.Booking{}, err
	}
	slot, err := timebank.NewTimeSlot(model.StartTime, model.EndTime)
	if err != nil {
		return timebank.Booking{}, err
	}
	state, err := timebank.ParseBookingState(model.State)
	if err != nil {
		return timebank.Booking{}, err
	}
	booking, err := timebank.NewBooking(bookingID, clientID, providerID, listingID, slot, state, model.CreatedAt)
	if err != nil {
		return timebank.Booking{}, err
	}
	if len(escrows) == 0 {
		return booking, nil
	}
	entry, err := mapEscrowEntry(escrows[0])
	if err != nil {
		return timebank.Booking{}, err
	}
	return booking.WithEscrow(entry)
}

func mapEscrowEntry(model EscrowEntry) (timebank.EscrowEntry, error) {
	escrowID, err := timebank.NewEscrowID(model.EscrowID)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	bookingID, err := timebank.NewBookingID(model.BookingID)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	amount, err := timebank.NewPositiveCredits(model.Amount)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	status, err := timebank.ParseEscrowStatus(model.Status)
	if err != nil {
		return timebank.EscrowEntry{}, err
	}
	return timebank.NewEscrowEntry(escrowID, bookingID, amount, status)
}

func mapTransactionLog(row TransactionLog) (timebank.TransactionEntry, error) {
	entryID, err := timebank.NewEntryID(row.EntryID)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	fromUserID, err := parseOptionalUserID(row.FromUserID)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	toUserID, err := parseOptionalUserID(row.ToUserID)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	amount, err := timebank.NewPositiveCredits(row.Amount)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	transactionType, err := timebank.ParseTransactionType(row.Type)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	var bookingID *timebank.BookingID
	if row.BookingID != nil {
		parsedBookingID, err := timebank.NewBookingID(*row.BookingID)
		if err != nil {
			return timebank.TransactionEntry{}, err
		}
		bookingID = &parsedBookingID
	}
	reference, err := timebank.NewTransactionReference(row.Reference)
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	metadata, err := timebank.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return timebank.TransactionEntry{}, err
	}
	return timebank.NewTransactionEntry(
		entryID,
		fromUserID,
		toUserID,
		amount,
		transactionType,
		bookingID,
		reference,
		row.Notes,
		metadata,
		row.CreatedAt,
	)
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

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation reports a unique or primary key failure. An empty
// constraint matches any of them; otherwise only the named constraint, or on
// SQLite the column it covers, matches.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code != sqliteConstraintUniqueCode && code != sqliteConstraintPrimaryKeyCode {
			return false
		}
		if constraint == "" {
			return true
		}
		column, known := sqliteConstraintColumns[constraint]
		return known && strings.Contains(sqliteErr.Error(), column)
	}
	return constraint == "" && errors.Is(err, gorm.ErrDuplicatedKey)
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	return false
}

// sqliteConstraintColumns maps constraint names to the column SQLite reports
// in its "UNIQUE constraint failed" message.
var sqliteConstraintColumns = map[string]string{
	constraintReference: "transaction_logs.reference",
}

var _ timebank.Store = (*Store)(nil)
