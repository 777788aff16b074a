package timebank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var errWelcomeAlreadyGranted = errors.New("welcome grant already applied")

// Service is the booking state machine. Every command runs as one unit of
// work spanning the booking row, the escrow entry, both wallets, and the
// transaction log.
type Service struct {
	store           Store
	nowFn           func() time.Time
	newID           func() string
	logger          OperationLogger
	welcomeGrant    Credits
	conflictRetries int
	retryBaseDelay  time.Duration

	wallets      Wallets
	escrows      Escrows
	transactions Transactions
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		newID:           uuid.NewString,
		welcomeGrant:    defaultWelcomeGrant(),
		conflictRetries: defaultConflictRetries,
		retryBaseDelay:  defaultRetryBaseDelay,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	if service.conflictRetries < 0 {
		return nil, fmt.Errorf("%w: conflict retries must not be negative", ErrInvalidServiceConfig)
	}
	service.wallets = NewWallets(service.nowFn)
	service.escrows = NewEscrows(service.newID)
	service.transactions = NewTransactions(service.newID, service.nowFn)
	return service, nil
}

// WithIDGenerator replaces the uuid generator used for bookings, escrow entries, and log entries.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		service.newID = newID
	}
}

// WithWelcomeGrant sets the credits granted when a wallet is registered.
func WithWelcomeGrant(amount Credits) ServiceOption {
	return func(service *Service) {
		service.welcomeGrant = amount
	}
}

// WithConflictRetries sets how many extra attempts a command gets after losing
// an optimistic check, and the initial backoff between attempts.
func WithConflictRetries(retries int, baseDelay time.Duration) ServiceOption {
	return func(service *Service) {
		service.conflictRetries = retries
		service.retryBaseDelay = baseDelay
	}
}

// BookingRequest carries the validated inputs of CreateBooking.
type BookingRequest struct {
	ClientID   UserID
	ProviderID UserID
	ListingID  ListingID
	Slot       TimeSlot
	Price      PositiveCredits
}

// NewBookingRequest validates the booking inputs.
func NewBookingRequest(clientID UserID, providerID UserID, listingID ListingID, start time.Time, end time.Time, price PositiveCredits) (BookingRequest, error) {
	slot, err := NewTimeSlot(start, end)
	if err != nil {
		return BookingRequest{}, err
	}
	request := BookingRequest{
		ClientID:   clientID,
		ProviderID: providerID,
		ListingID:  listingID,
		Slot:       slot,
		Price:      price,
	}
	if err := request.validate(); err != nil {
		return BookingRequest{}, err
	}
	return request, nil
}

func (request BookingRequest) validate() error {
	if request.ClientID.IsZero() || request.ProviderID.IsZero() {
		return fmt.Errorf("%w: client and provider are required", ErrInvalidUserID)
	}
	if request.ClientID == request.ProviderID {
		return ErrSelfBooking
	}
	if request.ListingID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidListingID)
	}
	if !request.Slot.End().After(request.Slot.Start()) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidTimeSlot)
	}
	if !request.Price.Decimal().IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

// CreateBooking moves the price from the client's available balance into
// escrow and records a pending booking holding it.
func (service *Service) CreateBooking(ctx context.Context, actor UserID, request BookingRequest) (Booking, error) {
	var created Booking
	attempts, operationError := 0, request.validate()
	if operationError == nil && actor != request.ClientID {
		operationError = ErrNotBookingClient
	}
	if operationError == nil {
		attempts, operationError = service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := service.wallets.EnsureWallet(ctx, transactionStore, request.ClientID); err != nil {
				return err
			}
			if _, err := service.wallets.EnsureWallet(ctx, transactionStore, request.ProviderID); err != nil {
				return err
			}
			if _, err := service.wallets.MoveAvailableToEscrow(ctx, transactionStore, request.ClientID, request.Price); err != nil {
				return err
			}
			bookingID, err := NewBookingID(service.newID())
			if err != nil {
				return err
			}
			booking, err := NewBooking(bookingID, request.ClientID, request.ProviderID, request.ListingID, request.Slot, BookingStatePending, service.nowFn())
			if err != nil {
				return err
			}
			if err := transactionStore.CreateBooking(ctx, booking); err != nil {
				return err
			}
			hold, err := service.escrows.OpenHold(ctx, transactionStore, bookingID, request.Price)
			if err != nil {
				return err
			}
			booking, err = booking.WithEscrow(hold)
			if err != nil {
				return err
			}
			clientID := request.ClientID
			if _, err := service.transactions.Append(ctx, transactionStore, TransactionRecord{
				From:      &clientID,
				Amount:    request.Price,
				Type:      TransactionEscrowHold,
				BookingID: &bookingID,
				Notes:     notesEscrowHold,
				Metadata:  bookingMetadata(booking),
			}); err != nil {
				return err
			}
			created = booking
			return nil
		})
	}
	if operationError != nil {
		created = Booking{}
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateBooking,
		Actor:     actor,
		UserID:    request.ClientID,
		BookingID: created.BookingID(),
		Amount:    request.Price.Credits(),
		Attempts:  attempts,
		Error:     operationError,
	})
	return created, operationError
}

// AcceptBooking lets the provider accept a pending booking. No funds move.
func (service *Service) AcceptBooking(ctx context.Context, actor UserID, bookingID BookingID) (Booking, error) {
	var accepted Booking
	attempts, operationError := service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
		booking, err := transactionStore.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if actor != booking.ProviderID() {
			return ErrNotBookingProvider
		}
		if booking.State() != BookingStatePending {
			return ErrBookingNotPending
		}
		if err := service.transition(ctx, transactionStore, booking, BookingStateAccepted); err != nil {
			return err
		}
		accepted = booking.withState(BookingStateAccepted)
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAcceptBooking,
		Actor:     actor,
		BookingID: bookingID,
		UserID:    accepted.ProviderID(),
		Amount:    ZeroCredits(),
		Attempts:  attempts,
		Error:     operationError,
	})
	return accepted, operationError
}

// CompleteBooking lets the client confirm an accepted booking, releasing the
// escrowed amount to the provider.
func (service *Service) CompleteBooking(ctx context.Context, actor UserID, bookingID BookingID) (Booking, error) {
	var completed Booking
	amount := ZeroCredits()
	attempts, operationError := service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
		booking, err := transactionStore.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if actor != booking.ClientID() {
			return ErrNotBookingClient
		}
		if booking.State() != BookingStateAccepted {
			return ErrBookingNotAccepted
		}
		hold, err := requireEscrow(booking)
		if err != nil {
			return err
		}
		amount = hold.Amount().Credits()
		if err := service.wallets.ReleaseEscrowToAvailable(ctx, transactionStore, booking.ClientID(), booking.ProviderID(), hold.Amount()); err != nil {
			return err
		}
		released, err := service.escrows.Release(ctx, transactionStore, hold.EscrowID())
		if err != nil {
			return err
		}
		if err := service.transition(ctx, transactionStore, booking, BookingStateCompleted); err != nil {
			return err
		}
		clientID, providerID := booking.ClientID(), booking.ProviderID()
		if _, err := service.transactions.Append(ctx, transactionStore, TransactionRecord{
			From:      &clientID,
			To:        &providerID,
			Amount:    hold.Amount(),
			Type:      TransactionEscrowRelease,
			BookingID: &bookingID,
			Notes:     notesEscrowRelease,
			Metadata:  bookingMetadata(booking),
		}); err != nil {
			return err
		}
		completed, err = booking.withState(BookingStateCompleted).WithEscrow(released)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCompleteBooking,
		Actor:     actor,
		BookingID: bookingID,
		UserID:    completed.ProviderID(),
		Amount:    amount,
		Attempts:  attempts,
		Error:     operationError,
	})
	return completed, operationError
}

// RejectBooking lets the provider decline a pending booking, refunding the
// escrowed amount to the client. Accepted bookings cannot be rejected.
func (service *Service) RejectBooking(ctx context.Context, actor UserID, bookingID BookingID) (Booking, error) {
	var rejected Booking
	amount := ZeroCredits()
	attempts, operationError := service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
		booking, err := transactionStore.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if actor != booking.ProviderID() {
			return ErrNotBookingProvider
		}
		if booking.State() != BookingStatePending {
			return ErrBookingNotPending
		}
		hold, err := requireEscrow(booking)
		if err != nil {
			return err
		}
		amount = hold.Amount().Credits()
		if _, err := service.wallets.RefundEscrowToAvailable(ctx, transactionStore, booking.ClientID(), hold.Amount()); err != nil {
			return err
		}
		refunded, err := service.escrows.Refund(ctx, transactionStore, hold.EscrowID())
		if err != nil {
			return err
		}
		if err := service.transition(ctx, transactionStore, booking, BookingStateRejected); err != nil {
			return err
		}
		clientID := booking.ClientID()
		if _, err := service.transactions.Append(ctx, transactionStore, TransactionRecord{
			To:        &clientID,
			Amount:    hold.Amount(),
			Type:      TransactionRefund,
			BookingID: &bookingID,
			Notes:     notesEscrowRefunded,
			Metadata:  bookingMetadata(booking),
		}); err != nil {
			return err
		}
		rejected, err = booking.withState(BookingStateRejected).WithEscrow(refunded)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRejectBooking,
		Actor:     actor,
		BookingID: bookingID,
		UserID:    rejected.ClientID(),
		Amount:    amount,
		Attempts:  attempts,
		Error:     operationError,
	})
	return rejected, operationError
}

// ListBookingsForUser returns every booking where userID is client or provider.
func (service *Service) ListBookingsForUser(ctx context.Context, userID UserID) ([]Booking, error) {
	return service.store.ListBookingsForUser(ctx, userID)
}

// GetBooking returns a booking visible to actor.
func (service *Service) GetBooking(ctx context.Context, actor UserID, bookingID BookingID) (Booking, error) {
	booking, err := service.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if !booking.Involves(actor) {
		return Booking{}, fmt.Errorf("caller is not part of the booking: %w", ErrUnauthorized)
	}
	return booking, nil
}

// GetWallet returns the wallet of userID or ErrUnknownWallet.
func (service *Service) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	return service.wallets.GetWallet(ctx, service.store, userID)
}

// GetAvailableBalance returns the spendable balance of userID.
func (service *Service) GetAvailableBalance(ctx context.Context, userID UserID) (Credits, error) {
	wallet, err := service.GetWallet(ctx, userID)
	if err != nil {
		return Credits{}, err
	}
	return wallet.Available(), nil
}

// GetTransactionHistory returns one page of log entries involving userID.
func (service *Service) GetTransactionHistory(ctx context.Context, userID UserID, page int, pageSize int) (HistoryPage, error) {
	return service.transactions.QueryForUser(ctx, service.store, userID, page, pageSize)
}

// RegisterWallet ensures userID has a wallet and applies the welcome grant
// once per user. Calling it again returns the wallet unchanged.
func (service *Service) RegisterWallet(ctx context.Context, userID UserID) (Wallet, error) {
	var registered Wallet
	grant, hasGrant := service.welcomeGrantAmount()
	attempts, operationError := service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := service.wallets.EnsureWallet(ctx, transactionStore, userID)
		if err != nil {
			return err
		}
		registered = wallet
		if !hasGrant {
			return nil
		}
		wallet, err = service.wallets.CreditAvailable(ctx, transactionStore, userID, grant)
		if err != nil {
			return err
		}
		reference, err := NewTransactionReference("welcome:" + userID.String())
		if err != nil {
			return err
		}
		recipient := userID
		_, err = service.transactions.Append(ctx, transactionStore, TransactionRecord{
			To:        &recipient,
			Amount:    grant,
			Type:      TransactionInitialCredit,
			Reference: reference,
			Notes:     notesWelcomeGrant,
		})
		if errors.Is(err, ErrDuplicateReference) {
			return errWelcomeAlreadyGranted
		}
		if err != nil {
			return err
		}
		registered = wallet
		return nil
	})
	if errors.Is(operationError, errWelcomeAlreadyGranted) {
		registered, operationError = service.GetWallet(ctx, userID)
	}
	amount := ZeroCredits()
	if hasGrant {
		amount = grant.Credits()
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRegisterWallet,
		Actor:     userID,
		UserID:    userID,
		Amount:    amount,
		Attempts:  attempts,
		Error:     operationError,
	})
	return registered, operationError
}

// AdjustCredits credits userID's available balance as an administrative
// adjustment. Callers are responsible for restricting it to administrators.
func (service *Service) AdjustCredits(ctx context.Context, actor UserID, userID UserID, amount PositiveCredits, notes string) (Wallet, error) {
	var adjusted Wallet
	if notes == "" {
		notes = notesAdminAdjust
	}
	attempts, operationError := service.runUnit(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := service.wallets.EnsureWallet(ctx, transactionStore, userID); err != nil {
			return err
		}
		wallet, err := service.wallets.CreditAvailable(ctx, transactionStore, userID, amount)
		if err != nil {
			return err
		}
		recipient := userID
		metadata, err := metadataFromMap(map[string]string{"actor": actor.String()})
		if err != nil {
			return err
		}
		if _, err := service.transactions.Append(ctx, transactionStore, TransactionRecord{
			To:       &recipient,
			Amount:   amount,
			Type:     TransactionAdminAdjustment,
			Notes:    notes,
			Metadata: metadata,
		}); err != nil {
			return err
		}
		adjusted = wallet
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjustCredits,
		Actor:     actor,
		UserID:    userID,
		Amount:    amount.Credits(),
		Attempts:  attempts,
		Error:     operationError,
	})
	return adjusted, operationError
}

func (service *Service) transition(ctx context.Context, transactionStore Store, booking Booking, target BookingState) error {
	if !booking.State().CanTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, booking.State(), target)
	}
	return transactionStore.UpdateBookingState(ctx, booking.BookingID(), booking.State(), target)
}

func (service *Service) welcomeGrantAmount() (PositiveCredits, bool) {
	if service.welcomeGrant.IsZero() {
		return PositiveCredits{}, false
	}
	grant, err := NewPositiveCredits(service.welcomeGrant.Decimal())
	if err != nil {
		return PositiveCredits{}, false
	}
	return grant, true
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func requireEscrow(booking Booking) (EscrowEntry, error) {
	hold, ok := booking.Escrow()
	if !ok {
		return EscrowEntry{}, WrapError("service", "booking", "missing_escrow", ErrUnknownEscrow)
	}
	return hold, nil
}

func bookingMetadata(booking Booking) MetadataJSON {
	metadata, err := metadataFromMap(map[string]string{
		"listing_id": booking.ListingID().String(),
		"start_time": booking.Slot().Start().Format(time.RFC3339),
		"end_time":   booking.Slot().End().Format(time.RFC3339),
	})
	if err != nil {
		return MetadataJSON{}
	}
	return metadata
}

func metadataFromMap(values map[string]string) (MetadataJSON, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}
