package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/shopspring/decimal"
)

type adjustCreditsRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes"`
}

type createBookingRequest struct {
	ProviderID string          `json:"provider_id" binding:"required"`
	ListingID  string          `json:"listing_id" binding:"required"`
	StartTime  time.Time       `json:"start_time" binding:"required"`
	EndTime    time.Time       `json:"end_time" binding:"required"`
	Price      decimal.Decimal `json:"price"`
}

func (request createBookingRequest) toBookingRequest(clientID timebank.UserID) (timebank.BookingRequest, error) {
	providerID, err := timebank.NewUserID(request.ProviderID)
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	listingID, err := timebank.NewListingID(request.ListingID)
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	price, err := timebank.NewPositiveCredits(request.Price)
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	return timebank.NewBookingRequest(clientID, providerID, listingID, request.StartTime, request.EndTime, price)
}

type walletPayload struct {
	UserID    string `json:"user_id"`
	Available string `json:"available"`
	Escrow    string `json:"escrow"`
	Total     string `json:"total"`
	UpdatedAt string `json:"updated_at"`
}

func newWalletPayload(wallet timebank.Wallet) walletPayload {
	return walletPayload{
		UserID:    wallet.UserID().String(),
		Available: wallet.Available().String(),
		Escrow:    wallet.Escrow().String(),
		Total:     wallet.Total().String(),
		UpdatedAt: formatTime(wallet.UpdatedAt()),
	}
}

type escrowPayload struct {
	EscrowID string `json:"escrow_id"`
	Amount   string `json:"amount"`
	Status   string `json:"status"`
}

type bookingPayload struct {
	BookingID  string         `json:"booking_id"`
	ClientID   string         `json:"client_id"`
	ProviderID string         `json:"provider_id"`
	ListingID  string         `json:"listing_id"`
	StartTime  string         `json:"start_time"`
	EndTime    string         `json:"end_time"`
	State      string         `json:"state"`
	CreatedAt  string         `json:"created_at"`
	Escrow     *escrowPayload `json:"escrow,omitempty"`
}

func newBookingPayload(booking timebank.Booking) bookingPayload {
	payload := bookingPayload{
		BookingID:  booking.BookingID().String(),
		ClientID:   booking.ClientID().String(),
		ProviderID: booking.ProviderID().String(),
		ListingID:  booking.ListingID().String(),
		StartTime:  formatTime(booking.Slot().Start()),
		EndTime:    formatTime(booking.Slot().End()),
		State:      booking.State().String(),
		CreatedAt:  formatTime(booking.CreatedAt()),
	}
	if entry, ok := booking.Escrow(); ok {
		payload.Escrow = &escrowPayload{
			EscrowID: entry.EscrowID().String(),
			Amount:   entry.Amount().String(),
			Status:   entry.Status().String(),
		}
	}
	return payload
}

type historyItemPayload struct {
	EntryID    string          `json:"entry_id"`
	Type       string          `json:"type"`
	Amount     string          `json:"amount"`
	Direction  string          `json:"direction"`
	PartnerID  string          `json:"partner_id"`
	BookingID  string          `json:"booking_id,omitempty"`
	Reference  string          `json:"reference"`
	Notes      string          `json:"notes"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	OccurredAt string          `json:"occurred_at"`
}

type historyPayload struct {
	Items      []historyItemPayload `json:"items"`
	TotalCount int                  `json:"total_count"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalPages int                  `json:"total_pages"`
}

func newHistoryPayload(history timebank.HistoryPage) historyPayload {
	items := make([]historyItemPayload, 0, len(history.Items))
	for _, item := range history.Items {
		entry := item.Entry
		payload := historyItemPayload{
			EntryID:    entry.EntryID().String(),
			Type:       entry.Type().String(),
			Amount:     entry.Amount().String(),
			Direction:  item.Direction.String(),
			Reference:  entry.Reference().String(),
			Notes:      entry.Notes(),
			OccurredAt: formatTime(entry.OccurredAt()),
		}
		if item.PartnerID != nil {
			payload.PartnerID = item.PartnerID.String()
		}
		if bookingID, ok := entry.BookingID(); ok {
			payload.BookingID = bookingID.String()
		}
		if metadata := entry.Metadata().String(); metadata != "" {
			payload.Metadata = json.RawMessage(metadata)
		}
		items = append(items, payload)
	}
	return historyPayload{
		Items:      items,
		TotalCount: history.TotalCount,
		Page:       history.Page,
		PageSize:   history.PageSize,
		TotalPages: history.TotalPages,
	}
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}
