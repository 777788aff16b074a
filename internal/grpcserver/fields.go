package grpcserver

import (
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
)

func walletFields(wallet timebank.Wallet) map[string]any {
	return map[string]any{
		"user_id":    wallet.UserID().String(),
		"available":  wallet.Available().String(),
		"escrow":     wallet.Escrow().String(),
		"total":      wallet.Total().String(),
		"updated_at": formatTime(wallet.UpdatedAt()),
	}
}

func bookingFields(booking timebank.Booking) map[string]any {
	fields := map[string]any{
		"booking_id":  booking.BookingID().String(),
		"client_id":   booking.ClientID().String(),
		"provider_id": booking.ProviderID().String(),
		"listing_id":  booking.ListingID().String(),
		"start_time":  formatTime(booking.Slot().Start()),
		"end_time":    formatTime(booking.Slot().End()),
		"state":       booking.State().String(),
		"created_at":  formatTime(booking.CreatedAt()),
	}
	if entry, ok := booking.Escrow(); ok {
		fields["escrow"] = map[string]any{
			"escrow_id": entry.EscrowID().String(),
			"amount":    entry.Amount().String(),
			"status":    entry.Status().String(),
		}
	}
	return fields
}

func historyFields(history timebank.HistoryPage) map[string]any {
	items := make([]any, 0, len(history.Items))
	for _, item := range history.Items {
		entry := item.Entry
		fields := map[string]any{
			"entry_id":    entry.EntryID().String(),
			"type":        entry.Type().String(),
			"amount":      entry.Amount().String(),
			"direction":   item.Direction.String(),
			"partner_id":  "",
			"reference":   entry.Reference().String(),
			"notes":       entry.Notes(),
			"metadata":    entry.Metadata().String(),
			"occurred_at": formatTime(entry.OccurredAt()),
		}
		if item.PartnerID != nil {
			fields["partner_id"] = item.PartnerID.String()
		}
		if bookingID, ok := entry.BookingID(); ok {
			fields["booking_id"] = bookingID.String()
		}
		items = append(items, fields)
	}
	return map[string]any{
		"items":       items,
		"total_count": history.TotalCount,
		"page":        history.Page,
		"page_size":   history.PageSize,
		"total_pages": history.TotalPages,
	}
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}
