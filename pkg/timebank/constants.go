package timebank

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	operationRegisterWallet  = "register_wallet"
	operationAdjustCredits   = "adjust_credits"
	operationCreateBooking   = "create_booking"
	operationAcceptBooking   = "accept_booking"
	operationCompleteBooking = "complete_booking"
	operationRejectBooking   = "reject_booking"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultHistoryPage     = 1
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100

	defaultConflictRetries = 2
	defaultRetryBaseDelay  = 10 * time.Millisecond

	notesWelcomeGrant   = "Welcome bonus"
	notesAdminAdjust    = "Administrative adjustment"
	notesEscrowHold     = "Credits held for booking"
	notesEscrowRelease  = "Escrow released to provider"
	notesEscrowRefunded = "Escrow refunded to client"
)

func defaultWelcomeGrant() Credits {
	return Credits{value: decimal.NewFromInt(2)}
}
