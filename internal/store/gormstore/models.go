package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	UserID    string          `gorm:"primaryKey"`
	Available decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Escrow    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Version   int64           `gorm:"not null"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// Booking mirrors the bookings table.
type Booking struct {
	BookingID  string    `gorm:"primaryKey"`
	ClientID   string    `gorm:"not null;index:idx_bookings_client"`
	ProviderID string    `gorm:"not null;index:idx_bookings_provider"`
	ListingID  string    `gorm:"not null"`
	StartTime  time.Time `gorm:"not null"`
	EndTime    time.Time `gorm:"not null"`
	State      string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

// EscrowEntry mirrors the escrow_entries table. A booking owns at most one entry.
type EscrowEntry struct {
	EscrowID  string          `gorm:"primaryKey"`
	BookingID string          `gorm:"not null;uniqueIndex:escrow_entries_booking_id_key"`
	Amount    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Status    string          `gorm:"not null"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (EscrowEntry) TableName() string { return "escrow_entries" }

// TransactionLog mirrors the append-only transaction_logs table.
type TransactionLog struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	EntryID    string          `gorm:"not null;uniqueIndex:transaction_logs_entry_id_key"`
	FromUserID *string         `gorm:"index:idx_transaction_logs_from"`
	ToUserID   *string         `gorm:"index:idx_transaction_logs_to"`
	Amount     decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Type       string          `gorm:"not null"`
	BookingID  *string         `gorm:"index:idx_transaction_logs_booking"`
	Reference  string          `gorm:"not null;uniqueIndex:transaction_logs_reference_key"`
	Notes      string          `gorm:"not null"`
	Metadata   datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time       `gorm:"not null"`
}

func (TransactionLog) TableName() string { return "transaction_logs" }

// Models lists every table managed by the store, in dependency order.
func Models() []any {
	return []any{&Wallet{}, &Booking{}, &EscrowEntry{}, &TransactionLog{}}
}
