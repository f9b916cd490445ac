package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	indexCreditTxHash    = "uniq_credits_tx_hash"
	indexCreditPaymentID = "uniq_credits_payment_id"
)

// Deposit mirrors the deposits table. Amounts are decimal strings so no precision is lost.
type Deposit struct {
	PaymentID      string    `gorm:"primaryKey"`
	UserID         string    `gorm:"not null;index:idx_deposits_user"`
	Amount         string    `gorm:"type:text;not null"`
	Token          string    `gorm:"not null"`
	Status         string    `gorm:"not null;index:idx_deposits_status_expires,priority:1"`
	TxHash         string    `gorm:"not null;default:''"`
	FailureReason  string    `gorm:"not null;default:''"`
	ExpiresUnixUTC int64     `gorm:"not null;index:idx_deposits_status_expires,priority:2"`
	SettledUnixUTC int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Deposit) TableName() string { return "deposits" }

// LedgerCredit mirrors the ledger_credits table; one row per completed deposit.
type LedgerCredit struct {
	CreditID  string    `gorm:"type:uuid;primaryKey"`
	PaymentID string    `gorm:"not null;uniqueIndex:uniq_credits_payment_id"`
	UserID    string    `gorm:"not null;index:idx_credits_user_token,priority:1"`
	Token     string    `gorm:"not null;index:idx_credits_user_token,priority:2"`
	Amount    string    `gorm:"type:text;not null"`
	TxHash    string    `gorm:"not null;uniqueIndex:uniq_credits_tx_hash"`
	CreatedAt time.Time `gorm:"not null"`
}

func (LedgerCredit) TableName() string { return "ledger_credits" }

func (credit *LedgerCredit) BeforeCreate(tx *gorm.DB) error {
	if credit.CreditID == "" {
		credit.CreditID = uuid.NewString()
	}
	return nil
}

// HistoryEntry mirrors the transaction_history table.
type HistoryEntry struct {
	EntryID   string         `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"not null;index:idx_history_user_created,priority:1"`
	PaymentID string         `gorm:"not null"`
	Kind      string         `gorm:"not null"`
	Token     string         `gorm:"not null"`
	Amount    string         `gorm:"type:text;not null"`
	TxHash    string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_history_user_created,priority:2"`
	// Seq orders entries written within the same second.
	Seq       int64          `gorm:"not null;default:0"`
}

func (HistoryEntry) TableName() string { return "transaction_history" }

func (entry *HistoryEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// GameSession mirrors the game_sessions table. ServerSeed stays secret until Revealed.
type GameSession struct {
	SessionID       string `gorm:"primaryKey"`
	UserID          string `gorm:"not null;index:idx_sessions_user"`
	ServerSeed      string `gorm:"not null"`
	Commitment      string `gorm:"not null"`
	ClientSeed      string `gorm:"not null"`
	NextNonce       int64  `gorm:"not null;default:0"`
	Revealed        bool   `gorm:"not null;default:false"`
	CreatedUnixUTC  int64  `gorm:"not null"`
	RevealedUnixUTC int64  `gorm:"not null;default:0"`
}

func (GameSession) TableName() string { return "game_sessions" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Deposit{}, &LedgerCredit{}, &HistoryEntry{}, &GameSession{}}
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
