package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Gift workflow states.
const (
	GiftStatusPending   = "pending"
	GiftStatusClaimed   = "claimed"
	GiftStatusCancelled = "cancelled"
	GiftStatusExpired   = "expired"
)

// Redemption cadences for slot-program rewards.
const (
	CadenceDaily     = "daily"
	CadenceMonthly   = "monthly"
	CadenceQuarterly = "quarterly"
	CadenceAnnual    = "annual"
	CadenceOneTime   = "one_time"
)

// Member holds the materialized Claims balance and the locked-token position.
// The balance column is written only by the ledger and always equals the sum
// of the member's ledger entries.
type Member struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"uniqueIndex"`
	Balance      int64     `gorm:"not null;default:0"`
	LockedAmount int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LedgerEntry is an immutable balance-change record. Rows are appended, never
// updated or deleted; corrections are offsetting entries. The composite unique
// index on (correlation_id, reason) is what makes retried operations
// idempotent.
type LedgerEntry struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	MemberID      uuid.UUID `gorm:"type:uuid;index;not null"`
	Delta         int64     `gorm:"not null"`
	Reason        string    `gorm:"not null;uniqueIndex:idx_ledger_correlation"`
	CorrelationID string    `gorm:"not null;uniqueIndex:idx_ledger_correlation"`
	CreatedAt     time.Time
}

// Gift is a peer-to-peer Claims transfer held in escrow until claimed,
// cancelled, or expired. The recipient is addressed by email and resolved to a
// member only at claim time.
type Gift struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SenderID       uuid.UUID `gorm:"type:uuid;index;not null"`
	RecipientEmail string    `gorm:"not null"`
	Amount         int64     `gorm:"not null"`
	Message        string
	Status         string `gorm:"index;not null"`
	Code           string `gorm:"uniqueIndex;not null"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
	ClaimedAt      *time.Time
	ClaimedBy      *uuid.UUID `gorm:"type:uuid"`
	RefundedAt     *time.Time
}

// Reward is admin-owned catalog configuration referenced read-only by the
// engine, except for the stock counter which redemptions decrement under a row
// lock. TierPrices carries the per-tier override table serialized as JSON; it
// is parsed and validated against the ladder before use, never passed through
// as an open map.
type Reward struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"not null"`
	Cost          int64     `gorm:"not null"`
	MinStatusTier string
	TierPrices    string `gorm:"type:text"`
	StockQuantity *int64
	Active        bool   `gorm:"not null"`
	Cadence       string `gorm:"index"`
	IsGiveback    bool   `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Redemption records each committed catalog claim keyed by the caller's
// correlation id. It is what makes retried claims replay even when the
// resolved price is zero and no ledger entry exists to detect them by.
type Redemption struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	MemberID      uuid.UUID `gorm:"type:uuid;index;not null"`
	RewardID      uuid.UUID `gorm:"type:uuid;not null"`
	CorrelationID string    `gorm:"uniqueIndex;not null"`
	Price         int64     `gorm:"not null"`
	CreatedAt     time.Time
}

// SelectionProgram tracks a member's slot allocation within a reward program.
type SelectionProgram struct {
	MemberID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TotalSlots         int       `gorm:"not null"`
	BonusSlots         int       `gorm:"not null;default:0"`
	FreeSwapsRemaining int       `gorm:"not null;default:0"`
	LockedAmount       int64     `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RewardSelection binds a member's slot to a reward. Give-back selections do
// not count against the slot allocation.
type RewardSelection struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	MemberID        uuid.UUID `gorm:"type:uuid;index;not null"`
	RewardID        uuid.UUID `gorm:"type:uuid;index;not null"`
	RedemptionCount int       `gorm:"not null;default:0"`
	SwapCount       int       `gorm:"not null;default:0"`
	LastRedeemedAt  *time.Time
	IsGiveback      bool `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StatusTierRecord is the durable form of a ladder rung. Benefits are stored
// as a JSON array of strings.
type StatusTierRecord struct {
	Name      string `gorm:"primaryKey"`
	Label     string
	MinLocked int64 `gorm:"not null"`
	SortOrder int   `gorm:"not null;uniqueIndex"`
	Benefits  string
}

// Migrate creates or updates the engine's durable schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Member{},
		&LedgerEntry{},
		&Gift{},
		&Reward{},
		&Redemption{},
		&SelectionProgram{},
		&RewardSelection{},
		&StatusTierRecord{},
	)
}
