package events

import (
	"strconv"

	"github.com/google/uuid"
)

const (
	TypeBalanceChanged    = "ledger.balance_changed"
	TypeGiftCreated       = "gift.created"
	TypeGiftClaimed       = "gift.claimed"
	TypeGiftCancelled     = "gift.cancelled"
	TypeGiftExpired       = "gift.expired"
	TypeSelectionRedeemed = "selection.redeemed"
	TypeSelectionSwapped  = "selection.swapped"
)

// BalanceChanged is emitted after every committed ledger entry.
type BalanceChanged struct {
	MemberID   uuid.UUID
	Delta      int64
	NewBalance int64
	Reason     string
}

func (BalanceChanged) EventType() string { return TypeBalanceChanged }

// Attributes flattens the event for subscribers that only handle string maps.
func (e BalanceChanged) Attributes() map[string]string {
	return map[string]string{
		"member":     e.MemberID.String(),
		"delta":      strconv.FormatInt(e.Delta, 10),
		"newBalance": strconv.FormatInt(e.NewBalance, 10),
		"reason":     e.Reason,
	}
}

type GiftCreated struct {
	GiftID    uuid.UUID
	SenderID  uuid.UUID
	Amount    int64
	ExpiresAt int64
}

func (GiftCreated) EventType() string { return TypeGiftCreated }

type GiftClaimed struct {
	GiftID    uuid.UUID
	SenderID  uuid.UUID
	ClaimerID uuid.UUID
	Amount    int64
}

func (GiftClaimed) EventType() string { return TypeGiftClaimed }

type GiftCancelled struct {
	GiftID   uuid.UUID
	SenderID uuid.UUID
	Amount   int64
}

func (GiftCancelled) EventType() string { return TypeGiftCancelled }

// GiftExpired is emitted by the housekeeping sweep, not by failed claims.
type GiftExpired struct {
	GiftID   uuid.UUID
	SenderID uuid.UUID
	Amount   int64
	Refunded bool
}

func (GiftExpired) EventType() string { return TypeGiftExpired }

type SelectionRedeemed struct {
	SelectionID uuid.UUID
	MemberID    uuid.UUID
	RewardID    uuid.UUID
	Cadence     string
}

func (SelectionRedeemed) EventType() string { return TypeSelectionRedeemed }

type SelectionSwapped struct {
	SelectionID uuid.UUID
	MemberID    uuid.UUID
	NewRewardID uuid.UUID
	FreeSwap    bool
	CostCharged int64
}

func (SelectionSwapped) EventType() string { return TypeSelectionSwapped }
