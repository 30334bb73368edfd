// Package selection manages per-member reward slots: selecting into the
// allocation, swapping selections through the free/paid swap economy, and
// cadence-gated redemption.
package selection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardshub/engine/events"
	"rewardshub/engine/ledger"
	"rewardshub/observability/metrics"
	"rewardshub/storage"
)

var (
	ErrNotFound         = errors.New("selection: not found")
	ErrProgramNotFound  = errors.New("selection: member has no program")
	ErrRewardNotFound   = errors.New("selection: reward not found")
	ErrRewardInactive   = errors.New("selection: reward not active")
	ErrNoSlotsAvailable = errors.New("selection: no slots available")
	ErrNotRedeemable    = errors.New("selection: already redeemed in current window")
	ErrOutOfStock       = errors.New("selection: reward out of stock")
	ErrNotOwner         = errors.New("selection: selection belongs to another member")
)

// Engine drives slot allocation and the cadence state machine.
type Engine struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	params  Params
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine creates a selection engine. Params are normalized with defaults.
func NewEngine(db *gorm.DB, claims *ledger.Ledger, params Params) (*Engine, error) {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		db:      db,
		ledger:  claims,
		params:  params,
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Select binds a reward into one of the member's slots. Give-back rewards
// bypass the slot capacity check entirely.
func (e *Engine) Select(ctx context.Context, memberID, rewardID uuid.UUID) (*storage.RewardSelection, error) {
	var created storage.RewardSelection
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := lockProgram(tx, memberID)
		if err != nil {
			return err
		}
		r, err := loadReward(tx, rewardID, false)
		if err != nil {
			return err
		}
		if !r.IsGiveback {
			used, err := countSlotted(tx, memberID)
			if err != nil {
				return err
			}
			if used >= int64(program.TotalSlots+program.BonusSlots) {
				return ErrNoSlotsAvailable
			}
		}
		created = storage.RewardSelection{
			ID:         uuid.New(),
			MemberID:   memberID,
			RewardID:   rewardID,
			IsGiveback: r.IsGiveback,
			CreatedAt:  e.nowFn(),
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Swap replaces a selection's reward. With useFreeSwap and quota remaining the
// swap is free; otherwise the fixed swap cost is charged through the ledger.
// The charge's correlation id is derived from the selection and its swap
// ordinal, so a retried call replays rather than double-charging. Swapping
// resets the cadence state: the binding to the new reward starts fresh.
func (e *Engine) Swap(ctx context.Context, memberID, selectionID, newRewardID uuid.UUID, useFreeSwap bool) (*storage.RewardSelection, error) {
	now := e.nowFn()
	var (
		updated storage.RewardSelection
		free    bool
		charged int64
		debit   *ledger.Result
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, err := lockProgram(tx, memberID)
		if err != nil {
			return err
		}
		sel, err := lockSelection(tx, selectionID)
		if err != nil {
			return err
		}
		if sel.MemberID != memberID {
			return ErrNotOwner
		}
		r, err := loadReward(tx, newRewardID, false)
		if err != nil {
			return err
		}
		if sel.IsGiveback && !r.IsGiveback {
			// Moving out of a give-back binding claims a real slot.
			used, err := countSlotted(tx, memberID)
			if err != nil {
				return err
			}
			if used >= int64(program.TotalSlots+program.BonusSlots) {
				return ErrNoSlotsAvailable
			}
		}

		free = useFreeSwap && program.FreeSwapsRemaining > 0
		if free {
			if err := tx.Model(&storage.SelectionProgram{}).
				Where("member_id = ?", memberID).
				Update("free_swaps_remaining", program.FreeSwapsRemaining-1).Error; err != nil {
				return err
			}
		} else if e.params.SwapCost > 0 {
			correlation := fmt.Sprintf("%s:swap:%d", sel.ID, sel.SwapCount+1)
			res, err := e.ledger.ApplyTx(tx, memberID, -e.params.SwapCost, ledger.ReasonSelectionSwapDebit, correlation)
			if err != nil {
				return err
			}
			debit = res
			charged = e.params.SwapCost
		}

		updates := map[string]interface{}{
			"reward_id":        newRewardID,
			"is_giveback":      r.IsGiveback,
			"swap_count":       sel.SwapCount + 1,
			"redemption_count": 0,
			"last_redeemed_at": nil,
			"updated_at":       now,
		}
		if err := tx.Model(&storage.RewardSelection{}).Where("id = ?", sel.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		updated = *sel
		updated.RewardID = newRewardID
		updated.IsGiveback = r.IsGiveback
		updated.SwapCount = sel.SwapCount + 1
		updated.RedemptionCount = 0
		updated.LastRedeemedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.ledger.Publish(debit)
	if !free && charged > 0 {
		metrics.Engine().PaidSwap()
	}
	e.emitter.Emit(events.SelectionSwapped{
		SelectionID: updated.ID,
		MemberID:    memberID,
		NewRewardID: newRewardID,
		FreeSwap:    free,
		CostCharged: charged,
	})
	return &updated, nil
}

// Redeem consumes the selection's right-to-redeem for the current cadence
// window. It never touches the Claims balance, but a reward with finite stock
// is decremented atomically, failing with ErrOutOfStock at zero.
func (e *Engine) Redeem(ctx context.Context, memberID, selectionID uuid.UUID) (*storage.RewardSelection, error) {
	now := e.nowFn()
	var (
		updated storage.RewardSelection
		cadence string
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel, err := lockSelection(tx, selectionID)
		if err != nil {
			return err
		}
		if sel.MemberID != memberID {
			return ErrNotOwner
		}
		r, err := loadReward(tx, sel.RewardID, true)
		if err != nil {
			return err
		}
		cadence = r.Cadence
		if !Redeemable(sel, r.Cadence, now) {
			return ErrNotRedeemable
		}
		if r.StockQuantity != nil {
			if *r.StockQuantity <= 0 {
				return ErrOutOfStock
			}
			if err := tx.Model(&storage.Reward{}).Where("id = ?", r.ID).
				Update("stock_quantity", gorm.Expr("stock_quantity - 1")).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&storage.RewardSelection{}).Where("id = ?", sel.ID).
			Updates(map[string]interface{}{
				"redemption_count": sel.RedemptionCount + 1,
				"last_redeemed_at": now,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}
		updated = *sel
		updated.RedemptionCount = sel.RedemptionCount + 1
		updated.LastRedeemedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Engine().SelectionRedeemed(cadence)
	e.emitter.Emit(events.SelectionRedeemed{
		SelectionID: updated.ID,
		MemberID:    memberID,
		RewardID:    updated.RewardID,
		Cadence:     cadence,
	})
	return &updated, nil
}

// Selections lists the member's current selections.
func (e *Engine) Selections(ctx context.Context, memberID uuid.UUID) ([]storage.RewardSelection, error) {
	var out []storage.RewardSelection
	if err := e.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("created_at asc").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Program loads the member's slot allocation.
func (e *Engine) Program(ctx context.Context, memberID uuid.UUID) (*storage.SelectionProgram, error) {
	var program storage.SelectionProgram
	if err := e.db.WithContext(ctx).First(&program, "member_id = ?", memberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

func lockProgram(tx *gorm.DB, memberID uuid.UUID) (*storage.SelectionProgram, error) {
	var program storage.SelectionProgram
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&program, "member_id = ?", memberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

func lockSelection(tx *gorm.DB, selectionID uuid.UUID) (*storage.RewardSelection, error) {
	var sel storage.RewardSelection
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sel, "id = ?", selectionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sel, nil
}

func loadReward(tx *gorm.DB, rewardID uuid.UUID, lock bool) (*storage.Reward, error) {
	query := tx
	if lock {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r storage.Reward
	if err := query.First(&r, "id = ?", rewardID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRewardNotFound
		}
		return nil, err
	}
	if !r.Active {
		return nil, ErrRewardInactive
	}
	return &r, nil
}

func countSlotted(tx *gorm.DB, memberID uuid.UUID) (int64, error) {
	var used int64
	err := tx.Model(&storage.RewardSelection{}).
		Where("member_id = ? AND is_giveback = ?", memberID, false).
		Count(&used).Error
	return used, err
}
