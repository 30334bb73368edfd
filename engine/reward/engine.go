// Package reward resolves catalog pricing per status tier and performs claim
// redemptions: an idempotent Claims debit plus an atomic stock decrement.
package reward

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardshub/engine"
	"rewardshub/engine/events"
	"rewardshub/engine/ledger"
	"rewardshub/engine/tier"
	"rewardshub/storage"
)

var (
	ErrNotFound   = errors.New("reward: not found")
	ErrInactive   = errors.New("reward: not active")
	ErrIneligible = errors.New("reward: status tier requirement not met")
	ErrOutOfStock = errors.New("reward: out of stock")
)

// Engine claims catalog rewards against the Claims ledger.
type Engine struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	emitter events.Emitter
}

// NewEngine creates a reward engine with a no-op emitter.
func NewEngine(db *gorm.DB, claims *ledger.Ledger) *Engine {
	return &Engine{db: db, ledger: claims, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Get loads a reward by id.
func (e *Engine) Get(ctx context.Context, rewardID uuid.UUID) (*storage.Reward, error) {
	var r storage.Reward
	if err := e.db.WithContext(ctx).First(&r, "id = ?", rewardID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// Quote resolves price and eligibility for the acting member.
func (e *Engine) Quote(ctx context.Context, member engine.MemberContext, rewardID uuid.UUID, ladder *tier.Ladder) (Quote, error) {
	r, err := e.Get(ctx, rewardID)
	if err != nil {
		return Quote{}, err
	}
	return QuoteFor(r, ladder, member.TierName)
}

// Receipt reports a committed claim.
type Receipt struct {
	RewardID   uuid.UUID
	Price      int64
	NewBalance int64
	Replayed   bool
}

// Claim redeems a catalog reward for the member: debit the resolved price and
// decrement stock in one transaction. Every committed claim writes a
// Redemption record keyed by the correlation id, so a retried claim replays
// the prior outcome instead of charging or decrementing stock again. Free
// claims (tier override 0) have no ledger entry, which is exactly why the
// record, not the debit, carries the idempotency. Stock is locked before the
// member row so lock order stays uniform across the engines.
func (e *Engine) Claim(ctx context.Context, member engine.MemberContext, rewardID uuid.UUID, ladder *tier.Ladder, correlationID string) (*Receipt, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, ledger.ErrInvalidCorrelation
	}
	var (
		receipt Receipt
		debit   *ledger.Result
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r storage.Reward
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&r, "id = ?", rewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !r.Active {
			return ErrInactive
		}
		quote, err := QuoteFor(&r, ladder, member.TierName)
		if err != nil {
			return err
		}
		if !quote.Eligible {
			return ErrIneligible
		}

		var prior storage.Redemption
		err = tx.First(&prior, "correlation_id = ?", correlationID).Error
		switch {
		case err == nil:
			if prior.MemberID != member.MemberID || prior.RewardID != rewardID {
				return ledger.ErrCorrelationConflict
			}
			balance, balErr := memberBalance(tx, member.MemberID)
			if balErr != nil {
				return balErr
			}
			receipt = Receipt{RewardID: rewardID, Price: prior.Price, NewBalance: balance, Replayed: true}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if r.StockQuantity != nil {
			if *r.StockQuantity <= 0 {
				return ErrOutOfStock
			}
			if err := tx.Model(&storage.Reward{}).Where("id = ?", rewardID).
				Update("stock_quantity", gorm.Expr("stock_quantity - 1")).Error; err != nil {
				return err
			}
		}

		balance := int64(0)
		if quote.Price > 0 {
			result, err := e.ledger.ApplyTx(tx, member.MemberID, -quote.Price, ledger.ReasonRedemptionDebit, correlationID)
			if err != nil {
				return err
			}
			debit = result
			balance = result.NewBalance
		} else {
			var err error
			balance, err = memberBalance(tx, member.MemberID)
			if err != nil {
				return err
			}
		}
		record := storage.Redemption{
			ID:            uuid.New(),
			MemberID:      member.MemberID,
			RewardID:      rewardID,
			CorrelationID: correlationID,
			Price:         quote.Price,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		receipt = Receipt{RewardID: rewardID, Price: quote.Price, NewBalance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.ledger.Publish(debit)
	return &receipt, nil
}

func memberBalance(tx *gorm.DB, memberID uuid.UUID) (int64, error) {
	var member storage.Member
	if err := tx.First(&member, "id = ?", memberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ledger.ErrMemberNotFound
		}
		return 0, err
	}
	return member.Balance, nil
}
