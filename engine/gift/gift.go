// Package gift orchestrates peer-to-peer Claims transfers: the sender's
// balance is held on send and released by exactly one of claim, cancel, or the
// expiry sweep. Status transitions are one-directional; terminal states
// absorb.
package gift

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardshub/engine/events"
	"rewardshub/engine/ledger"
	"rewardshub/observability/logging"
	"rewardshub/observability/metrics"
	"rewardshub/storage"
)

var (
	ErrNotFound         = errors.New("gift: not found")
	ErrInvalidAmount    = errors.New("gift: amount must be positive")
	ErrInvalidRecipient = errors.New("gift: recipient email is not valid")
	ErrInvalidState     = errors.New("gift: invalid state for operation")
	ErrUnauthorized     = errors.New("gift: only the sender may cancel")
	ErrExpired          = errors.New("gift: expired")
)

// TTL is the window a pending gift stays claimable.
const TTL = 30 * 24 * time.Hour

// Engine drives the gift state machine on top of the Claims ledger. Status
// transitions and their ledger legs commit in one transaction; a gift can
// never be observed in a terminal state with its hold unsettled.
type Engine struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine creates a gift engine with a no-op emitter.
func NewEngine(db *gorm.DB, claims *ledger.Ledger) *Engine {
	return &Engine{
		db:      db,
		ledger:  claims,
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
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

// Send holds the amount from the sender's balance and issues a shareable gift
// code valid for 30 days. The gift row and the hold commit together.
func (e *Engine) Send(ctx context.Context, senderID uuid.UUID, recipientEmail string, amount int64, message string) (*storage.Gift, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	email, err := normalizeEmail(recipientEmail)
	if err != nil {
		return nil, err
	}

	giftID := uuid.New()
	code, err := newCode()
	if err != nil {
		return nil, fmt.Errorf("gift: generate code: %w", err)
	}

	now := e.nowFn()
	record := storage.Gift{
		ID:             giftID,
		SenderID:       senderID,
		RecipientEmail: email,
		Amount:         amount,
		Message:        strings.TrimSpace(message),
		Status:         storage.GiftStatusPending,
		Code:           code,
		CreatedAt:      now,
		ExpiresAt:      now.Add(TTL),
	}
	var hold *ledger.Result
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		res, err := e.ledger.ApplyTx(tx, senderID, -amount, ledger.ReasonGiftSendHold, giftID.String())
		if err != nil {
			return err
		}
		hold = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.ledger.Publish(hold)
	metrics.Engine().GiftTransition(storage.GiftStatusPending)
	slog.Info("gift created",
		"gift", giftID,
		"recipient", logging.MaskEmail(email),
		logging.MaskCode("code"),
		"amount", amount,
	)
	e.emitter.Emit(events.GiftCreated{
		GiftID:    giftID,
		SenderID:  senderID,
		Amount:    amount,
		ExpiresAt: record.ExpiresAt.Unix(),
	})
	return &record, nil
}

// Cancel transitions a pending gift to cancelled and refunds the sender in
// the same transaction. Only the original sender may cancel.
func (e *Engine) Cancel(ctx context.Context, giftID, callerID uuid.UUID) (*storage.Gift, error) {
	var (
		record *storage.Gift
		refund *ledger.Result
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := lockGift(tx, "id = ?", giftID)
		if err != nil {
			return err
		}
		if g.Status != storage.GiftStatusPending {
			return ErrInvalidState
		}
		if g.SenderID != callerID {
			return ErrUnauthorized
		}
		if err := tx.Model(&storage.Gift{}).Where("id = ?", g.ID).
			Update("status", storage.GiftStatusCancelled).Error; err != nil {
			return err
		}
		res, err := e.ledger.ApplyTx(tx, g.SenderID, g.Amount, ledger.ReasonGiftCancelRefund, g.ID.String())
		if err != nil {
			return err
		}
		refund = res
		g.Status = storage.GiftStatusCancelled
		record = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.ledger.Publish(refund)
	metrics.Engine().GiftTransition(storage.GiftStatusCancelled)
	e.emitter.Emit(events.GiftCancelled{GiftID: record.ID, SenderID: record.SenderID, Amount: record.Amount})
	return record, nil
}

// Claim redeems a pending gift by its code and credits the claiming member,
// committing the transition and the credit together. A claim attempt past the
// deadline marks the gift expired and fails; the expired transition commits
// even though the claim does not, and the refund belongs to the expiry sweep,
// never to the claim path.
func (e *Engine) Claim(ctx context.Context, code string, claimerID uuid.UUID) (*storage.Gift, error) {
	now := e.nowFn()
	var (
		record *storage.Gift
		credit *ledger.Result
		lapsed bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := lockGift(tx, "code = ?", normalizeCode(code))
		if err != nil {
			return err
		}
		if g.Status != storage.GiftStatusPending {
			return ErrInvalidState
		}
		record = g
		if !now.Before(g.ExpiresAt) {
			lapsed = true
			g.Status = storage.GiftStatusExpired
			return tx.Model(&storage.Gift{}).Where("id = ?", g.ID).
				Update("status", storage.GiftStatusExpired).Error
		}
		if err := tx.Model(&storage.Gift{}).Where("id = ?", g.ID).Updates(map[string]interface{}{
			"status":     storage.GiftStatusClaimed,
			"claimed_at": now,
			"claimed_by": claimerID,
		}).Error; err != nil {
			return err
		}
		res, err := e.ledger.ApplyTx(tx, claimerID, g.Amount, ledger.ReasonGiftClaimCredit, g.ID.String())
		if err != nil {
			return err
		}
		credit = res
		g.Status = storage.GiftStatusClaimed
		g.ClaimedAt = &now
		g.ClaimedBy = &claimerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lapsed {
		metrics.Engine().GiftTransition(storage.GiftStatusExpired)
		slog.Info("gift claim past deadline", "gift", record.ID, logging.MaskCode("code"))
		return nil, ErrExpired
	}
	e.ledger.Publish(credit)
	metrics.Engine().GiftTransition(storage.GiftStatusClaimed)
	e.emitter.Emit(events.GiftClaimed{
		GiftID:    record.ID,
		SenderID:  record.SenderID,
		ClaimerID: claimerID,
		Amount:    record.Amount,
	})
	return record, nil
}

// ExpirePending is the housekeeping sweep: it expires pending gifts past
// their deadline and refunds the sender once per gift, each gift settled in
// its own transaction. Gifts already marked expired by a late claim attempt
// are picked up for their refund too; the ledger's idempotency keeps the
// credit single even across overlapping sweeps.
func (e *Engine) ExpirePending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := e.nowFn()
	var candidates []storage.Gift
	err := e.db.WithContext(ctx).
		Where("(status = ? AND expires_at <= ?) OR (status = ? AND refunded_at IS NULL)",
			storage.GiftStatusPending, now, storage.GiftStatusExpired).
		Order("expires_at asc").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, g := range candidates {
		var (
			refund       *ledger.Result
			transitioned bool
			skip         bool
		)
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := lockGift(tx, "id = ?", g.ID)
			if err != nil {
				return err
			}
			switch locked.Status {
			case storage.GiftStatusPending:
				if locked.ExpiresAt.After(now) {
					skip = true
					return nil
				}
				if err := tx.Model(&storage.Gift{}).Where("id = ?", locked.ID).
					Update("status", storage.GiftStatusExpired).Error; err != nil {
					return err
				}
				transitioned = true
			case storage.GiftStatusExpired:
				if locked.RefundedAt != nil {
					skip = true
					return nil
				}
			default:
				// Claimed or cancelled between listing and locking.
				skip = true
				return nil
			}
			res, err := e.ledger.ApplyTx(tx, locked.SenderID, locked.Amount, ledger.ReasonGiftExpireRefund, locked.ID.String())
			if err != nil {
				return err
			}
			refund = res
			return tx.Model(&storage.Gift{}).Where("id = ?", locked.ID).
				Update("refunded_at", now).Error
		})
		if err != nil {
			return expired, err
		}
		if skip {
			continue
		}
		if transitioned {
			metrics.Engine().GiftTransition(storage.GiftStatusExpired)
		}
		e.ledger.Publish(refund)
		expired++
		slog.Info("gift expired and refunded",
			"gift", g.ID,
			"recipient", logging.MaskEmail(g.RecipientEmail),
			"amount", g.Amount,
		)
		e.emitter.Emit(events.GiftExpired{
			GiftID:   g.ID,
			SenderID: g.SenderID,
			Amount:   g.Amount,
			Refunded: !refund.Replayed,
		})
	}
	metrics.Engine().ExpirySweep(expired)
	return expired, nil
}

// Get loads a gift by id.
func (e *Engine) Get(ctx context.Context, giftID uuid.UUID) (*storage.Gift, error) {
	var g storage.Gift
	if err := e.db.WithContext(ctx).First(&g, "id = ?", giftID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// BySender lists a member's sent gifts, newest first.
func (e *Engine) BySender(ctx context.Context, senderID uuid.UUID) ([]storage.Gift, error) {
	var gifts []storage.Gift
	if err := e.db.WithContext(ctx).
		Where("sender_id = ?", senderID).
		Order("created_at desc").
		Find(&gifts).Error; err != nil {
		return nil, err
	}
	return gifts, nil
}

func lockGift(tx *gorm.DB, query string, arg interface{}) (*storage.Gift, error) {
	var g storage.Gift
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&g, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidRecipient
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Name != "" || parsed.Address != trimmed {
		return "", ErrInvalidRecipient
	}
	return strings.ToLower(parsed.Address), nil
}

// codeAlphabet excludes characters that read ambiguously when shared aloud.
const codeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

func newCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, 0, 11)
	for i, b := range raw {
		if i == 5 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
