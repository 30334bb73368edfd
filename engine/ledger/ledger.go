// Package ledger is the single writer of Claims balances. Every balance
// change is an appended LedgerEntry; the materialized members.balance column
// is maintained in the same transaction and always equals the entry sum.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardshub/engine/events"
	"rewardshub/observability/metrics"
	"rewardshub/storage"
)

// Reason classifies a balance-changing event.
type Reason string

const (
	ReasonPurchase           Reason = "purchase"
	ReasonGiftSendHold       Reason = "gift_send_hold"
	ReasonGiftCancelRefund   Reason = "gift_cancel_refund"
	ReasonGiftClaimCredit    Reason = "gift_claim_credit"
	ReasonGiftExpireRefund   Reason = "gift_expire_refund"
	ReasonRedemptionDebit    Reason = "redemption_debit"
	ReasonSelectionSwapDebit Reason = "selection_swap_debit"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonGiftSendHold, ReasonGiftCancelRefund,
		ReasonGiftClaimCredit, ReasonGiftExpireRefund,
		ReasonRedemptionDebit, ReasonSelectionSwapDebit:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidAmount       = errors.New("ledger: delta must be non-zero")
	ErrInvalidReason       = errors.New("ledger: unknown reason")
	ErrInvalidCorrelation  = errors.New("ledger: correlation id required")
	ErrMemberNotFound      = errors.New("ledger: member not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrLockContention      = errors.New("ledger: lock contention, retry")
	ErrCorrelationConflict = errors.New("ledger: correlation id reused with different parameters")
	ErrCorruptBalance      = errors.New("ledger: materialized balance diverges from entry sum")
)

const defaultMaxRetries = 3

// Ledger applies balance-changing entries atomically and idempotently.
type Ledger struct {
	db         *gorm.DB
	emitter    events.Emitter
	maxRetries int
}

// New creates a ledger over the given database handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, emitter: events.NoopEmitter{}, maxRetries: defaultMaxRetries}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// Result reports a committed (or replayed) ledger application.
type Result struct {
	Entry      storage.LedgerEntry
	NewBalance int64
	Replayed   bool
}

// Apply appends a ledger entry for the member if the resulting balance stays
// non-negative. Replaying the same (correlationID, reason) pair returns the
// original entry without applying it again. Per-member serialization comes
// from a row lock on the member; contention surfaces as ErrLockContention
// after bounded retries.
func (l *Ledger) Apply(ctx context.Context, memberID uuid.UUID, delta int64, reason Reason, correlationID string) (*Result, error) {
	if delta == 0 {
		metrics.Engine().EntryRejected("invalid_amount")
		return nil, ErrInvalidAmount
	}
	if !reason.Valid() {
		metrics.Engine().EntryRejected("invalid_reason")
		return nil, ErrInvalidReason
	}
	if strings.TrimSpace(correlationID) == "" {
		metrics.Engine().EntryRejected("invalid_correlation")
		return nil, ErrInvalidCorrelation
	}

	var result *Result
	var err error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			result, txErr = l.ApplyTx(tx, memberID, delta, reason, correlationID)
			return txErr
		})
		if err == nil || !isRetryable(err) {
			break
		}
	}
	if err != nil {
		if isRetryable(err) {
			metrics.Engine().EntryRejected("lock_contention")
			return nil, fmt.Errorf("%w: %v", ErrLockContention, err)
		}
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.Engine().EntryRejected("insufficient_balance")
		}
		return nil, err
	}
	l.Publish(result)
	return result, nil
}

// ApplyTx is the transactional form of Apply for orchestrators that combine a
// balance change with other row mutations (stock decrements, swap updates) in
// one transaction. Validation, the member row lock, the non-negativity guard,
// and the idempotent replay all apply. Orchestrators must lock any other rows
// before calling ApplyTx so the member lock is always taken last, and must
// call Publish with the result once their transaction has committed.
func (l *Ledger) ApplyTx(tx *gorm.DB, memberID uuid.UUID, delta int64, reason Reason, correlationID string) (*Result, error) {
	if delta == 0 {
		return nil, ErrInvalidAmount
	}
	if !reason.Valid() {
		return nil, ErrInvalidReason
	}
	if strings.TrimSpace(correlationID) == "" {
		return nil, ErrInvalidCorrelation
	}

	var member storage.Member
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&member, "id = ?", memberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}

	var existing storage.LedgerEntry
	err := tx.First(&existing, "correlation_id = ? AND reason = ?", correlationID, string(reason)).Error
	switch {
	case err == nil:
		if existing.MemberID != memberID || existing.Delta != delta {
			return nil, ErrCorrelationConflict
		}
		return &Result{Entry: existing, NewBalance: member.Balance, Replayed: true}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	newBalance := member.Balance + delta
	if newBalance < 0 {
		return nil, ErrInsufficientBalance
	}
	entry := storage.LedgerEntry{
		ID:            uuid.New(),
		MemberID:      memberID,
		Delta:         delta,
		Reason:        string(reason),
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&storage.Member{}).Where("id = ?", memberID).
		Update("balance", newBalance).Error; err != nil {
		return nil, err
	}
	return &Result{Entry: entry, NewBalance: newBalance}, nil
}

// Publish records metrics and emits BalanceChanged for a committed result.
// ApplyTx cannot do this itself: the enclosing transaction may still roll
// back, and a rolled-back entry must not be announced. Apply publishes
// internally; orchestrators that call ApplyTx inside their own transaction
// call Publish once that transaction has committed. Replayed results were
// announced when first applied and are skipped.
func (l *Ledger) Publish(res *Result) {
	if res == nil || res.Replayed {
		return
	}
	metrics.Engine().EntryApplied(res.Entry.Reason)
	l.emitter.Emit(events.BalanceChanged{
		MemberID:   res.Entry.MemberID,
		Delta:      res.Entry.Delta,
		NewBalance: res.NewBalance,
		Reason:     res.Entry.Reason,
	})
}

// Balance reads the materialized balance. A negative value is data corruption
// and is reported as such rather than returned.
func (l *Ledger) Balance(ctx context.Context, memberID uuid.UUID) (int64, error) {
	var member storage.Member
	if err := l.db.WithContext(ctx).First(&member, "id = ?", memberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrMemberNotFound
		}
		return 0, err
	}
	if member.Balance < 0 {
		return 0, fmt.Errorf("%w: member %s has balance %d", ErrCorruptBalance, memberID, member.Balance)
	}
	return member.Balance, nil
}

// Entries returns the member's ledger history, oldest first.
func (l *Ledger) Entries(ctx context.Context, memberID uuid.UUID) ([]storage.LedgerEntry, error) {
	var entries []storage.LedgerEntry
	if err := l.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("created_at asc").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Audit recomputes the entry sum and compares it to the materialized balance.
func (l *Ledger) Audit(ctx context.Context, memberID uuid.UUID) error {
	var member storage.Member
	if err := l.db.WithContext(ctx).First(&member, "id = ?", memberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMemberNotFound
		}
		return err
	}
	var sum struct{ Total int64 }
	if err := l.db.WithContext(ctx).Model(&storage.LedgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS total").
		Where("member_id = ?", memberID).
		Scan(&sum).Error; err != nil {
		return err
	}
	if sum.Total != member.Balance || member.Balance < 0 {
		return fmt.Errorf("%w: member %s materialized=%d sum=%d", ErrCorruptBalance, memberID, member.Balance, sum.Total)
	}
	return nil
}

// isRetryable classifies storage errors that indicate transient contention.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy")
}
