package gift

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rewardshub/engine/events"
	"rewardshub/engine/ledger"
	"rewardshub/storage"
)

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(ev events.Event) {
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) balanceChanges() []events.BalanceChanged {
	var out []events.BalanceChanged
	for _, ev := range r.events {
		if bc, ok := ev.(events.BalanceChanged); ok {
			out = append(out, bc)
		}
	}
	return out
}

type fixture struct {
	db     *gorm.DB
	claims *ledger.Ledger
	gifts  *Engine
	now    time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	claims := ledger.New(db)
	gifts := NewEngine(db, claims)
	f := &fixture{db: db, claims: claims, gifts: gifts, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	gifts.SetNowFunc(func() time.Time { return f.now })
	return f
}

func (f *fixture) member(t *testing.T, balance int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := f.db.Create(&storage.Member{ID: id, Email: id.String() + "@example.com"}).Error; err != nil {
		t.Fatalf("create member: %v", err)
	}
	if balance > 0 {
		if _, err := f.claims.Apply(context.Background(), id, balance, ledger.ReasonPurchase, "seed-"+id.String()); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return id
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	balance, err := f.claims.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

// giftEntrySum totals every ledger entry correlated to the gift, across all
// members. Conservation means this is either -amount (held) or zero (settled).
func (f *fixture) giftEntrySum(t *testing.T, giftID uuid.UUID) int64 {
	t.Helper()
	var sum struct{ Total int64 }
	err := f.db.Model(&storage.LedgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS total").
		Where("correlation_id = ?", giftID.String()).
		Scan(&sum).Error
	if err != nil {
		t.Fatalf("sum gift entries: %v", err)
	}
	return sum.Total
}

func TestSendHoldsAndCancelRefunds(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)

	g, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 30, "enjoy")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if g.Status != storage.GiftStatusPending {
		t.Fatalf("expected pending, got %s", g.Status)
	}
	if f.balance(t, sender) != 70 {
		t.Fatalf("expected balance 70 after hold, got %d", f.balance(t, sender))
	}
	if f.giftEntrySum(t, g.ID) != -30 {
		t.Fatalf("expected held -30, got %d", f.giftEntrySum(t, g.ID))
	}

	cancelled, err := f.gifts.Cancel(context.Background(), g.ID, sender)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != storage.GiftStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if f.balance(t, sender) != 100 {
		t.Fatalf("expected refund to 100, got %d", f.balance(t, sender))
	}
	if f.giftEntrySum(t, g.ID) != 0 {
		t.Fatalf("expected settled gift, got %d", f.giftEntrySum(t, g.ID))
	}

	// Cancelled is terminal.
	if _, err := f.gifts.Cancel(context.Background(), g.ID, sender); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestSendInsufficientBalanceLeavesNoGift(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 10)

	_, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 30, "")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.balance(t, sender) != 10 {
		t.Fatalf("balance must be untouched, got %d", f.balance(t, sender))
	}
	var count int64
	if err := f.db.Model(&storage.Gift{}).Count(&count).Error; err != nil {
		t.Fatalf("count gifts: %v", err)
	}
	if count != 0 {
		t.Fatalf("no gift record may reach pending, found %d", count)
	}
}

func TestSendValidation(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)

	if _, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.gifts.Send(context.Background(), sender, "not-an-email", 10, ""); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	if _, err := f.gifts.Send(context.Background(), sender, "Name <a@b.example>", 10, ""); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("display names are not bare addresses, got %v", err)
	}
}

func TestClaimCreditsRecipient(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)
	recipient := f.member(t, 0)

	g, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 40, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	claimed, err := f.gifts.Claim(context.Background(), g.Code, recipient)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != storage.GiftStatusClaimed {
		t.Fatalf("expected claimed, got %s", claimed.Status)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != recipient {
		t.Fatal("claim must record the claiming member")
	}
	if f.balance(t, recipient) != 40 {
		t.Fatalf("expected recipient credited 40, got %d", f.balance(t, recipient))
	}
	if f.giftEntrySum(t, g.ID) != 0 {
		t.Fatalf("expected settled gift, got %d", f.giftEntrySum(t, g.ID))
	}

	// Claimed is terminal: no cancel, no second claim.
	if _, err := f.gifts.Cancel(context.Background(), g.ID, sender); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.gifts.Claim(context.Background(), g.Code, recipient); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestClaimUnknownMemberRollsBackTransition(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)
	rec := &recordingEmitter{}
	f.claims.SetEmitter(rec)

	g, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 40, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	held := len(rec.balanceChanges())

	// The credit leg fails, so the claimed transition must not commit.
	_, err = f.gifts.Claim(context.Background(), g.Code, uuid.New())
	if !errors.Is(err, ledger.ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
	stored, err := f.gifts.Get(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != storage.GiftStatusPending {
		t.Fatalf("failed claim must leave the gift pending, got %s", stored.Status)
	}
	if stored.ClaimedAt != nil || stored.ClaimedBy != nil {
		t.Fatal("failed claim must not record claim fields")
	}
	if got := len(rec.balanceChanges()); got != held {
		t.Fatalf("rolled-back claim must not emit balance events, got %d extra", got-held)
	}

	// The gift is still claimable by a real member.
	recipient := f.member(t, 0)
	if _, err := f.gifts.Claim(context.Background(), g.Code, recipient); err != nil {
		t.Fatalf("claim after rollback: %v", err)
	}
	if f.balance(t, recipient) != 40 {
		t.Fatalf("expected credited 40, got %d", f.balance(t, recipient))
	}
}

func TestCancelOnlyBySender(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)
	other := f.member(t, 0)

	g, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 10, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.gifts.Cancel(context.Background(), g.ID, other); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClaimPastDeadlineExpiresWithoutRefund(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)
	recipient := f.member(t, 0)

	g, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 25, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	f.now = f.now.Add(TTL + time.Hour)
	if _, err := f.gifts.Claim(context.Background(), g.Code, recipient); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	stored, err := f.gifts.Get(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != storage.GiftStatusExpired {
		t.Fatalf("late claim must mark expired, got %s", stored.Status)
	}
	// The claim path never refunds; the hold stays until the sweep runs.
	if f.balance(t, sender) != 75 {
		t.Fatalf("expected hold still in place, got %d", f.balance(t, sender))
	}
}

func TestExpirePendingRefundsOnce(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)

	g, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 25, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	f.now = f.now.Add(TTL + time.Hour)
	expired, err := f.gifts.ExpirePending(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}
	if f.balance(t, sender) != 100 {
		t.Fatalf("expected refund to 100, got %d", f.balance(t, sender))
	}
	if f.giftEntrySum(t, g.ID) != 0 {
		t.Fatalf("expected settled gift, got %d", f.giftEntrySum(t, g.ID))
	}

	// A second sweep finds nothing and credits nothing.
	expired, err = f.gifts.ExpirePending(context.Background(), 10)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected idle sweep, got %d", expired)
	}
	if f.balance(t, sender) != 100 {
		t.Fatalf("double refund detected, balance %d", f.balance(t, sender))
	}
}

func TestSweepRefundsGiftExpiredByLateClaim(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)
	recipient := f.member(t, 0)

	g, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 25, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.now = f.now.Add(TTL + time.Hour)
	if _, err := f.gifts.Claim(context.Background(), g.Code, recipient); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	if _, err := f.gifts.ExpirePending(context.Background(), 10); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.balance(t, sender) != 100 {
		t.Fatalf("expected sweep refund, got %d", f.balance(t, sender))
	}
	if f.balance(t, recipient) != 0 {
		t.Fatalf("recipient must not be credited, got %d", f.balance(t, recipient))
	}
}

func TestSweepLeavesUnexpiredGiftsAlone(t *testing.T) {
	f := setup(t)
	sender := f.member(t, 100)

	if _, err := f.gifts.Send(context.Background(), sender, "friend@example.com", 25, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	expired, err := f.gifts.ExpirePending(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected no expiries, got %d", expired)
	}
	if f.balance(t, sender) != 75 {
		t.Fatalf("hold must remain, got %d", f.balance(t, sender))
	}
}

func TestGiftCodeShape(t *testing.T) {
	code, err := newCode()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code) != 11 || code[5] != '-' {
		t.Fatalf("unexpected code shape %q", code)
	}
	for i, c := range code {
		if i == 5 {
			continue
		}
		switch c {
		case 'I', 'L', 'O', 'U', '0', '1':
			t.Fatalf("ambiguous character %q in code %q", c, code)
		}
	}
}
