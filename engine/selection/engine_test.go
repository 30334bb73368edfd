package selection

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rewardshub/engine/ledger"
	"rewardshub/storage"
)

type fixture struct {
	db         *gorm.DB
	claims     *ledger.Ledger
	selections *Engine
	now        time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, storage.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	claims := ledger.New(db)
	selections, err := NewEngine(db, claims, Params{SwapCost: 25})
	require.NoError(t, err)
	f := &fixture{db: db, claims: claims, selections: selections, now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	selections.SetNowFunc(func() time.Time { return f.now })
	return f
}

func (f *fixture) member(t *testing.T, balance int64, totalSlots, bonusSlots, freeSwaps int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.db.Create(&storage.Member{ID: id, Email: id.String() + "@example.com"}).Error)
	if balance > 0 {
		_, err := f.claims.Apply(context.Background(), id, balance, ledger.ReasonPurchase, "seed-"+id.String())
		require.NoError(t, err)
	}
	require.NoError(t, f.db.Create(&storage.SelectionProgram{
		MemberID:           id,
		TotalSlots:         totalSlots,
		BonusSlots:         bonusSlots,
		FreeSwapsRemaining: freeSwaps,
	}).Error)
	return id
}

func (f *fixture) reward(t *testing.T, cadence string, stockQty *int64, giveback bool) uuid.UUID {
	t.Helper()
	r := storage.Reward{
		ID:            uuid.New(),
		Name:          "reward-" + uuid.NewString()[:8],
		Cost:          0,
		Active:        true,
		Cadence:       cadence,
		StockQuantity: stockQty,
		IsGiveback:    giveback,
	}
	require.NoError(t, f.db.Create(&r).Error)
	return r.ID
}

func stock(n int64) *int64 { return &n }

func TestSelectRespectsSlotCapacity(t *testing.T) {
	f := setup(t)
	member := f.member(t, 0, 2, 1, 0)

	for i := 0; i < 3; i++ {
		_, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, false))
		require.NoError(t, err, "selection %d", i)
	}
	_, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, false))
	require.ErrorIs(t, err, ErrNoSlotsAvailable)
}

func TestSelectGivebackBypassesSlots(t *testing.T) {
	f := setup(t)
	member := f.member(t, 0, 1, 0, 0)

	_, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, false))
	require.NoError(t, err)

	// Slots are full; give-back selections still go through.
	_, err = f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, true))
	require.NoError(t, err)
	_, err = f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, false))
	require.ErrorIs(t, err, ErrNoSlotsAvailable)
}

func TestSwapFreeThenPaid(t *testing.T) {
	f := setup(t)
	member := f.member(t, 30, 2, 0, 1)
	sel, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, false))
	require.NoError(t, err)

	// First swap uses the free quota and charges nothing.
	swapped, err := f.selections.Swap(context.Background(), member, sel.ID, f.reward(t, storage.CadenceMonthly, nil, false), true)
	require.NoError(t, err)
	require.Equal(t, 1, swapped.SwapCount)

	balance, err := f.claims.Balance(context.Background(), member)
	require.NoError(t, err)
	require.EqualValues(t, 30, balance)

	program, err := f.selections.Program(context.Background(), member)
	require.NoError(t, err)
	require.Equal(t, 0, program.FreeSwapsRemaining)

	// Quota exhausted: the next swap costs Claims even when free was requested.
	swapped, err = f.selections.Swap(context.Background(), member, sel.ID, f.reward(t, storage.CadenceMonthly, nil, false), true)
	require.NoError(t, err)
	require.Equal(t, 2, swapped.SwapCount)

	balance, err = f.claims.Balance(context.Background(), member)
	require.NoError(t, err)
	require.EqualValues(t, 5, balance)

	// Third swap is unaffordable.
	_, err = f.selections.Swap(context.Background(), member, sel.ID, f.reward(t, storage.CadenceMonthly, nil, false), false)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err = f.claims.Balance(context.Background(), member)
	require.NoError(t, err)
	require.EqualValues(t, 5, balance)
}

func TestSwapResetsCadenceState(t *testing.T) {
	f := setup(t)
	member := f.member(t, 100, 2, 0, 1)
	sel, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceDaily, nil, false))
	require.NoError(t, err)

	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.NoError(t, err)

	swapped, err := f.selections.Swap(context.Background(), member, sel.ID, f.reward(t, storage.CadenceDaily, nil, false), true)
	require.NoError(t, err)
	require.Zero(t, swapped.RedemptionCount)
	require.Nil(t, swapped.LastRedeemedAt)

	// The fresh binding redeems immediately, same day.
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.NoError(t, err)
}

func TestRedeemDailyWindow(t *testing.T) {
	f := setup(t)
	member := f.member(t, 0, 1, 0, 0)
	sel, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceDaily, nil, false))
	require.NoError(t, err)

	f.now = time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.NoError(t, err)

	f.now = time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.NoError(t, err, "new calendar day redeems again")

	f.now = time.Date(2024, 1, 2, 0, 2, 0, 0, time.UTC)
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.ErrorIs(t, err, ErrNotRedeemable)
}

func TestRedeemOneTime(t *testing.T) {
	f := setup(t)
	member := f.member(t, 0, 1, 0, 0)
	sel, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceOneTime, nil, false))
	require.NoError(t, err)

	redeemed, err := f.selections.Redeem(context.Background(), member, sel.ID)
	require.NoError(t, err)
	require.Equal(t, 1, redeemed.RedemptionCount)

	// Permanently exhausted, even years later.
	f.now = f.now.AddDate(3, 0, 0)
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.ErrorIs(t, err, ErrNotRedeemable)
}

func TestRedeemQuarterlyWindow(t *testing.T) {
	f := setup(t)
	member := f.member(t, 0, 1, 0, 0)
	sel, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceQuarterly, nil, false))
	require.NoError(t, err)

	f.now = time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.NoError(t, err)

	// March is still Q1.
	f.now = time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.ErrorIs(t, err, ErrNotRedeemable)

	// April opens Q2.
	f.now = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.selections.Redeem(context.Background(), member, sel.ID)
	require.NoError(t, err)
}

func TestRedeemStockExhaustion(t *testing.T) {
	f := setup(t)
	alice := f.member(t, 0, 1, 0, 0)
	bob := f.member(t, 0, 1, 0, 0)
	rewardID := f.reward(t, storage.CadenceMonthly, stock(1), false)

	aliceSel, err := f.selections.Select(context.Background(), alice, rewardID)
	require.NoError(t, err)
	bobSel, err := f.selections.Select(context.Background(), bob, rewardID)
	require.NoError(t, err)

	_, err = f.selections.Redeem(context.Background(), alice, aliceSel.ID)
	require.NoError(t, err)
	_, err = f.selections.Redeem(context.Background(), bob, bobSel.ID)
	require.ErrorIs(t, err, ErrOutOfStock)

	var r storage.Reward
	require.NoError(t, f.db.First(&r, "id = ?", rewardID).Error)
	require.NotNil(t, r.StockQuantity)
	require.EqualValues(t, 0, *r.StockQuantity)
}

func TestRedeemRequiresOwnership(t *testing.T) {
	f := setup(t)
	alice := f.member(t, 0, 1, 0, 0)
	mallory := f.member(t, 0, 1, 0, 0)
	sel, err := f.selections.Select(context.Background(), alice, f.reward(t, storage.CadenceDaily, nil, false))
	require.NoError(t, err)

	_, err = f.selections.Redeem(context.Background(), mallory, sel.ID)
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestSwapOutOfGivebackNeedsSlot(t *testing.T) {
	f := setup(t)
	member := f.member(t, 100, 1, 0, 5)

	_, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, false))
	require.NoError(t, err)
	givebackSel, err := f.selections.Select(context.Background(), member, f.reward(t, storage.CadenceMonthly, nil, true))
	require.NoError(t, err)

	// The only real slot is taken; a give-back binding cannot swap into it.
	_, err = f.selections.Swap(context.Background(), member, givebackSel.ID, f.reward(t, storage.CadenceMonthly, nil, false), true)
	require.ErrorIs(t, err, ErrNoSlotsAvailable)
}
