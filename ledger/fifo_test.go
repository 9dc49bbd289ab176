package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/events"
	"github.com/warp/points-engine/ledger"
)

// =============================================================================
// SPEND SCENARIOS
// =============================================================================

func TestSpend_PartialConsumptionSplitsEntry(t *testing.T) {
	// GIVEN: Earn(1000, purchase) -> Activate
	f := newFixture(t)
	ctx := context.Background()
	earn, err := f.svc.Earn(ctx, ledger.EarnRequest{UserID: "u1", Amount: pts(1000), Reason: ledger.ReasonPurchase})
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, earn.ID)
	require.NoError(t, err)

	// WHEN: Spend(600, order payment)
	spend, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "u1", Amount: pts(600), Reason: ledger.ReasonOrderPayment})
	require.NoError(t, err)

	// THEN: one Spend entry of -600
	assert.Equal(t, ledger.TypeSpend, spend.Type)
	assertPoints(t, -600, spend.Amount, "spend amount")

	entries, err := f.svc.Entries(ctx, "u1")
	require.NoError(t, err)
	var spends, siblings []ledger.Entry
	var original ledger.Entry
	for _, e := range entries {
		switch {
		case e.Type == ledger.TypeSpend:
			spends = append(spends, e)
		case e.ID == earn.ID:
			original = e
		case e.SplitFrom == earn.ID:
			siblings = append(siblings, e)
		}
	}
	require.Len(t, spends, 1)
	require.Len(t, siblings, 1)

	// AND: the original is reduced to 400 and still Available
	assertPoints(t, 400, original.Amount, "remaining")
	assert.Equal(t, ledger.StatusAvailable, original.Status)

	// AND: original = remaining + consumed
	consumed := siblings[0]
	assert.Equal(t, ledger.StatusUsed, consumed.Status)
	assertPoints(t, 600, consumed.Amount, "consumed")
	assert.True(t, original.OriginalAmount.Equal(original.Amount.Add(consumed.Amount)))
	assert.Equal(t, original.EarnedAt, consumed.EarnedAt)
	assert.Equal(t, original.ExpiresAt, consumed.ExpiresAt)
	assert.Equal(t, []ledger.EntryID{earn.ID, consumed.ID}, spend.RelatedEntryIDs)

	b := f.balance(t, "u1")
	assertPoints(t, 400, b.AvailablePoints, "available")
	assertPoints(t, 400, b.TotalPoints, "total")
	assertPoints(t, 600, b.TotalSpent, "spent")
	f.requireConsistent(t, "u1")

	spent := f.events.OfType(events.PointsSpent)
	require.Len(t, spent, 1)
	assert.Equal(t, []string{string(earn.ID), string(consumed.ID)}, spent[0].EntryIDs)
}

func TestSpend_InsufficientPointsLeavesStateUnchanged(t *testing.T) {
	// GIVEN: availablePoints == 500
	f := newFixture(t)
	ctx := context.Background()
	f.earnAvailable(t, "u1", 500)

	entriesBefore, _, err := f.kv.Get(ctx, ledger.KeyEntries)
	require.NoError(t, err)
	balancesBefore, _, err := f.kv.Get(ctx, ledger.KeyBalances)
	require.NoError(t, err)

	// WHEN: spending 700
	_, err = f.svc.Spend(ctx, ledger.SpendRequest{UserID: "u1", Amount: pts(700)})

	// THEN: InsufficientPoints and nothing written
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)

	entriesAfter, _, err := f.kv.Get(ctx, ledger.KeyEntries)
	require.NoError(t, err)
	balancesAfter, _, err := f.kv.Get(ctx, ledger.KeyBalances)
	require.NoError(t, err)
	assert.Equal(t, entriesBefore, entriesAfter)
	assert.Equal(t, balancesBefore, balancesAfter)
	assert.Empty(t, f.events.OfType(events.PointsSpent))
}

func TestSpend_ConsumesEarliestFirst(t *testing.T) {
	// GIVEN: A(300), B(500), C(200) activated in that order
	f := newFixture(t)
	ctx := context.Background()
	a := f.earnAvailable(t, "u1", 300)
	b := f.earnAvailable(t, "u1", 500)
	c := f.earnAvailable(t, "u1", 200)

	// WHEN: spending 600
	spend, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "u1", Amount: pts(600)})
	require.NoError(t, err)

	// THEN: A is used up, B is split, C is untouched
	gotA, err := f.svc.Entry(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := f.svc.Entry(ctx, b.ID)
	require.NoError(t, err)
	gotC, err := f.svc.Entry(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusUsed, gotA.Status)
	assert.Equal(t, ledger.StatusAvailable, gotB.Status)
	assertPoints(t, 200, gotB.Amount, "B remaining")
	assert.Equal(t, ledger.StatusAvailable, gotC.Status)
	assertPoints(t, 200, gotC.Amount, "C untouched")

	require.Len(t, spend.RelatedEntryIDs, 3)
	assert.Equal(t, a.ID, spend.RelatedEntryIDs[0])
	assert.Equal(t, b.ID, spend.RelatedEntryIDs[1])
	sibling, err := f.svc.Entry(ctx, spend.RelatedEntryIDs[2])
	require.NoError(t, err)
	assert.Equal(t, b.ID, sibling.SplitFrom)
	assertPoints(t, 300, sibling.Amount, "consumed from B")

	// A later spend drains B's remainder before touching C.
	_, err = f.svc.Spend(ctx, ledger.SpendRequest{UserID: "u1", Amount: pts(200)})
	require.NoError(t, err)
	gotB, err = f.svc.Entry(ctx, b.ID)
	require.NoError(t, err)
	gotC, err = f.svc.Entry(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusUsed, gotB.Status)
	assert.Equal(t, ledger.StatusAvailable, gotC.Status)
	f.requireConsistent(t, "u1")
}

func TestSpend_TieBreaksOnCreatedAtThenID(t *testing.T) {
	// GIVEN: X created before Y, both activated at the same instant,
	// Y activated first
	f := newFixture(t)
	ctx := context.Background()
	x := f.earn(t, "u1", 100)
	f.clock.Advance(time.Minute)
	y := f.earn(t, "u1", 100)
	f.clock.Advance(time.Minute)
	_, err := f.svc.Activate(ctx, y.ID)
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, x.ID)
	require.NoError(t, err)

	// AND: Z and W share earnedAt and createdAt
	z := f.earn(t, "u2", 100)
	w := f.earn(t, "u2", 100)
	_, err = f.svc.Activate(ctx, w.ID)
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, z.ID)
	require.NoError(t, err)

	// WHEN: spending one entry's worth for each user
	spendX, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "u1", Amount: pts(100)})
	require.NoError(t, err)
	spendZ, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "u2", Amount: pts(100)})
	require.NoError(t, err)

	// THEN: the earlier-created entry goes first, then the lower ID
	assert.Equal(t, []ledger.EntryID{x.ID}, spendX.RelatedEntryIDs)
	assert.Equal(t, []ledger.EntryID{z.ID}, spendZ.RelatedEntryIDs)
	assert.Less(t, string(z.ID), string(w.ID))
}

func TestSpend_PolicyViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earnAvailable(t, "u1", 5000)

	tests := []struct {
		name string
		req  ledger.SpendRequest
		code string
	}{
		{"not a multiple of the unit", ledger.SpendRequest{UserID: "u1", Amount: pts(105)}, "NOT_UNIT_OF_USE"},
		{"below minimum", ledger.SpendRequest{UserID: "u1", Amount: pts(50)}, "BELOW_MIN_POINTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Spend(ctx, tt.req)
			require.ErrorIs(t, err, ledger.ErrPolicyViolation)
			var codes []string
			for _, v := range ledger.ViolationsOf(err) {
				codes = append(codes, v.Code)
			}
			assert.Contains(t, codes, tt.code)
		})
	}
	assertPoints(t, 5000, f.balance(t, "u1").AvailablePoints, "available")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSpend_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	// GIVEN: 10 entries of 100 points
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.earnAvailable(t, "u1", 100)
	}

	// WHEN: 20 spends of 100 race, alongside activity for another user
	errs := make(chan error, 20)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, _ = f.svc.Earn(ctx, ledger.EarnRequest{UserID: "u2", Amount: pts(10), Reason: ledger.ReasonEvent})
		}
	}()
	for i := 0; i < 20; i++ {
		go func() {
			_, err := f.svc.Spend(ctx, ledger.SpendRequest{UserID: "u1", Amount: pts(100)})
			errs <- err
		}()
	}
	succeeded, insufficient := 0, 0
	for i := 0; i < 20; i++ {
		err := <-errs
		switch {
		case err == nil:
			succeeded++
		case ledger.CodeOf(err) == ledger.CodeInsufficientPoints:
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	<-done

	// THEN: exactly the available points were spent
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, insufficient)
	b := f.balance(t, "u1")
	assertPoints(t, 0, b.AvailablePoints, "available")
	assertPoints(t, 1000, b.TotalSpent, "spent")
	f.requireConsistent(t, "u1")
	f.requireConsistent(t, "u2")
	assertPoints(t, 50, f.balance(t, "u2").PendingPoints, "u2 pending")
}
