package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/events"
	"github.com/warp/points-engine/ledger"
	"github.com/warp/points-engine/policy"
	"github.com/warp/points-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	monday   = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	saturday = time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T, now time.Time) (*policy.Engine, *policy.Store, *events.Recorder) {
	t.Helper()
	clock := func() time.Time { return now }
	rec := &events.Recorder{}
	store := policy.NewStore(memory.New(), policy.WithClock(clock), policy.WithPublisher(rec))
	engine, err := policy.NewEngine(context.Background(), store, policy.WithClock(clock))
	require.NoError(t, err)
	return engine, store, rec
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func codes(err error) []string {
	var out []string
	for _, v := range ledger.ViolationsOf(err) {
		out = append(out, v.Code)
	}
	return out
}

func validationCodes(v ledger.Validation) []string {
	var out []string
	for _, x := range v.Violations {
		out = append(out, x.Code)
	}
	return out
}

// =============================================================================
// EARN RATE
// =============================================================================

func TestCalculateEarnRate(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		grade string
		want  string
	}{
		{"base rate without grade", monday, "", "1"},
		{"VIP doubles the base", monday, "VIP", "2"},
		{"grade is case-insensitive", monday, "gold", "1.5"},
		{"unknown grade keeps the base", monday, "PLATINUM", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, _ := newEngine(t, tt.now)
			req := ledger.EarnRequest{UserID: "u1", Amount: dec("10")}
			if tt.grade != "" {
				req.Metadata = map[string]string{ledger.MetaGrade: tt.grade}
			}

			rate, err := engine.CalculateEarnRate(context.Background(), req)

			require.NoError(t, err)
			assert.Truef(t, rate.Equal(dec(tt.want)), "want %s, got %s", tt.want, rate)
		})
	}
}

func TestCalculateEarnRate_DoublePointDayCappedAtMaxRate(t *testing.T) {
	// GIVEN: weekends double, max rate 3
	engine, store, _ := newEngine(t, saturday)
	ctx := context.Background()
	p, err := store.Active(ctx)
	require.NoError(t, err)
	p.Earn.DoublePointDays = []time.Weekday{time.Saturday, time.Sunday}
	p.Earn.MaxRate = dec("3")
	_, err = store.Update(ctx, p)
	require.NoError(t, err)

	// WHEN: a GOLD customer earns on Saturday
	req := ledger.EarnRequest{UserID: "u1", Amount: dec("1"), Metadata: map[string]string{ledger.MetaGrade: "GOLD"}}
	rate, err := engine.CalculateEarnRate(ctx, req)

	// THEN: 1 x 2 x 1.5 = 3, right at the cap
	require.NoError(t, err)
	assert.True(t, rate.Equal(dec("3")), "got %s", rate)

	// AND: VIP would be 4 but is capped at 3
	req.Metadata[ledger.MetaGrade] = "VIP"
	rate, err = engine.CalculateEarnRate(ctx, req)
	require.NoError(t, err)
	assert.True(t, rate.Equal(dec("3")), "got %s", rate)

	// AND: the validation notes mention the double-point day
	v, err := engine.ValidateEarnRequest(ctx, req)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Contains(t, v.Notes, "double point day applied")
}

func TestCalculateEarnPoints_Floors(t *testing.T) {
	engine, _, _ := newEngine(t, monday)
	req := ledger.EarnRequest{UserID: "u1", Metadata: map[string]string{ledger.MetaGrade: "SILVER"}}

	// 12345 x 1.2% = 148.14
	got, err := engine.CalculateEarnPoints(context.Background(), dec("12345"), req)

	require.NoError(t, err)
	assert.True(t, got.Equal(dec("148")), "got %s", got)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateEarnRequest(t *testing.T) {
	engine, store, _ := newEngine(t, monday)
	ctx := context.Background()
	p, err := store.Active(ctx)
	require.NoError(t, err)
	p.Earn.MinPurchaseAmount = dec("10000")
	p.Earn.ExcludedCategories = []string{"gift_card"}
	_, err = store.Update(ctx, p)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  ledger.EarnRequest
		want []string
	}{
		{
			name: "purchase above minimum",
			req:  ledger.EarnRequest{UserID: "u1", Amount: dec("150"), Reason: ledger.ReasonPurchase, OrderAmount: dec("15000")},
		},
		{
			name: "purchase below minimum",
			req:  ledger.EarnRequest{UserID: "u1", Amount: dec("50"), Reason: ledger.ReasonPurchase, OrderAmount: dec("5000")},
			want: []string{"BELOW_MIN_PURCHASE"},
		},
		{
			name: "minimum ignored for non-purchase reasons",
			req:  ledger.EarnRequest{UserID: "u1", Amount: dec("50"), Reason: ledger.ReasonReview},
		},
		{
			name: "excluded category",
			req:  ledger.EarnRequest{UserID: "u1", Amount: dec("50"), Reason: ledger.ReasonEvent, Metadata: map[string]string{ledger.MetaCategory: "gift_card"}},
			want: []string{"CATEGORY_EXCLUDED"},
		},
		{
			name: "non-positive amount",
			req:  ledger.EarnRequest{UserID: "u1", Amount: dec("0"), Reason: ledger.ReasonEvent},
			want: []string{"AMOUNT_NOT_POSITIVE"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := engine.ValidateEarnRequest(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want) == 0, v.Valid)
			assert.Equal(t, tt.want, validationCodes(v))
		})
	}
}

func TestValidateSpendRequest(t *testing.T) {
	engine, store, _ := newEngine(t, monday)
	ctx := context.Background()
	p, err := store.Active(ctx)
	require.NoError(t, err)
	p.Spend.MaxPointsPerOrder = dec("5000")
	p.Spend.MaxUsageRate = dec("50")
	p.Spend.ExcludedProducts = []string{"p-voucher"}
	_, err = store.Update(ctx, p)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  ledger.SpendRequest
		want []string
	}{
		{"valid", ledger.SpendRequest{UserID: "u1", Amount: dec("1000"), OrderTotal: dec("10000")}, nil},
		{"not a unit multiple", ledger.SpendRequest{UserID: "u1", Amount: dec("1005")}, []string{"NOT_UNIT_OF_USE"}},
		{"below minimum", ledger.SpendRequest{UserID: "u1", Amount: dec("50")}, []string{"BELOW_MIN_POINTS"}},
		{"above per-order max", ledger.SpendRequest{UserID: "u1", Amount: dec("6000")}, []string{"ABOVE_MAX_PER_ORDER"}},
		{"above usage rate", ledger.SpendRequest{UserID: "u1", Amount: dec("3000"), OrderTotal: dec("5000")}, []string{"ABOVE_MAX_USAGE_RATE"}},
		{"excluded product", ledger.SpendRequest{UserID: "u1", Amount: dec("100"), ProductIDs: []string{"p-1", "p-voucher"}}, []string{"PRODUCT_EXCLUDED"}},
		{"several violations", ledger.SpendRequest{UserID: "u1", Amount: dec("5")}, []string{"NOT_UNIT_OF_USE", "BELOW_MIN_POINTS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := engine.ValidateSpendRequest(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want) == 0, v.Valid)
			assert.Equal(t, tt.want, validationCodes(v))
		})
	}
}

// =============================================================================
// EXPIRY / GRADES
// =============================================================================

func TestCalculateExpiryDate(t *testing.T) {
	engine, store, _ := newEngine(t, monday)
	ctx := context.Background()

	got, err := engine.CalculateExpiryDate(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, monday.AddDate(1, 0, 0), got)

	// With the year-end clamp, the computed date moves to Dec 31 of its year.
	p, err := store.Active(ctx)
	require.NoError(t, err)
	p.Expiry.YearEndExpiry = true
	p.Expiry.DefaultExpiryMonths = 3
	_, err = store.Update(ctx, p)
	require.NoError(t, err)

	got, err = engine.CalculateExpiryDate(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.December, 31, 23, 59, 59, 0, time.UTC), got)

	got, err = engine.CalculateExpiryDate(ctx, time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC), got)
}

func TestCalculateExpiryDate_ClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		name   string
		months int
		earned time.Time
		want   time.Time
	}{
		{"Jan 31 plus one month", 1, time.Date(2025, time.January, 31, 10, 0, 0, 0, time.UTC), time.Date(2025, time.February, 28, 10, 0, 0, 0, time.UTC)},
		{"into a leap February", 1, time.Date(2024, time.January, 30, 0, 0, 0, 0, time.UTC), time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)},
		{"leap day plus a year", 12, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{"Aug 31 plus one month", 1, time.Date(2025, time.August, 31, 0, 0, 0, 0, time.UTC), time.Date(2025, time.September, 30, 0, 0, 0, 0, time.UTC)},
		{"mid-month is unchanged", 1, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store, _ := newEngine(t, monday)
			ctx := context.Background()
			p, err := store.Active(ctx)
			require.NoError(t, err)
			p.Expiry.DefaultExpiryMonths = tt.months
			_, err = store.Update(ctx, p)
			require.NoError(t, err)

			got, err := engine.CalculateExpiryDate(ctx, tt.earned)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetGradeBenefits(t *testing.T) {
	engine, _, _ := newEngine(t, monday)
	ctx := context.Background()

	vip, err := engine.GetGradeBenefits(ctx, "vip")
	require.NoError(t, err)
	require.NotNil(t, vip)
	assert.True(t, vip.EarnRateMultiplier.Equal(dec("2")))
	assert.True(t, vip.BirthdayPoints.Equal(dec("5000")))

	none, err := engine.GetGradeBenefits(ctx, "PLATINUM")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEngine_NoActivePolicy(t *testing.T) {
	// GIVEN: the only policy is deactivated
	engine, store, _ := newEngine(t, monday)
	ctx := context.Background()
	_, err := store.Deactivate(ctx, policy.DefaultID)
	require.NoError(t, err)

	// THEN: every query reports NO_ACTIVE_POLICY
	_, err = engine.ValidateEarnRequest(ctx, ledger.EarnRequest{UserID: "u1", Amount: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrNoActivePolicy)
	_, err = engine.ValidateSpendRequest(ctx, ledger.SpendRequest{UserID: "u1", Amount: dec("100")})
	assert.ErrorIs(t, err, ledger.ErrNoActivePolicy)
	_, err = engine.CalculateExpiryDate(ctx, monday)
	assert.ErrorIs(t, err, ledger.ErrNoActivePolicy)
	_, err = engine.ExtendableMonths(ctx)
	assert.ErrorIs(t, err, ledger.ErrNoActivePolicy)
}
