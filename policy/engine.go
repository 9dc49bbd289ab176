package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/ledger"
)

// Engine evaluates requests against the active policy. It implements
// ledger.PolicyEngine.
type Engine struct {
	store *Store
	options
}

// NewEngine wraps store and synthesizes the default policy when the store
// holds none.
func NewEngine(ctx context.Context, store *Store, opts ...Option) (*Engine, error) {
	if err := store.EnsureDefault(ctx); err != nil {
		return nil, err
	}
	return &Engine{store: store, options: newOptions(opts)}, nil
}

// Active returns the active policy.
func (e *Engine) Active(ctx context.Context) (Policy, error) {
	return e.store.Active(ctx)
}

// =============================================================================
// EARN
// =============================================================================

// CalculateEarnRate returns the effective earn rate (percent) for req today.
func (e *Engine) CalculateEarnRate(ctx context.Context, req ledger.EarnRequest) (decimal.Decimal, error) {
	p, err := e.store.Active(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return p.EarnRate(e.now().Weekday(), gradeOf(req)), nil
}

// CalculateEarnPoints is floor(orderAmount * rate / 100).
func (e *Engine) CalculateEarnPoints(ctx context.Context, orderAmount decimal.Decimal, req ledger.EarnRequest) (decimal.Decimal, error) {
	rate, err := e.CalculateEarnRate(ctx, req)
	if err != nil {
		return decimal.Zero, err
	}
	return orderAmount.Mul(rate).Div(decimal.NewFromInt(100)).Floor(), nil
}

// ValidateEarnRequest checks minimum purchase and excluded categories.
// Double-point days and grade multipliers are reported as notes.
func (e *Engine) ValidateEarnRequest(ctx context.Context, req ledger.EarnRequest) (ledger.Validation, error) {
	p, err := e.store.Active(ctx)
	if err != nil {
		return ledger.Validation{}, err
	}
	var v ledger.Validation

	if !req.Amount.IsPositive() {
		v.Violations = append(v.Violations, ledger.Violation{Code: "AMOUNT_NOT_POSITIVE", Message: "earn amount must be positive"})
	}
	if req.Reason == ledger.ReasonPurchase && p.Earn.MinPurchaseAmount.IsPositive() {
		purchase := req.OrderAmount
		if purchase.IsZero() {
			purchase = req.Amount
		}
		if purchase.LessThan(p.Earn.MinPurchaseAmount) {
			v.Violations = append(v.Violations, ledger.Violation{
				Code:    "BELOW_MIN_PURCHASE",
				Message: fmt.Sprintf("purchase amount %s is below the minimum %s", purchase, p.Earn.MinPurchaseAmount),
			})
		}
	}
	if category := req.Metadata[ledger.MetaCategory]; category != "" && contains(p.Earn.ExcludedCategories, category) {
		v.Violations = append(v.Violations, ledger.Violation{
			Code:    "CATEGORY_EXCLUDED",
			Message: fmt.Sprintf("category %s does not earn points", category),
		})
	}

	if p.IsDoublePointDay(e.now().Weekday()) {
		v.Notes = append(v.Notes, "double point day applied")
	}
	if g := gradeOf(req); g != "" {
		if b, ok := p.Benefits(g); ok && !b.EarnRateMultiplier.Equal(decimal.NewFromInt(1)) {
			v.Notes = append(v.Notes, fmt.Sprintf("grade %s multiplier %s applied", ParseGrade(string(g)), b.EarnRateMultiplier))
		}
	}
	v.Valid = len(v.Violations) == 0
	return v, nil
}

// =============================================================================
// SPEND
// =============================================================================

// ValidateSpendRequest checks unit of use, minimum, per-order maximum,
// maximum usage rate against the order total, and excluded products.
func (e *Engine) ValidateSpendRequest(ctx context.Context, req ledger.SpendRequest) (ledger.Validation, error) {
	p, err := e.store.Active(ctx)
	if err != nil {
		return ledger.Validation{}, err
	}
	r := p.Spend
	var v ledger.Validation
	add := func(code, format string, args ...any) {
		v.Violations = append(v.Violations, ledger.Violation{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if !req.Amount.IsPositive() {
		add("AMOUNT_NOT_POSITIVE", "spend amount must be positive")
	}
	if r.UnitOfUse.IsPositive() && !req.Amount.Mod(r.UnitOfUse).IsZero() {
		add("NOT_UNIT_OF_USE", "points must be spent in multiples of %s", r.UnitOfUse)
	}
	if r.MinPoints.IsPositive() && req.Amount.LessThan(r.MinPoints) {
		add("BELOW_MIN_POINTS", "at least %s points must be spent", r.MinPoints)
	}
	if r.MaxPointsPerOrder.IsPositive() && req.Amount.GreaterThan(r.MaxPointsPerOrder) {
		add("ABOVE_MAX_PER_ORDER", "at most %s points can be spent per order", r.MaxPointsPerOrder)
	}
	if r.MaxUsageRate.IsPositive() && req.OrderTotal.IsPositive() {
		limit := req.OrderTotal.Mul(r.MaxUsageRate).Div(decimal.NewFromInt(100)).Floor()
		if req.Amount.GreaterThan(limit) {
			add("ABOVE_MAX_USAGE_RATE", "at most %s%% of the order (%s points) can be paid with points", r.MaxUsageRate, limit)
		}
	}
	for _, id := range req.ProductIDs {
		if contains(r.ExcludedProducts, id) {
			add("PRODUCT_EXCLUDED", "product %s cannot be paid with points", id)
		}
	}
	v.Valid = len(v.Violations) == 0
	return v, nil
}

// =============================================================================
// EXPIRY / GRADES
// =============================================================================

// CalculateExpiryDate returns the expiry for points earned at earnDate.
func (e *Engine) CalculateExpiryDate(ctx context.Context, earnDate time.Time) (time.Time, error) {
	p, err := e.store.Active(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return p.ExpiryDate(earnDate), nil
}

// ExtendableMonths is the longest extension an admin may grant.
func (e *Engine) ExtendableMonths(ctx context.Context) (int, error) {
	p, err := e.store.Active(ctx)
	if err != nil {
		return 0, err
	}
	return p.Expiry.ExtendableMonths, nil
}

// GetGradeBenefits returns the grade's benefits, or nil when the active
// policy does not define the grade.
func (e *Engine) GetGradeBenefits(ctx context.Context, grade Grade) (*GradeBenefits, error) {
	p, err := e.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := p.Benefits(grade)
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func gradeOf(req ledger.EarnRequest) Grade {
	return ParseGrade(req.Metadata[ledger.MetaGrade])
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

var _ ledger.PolicyEngine = (*Engine)(nil)
