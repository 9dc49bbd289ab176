/*
Package policy holds the earning, spending and expiry rules applied to every
ledger operation.

PURPOSE:
  A Policy parameterizes the ledger: how many points a purchase earns, how
  points may be spent, and when they expire. Several policies may be stored;
  exactly one is active at a time.

KEY CONCEPTS:
  EarnRules:   base and capped earn rate (percent), minimum purchase,
               excluded categories, double-point weekdays
  SpendRules:  minimum spend, per-order maximum, max share of an order total
               payable with points, unit of use, excluded products
  ExpiryRules: months until expiry, how far an admin may extend, notice
               offsets in days, grace period, year-end clamp
  GradeBonus:  per-grade earn multiplier and fixed bonuses

RATES:
  Rates are percentages: BaseRate 1 means 1 point per 100 currency units.

SEE ALSO:
  - store.go:  PolicyStore (collection, activation)
  - engine.go: PolicyEngine (validation, rates, expiry dates)
  - file.go:   YAML policy files
*/
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/ledger"
)

// =============================================================================
// POLICY MODEL
// =============================================================================

type ID string

// Grade is a customer tier. Grades are compared case-insensitively.
type Grade string

const (
	GradeBronze Grade = "BRONZE"
	GradeSilver Grade = "SILVER"
	GradeGold   Grade = "GOLD"
	GradeVIP    Grade = "VIP"
)

// ParseGrade normalizes a grade name.
func ParseGrade(s string) Grade { return Grade(strings.ToUpper(strings.TrimSpace(s))) }

type EarnRules struct {
	BaseRate           decimal.Decimal `json:"base_rate"`
	MaxRate            decimal.Decimal `json:"max_rate"`
	MinPurchaseAmount  decimal.Decimal `json:"min_purchase_amount"`
	ExcludedCategories []string        `json:"excluded_categories,omitempty"`
	DoublePointDays    []time.Weekday  `json:"double_point_days,omitempty"`
}

type SpendRules struct {
	MinPoints decimal.Decimal `json:"min_points"`
	// MaxPointsPerOrder of zero means no per-order limit.
	MaxPointsPerOrder decimal.Decimal `json:"max_points_per_order"`
	// MaxUsageRate is the percent of an order total payable with points.
	// Zero disables the check.
	MaxUsageRate     decimal.Decimal `json:"max_usage_rate"`
	UnitOfUse        decimal.Decimal `json:"unit_of_use"`
	ExcludedProducts []string        `json:"excluded_products,omitempty"`
}

type ExpiryRules struct {
	DefaultExpiryMonths    int   `json:"default_expiry_months" yaml:"default_expiry_months"`
	ExtendableMonths       int   `json:"extendable_months" yaml:"extendable_months"`
	NotificationDayOffsets []int `json:"notification_day_offsets,omitempty" yaml:"notification_day_offsets"`
	GracePeriodDays        int   `json:"grace_period_days" yaml:"grace_period_days"`
	// YearEndExpiry clamps computed expiry dates to Dec 31 of their year.
	YearEndExpiry bool `json:"year_end_expiry" yaml:"year_end_expiry"`
}

type GradeBenefits struct {
	EarnRateMultiplier decimal.Decimal `json:"earn_rate_multiplier"`
	BirthdayPoints     decimal.Decimal `json:"birthday_points"`
	MonthlyBonus       decimal.Decimal `json:"monthly_bonus"`
}

type Policy struct {
	ID          ID                      `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Earn        EarnRules               `json:"earn_rules"`
	Spend       SpendRules              `json:"spend_rules"`
	Expiry      ExpiryRules             `json:"expiry_rules"`
	GradeBonus  map[Grade]GradeBenefits `json:"grade_bonus,omitempty"`
	Active      bool                    `json:"active"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// DefaultID is the ID of the synthesized default policy.
const DefaultID ID = "default"

// Default returns the policy synthesized when none exists.
func Default(now time.Time) Policy {
	return Policy{
		ID:          DefaultID,
		Name:        "Default point policy",
		Description: "1% back on purchases, 12 month expiry",
		Earn: EarnRules{
			BaseRate:          decimal.NewFromInt(1),
			MaxRate:           decimal.NewFromInt(5),
			MinPurchaseAmount: decimal.Zero,
		},
		Spend: SpendRules{
			MinPoints:         decimal.NewFromInt(100),
			MaxPointsPerOrder: decimal.Zero,
			MaxUsageRate:      decimal.NewFromInt(100),
			UnitOfUse:         decimal.NewFromInt(10),
		},
		Expiry: ExpiryRules{
			DefaultExpiryMonths:    12,
			ExtendableMonths:       6,
			NotificationDayOffsets: []int{30, 7, 1},
		},
		GradeBonus: map[Grade]GradeBenefits{
			GradeBronze: {EarnRateMultiplier: decimal.NewFromInt(1), BirthdayPoints: decimal.NewFromInt(1000), MonthlyBonus: decimal.Zero},
			GradeSilver: {EarnRateMultiplier: decimal.RequireFromString("1.2"), BirthdayPoints: decimal.NewFromInt(2000), MonthlyBonus: decimal.NewFromInt(500)},
			GradeGold:   {EarnRateMultiplier: decimal.RequireFromString("1.5"), BirthdayPoints: decimal.NewFromInt(3000), MonthlyBonus: decimal.NewFromInt(1000)},
			GradeVIP:    {EarnRateMultiplier: decimal.NewFromInt(2), BirthdayPoints: decimal.NewFromInt(5000), MonthlyBonus: decimal.NewFromInt(2000)},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// PURE RULES
// =============================================================================

// EarnRate computes the effective rate for a weekday and grade:
// base, doubled on double-point days, times the grade multiplier, capped
// at MaxRate when MaxRate is positive.
func (p Policy) EarnRate(day time.Weekday, grade Grade) decimal.Decimal {
	rate := p.Earn.BaseRate
	if p.IsDoublePointDay(day) {
		rate = rate.Mul(decimal.NewFromInt(2))
	}
	if b, ok := p.Benefits(grade); ok && b.EarnRateMultiplier.IsPositive() {
		rate = rate.Mul(b.EarnRateMultiplier)
	}
	if p.Earn.MaxRate.IsPositive() && rate.GreaterThan(p.Earn.MaxRate) {
		rate = p.Earn.MaxRate
	}
	return rate
}

// IsDoublePointDay reports whether day earns double.
func (p Policy) IsDoublePointDay(day time.Weekday) bool {
	for _, d := range p.Earn.DoublePointDays {
		if d == day {
			return true
		}
	}
	return false
}

// Benefits returns the grade's benefits.
func (p Policy) Benefits(grade Grade) (GradeBenefits, bool) {
	if grade == "" {
		return GradeBenefits{}, false
	}
	b, ok := p.GradeBonus[ParseGrade(string(grade))]
	return b, ok
}

// ExpiryDate is earnDate plus DefaultExpiryMonths, clamped to the end of
// the target month, then moved to the last second of that year when
// YearEndExpiry is set.
func (p Policy) ExpiryDate(earnDate time.Time) time.Time {
	d := ledger.AddMonths(earnDate, p.Expiry.DefaultExpiryMonths)
	if p.Expiry.YearEndExpiry {
		d = time.Date(d.Year(), time.December, 31, 23, 59, 59, 0, d.Location())
	}
	return d
}

// GracePeriod is the grace period as a duration.
func (p Policy) GracePeriod() time.Duration {
	return time.Duration(p.Expiry.GracePeriodDays) * 24 * time.Hour
}

// Normalized returns a copy whose GradeBonus keys are canonical grade
// names, so lookups through Benefits match regardless of input case.
func (p Policy) Normalized() Policy {
	if len(p.GradeBonus) == 0 {
		return p
	}
	bonus := make(map[Grade]GradeBenefits, len(p.GradeBonus))
	for g, b := range p.GradeBonus {
		bonus[ParseGrade(string(g))] = b
	}
	p.GradeBonus = bonus
	return p
}

// Validate checks the rules are internally coherent.
func (p Policy) Validate() error {
	var v []ledger.Violation
	add := func(code, format string, args ...any) {
		v = append(v, ledger.Violation{Code: code, Message: fmt.Sprintf(format, args...)})
	}
	if strings.TrimSpace(p.Name) == "" {
		add("NAME_REQUIRED", "policy name is required")
	}
	if p.Earn.BaseRate.IsNegative() {
		add("INVALID_BASE_RATE", "base rate must not be negative")
	}
	if p.Earn.MaxRate.IsPositive() && p.Earn.MaxRate.LessThan(p.Earn.BaseRate) {
		add("INVALID_MAX_RATE", "max rate %s is below base rate %s", p.Earn.MaxRate, p.Earn.BaseRate)
	}
	if p.Spend.UnitOfUse.IsNegative() || p.Spend.MinPoints.IsNegative() || p.Spend.MaxPointsPerOrder.IsNegative() {
		add("INVALID_SPEND_RULES", "spend limits must not be negative")
	}
	if p.Spend.MaxUsageRate.IsNegative() || p.Spend.MaxUsageRate.GreaterThan(decimal.NewFromInt(100)) {
		add("INVALID_USAGE_RATE", "max usage rate must be between 0 and 100")
	}
	if p.Expiry.DefaultExpiryMonths <= 0 {
		add("INVALID_EXPIRY", "default expiry months must be positive")
	}
	if p.Expiry.ExtendableMonths < 0 || p.Expiry.GracePeriodDays < 0 {
		add("INVALID_EXPIRY", "extendable months and grace days must not be negative")
	}
	for _, off := range p.Expiry.NotificationDayOffsets {
		if off < 0 {
			add("INVALID_NOTIFICATION_OFFSET", "notification offset %d is negative", off)
		}
	}
	seen := make(map[Grade]string, len(p.GradeBonus))
	for g, b := range p.GradeBonus {
		if b.EarnRateMultiplier.IsNegative() {
			add("INVALID_GRADE_MULTIPLIER", "grade %s has a negative multiplier", g)
		}
		key := ParseGrade(string(g))
		if key == "" {
			add("INVALID_GRADE", "grade name is empty")
		} else if other, ok := seen[key]; ok {
			add("DUPLICATE_GRADE", "grades %q and %q name the same grade", other, g)
		}
		seen[key] = string(g)
	}
	if len(v) > 0 {
		return ledger.PolicyViolation(v)
	}
	return nil
}
