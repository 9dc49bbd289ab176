/*
file.go - YAML policy files

PURPOSE:
  Lets operators keep policies in version control and seed a fresh store.
  The file holds a list of policies; at most one may be marked active.

FORMAT:
  policies:
    - id: summer-2025
      name: Summer double points
      active: true
      earn_rules:
        base_rate: 1
        max_rate: 5
        min_purchase_amount: 10000
        excluded_categories: [gift_card]
        double_point_days: [saturday, sunday]
      spend_rules:
        min_points: 100
        max_points_per_order: 50000
        max_usage_rate: 50
        unit_of_use: 10
      expiry_rules:
        default_expiry_months: 12
        extendable_months: 6
        notification_day_offsets: [30, 7, 1]
        grace_period_days: 0
        year_end_expiry: false
      grade_bonus:
        VIP: {earn_rate_multiplier: 2, birthday_points: 5000, monthly_bonus: 2000}

SEE ALSO:
  - cmd/server: `policy import` and the policy.seed_file setting
*/
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/points-engine/ledger"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type fileYAML struct {
	Policies []policyYAML `yaml:"policies"`
}

type policyYAML struct {
	ID          string               `yaml:"id"`
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Active      bool                 `yaml:"active"`
	Earn        earnYAML             `yaml:"earn_rules"`
	Spend       spendYAML            `yaml:"spend_rules"`
	Expiry      ExpiryRules          `yaml:"expiry_rules"`
	GradeBonus  map[string]gradeYAML `yaml:"grade_bonus"`
}

type earnYAML struct {
	BaseRate           yamlDecimal `yaml:"base_rate"`
	MaxRate            yamlDecimal `yaml:"max_rate"`
	MinPurchaseAmount  yamlDecimal `yaml:"min_purchase_amount"`
	ExcludedCategories []string    `yaml:"excluded_categories"`
	DoublePointDays    []string    `yaml:"double_point_days"`
}

type spendYAML struct {
	MinPoints         yamlDecimal `yaml:"min_points"`
	MaxPointsPerOrder yamlDecimal `yaml:"max_points_per_order"`
	MaxUsageRate      yamlDecimal `yaml:"max_usage_rate"`
	UnitOfUse         yamlDecimal `yaml:"unit_of_use"`
	ExcludedProducts  []string    `yaml:"excluded_products"`
}

type gradeYAML struct {
	EarnRateMultiplier yamlDecimal `yaml:"earn_rate_multiplier"`
	BirthdayPoints     yamlDecimal `yaml:"birthday_points"`
	MonthlyBonus       yamlDecimal `yaml:"monthly_bonus"`
}

// yamlDecimal decodes a scalar from its literal text, so 0.1 stays 0.1.
type yamlDecimal struct {
	decimal.Decimal
}

func (d *yamlDecimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	if value.Tag == "!!null" || strings.TrimSpace(value.Value) == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: %q is not a number", value.Line, value.Value)
	}
	d.Decimal = parsed
	return nil
}

// FilePolicy is a parsed policy plus its requested activation state.
type FilePolicy struct {
	Policy   Policy
	Activate bool
}

// =============================================================================
// PARSING
// =============================================================================

// LoadFile reads and parses a YAML policy file.
func LoadFile(path string) ([]FilePolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML policy definitions.
func Parse(raw []byte) ([]FilePolicy, error) {
	var f fileYAML
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	out := make([]FilePolicy, 0, len(f.Policies))
	active := 0
	for i, py := range f.Policies {
		p, err := py.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, py.ID, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, py.ID, err)
		}
		p = p.Normalized()
		if py.Active {
			active++
		}
		out = append(out, FilePolicy{Policy: p, Activate: py.Active})
	}
	if active > 1 {
		return nil, fmt.Errorf("policy file marks %d policies active, at most one is allowed", active)
	}
	return out, nil
}

func (py policyYAML) toPolicy() (Policy, error) {
	days := make([]time.Weekday, 0, len(py.Earn.DoublePointDays))
	for _, d := range py.Earn.DoublePointDays {
		wd, err := parseWeekday(d)
		if err != nil {
			return Policy{}, err
		}
		days = append(days, wd)
	}
	p := Policy{
		ID:          ID(py.ID),
		Name:        py.Name,
		Description: py.Description,
		Earn: EarnRules{
			BaseRate:           py.Earn.BaseRate.Decimal,
			MaxRate:            py.Earn.MaxRate.Decimal,
			MinPurchaseAmount:  py.Earn.MinPurchaseAmount.Decimal,
			ExcludedCategories: py.Earn.ExcludedCategories,
			DoublePointDays:    days,
		},
		Spend: SpendRules{
			MinPoints:         py.Spend.MinPoints.Decimal,
			MaxPointsPerOrder: py.Spend.MaxPointsPerOrder.Decimal,
			MaxUsageRate:      py.Spend.MaxUsageRate.Decimal,
			UnitOfUse:         py.Spend.UnitOfUse.Decimal,
			ExcludedProducts:  py.Spend.ExcludedProducts,
		},
		Expiry: py.Expiry,
	}
	if len(py.GradeBonus) > 0 {
		p.GradeBonus = make(map[Grade]GradeBenefits, len(py.GradeBonus))
		for name, g := range py.GradeBonus {
			p.GradeBonus[Grade(name)] = GradeBenefits{
				EarnRateMultiplier: g.EarnRateMultiplier.Decimal,
				BirthdayPoints:     g.BirthdayPoints.Decimal,
				MonthlyBonus:       g.MonthlyBonus.Decimal,
			}
		}
	}
	return p, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// =============================================================================
// IMPORT
// =============================================================================

// Import creates or updates each policy in the store and activates the one
// marked active. It returns the stored policies.
func Import(ctx context.Context, store *Store, policies []FilePolicy) ([]Policy, error) {
	out := make([]Policy, 0, len(policies))
	var activate ID
	for _, fp := range policies {
		var (
			stored Policy
			err    error
		)
		if fp.Policy.ID != "" {
			if _, getErr := store.Get(ctx, fp.Policy.ID); getErr == nil {
				stored, err = store.Update(ctx, fp.Policy)
			} else if ledger.CodeOf(getErr) == ledger.CodeNotFound {
				stored, err = store.Create(ctx, fp.Policy)
			} else {
				err = getErr
			}
		} else {
			stored, err = store.Create(ctx, fp.Policy)
		}
		if err != nil {
			return out, err
		}
		if fp.Activate {
			activate = stored.ID
		}
		out = append(out, stored)
	}
	if activate != "" {
		p, err := store.Activate(ctx, activate)
		if err != nil {
			return out, err
		}
		for i := range out {
			out[i].Active = out[i].ID == p.ID
		}
	}
	return out, nil
}
