package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUESTS
// =============================================================================

// EarnRequest credits points to a user. The entry starts Pending.
type EarnRequest struct {
	UserID      UserID
	Amount      decimal.Decimal
	Reason      Reason
	Description string
	OrderID     string
	ProductID   string
	ReviewID    string
	// OrderAmount is the purchase total used for minimum-purchase checks.
	// Zero means Amount is used instead.
	OrderAmount decimal.Decimal
	Metadata    map[string]string
	// ExpiresAt overrides the policy expiry when set.
	ExpiresAt *time.Time
}

// SpendRequest consumes available points in FIFO order.
type SpendRequest struct {
	UserID      UserID
	Amount      decimal.Decimal
	Reason      Reason
	Description string
	OrderID     string
	// OrderTotal enables the max-usage-rate check when positive.
	OrderTotal decimal.Decimal
	ProductIDs []string
	Metadata   map[string]string
}

// RefundRequest returns points spent on an order.
type RefundRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Reason      Reason
	Description string
}

// ExtendRequest pushes the expiry of Available credit entries forward by
// Months. At least one of UserID, EntryIDs, ExpiresBefore narrows the set.
type ExtendRequest struct {
	UserID        UserID
	EntryIDs      []EntryID
	ExpiresBefore *time.Time
	Months        int
}

// =============================================================================
// POLICY CONTRACT
// =============================================================================

// Validation is the outcome of a policy check. Notes are informational and
// never make a request invalid.
type Validation struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
	Notes      []string    `json:"notes,omitempty"`
}

// PolicyEngine is what the service needs from the active policy. Every
// method fails with NO_ACTIVE_POLICY when none is active.
type PolicyEngine interface {
	ValidateEarnRequest(ctx context.Context, req EarnRequest) (Validation, error)
	ValidateSpendRequest(ctx context.Context, req SpendRequest) (Validation, error)
	CalculateExpiryDate(ctx context.Context, earnDate time.Time) (time.Time, error)
	ExtendableMonths(ctx context.Context) (int, error)
}
