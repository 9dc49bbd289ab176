/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON bodies the API accepts. Responses reuse the domain types
  (ledger.Entry, ledger.Balance, policy.Policy), which already carry JSON
  tags; requests get their own types so path parameters and optional
  fields stay out of the domain requests.

NAMING CONVENTION:
  - *Request: request body types from clients
  - *Response: response wrappers

AMOUNTS:
  Decimals accept JSON numbers or strings and are returned as strings.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// EarnRequest credits points. When Amount is zero and OrderAmount is set,
// the amount is computed from the active policy's earn rate.
type EarnRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Reason      ledger.Reason     `json:"reason"`
	Description string            `json:"description"`
	OrderID     string            `json:"order_id"`
	ProductID   string            `json:"product_id"`
	ReviewID    string            `json:"review_id"`
	OrderAmount decimal.Decimal   `json:"order_amount"`
	Metadata    map[string]string `json:"metadata"`
	ExpiresAt   *time.Time        `json:"expires_at"`
}

// SpendRequest consumes points for an order.
type SpendRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Reason      ledger.Reason     `json:"reason"`
	Description string            `json:"description"`
	OrderID     string            `json:"order_id"`
	OrderTotal  decimal.Decimal   `json:"order_total"`
	ProductIDs  []string          `json:"product_ids"`
	Metadata    map[string]string `json:"metadata"`
}

// CancelRequest is the optional body of an entry cancellation.
type CancelRequest struct {
	Reason      ledger.Reason `json:"reason"`
	Description string        `json:"description"`
}

// RefundRequest returns points spent on the order in the path.
type RefundRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Reason      ledger.Reason   `json:"reason"`
	Description string          `json:"description"`
}

// ExtendRequest is the admin bulk expiry extension.
type ExtendRequest struct {
	UserID        ledger.UserID    `json:"user_id"`
	EntryIDs      []ledger.EntryID `json:"entry_ids"`
	ExpiresBefore *time.Time       `json:"expires_before"`
	Months        int              `json:"months"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntriesResponse lists a user's entries.
type EntriesResponse struct {
	UserID  ledger.UserID  `json:"user_id"`
	Entries []ledger.Entry `json:"entries"`
}

// ExtendResponse lists the entries whose expiry moved.
type ExtendResponse struct {
	Extended []ledger.Entry `json:"extended"`
}

// ReconcileResponse is the rebuilt aggregate plus its verification.
type ReconcileResponse struct {
	Balance      ledger.Balance      `json:"balance"`
	Verification ledger.Verification `json:"verification"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error      string             `json:"error"`
	Code       string             `json:"code,omitempty"`
	Violations []ledger.Violation `json:"violations,omitempty"`
	Details    string             `json:"details,omitempty"`
}
