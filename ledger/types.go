/*
Package ledger provides the point ledger engine.

PURPOSE:
  Records point-earning and point-spending events per user, keeps a running
  balance aggregate with strict invariants, consumes earned points in FIFO
  order when a user spends, and exposes the balance-mutation primitives the
  expiry scheduler drives.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: one point transaction (earn, spend, expire, cancel, refund, ...)
  - Status: lifecycle state of an entry (see state.go)
  - Balance: per-user running totals, persisted separately for O(1) reads
  - IDGenerator: snowflake-backed entry IDs

SIGN CONVENTION:
  Amounts are signed. Earn and Refund entries carry positive amounts.
  Spend, Expire and Cancel entries carry negative amounts (the magnitude
  removed). Every reader relies on this; there is no per-call-site variant.

ARITHMETIC:
  All quantities are decimal.Decimal. No float64 touches a balance.

SEE ALSO:
  - service.go: Earn / Activate / Cancel / Refund / Lock / Unlock
  - fifo.go: Spend and the FIFO consumption algorithm
  - expire.go: expiry primitives used by the expiry package
  - repository.go: collections persisted through the Store collaborator
*/
package ledger

import (
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// IDGenerator assigns entry IDs.
type IDGenerator interface {
	NewID() EntryID
}

// SnowflakeIDs generates time-ordered numeric IDs.
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates a generator for the given node (0-1023).
func NewSnowflakeIDs(nodeID int64) (*SnowflakeIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &SnowflakeIDs{node: node}, nil
}

func (g *SnowflakeIDs) NewID() EntryID { return EntryID(g.node.Generate().String()) }

// SequenceIDs hands out zero-padded sequential IDs. Deterministic, for tests
// and tooling.
type SequenceIDs struct {
	Prefix string

	mu   sync.Mutex
	next int
}

func (g *SequenceIDs) NewID() EntryID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return EntryID(g.Prefix + pad(g.next))
}

func pad(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// =============================================================================
// ENTRY TYPE / STATUS / REASON
// =============================================================================

type EntryType string

const (
	TypeEarn     EntryType = "earn"
	TypeSpend    EntryType = "spend"
	TypeExpire   EntryType = "expire"
	TypeCancel   EntryType = "cancel"
	TypeRefund   EntryType = "refund"
	TypeAdjust   EntryType = "adjust"
	TypeTransfer EntryType = "transfer"
)

// IsCredit reports whether entries of this type hold spendable points.
func (t EntryType) IsCredit() bool { return t == TypeEarn || t == TypeRefund }

type Status string

const (
	StatusPending   Status = "pending"
	StatusAvailable Status = "available"
	StatusUsed      Status = "used"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusLocked    Status = "locked"
)

// Reason is an extensible reason code. Callers may use values beyond the
// ones declared here.
type Reason string

const (
	ReasonPurchase     Reason = "purchase"
	ReasonReview       Reason = "review"
	ReasonPhotoReview  Reason = "photo_review"
	ReasonSignup       Reason = "signup"
	ReasonBirthday     Reason = "birthday"
	ReasonEvent        Reason = "event"
	ReasonGift         Reason = "gift"
	ReasonMonthlyBonus Reason = "monthly_bonus"
	ReasonOrderPayment Reason = "order_payment"
	ReasonOrderCancel  Reason = "order_cancel"
	ReasonOrderRefund  Reason = "order_refund"
	ReasonExpiration   Reason = "expiration"
	ReasonAdmin        Reason = "admin"
)

// Metadata keys the engine interprets.
const (
	MetaCategory = "category"
	MetaGrade    = "grade"
)

// =============================================================================
// ENTRY
// =============================================================================

// Entry is a single point transaction. Entries are never deleted; they only
// move through the status machine in state.go. Amount changes only when a
// credit entry is split by a partial spend.
type Entry struct {
	ID              EntryID           `json:"id"`
	UserID          UserID            `json:"user_id"`
	Type            EntryType         `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	OriginalAmount  decimal.Decimal   `json:"original_amount"`
	BalanceAfter    decimal.Decimal   `json:"balance_after"`
	Reason          Reason            `json:"reason"`
	Description     string            `json:"description,omitempty"`
	OrderID         string            `json:"order_id,omitempty"`
	ProductID       string            `json:"product_id,omitempty"`
	ReviewID        string            `json:"review_id,omitempty"`
	Status          Status            `json:"status"`
	EarnedAt        *time.Time        `json:"earned_at,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	RelatedEntryIDs []EntryID         `json:"related_entry_ids,omitempty"`
	SplitFrom       EntryID           `json:"split_from,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Revision        int64             `json:"revision"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IsCredit reports whether the entry holds spendable points once available.
func (e Entry) IsCredit() bool { return e.Type.IsCredit() }

// sortKey is the FIFO ordering time: earnedAt, falling back to createdAt.
func (e Entry) sortKey() time.Time {
	if e.EarnedAt != nil {
		return *e.EarnedAt
	}
	return e.CreatedAt
}

// expiredAt reports whether the entry's expiry, shifted by grace, is at or
// before now.
func (e Entry) expiredAt(now time.Time, grace time.Duration) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.Add(grace).After(now)
}

func (e Entry) clone() Entry {
	c := e
	if e.RelatedEntryIDs != nil {
		c.RelatedEntryIDs = append([]EntryID(nil), e.RelatedEntryIDs...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance is the per-user running aggregate.
//
// INVARIANTS (after every committed operation):
//   - AvailablePoints >= 0 and PendingPoints >= 0
//   - TotalPoints = AvailablePoints + LockedPoints (confirmed points only)
//   - TotalEarned - TotalSpent - TotalExpired equals the signed sum of all
//     non-cancelled entries for the user (see Verify)
//
// ExpiringPoints is a snapshot refreshed by the scheduler, not live.
type Balance struct {
	UserID            UserID          `json:"user_id"`
	TotalPoints       decimal.Decimal `json:"total_points"`
	AvailablePoints   decimal.Decimal `json:"available_points"`
	PendingPoints     decimal.Decimal `json:"pending_points"`
	LockedPoints      decimal.Decimal `json:"locked_points"`
	ExpiringPoints    decimal.Decimal `json:"expiring_points"`
	TotalEarned       decimal.Decimal `json:"total_earned"`
	TotalSpent        decimal.Decimal `json:"total_spent"`
	TotalExpired      decimal.Decimal `json:"total_expired"`
	Revision          int64           `json:"revision"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty"`
	LastCalculatedAt  *time.Time      `json:"last_calculated_at,omitempty"`
}

// NewBalance returns a zeroed aggregate for the user.
func NewBalance(userID UserID) Balance {
	return Balance{
		UserID:          userID,
		TotalPoints:     decimal.Zero,
		AvailablePoints: decimal.Zero,
		PendingPoints:   decimal.Zero,
		LockedPoints:    decimal.Zero,
		ExpiringPoints:  decimal.Zero,
		TotalEarned:     decimal.Zero,
		TotalSpent:      decimal.Zero,
		TotalExpired:    decimal.Zero,
	}
}

// Net is TotalEarned - TotalSpent - TotalExpired.
func (b Balance) Net() decimal.Decimal {
	return b.TotalEarned.Sub(b.TotalSpent).Sub(b.TotalExpired)
}

func (b Balance) checkInvariants() error {
	if b.AvailablePoints.IsNegative() {
		return newError(CodeLedgerInconsistency, "available points would become negative: %s", b.AvailablePoints)
	}
	if b.PendingPoints.IsNegative() {
		return newError(CodeLedgerInconsistency, "pending points would become negative: %s", b.PendingPoints)
	}
	if b.LockedPoints.IsNegative() {
		return newError(CodeLedgerInconsistency, "locked points would become negative: %s", b.LockedPoints)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
