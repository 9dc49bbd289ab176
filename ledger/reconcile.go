package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// REBUILD - aggregate from entries
// =============================================================================
//
//   pending      = Σ earn entries in Pending
//   available    = Σ credit entries in Available
//   locked       = Σ entries in Locked
//   totalEarned  = Σ earn entries not Cancelled (split siblings included)
//   totalSpent   = Σ |spend| - Σ refund
//   totalExpired = Σ |expire|
//   totalPoints  = available + locked

// stale reports whether any entry was written by a newer write unit than
// the one that produced the balance.
func stale(bal Balance, entries []Entry) bool {
	for _, e := range entries {
		if e.Revision > bal.Revision {
			return true
		}
	}
	return false
}

func rebuild(userID UserID, entries []Entry, prev Balance, now time.Time) Balance {
	b := NewBalance(userID)
	b.ExpiringPoints = prev.ExpiringPoints
	b.Revision = prev.Revision
	var last time.Time
	for _, e := range entries {
		if e.Revision > b.Revision {
			b.Revision = e.Revision
		}
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
		switch {
		case e.Type == TypeEarn && e.Status == StatusPending:
			b.PendingPoints = b.PendingPoints.Add(e.Amount)
		case e.IsCredit() && e.Status == StatusAvailable:
			b.AvailablePoints = b.AvailablePoints.Add(e.Amount)
		case e.Status == StatusLocked:
			b.LockedPoints = b.LockedPoints.Add(e.Amount)
		}
		switch e.Type {
		case TypeEarn:
			if e.Status != StatusCancelled {
				b.TotalEarned = b.TotalEarned.Add(e.Amount)
			}
		case TypeSpend:
			b.TotalSpent = b.TotalSpent.Add(e.Amount.Abs())
		case TypeRefund:
			b.TotalSpent = b.TotalSpent.Sub(e.Amount)
		case TypeExpire:
			b.TotalExpired = b.TotalExpired.Add(e.Amount.Abs())
		}
	}
	b.TotalPoints = b.AvailablePoints.Add(b.LockedPoints)
	if !last.IsZero() {
		b.LastTransactionAt = timePtr(last)
	}
	b.LastCalculatedAt = timePtr(now)
	return b
}

// Reconcile rebuilds the user's aggregate from entries and persists it.
func (s *Service) Reconcile(ctx context.Context, userID UserID) (Balance, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	bal, entries, err := s.loadState(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	rebuilt := rebuild(userID, entries, bal, s.now())
	if mismatches := diff(bal, rebuilt); len(mismatches) > 0 {
		s.log.Warn("balance drifted from entries",
			zap.String("user_id", string(userID)),
			zap.Strings("fields", mismatches))
		s.metrics.IncRepairs()
	}
	if err := s.balances.Put(ctx, rebuilt); err != nil {
		return Balance{}, err
	}
	return rebuilt, nil
}

// =============================================================================
// VERIFY - reconciliation property
// =============================================================================

// Verification is the result of checking one user's ledger.
type Verification struct {
	UserID UserID `json:"user_id"`
	// Net is TotalEarned - TotalSpent - TotalExpired from the aggregate.
	Net decimal.Decimal `json:"net"`
	// EntrySum is the signed sum of all non-cancelled entries.
	EntrySum   decimal.Decimal `json:"entry_sum"`
	Mismatches []string        `json:"mismatches,omitempty"`
	Consistent bool            `json:"consistent"`
}

// Verify checks the aggregate against the user's entries without writing.
func (s *Service) Verify(ctx context.Context, userID UserID) (Verification, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	bal, entries, err := s.loadState(ctx, userID)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{UserID: userID, Net: bal.Net(), EntrySum: SignedSum(entries)}
	if !v.Net.Equal(v.EntrySum) {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf("net %s != entry sum %s", v.Net, v.EntrySum))
	}
	v.Mismatches = append(v.Mismatches, diff(bal, rebuild(userID, entries, bal, s.now()))...)
	if bal.AvailablePoints.IsNegative() || bal.PendingPoints.IsNegative() {
		v.Mismatches = append(v.Mismatches, "negative available or pending points")
	}
	v.Consistent = len(v.Mismatches) == 0
	return v, nil
}

// SignedSum adds the amounts of all entries that are not Cancelled.
func SignedSum(entries []Entry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		if e.Status != StatusCancelled {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

func diff(have, want Balance) []string {
	var out []string
	check := func(name string, a, b decimal.Decimal) {
		if !a.Equal(b) {
			out = append(out, fmt.Sprintf("%s %s != %s", name, a, b))
		}
	}
	check("available_points", have.AvailablePoints, want.AvailablePoints)
	check("pending_points", have.PendingPoints, want.PendingPoints)
	check("locked_points", have.LockedPoints, want.LockedPoints)
	check("total_points", have.TotalPoints, want.TotalPoints)
	check("total_earned", have.TotalEarned, want.TotalEarned)
	check("total_spent", have.TotalSpent, want.TotalSpent)
	check("total_expired", have.TotalExpired, want.TotalExpired)
	return out
}
