/*
fifo.go - Spend and FIFO consumption

ALGORITHM:
  1. Collect the user's Available credit entries (earn and refund).
  2. Order ascending by earnedAt (createdAt when unset), then createdAt,
     then ID. The order is total, so two runs over the same state consume
     the same entries.
  3. Walk the pool, consuming whole entries (status -> Used) until the next
     entry is larger than what is still needed.
  4. Split that entry: its Amount drops by the needed remainder and it stays
     Available; a sibling entry with the consumed part is created directly
     in Used status with SplitFrom pointing back. For a single split,
     original = remaining + sibling.
  5. Write one Spend entry (negative amount) whose RelatedEntryIDs lists the
     fully consumed entries and the sibling.

  If the pool cannot cover an amount the balance says is available, the
  aggregate and the entries disagree: LEDGER_INCONSISTENCY.
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/events"
)

// Spend consumes points in FIFO order.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (spend Entry, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("spend", started, err) }()

	if req.UserID == "" {
		return Entry{}, newError(CodePolicyViolation, "user id is required")
	}
	if !req.Amount.IsPositive() {
		return Entry{}, PolicyViolation([]Violation{{Code: "AMOUNT_NOT_POSITIVE", Message: "spend amount must be positive"}})
	}
	v, err := s.policy.ValidateSpendRequest(ctx, req)
	if err != nil {
		return Entry{}, err
	}
	if !v.Valid {
		return Entry{}, PolicyViolation(v.Violations)
	}

	unlock := s.locks.lock(req.UserID)
	defer unlock()

	bal, entries, err := s.loadState(ctx, req.UserID)
	if err != nil {
		return Entry{}, err
	}
	if bal.AvailablePoints.LessThan(req.Amount) {
		return Entry{}, newError(CodeInsufficientPoints, "requested %s points, %s available", req.Amount, bal.AvailablePoints)
	}

	now := s.now()
	changed, related, err := s.consume(spendablePool(entries), req.Amount, now)
	if err != nil {
		return Entry{}, err
	}

	reason := req.Reason
	if reason == "" {
		reason = ReasonOrderPayment
	}
	bal.AvailablePoints = bal.AvailablePoints.Sub(req.Amount)
	bal.TotalPoints = bal.TotalPoints.Sub(req.Amount)
	bal.TotalSpent = bal.TotalSpent.Add(req.Amount)
	spend = Entry{
		ID:              s.ids.NewID(),
		UserID:          req.UserID,
		Type:            TypeSpend,
		Amount:          req.Amount.Neg(),
		OriginalAmount:  req.Amount.Neg(),
		BalanceAfter:    bal.TotalPoints,
		Reason:          reason,
		Description:     req.Description,
		OrderID:         req.OrderID,
		Status:          StatusUsed,
		RelatedEntryIDs: related,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ptrs := make([]*Entry, 0, len(changed)+1)
	for i := range changed {
		// Split siblings are the only new entries here; pool entries with
		// SplitFrom set are never Available.
		if changed[i].SplitFrom != "" {
			changed[i].BalanceAfter = bal.TotalPoints
		}
		ptrs = append(ptrs, &changed[i])
	}
	ptrs = append(ptrs, &spend)
	if err := s.commit(ctx, &bal, now, ptrs...); err != nil {
		return Entry{}, err
	}

	s.metrics.AddPoints(string(TypeSpend), req.Amount)
	evt := s.entryEvent(events.PointsSpent, spend, req.Amount, now)
	evt.EntryIDs = idStrings(related)
	if req.OrderID != "" {
		evt.Data = map[string]string{"order_id": req.OrderID}
	}
	s.publish(ctx, evt)
	return spend, nil
}

// spendablePool returns Available credit entries in FIFO order.
func spendablePool(entries []Entry) []Entry {
	var pool []Entry
	for _, e := range entries {
		if e.IsCredit() && e.Status == StatusAvailable {
			pool = append(pool, e.clone())
		}
	}
	sortFIFO(pool)
	return pool
}

// sortFIFO orders by earnedAt (fallback createdAt), createdAt, then ID.
func sortFIFO(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ka, kb := a.sortKey(), b.sortKey(); !ka.Equal(kb) {
			return ka.Before(kb)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// consume walks the ordered pool and returns the entries to write (consumed
// entries, a reduced split entry and its sibling) plus the IDs the Spend
// entry relates to. A split contributes both the credit entry it drew from
// and the sibling holding the consumed part.
func (s *Service) consume(pool []Entry, amount decimal.Decimal, now time.Time) ([]Entry, []EntryID, error) {
	remaining := amount
	var changed []Entry
	var related []EntryID

	for _, e := range pool {
		if !remaining.IsPositive() {
			break
		}
		if e.Amount.LessThanOrEqual(remaining) {
			if err := e.transition(StatusUsed); err != nil {
				return nil, nil, err
			}
			e.UpdatedAt = now
			remaining = remaining.Sub(e.Amount)
			changed = append(changed, e)
			related = append(related, e.ID)
			continue
		}

		sibling := Entry{
			ID:             s.ids.NewID(),
			UserID:         e.UserID,
			Type:           e.Type,
			Amount:         remaining,
			OriginalAmount: remaining,
			Reason:         e.Reason,
			Description:    e.Description,
			OrderID:        e.OrderID,
			ProductID:      e.ProductID,
			ReviewID:       e.ReviewID,
			Status:         StatusUsed,
			EarnedAt:       e.EarnedAt,
			ExpiresAt:      e.ExpiresAt,
			SplitFrom:      e.ID,
			Metadata:       e.clone().Metadata,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		e.Amount = e.Amount.Sub(remaining)
		e.UpdatedAt = now
		remaining = decimal.Zero
		changed = append(changed, e, sibling)
		related = append(related, e.ID, sibling.ID)
	}

	if remaining.IsPositive() {
		return nil, nil, newError(CodeLedgerInconsistency, "available entries are %s short of the balance", remaining)
	}
	return changed, related, nil
}
