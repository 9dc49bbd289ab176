package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/events"
)

// =============================================================================
// EXPIRY PRIMITIVES - driven by the expiry package
// =============================================================================

// AddMonths adds months to t, clamping the day to the end of the target
// month: Jan 31 plus one month is Feb 28 (or 29).
func AddMonths(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

// ExpireResult reports what ExpireDue changed for one user.
type ExpireResult struct {
	UserID UserID
	// Expired holds the credit entries moved to Expired.
	Expired []EntryID
	// ExpireEntries holds the new Expire bookkeeping entries.
	ExpireEntries []EntryID
	Amount        decimal.Decimal
}

// ExpireDue expires the user's Available credit entries whose expiry plus
// grace is at or before now. Entries already Expired are not Available, so
// a second call with the same now changes nothing.
func (s *Service) ExpireDue(ctx context.Context, userID UserID, now time.Time, grace time.Duration) (res ExpireResult, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("expire", started, err) }()

	res = ExpireResult{UserID: userID, Amount: decimal.Zero}

	unlock := s.locks.lock(userID)
	defer unlock()

	bal, entries, err := s.loadState(ctx, userID)
	if err != nil {
		return res, err
	}

	var changed []*Entry
	for _, e := range entries {
		if !e.IsCredit() || e.Status != StatusAvailable || !e.expiredAt(now, grace) {
			continue
		}
		target := e.clone()
		if err := target.transition(StatusExpired); err != nil {
			return res, err
		}
		target.UpdatedAt = now

		bal.AvailablePoints = bal.AvailablePoints.Sub(target.Amount)
		bal.TotalPoints = bal.TotalPoints.Sub(target.Amount)
		bal.TotalExpired = bal.TotalExpired.Add(target.Amount)
		expire := Entry{
			ID:              s.ids.NewID(),
			UserID:          userID,
			Type:            TypeExpire,
			Amount:          target.Amount.Neg(),
			OriginalAmount:  target.Amount.Neg(),
			BalanceAfter:    bal.TotalPoints,
			Reason:          ReasonExpiration,
			Status:          StatusExpired,
			RelatedEntryIDs: []EntryID{target.ID},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		changed = append(changed, &target, &expire)
		res.Expired = append(res.Expired, target.ID)
		res.ExpireEntries = append(res.ExpireEntries, expire.ID)
		res.Amount = res.Amount.Add(target.Amount)
	}
	if len(changed) == 0 {
		return res, nil
	}
	if err := s.commit(ctx, &bal, now, changed...); err != nil {
		return ExpireResult{UserID: userID, Amount: decimal.Zero}, err
	}
	s.metrics.AddPoints(string(TypeExpire), res.Amount)
	return res, nil
}

// SetExpiringPoints stores a forecast total in the user's aggregate. It is a
// snapshot and does not bump the revision.
func (s *Service) SetExpiringPoints(ctx context.Context, userID UserID, amount decimal.Decimal) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	bal, entries, err := s.loadState(ctx, userID)
	if err != nil {
		return err
	}
	if len(entries) == 0 && amount.IsZero() {
		return nil
	}
	if bal.ExpiringPoints.Equal(amount) && bal.LastCalculatedAt != nil {
		return nil
	}
	bal.ExpiringPoints = amount
	bal.LastCalculatedAt = timePtr(s.now())
	return s.balances.Put(ctx, bal)
}

// =============================================================================
// EXTEND EXPIRY - admin bulk operation
// =============================================================================

// ExtendExpiry pushes ExpiresAt of matching Available credit entries forward
// by req.Months. Users are processed one at a time under their locks; an
// error stops the run and earlier users stay extended.
func (s *Service) ExtendExpiry(ctx context.Context, req ExtendRequest) (extended []Entry, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("extend_expiry", started, err) }()

	if req.UserID == "" && len(req.EntryIDs) == 0 && req.ExpiresBefore == nil {
		return nil, newError(CodePolicyViolation, "extend requires a user, entry ids or an expires-before bound")
	}
	if req.Months <= 0 {
		return nil, PolicyViolation([]Violation{{Code: "MONTHS_NOT_POSITIVE", Message: "extension months must be positive"}})
	}
	limit, err := s.policy.ExtendableMonths(ctx)
	if err != nil {
		return nil, err
	}
	if req.Months > limit {
		return nil, PolicyViolation([]Violation{{
			Code:    "EXTENSION_TOO_LONG",
			Message: "extension exceeds the policy's extendable months",
		}})
	}

	filter := EntryFilter{
		UserID:        req.UserID,
		IDs:           req.EntryIDs,
		Statuses:      []Status{StatusAvailable},
		ExpiresBefore: req.ExpiresBefore,
	}
	candidates, err := s.entries.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var users []UserID
	seen := make(map[UserID]bool)
	for _, e := range candidates {
		if e.IsCredit() && e.ExpiresAt != nil && !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}

	for _, userID := range users {
		done, err := s.extendUser(ctx, userID, filter, req.Months)
		if err != nil {
			return extended, err
		}
		extended = append(extended, done...)
	}
	return extended, nil
}

func (s *Service) extendUser(ctx context.Context, userID UserID, filter EntryFilter, months int) ([]Entry, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	bal, entries, err := s.loadState(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var changed []*Entry
	total := decimal.Zero
	for _, e := range entries {
		if !filter.Match(e) || !e.IsCredit() || e.ExpiresAt == nil {
			continue
		}
		target := e.clone()
		extended := AddMonths(*target.ExpiresAt, months)
		target.ExpiresAt = &extended
		target.UpdatedAt = now
		changed = append(changed, &target)
		total = total.Add(target.Amount)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := s.commit(ctx, &bal, now, changed...); err != nil {
		return nil, err
	}

	out := make([]Entry, len(changed))
	ids := make([]EntryID, len(changed))
	for i, e := range changed {
		out[i] = *e
		ids[i] = e.ID
	}
	evt := events.New(events.PointsExpiryExtended, string(userID), total, now)
	evt.EntryIDs = idStrings(ids)
	evt.Data = map[string]string{"months": strconv.Itoa(months)}
	s.publish(ctx, evt)
	s.log.Info("expiry extended",
		zap.String("user_id", string(userID)),
		zap.Int("entries", len(out)),
		zap.Int("months", months))
	return out, nil
}
