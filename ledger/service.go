/*
service.go - TransactionService: earn, activate, cancel, refund, lock

PURPOSE:
  Orchestrates every balance-changing operation. A request is validated
  against the active policy, the user's entries and balance are loaded under
  the user's lock, new and changed entries are written as one unit, the
  balance follows, and a domain event is published.

WRITE UNIT:
  1. rev = balance.Revision + 1
  2. every changed entry is stamped with rev; entries collection Set once
  3. balance.Revision = rev; balances collection Set once
  If step 3 fails, the next read finds entries newer than the balance and
  rebuilds it from entries (reconcile.go).

EVENTS:
  Publishing happens after the write unit commits. A publish failure is
  logged and does not fail the operation.

SEE ALSO:
  - fifo.go: Spend
  - expire.go: ExpireDue, SetExpiringPoints, ExtendExpiry
  - reconcile.go: rebuild, Reconcile, Verify
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/events"
	"github.com/warp/points-engine/metrics"
)

// Service is the transaction service.
type Service struct {
	entries  *EntryRepository
	balances *BalanceRepository
	policy   PolicyEngine
	locks    *userLocks

	now       func() time.Time
	ids       IDGenerator
	publisher events.Publisher
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator injects the entry ID source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(s *Service) { s.ids = ids }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the service. Defaults: wall clock, snowflake node 0,
// no-op publisher, no-op logger, no metrics.
func NewService(entries *EntryRepository, balances *BalanceRepository, policy PolicyEngine, opts ...Option) *Service {
	s := &Service{
		entries:   entries,
		balances:  balances,
		policy:    policy,
		locks:     newUserLocks(),
		now:       time.Now,
		publisher: events.Nop{},
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		ids, err := NewSnowflakeIDs(0)
		if err != nil {
			panic(err)
		}
		s.ids = ids
	}
	return s
}

// EntryRepository exposes the entries collection to the expiry scheduler.
func (s *Service) EntryRepository() *EntryRepository { return s.entries }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// =============================================================================
// EARN / ACTIVATE
// =============================================================================

// Earn creates a Pending entry and adds it to pendingPoints and totalEarned.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (entry Entry, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("earn", started, err) }()

	if req.UserID == "" {
		return Entry{}, newError(CodePolicyViolation, "user id is required")
	}
	if !req.Amount.IsPositive() {
		return Entry{}, PolicyViolation([]Violation{{Code: "AMOUNT_NOT_POSITIVE", Message: "earn amount must be positive"}})
	}
	v, err := s.policy.ValidateEarnRequest(ctx, req)
	if err != nil {
		return Entry{}, err
	}
	if !v.Valid {
		return Entry{}, PolicyViolation(v.Violations)
	}

	now := s.now()
	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		at, err := s.policy.CalculateExpiryDate(ctx, now)
		if err != nil {
			return Entry{}, err
		}
		expiresAt = &at
	}

	unlock := s.locks.lock(req.UserID)
	defer unlock()

	bal, _, err := s.loadState(ctx, req.UserID)
	if err != nil {
		return Entry{}, err
	}

	entry = Entry{
		ID:             s.ids.NewID(),
		UserID:         req.UserID,
		Type:           TypeEarn,
		Amount:         req.Amount,
		OriginalAmount: req.Amount,
		Reason:         req.Reason,
		Description:    req.Description,
		OrderID:        req.OrderID,
		ProductID:      req.ProductID,
		ReviewID:       req.ReviewID,
		Status:         StatusPending,
		ExpiresAt:      expiresAt,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	bal.PendingPoints = bal.PendingPoints.Add(req.Amount)
	bal.TotalEarned = bal.TotalEarned.Add(req.Amount)
	entry.BalanceAfter = bal.TotalPoints

	if err := s.commit(ctx, &bal, now, &entry); err != nil {
		return Entry{}, err
	}
	s.metrics.AddPoints(string(TypeEarn), entry.Amount)
	s.publish(ctx, s.entryEvent(events.PointsEarned, entry, entry.Amount, now))
	return entry, nil
}

// Activate moves a Pending entry to Available and starts its FIFO clock.
func (s *Service) Activate(ctx context.Context, id EntryID) (entry Entry, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("activate", started, err) }()

	unlock, err := s.lockEntryOwner(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	entry, err = s.entries.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status != StatusPending {
		return Entry{}, newError(CodeInvalidStateTransition, "entry %s is %s, only pending entries can be activated", id, entry.Status)
	}
	bal, _, err := s.loadState(ctx, entry.UserID)
	if err != nil {
		return Entry{}, err
	}

	now := s.now()
	if err := entry.transition(StatusAvailable); err != nil {
		return Entry{}, err
	}
	entry.EarnedAt = timePtr(now)
	entry.UpdatedAt = now
	bal.PendingPoints = bal.PendingPoints.Sub(entry.Amount)
	bal.AvailablePoints = bal.AvailablePoints.Add(entry.Amount)
	bal.TotalPoints = bal.TotalPoints.Add(entry.Amount)

	if err := s.commit(ctx, &bal, now, &entry); err != nil {
		return Entry{}, err
	}
	s.publish(ctx, s.entryEvent(events.PointsActivated, entry, entry.Amount, now))
	return entry, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel reverses a Pending or Available earn entry. Points already spent
// cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id EntryID, reason Reason, description string) (cancel Entry, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("cancel", started, err) }()

	unlock, err := s.lockEntryOwner(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	target, err := s.entries.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if target.Type != TypeEarn {
		return Entry{}, newError(CodeInvalidStateTransition, "entry %s is a %s entry, only earn entries can be cancelled", id, target.Type)
	}
	bal, _, err := s.loadState(ctx, target.UserID)
	if err != nil {
		return Entry{}, err
	}

	was := target.Status
	if was == StatusAvailable && bal.AvailablePoints.LessThan(target.Amount) {
		return Entry{}, newError(CodeInsufficientPoints, "cannot cancel %s points, only %s available", target.Amount, bal.AvailablePoints)
	}
	if err := target.transition(StatusCancelled); err != nil {
		return Entry{}, err
	}

	now := s.now()
	target.UpdatedAt = now
	switch was {
	case StatusPending:
		bal.PendingPoints = bal.PendingPoints.Sub(target.Amount)
	case StatusAvailable:
		bal.AvailablePoints = bal.AvailablePoints.Sub(target.Amount)
		bal.TotalPoints = bal.TotalPoints.Sub(target.Amount)
	}
	bal.TotalEarned = bal.TotalEarned.Sub(target.Amount)

	if reason == "" {
		reason = ReasonOrderCancel
	}
	cancel = Entry{
		ID:              s.ids.NewID(),
		UserID:          target.UserID,
		Type:            TypeCancel,
		Amount:          target.Amount.Neg(),
		OriginalAmount:  target.Amount.Neg(),
		BalanceAfter:    bal.TotalPoints,
		Reason:          reason,
		Description:     description,
		OrderID:         target.OrderID,
		Status:          StatusCancelled,
		RelatedEntryIDs: []EntryID{target.ID},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.commit(ctx, &bal, now, &target, &cancel); err != nil {
		return Entry{}, err
	}
	s.metrics.AddPoints(string(TypeCancel), target.Amount)
	evt := s.entryEvent(events.PointsCancelled, cancel, target.Amount, now)
	evt.EntryIDs = []string{string(target.ID)}
	evt.Data = map[string]string{"previous_status": string(was)}
	s.publish(ctx, evt)
	return cancel, nil
}

// =============================================================================
// REFUND
// =============================================================================

// Refund credits back points spent on an order. The refund is capped at the
// order's spent points minus refunds already issued.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (refund Entry, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("refund", started, err) }()

	if req.OrderID == "" {
		return Entry{}, newError(CodePolicyViolation, "order id is required")
	}
	if !req.Amount.IsPositive() {
		return Entry{}, PolicyViolation([]Violation{{Code: "AMOUNT_NOT_POSITIVE", Message: "refund amount must be positive"}})
	}

	spends, err := s.entries.Find(ctx, EntryFilter{OrderID: req.OrderID, Types: []EntryType{TypeSpend}})
	if err != nil {
		return Entry{}, err
	}
	if len(spends) == 0 {
		return Entry{}, newError(CodeRefundExceedsSpend, "order %s has no spent points", req.OrderID)
	}
	userID := spends[0].UserID
	for _, e := range spends[1:] {
		if e.UserID != userID {
			return Entry{}, newError(CodeLedgerInconsistency, "order %s has spends from users %s and %s", req.OrderID, userID, e.UserID)
		}
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	bal, entries, err := s.loadState(ctx, userID)
	if err != nil {
		return Entry{}, err
	}
	spent, refunded := decimal.Zero, decimal.Zero
	var related []EntryID
	for _, e := range entries {
		if e.OrderID != req.OrderID {
			continue
		}
		switch e.Type {
		case TypeSpend:
			spent = spent.Add(e.Amount.Abs())
			related = append(related, e.ID)
		case TypeRefund:
			refunded = refunded.Add(e.Amount)
		}
	}
	ceiling := spent.Sub(refunded)
	if req.Amount.GreaterThan(ceiling) {
		return Entry{}, newError(CodeRefundExceedsSpend, "refund %s exceeds refundable %s for order %s", req.Amount, ceiling, req.OrderID)
	}

	now := s.now()
	expiresAt, err := s.policy.CalculateExpiryDate(ctx, now)
	if err != nil {
		return Entry{}, err
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonOrderRefund
	}

	bal.AvailablePoints = bal.AvailablePoints.Add(req.Amount)
	bal.TotalPoints = bal.TotalPoints.Add(req.Amount)
	bal.TotalSpent = bal.TotalSpent.Sub(req.Amount)
	refund = Entry{
		ID:              s.ids.NewID(),
		UserID:          userID,
		Type:            TypeRefund,
		Amount:          req.Amount,
		OriginalAmount:  req.Amount,
		BalanceAfter:    bal.TotalPoints,
		Reason:          reason,
		Description:     req.Description,
		OrderID:         req.OrderID,
		Status:          StatusAvailable,
		EarnedAt:        timePtr(now),
		ExpiresAt:       &expiresAt,
		RelatedEntryIDs: related,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.commit(ctx, &bal, now, &refund); err != nil {
		return Entry{}, err
	}
	s.metrics.AddPoints(string(TypeRefund), refund.Amount)
	evt := s.entryEvent(events.PointsRefunded, refund, refund.Amount, now)
	evt.EntryIDs = idStrings(related)
	evt.Data = map[string]string{"order_id": req.OrderID}
	s.publish(ctx, evt)
	return refund, nil
}

// =============================================================================
// LOCK / UNLOCK
// =============================================================================

// Lock holds an Available credit entry so it cannot be spent or expired.
func (s *Service) Lock(ctx context.Context, id EntryID) (Entry, error) {
	return s.setLocked(ctx, id, true)
}

// Unlock returns a Locked entry to Available.
func (s *Service) Unlock(ctx context.Context, id EntryID) (Entry, error) {
	return s.setLocked(ctx, id, false)
}

func (s *Service) setLocked(ctx context.Context, id EntryID, lock bool) (entry Entry, err error) {
	op, to, evtType := "unlock", StatusAvailable, events.PointsUnlocked
	if lock {
		op, to, evtType = "lock", StatusLocked, events.PointsLocked
	}
	started := time.Now()
	defer func() { s.metrics.ObserveOperation(op, started, err) }()

	unlock, err := s.lockEntryOwner(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	entry, err = s.entries.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if !entry.IsCredit() {
		return Entry{}, newError(CodeInvalidStateTransition, "entry %s is a %s entry and cannot be locked", id, entry.Type)
	}
	from := StatusLocked
	if lock {
		from = StatusAvailable
	}
	if entry.Status != from {
		return Entry{}, newError(CodeInvalidStateTransition, "entry %s is %s, %s requires %s", id, entry.Status, op, from)
	}
	bal, _, err := s.loadState(ctx, entry.UserID)
	if err != nil {
		return Entry{}, err
	}
	if err := entry.transition(to); err != nil {
		return Entry{}, err
	}

	now := s.now()
	entry.UpdatedAt = now
	if lock {
		bal.AvailablePoints = bal.AvailablePoints.Sub(entry.Amount)
		bal.LockedPoints = bal.LockedPoints.Add(entry.Amount)
	} else {
		bal.LockedPoints = bal.LockedPoints.Sub(entry.Amount)
		bal.AvailablePoints = bal.AvailablePoints.Add(entry.Amount)
	}

	if err := s.commit(ctx, &bal, now, &entry); err != nil {
		return Entry{}, err
	}
	s.publish(ctx, s.entryEvent(evtType, entry, entry.Amount, now))
	return entry, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the user's aggregate, rebuilding it first if a previous
// write unit left it behind its entries.
func (s *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	unlock := s.locks.lock(userID)
	defer unlock()
	bal, _, err := s.loadState(ctx, userID)
	return bal, err
}

// Entry returns one entry.
func (s *Service) Entry(ctx context.Context, id EntryID) (Entry, error) {
	return s.entries.Get(ctx, id)
}

// Entries returns the user's entries in creation order.
func (s *Service) Entries(ctx context.Context, userID UserID) ([]Entry, error) {
	return s.entries.ByUser(ctx, userID)
}

// =============================================================================
// WRITE UNIT
// =============================================================================

// loadState returns the user's balance and entries, repairing the balance
// when any entry carries a newer revision. Callers hold the user lock.
func (s *Service) loadState(ctx context.Context, userID UserID) (Balance, []Entry, error) {
	bal, found, err := s.balances.Get(ctx, userID)
	if err != nil {
		return Balance{}, nil, err
	}
	if !found {
		bal = NewBalance(userID)
	}
	entries, err := s.entries.ByUser(ctx, userID)
	if err != nil {
		return Balance{}, nil, err
	}
	if !stale(bal, entries) {
		return bal, entries, nil
	}

	rebuilt := rebuild(userID, entries, bal, s.now())
	s.log.Warn("balance behind entries, rebuilt",
		zap.String("user_id", string(userID)),
		zap.Int64("balance_revision", bal.Revision),
		zap.Int64("entry_revision", rebuilt.Revision))
	if err := s.balances.Put(ctx, rebuilt); err != nil {
		return Balance{}, nil, err
	}
	s.metrics.IncRepairs()
	return rebuilt, entries, nil
}

// commit writes changed entries, then the balance, as one revision.
func (s *Service) commit(ctx context.Context, bal *Balance, now time.Time, changed ...*Entry) error {
	if err := bal.checkInvariants(); err != nil {
		return err
	}
	rev := bal.Revision + 1
	out := make([]Entry, 0, len(changed))
	for _, e := range changed {
		e.Revision = rev
		out = append(out, *e)
	}
	if err := s.entries.Upsert(ctx, out...); err != nil {
		return err
	}
	bal.Revision = rev
	bal.LastTransactionAt = timePtr(now)
	if err := s.balances.Put(ctx, *bal); err != nil {
		s.log.Error("balance write failed after entries were written",
			zap.String("user_id", string(bal.UserID)),
			zap.Int64("revision", rev),
			zap.Error(err))
		return err
	}
	return nil
}

// lockEntryOwner looks up the entry's owner and takes that user's lock.
func (s *Service) lockEntryOwner(ctx context.Context, id EntryID) (func(), error) {
	e, err := s.entries.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.locks.lock(e.UserID), nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Service) entryEvent(t events.Type, e Entry, amount decimal.Decimal, at time.Time) events.Event {
	evt := events.New(t, string(e.UserID), amount, at)
	evt.EntryID = string(e.ID)
	return evt
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Error("publish event failed",
			zap.String("type", string(evt.Type)),
			zap.String("user_id", evt.UserID),
			zap.Error(err))
	}
}

func idStrings(ids []EntryID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
