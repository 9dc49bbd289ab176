/*
Package expiry expires stale points and forecasts upcoming expiries.

PURPOSE:
  The Sweeper finds Available credit entries whose expiry (plus the active
  policy's grace period) has passed and drives the ledger's ExpireDue
  primitive for each affected user. It also buckets soon-to-expire points
  per day and emits advance notices at the policy's day offsets.

CONCURRENCY:
  Users are swept in parallel, bounded by Concurrency. Each user is expired
  under the same per-user lock Spend and Cancel take, so a sweep never races
  a concurrent spend. A failure for one user is logged and counted; the
  sweep continues with the others.

IDEMPOTENCY:
  Expired entries are no longer Available, so sweeping twice with the same
  now expires nothing the second time.

SEE ALSO:
  - scheduler.go: ticker that runs sweeps, forecasts and notices
  - ledger/expire.go: ExpireDue, SetExpiringPoints
*/
package expiry

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/points-engine/events"
	"github.com/warp/points-engine/ledger"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/policy"
)

const dayLayout = "2006-01-02"

// PolicySource returns the active policy. *policy.Engine satisfies it.
type PolicySource interface {
	Active(ctx context.Context) (policy.Policy, error)
}

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	now         func() time.Time
	publisher   events.Publisher
	log         *zap.Logger
	metrics     *metrics.Metrics
	concurrency int
}

type Option func(*options)

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithPublisher(p events.Publisher) Option { return func(o *options) { o.publisher = p } }

func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithConcurrency bounds how many users a sweep processes at once.
func WithConcurrency(n int) Option { return func(o *options) { o.concurrency = n } }

func newOptions(opts []Option) options {
	o := options{now: time.Now, publisher: events.Nop{}, log: zap.NewNop(), concurrency: 4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return o
}

// =============================================================================
// SWEEPER
// =============================================================================

// Sweeper runs expiry passes over the ledger.
type Sweeper struct {
	svc      *ledger.Service
	entries  *ledger.EntryRepository
	policies PolicySource
	options
}

func NewSweeper(svc *ledger.Service, policies PolicySource, opts ...Option) *Sweeper {
	return &Sweeper{
		svc:      svc,
		entries:  svc.EntryRepository(),
		policies: policies,
		options:  newOptions(opts),
	}
}

// UserFailure is a user skipped by a sweep.
type UserFailure struct {
	UserID ledger.UserID `json:"user_id"`
	Error  string        `json:"error"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	At       time.Time             `json:"at"`
	Users    int                   `json:"users"`
	Entries  int                   `json:"entries"`
	Points   decimal.Decimal       `json:"points"`
	Results  []ledger.ExpireResult `json:"results,omitempty"`
	Failures []UserFailure         `json:"failures,omitempty"`
}

// Sweep expires every Available credit entry with expiresAt + grace <= now.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (report SweepReport, err error) {
	started := time.Now()
	report = SweepReport{At: now, Points: decimal.Zero}
	defer func() {
		s.metrics.ObserveSweep(started, report.Entries, len(report.Failures), err)
	}()

	grace, err := s.grace(ctx)
	if err != nil {
		return report, err
	}
	cutoff := now.Add(-grace)
	due, err := s.entries.Find(ctx, ledger.EntryFilter{
		Statuses:      []ledger.Status{ledger.StatusAvailable},
		ExpiresBefore: &cutoff,
	})
	if err != nil {
		return report, err
	}
	users := distinctUsers(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, userID := range users {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, err := s.svc.ExpireDue(ctx, userID, now, grace)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Error("expire user failed, continuing sweep",
					zap.String("user_id", string(userID)), zap.Error(err))
				report.Failures = append(report.Failures, UserFailure{UserID: userID, Error: err.Error()})
				return nil
			}
			if len(res.Expired) == 0 {
				return nil
			}
			report.Users++
			report.Entries += len(res.Expired)
			report.Points = report.Points.Add(res.Amount)
			report.Results = append(report.Results, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].UserID < report.Results[j].UserID })
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].UserID < report.Failures[j].UserID })
	for _, res := range report.Results {
		evt := events.New(events.PointsExpired, string(res.UserID), res.Amount, now)
		evt.EntryIDs = idStrings(res.Expired)
		s.publish(ctx, evt)
	}

	s.log.Info("expiry sweep finished",
		zap.Time("at", now),
		zap.Int("users", report.Users),
		zap.Int("entries", report.Entries),
		zap.String("points", report.Points.String()),
		zap.Int("failures", len(report.Failures)))
	return report, nil
}

func (s *Sweeper) grace(ctx context.Context) (time.Duration, error) {
	p, err := s.policies.Active(ctx)
	if errors.Is(err, ledger.ErrNoActivePolicy) {
		s.log.Warn("no active policy, sweeping without grace period")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.GracePeriod(), nil
}

// =============================================================================
// FORECAST
// =============================================================================

// DayBucket is the amount expiring on one calendar day.
type DayBucket struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// Forecast is a user's expiring points within a horizon.
type Forecast struct {
	UserID      ledger.UserID   `json:"user_id"`
	HorizonDays int             `json:"horizon_days"`
	Total       decimal.Decimal `json:"total"`
	Days        []DayBucket     `json:"days"`
}

// ForecastExpiringPoints sums the user's Available credit entries with
// now < expiresAt <= now + horizonDays, bucketed by expiry date.
func (s *Sweeper) ForecastExpiringPoints(ctx context.Context, userID ledger.UserID, horizonDays int, now time.Time) (Forecast, error) {
	until := now.AddDate(0, 0, horizonDays)
	entries, err := s.entries.Find(ctx, ledger.EntryFilter{
		UserID:        userID,
		Statuses:      []ledger.Status{ledger.StatusAvailable},
		ExpiresAfter:  &now,
		ExpiresBefore: &until,
	})
	if err != nil {
		return Forecast{}, err
	}
	return buildForecast(userID, horizonDays, entries, now.Location()), nil
}

func buildForecast(userID ledger.UserID, horizonDays int, entries []ledger.Entry, loc *time.Location) Forecast {
	f := Forecast{UserID: userID, HorizonDays: horizonDays, Total: decimal.Zero, Days: []DayBucket{}}
	byDay := make(map[string]decimal.Decimal)
	for _, e := range entries {
		if !e.IsCredit() {
			continue
		}
		day := e.ExpiresAt.In(loc).Format(dayLayout)
		byDay[day] = byDay[day].Add(e.Amount)
		f.Total = f.Total.Add(e.Amount)
	}
	for day, amount := range byDay {
		f.Days = append(f.Days, DayBucket{Date: day, Amount: amount})
	}
	sort.Slice(f.Days, func(i, j int) bool { return f.Days[i].Date < f.Days[j].Date })
	return f
}

// RefreshExpiringPoints writes each user's forecast total into the
// balance's ExpiringPoints snapshot. Per-user failures are logged and
// skipped. Returns the number of users refreshed.
func (s *Sweeper) RefreshExpiringPoints(ctx context.Context, horizonDays int, now time.Time) (int, error) {
	users, err := s.entries.Users(ctx)
	if err != nil {
		return 0, err
	}
	until := now.AddDate(0, 0, horizonDays)
	window, err := s.entries.Find(ctx, ledger.EntryFilter{
		Statuses:      []ledger.Status{ledger.StatusAvailable},
		ExpiresAfter:  &now,
		ExpiresBefore: &until,
	})
	if err != nil {
		return 0, err
	}
	totals := make(map[ledger.UserID]decimal.Decimal)
	for _, e := range window {
		if e.IsCredit() {
			totals[e.UserID] = totals[e.UserID].Add(e.Amount)
		}
	}

	refreshed := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if err := s.svc.SetExpiringPoints(ctx, userID, totals[userID]); err != nil {
			s.log.Error("refresh expiring points failed",
				zap.String("user_id", string(userID)), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Notification is one aggregated advance notice for a user.
type Notification struct {
	UserID          ledger.UserID    `json:"user_id"`
	DaysUntilExpiry int              `json:"days_until_expiry"`
	ExpiresOn       string           `json:"expires_on"`
	Amount          decimal.Decimal  `json:"amount"`
	EntryIDs        []ledger.EntryID `json:"entry_ids"`
}

// ScheduleNotifications emits one points.expiry.notification per user and
// offset for Available credit entries expiring exactly offset calendar days
// after now.
func (s *Sweeper) ScheduleNotifications(ctx context.Context, offsets []int, now time.Time) ([]Notification, error) {
	if len(offsets) == 0 {
		return nil, nil
	}
	upcoming, err := s.entries.Find(ctx, ledger.EntryFilter{
		Statuses:     []ledger.Status{ledger.StatusAvailable},
		ExpiresAfter: &now,
	})
	if err != nil {
		return nil, err
	}

	var out []Notification
	for _, offset := range offsets {
		target := now.AddDate(0, 0, offset).Format(dayLayout)
		byUser := make(map[ledger.UserID]*Notification)
		for _, e := range upcoming {
			if !e.IsCredit() || e.ExpiresAt.In(now.Location()).Format(dayLayout) != target {
				continue
			}
			n, ok := byUser[e.UserID]
			if !ok {
				n = &Notification{UserID: e.UserID, DaysUntilExpiry: offset, ExpiresOn: target, Amount: decimal.Zero}
				byUser[e.UserID] = n
			}
			n.Amount = n.Amount.Add(e.Amount)
			n.EntryIDs = append(n.EntryIDs, e.ID)
		}
		batch := make([]Notification, 0, len(byUser))
		for _, n := range byUser {
			batch = append(batch, *n)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].UserID < batch[j].UserID })
		out = append(out, batch...)
	}

	for _, n := range out {
		evt := events.New(events.PointsExpiryNotification, string(n.UserID), n.Amount, now)
		evt.EntryIDs = idStrings(n.EntryIDs)
		evt.Data = map[string]string{
			"days_until_expiry": strconv.Itoa(n.DaysUntilExpiry),
			"expires_on":        n.ExpiresOn,
		}
		s.publish(ctx, evt)
	}
	s.metrics.AddNotifications(len(out))
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Sweeper) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Error("publish event failed",
			zap.String("type", string(evt.Type)),
			zap.String("user_id", evt.UserID),
			zap.Error(err))
	}
}

func distinctUsers(entries []ledger.Entry) []ledger.UserID {
	seen := make(map[ledger.UserID]bool)
	var users []ledger.UserID
	for _, e := range entries {
		if e.IsCredit() && !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func idStrings(ids []ledger.EntryID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
