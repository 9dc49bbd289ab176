/*
scheduler.go - Periodic expiry scheduler

PURPOSE:
  Drives the Sweeper on a ticker: expires due points, refreshes each
  user's expiringPoints snapshot and, once per calendar day, emits the
  advance expiry notices configured by the active policy.

DESIGN:
  - One background goroutine, one tick body (runOnce)
  - Runs immediately on Start, then every Interval
  - Stop prevents the next tick; it never rolls back an in-flight sweep
  - The notification scan remembers the last day it ran

CONFIGURATION:
  - Interval: how often to tick (default: 1 hour)
  - HorizonDays: forecast window for expiringPoints (default: 30)
  - Enabled: whether Start launches the loop (default: true)

USAGE:
  scheduler := NewScheduler(sweeper, engine, WithLogger(log))
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - sweep.go: Sweep, RefreshExpiringPoints, ScheduleNotifications
*/
package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/points-engine/ledger"
)

// Scheduler runs expiry work periodically.
type Scheduler struct {
	Sweeper     *Sweeper
	Policies    PolicySource
	Interval    time.Duration
	HorizonDays int
	Enabled     bool

	options

	ticker       *time.Ticker
	stop         chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	runMu        sync.Mutex
	lastNotified string
}

// NewScheduler creates a scheduler with the default interval and horizon.
func NewScheduler(sweeper *Sweeper, policies PolicySource, opts ...Option) *Scheduler {
	return &Scheduler{
		Sweeper:     sweeper,
		Policies:    policies,
		Interval:    time.Hour,
		HorizonDays: 30,
		Enabled:     true,
		options:     newOptions(opts),
	}
}

// RunReport is the outcome of one tick.
type RunReport struct {
	At            time.Time      `json:"at"`
	Sweep         SweepReport    `json:"sweep"`
	Refreshed     int            `json:"refreshed"`
	Notifications []Notification `json:"notifications,omitempty"`
	// NotifiedToday is true when the notification scan was skipped
	// because it already ran on this calendar day.
	NotifiedToday bool `json:"notified_today"`
}

// Start begins the ticker loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("expiry scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info("expiry scheduler started", zap.Duration("interval", s.Interval))
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("expiry scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	if _, err := s.RunNow(context.Background()); err != nil {
		s.log.Error("expiry tick failed", zap.Error(err))
	}
}

// RunNow performs one tick synchronously (admin trigger and tests).
func (s *Scheduler) RunNow(ctx context.Context) (RunReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now()
	report := RunReport{At: now}

	sweep, err := s.Sweeper.Sweep(ctx, now)
	report.Sweep = sweep
	if err != nil {
		return report, err
	}

	refreshed, err := s.Sweeper.RefreshExpiringPoints(ctx, s.HorizonDays, now)
	report.Refreshed = refreshed
	if err != nil {
		return report, err
	}

	today := now.Format(dayLayout)
	if s.lastNotified == today {
		report.NotifiedToday = true
		return report, nil
	}
	offsets, err := s.notificationOffsets(ctx)
	if err != nil {
		return report, err
	}
	sent, err := s.Sweeper.ScheduleNotifications(ctx, offsets, now)
	report.Notifications = sent
	if err != nil {
		return report, err
	}
	s.lastNotified = today

	s.log.Info("expiry tick finished",
		zap.Time("at", now),
		zap.Int("expired_entries", sweep.Entries),
		zap.Int("refreshed", refreshed),
		zap.Int("notifications", len(sent)))
	return report, nil
}

// NextRunTime returns when the next scheduled tick will occur.
func (s *Scheduler) NextRunTime() time.Time {
	return s.now().Add(s.Interval)
}

func (s *Scheduler) notificationOffsets(ctx context.Context) ([]int, error) {
	p, err := s.Policies.Active(ctx)
	if errors.Is(err, ledger.ErrNoActivePolicy) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.Expiry.NotificationDayOffsets, nil
}
