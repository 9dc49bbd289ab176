/*
Package events defines the domain events emitted by the point ledger and the
publish/subscribe contract used to deliver them.

PURPOSE:
  Notification delivery and UI refresh live outside the engine. The engine
  only promises to publish an Event after every committed state change.
  Subscribers (push notifications, e-mail, websocket fan-out) react to them.

INJECTION:
  There is no process-wide bus. A Publisher is passed into the ledger
  service, the policy store and the expiry scheduler. Tests use Bus to
  capture events; production can use Bus, events/redis, or both via Multi.

EVENT PAYLOAD:
  Every event carries at least UserID, EntryID or EntryIDs, Amount and
  Timestamp. Policy events carry the policy ID in Data["policy_id"].

SEE ALSO:
  - ledger/service.go: emits points.* events
  - policy/store.go: emits policy.* events
  - expiry/sweep.go: emits points.expired and points.expiry.notification
*/
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

type Type string

const (
	PointsEarned             Type = "points.earned"
	PointsActivated          Type = "points.activated"
	PointsSpent              Type = "points.spent"
	PointsCancelled          Type = "points.cancelled"
	PointsRefunded           Type = "points.refunded"
	PointsExpired            Type = "points.expired"
	PointsLocked             Type = "points.locked"
	PointsUnlocked           Type = "points.unlocked"
	PointsExpiryExtended     Type = "points.expiry.extended"
	PointsExpiryNotification Type = "points.expiry.notification"
	PolicyActivated          Type = "policy.activated"
	PolicyDeactivated        Type = "policy.deactivated"
)

// Event is a single notification about a committed change.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	EntryID   string            `json:"entry_id,omitempty"`
	EntryIDs  []string          `json:"entry_ids,omitempty"`
	Amount    decimal.Decimal   `json:"amount"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// New builds an event with a fresh ID.
func New(t Type, userID string, amount decimal.Decimal, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		Amount:    amount,
		Timestamp: at,
	}
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
