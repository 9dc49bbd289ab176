package policy

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/events"
	"github.com/warp/points-engine/ledger"
)

// =============================================================================
// OPTIONS - shared by Store and Engine
// =============================================================================

type options struct {
	now       func() time.Time
	publisher events.Publisher
	log       *zap.Logger
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, publisher: events.Nop{}, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// POLICY STORE
// =============================================================================

// Store is the policies collection. At most one policy is active; every
// change is one Set of the whole collection, so activating a policy and
// deactivating the previous one land together.
type Store struct {
	kv ledger.Store
	mu sync.Mutex
	options
}

func NewStore(kv ledger.Store, opts ...Option) *Store {
	return &Store{kv: kv, options: newOptions(opts)}
}

func (s *Store) load(ctx context.Context) ([]Policy, error) {
	raw, found, err := s.kv.Get(ctx, ledger.KeyPolicies)
	if err != nil {
		return nil, ledger.StorageError("load policies", err)
	}
	if !found || len(raw) == 0 {
		return nil, nil
	}
	var policies []Policy
	if err := json.Unmarshal(raw, &policies); err != nil {
		return nil, ledger.StorageError("decode policies", err)
	}
	return policies, nil
}

func (s *Store) save(ctx context.Context, policies []Policy) error {
	raw, err := json.Marshal(policies)
	if err != nil {
		return ledger.StorageError("encode policies", err)
	}
	return ledger.StorageError("save policies", s.kv.Set(ctx, ledger.KeyPolicies, raw))
}

// List returns all policies ordered by creation time.
func (s *Store) List(ctx context.Context) ([]Policy, error) {
	policies, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].CreatedAt.Before(policies[j].CreatedAt) })
	return policies, nil
}

// Get returns one policy or NOT_FOUND.
func (s *Store) Get(ctx context.Context, id ID) (Policy, error) {
	policies, err := s.load(ctx)
	if err != nil {
		return Policy{}, err
	}
	if i := indexOf(policies, id); i >= 0 {
		return policies[i], nil
	}
	return Policy{}, ledger.NewError(ledger.CodeNotFound, "policy %s not found", id)
}

// Active returns the active policy or NO_ACTIVE_POLICY.
func (s *Store) Active(ctx context.Context) (Policy, error) {
	policies, err := s.load(ctx)
	if err != nil {
		return Policy{}, err
	}
	for _, p := range policies {
		if p.Active {
			return p, nil
		}
	}
	return Policy{}, ledger.ErrNoActivePolicy
}

// Create stores a new inactive policy. An empty ID gets a UUID.
func (s *Store) Create(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p = p.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.load(ctx)
	if err != nil {
		return Policy{}, err
	}
	if p.ID == "" {
		p.ID = ID(uuid.NewString())
	}
	if indexOf(policies, p.ID) >= 0 {
		return Policy{}, ledger.NewError(ledger.CodeConflict, "policy %s already exists", p.ID)
	}
	now := s.now()
	p.Active = false
	p.CreatedAt, p.UpdatedAt = now, now
	if err := s.save(ctx, append(policies, p)); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Update replaces a policy's rules. Activation state and creation time are
// kept.
func (s *Store) Update(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p = p.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.load(ctx)
	if err != nil {
		return Policy{}, err
	}
	i := indexOf(policies, p.ID)
	if i < 0 {
		return Policy{}, ledger.NewError(ledger.CodeNotFound, "policy %s not found", p.ID)
	}
	p.Active = policies[i].Active
	p.CreatedAt = policies[i].CreatedAt
	p.UpdatedAt = s.now()
	policies[i] = p
	if err := s.save(ctx, policies); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Delete removes an inactive policy. The active policy cannot be deleted.
func (s *Store) Delete(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(policies, id)
	if i < 0 {
		return ledger.NewError(ledger.CodeNotFound, "policy %s not found", id)
	}
	if policies[i].Active {
		return ledger.NewError(ledger.CodeConflict, "policy %s is active; activate another policy first", id)
	}
	return s.save(ctx, append(policies[:i], policies[i+1:]...))
}

// Activate makes id the only active policy.
func (s *Store) Activate(ctx context.Context, id ID) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.load(ctx)
	if err != nil {
		return Policy{}, err
	}
	i := indexOf(policies, id)
	if i < 0 {
		return Policy{}, ledger.NewError(ledger.CodeNotFound, "policy %s not found", id)
	}
	if policies[i].Active {
		return policies[i], nil
	}
	now := s.now()
	var previous []ID
	for j := range policies {
		if policies[j].Active {
			policies[j].Active = false
			policies[j].UpdatedAt = now
			previous = append(previous, policies[j].ID)
		}
	}
	policies[i].Active = true
	policies[i].UpdatedAt = now
	if err := s.save(ctx, policies); err != nil {
		return Policy{}, err
	}

	for _, prev := range previous {
		s.emit(ctx, events.PolicyDeactivated, prev, now)
	}
	s.emit(ctx, events.PolicyActivated, id, now)
	s.log.Info("policy activated", zap.String("policy_id", string(id)))
	return policies[i], nil
}

// Deactivate clears the active flag. Until another policy is activated,
// validation fails with NO_ACTIVE_POLICY.
func (s *Store) Deactivate(ctx context.Context, id ID) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.load(ctx)
	if err != nil {
		return Policy{}, err
	}
	i := indexOf(policies, id)
	if i < 0 {
		return Policy{}, ledger.NewError(ledger.CodeNotFound, "policy %s not found", id)
	}
	if !policies[i].Active {
		return policies[i], nil
	}
	now := s.now()
	policies[i].Active = false
	policies[i].UpdatedAt = now
	if err := s.save(ctx, policies); err != nil {
		return Policy{}, err
	}
	s.emit(ctx, events.PolicyDeactivated, id, now)
	s.log.Warn("policy deactivated, no policy is active", zap.String("policy_id", string(id)))
	return policies[i], nil
}

// EnsureDefault stores and activates Default when the collection is empty.
func (s *Store) EnsureDefault(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.load(ctx)
	if err != nil {
		return err
	}
	if len(policies) > 0 {
		return nil
	}
	now := s.now()
	p := Default(now)
	p.Active = true
	if err := s.save(ctx, []Policy{p}); err != nil {
		return err
	}
	s.emit(ctx, events.PolicyActivated, p.ID, now)
	s.log.Info("default policy synthesized", zap.String("policy_id", string(p.ID)))
	return nil
}

func (s *Store) emit(ctx context.Context, t events.Type, id ID, at time.Time) {
	evt := events.New(t, "", decimal.Zero, at)
	evt.Data = map[string]string{"policy_id": string(id)}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Error("publish policy event failed", zap.String("type", string(t)), zap.Error(err))
	}
}

func indexOf(policies []Policy, id ID) int {
	for i, p := range policies {
		if p.ID == id {
			return i
		}
	}
	return -1
}
