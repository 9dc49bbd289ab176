/*
repository.go - Entry and balance collections

PURPOSE:
  Typed access to the entries and balances collections stored through the
  Store collaborator. Each call decodes the whole collection; each write
  encodes it back with a single Set.

CONCURRENCY:
  Two users writing the same collection would otherwise race on the
  read-modify-write of the shared blob, so each repository serializes its
  own writes with a mutex. Per-user logical serialization lives in the
  service (locks.go).

SEE ALSO:
  - store.go: the collaborator contract
  - service.go: the write unit (entries Set, then balance Set)
*/
package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// ENTRY FILTER
// =============================================================================

// EntryFilter selects entries by in-memory scan. Zero fields match anything.
type EntryFilter struct {
	UserID   UserID
	IDs      []EntryID
	Types    []EntryType
	Statuses []Status
	OrderID  string
	// ExpiresAfter and ExpiresBefore bound ExpiresAt to (after, before].
	// Entries without an expiry never match a bounded filter.
	ExpiresAfter  *time.Time
	ExpiresBefore *time.Time
}

// Match reports whether e passes the filter.
func (f EntryFilter) Match(e Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.OrderID != "" && e.OrderID != f.OrderID {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, e.ID) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if f.ExpiresAfter != nil || f.ExpiresBefore != nil {
		if e.ExpiresAt == nil {
			return false
		}
		if f.ExpiresAfter != nil && !e.ExpiresAt.After(*f.ExpiresAfter) {
			return false
		}
		if f.ExpiresBefore != nil && e.ExpiresAt.After(*f.ExpiresBefore) {
			return false
		}
	}
	return true
}

func containsID(ids []EntryID, id EntryID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsType(types []EntryType, t EntryType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, s Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// ENTRY REPOSITORY
// =============================================================================

// EntryRepository is the entries collection.
type EntryRepository struct {
	store Store
	mu    sync.Mutex
}

func NewEntryRepository(store Store) *EntryRepository {
	return &EntryRepository{store: store}
}

func (r *EntryRepository) load(ctx context.Context) ([]Entry, error) {
	raw, found, err := r.store.Get(ctx, KeyEntries)
	if err != nil {
		return nil, StorageError("load entries", err)
	}
	if !found || len(raw) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, StorageError("decode entries", err)
	}
	return entries, nil
}

// All returns every entry in creation order.
func (r *EntryRepository) All(ctx context.Context) ([]Entry, error) {
	return r.load(ctx)
}

// Find returns the entries matching the filter, in creation order.
func (r *EntryRepository) Find(ctx context.Context, f EntryFilter) ([]Entry, error) {
	entries, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByUser returns all entries owned by userID.
func (r *EntryRepository) ByUser(ctx context.Context, userID UserID) ([]Entry, error) {
	return r.Find(ctx, EntryFilter{UserID: userID})
}

// Get returns one entry or NOT_FOUND.
func (r *EntryRepository) Get(ctx context.Context, id EntryID) (Entry, error) {
	entries, err := r.load(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, newError(CodeNotFound, "entry %s not found", id)
}

// Users returns the distinct owners of entries, sorted.
func (r *EntryRepository) Users(ctx context.Context) ([]UserID, error) {
	entries, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[UserID]bool)
	var users []UserID
	for _, e := range entries {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// Upsert replaces entries with matching IDs and appends the rest, all in
// one Set of the collection.
func (r *EntryRepository) Upsert(ctx context.Context, changed ...Entry) error {
	if len(changed) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load(ctx)
	if err != nil {
		return err
	}
	index := make(map[EntryID]int, len(entries))
	for i, e := range entries {
		index[e.ID] = i
	}
	for _, e := range changed {
		if i, ok := index[e.ID]; ok {
			entries[i] = e
			continue
		}
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return StorageError("encode entries", err)
	}
	return StorageError("save entries", r.store.Set(ctx, KeyEntries, raw))
}

// =============================================================================
// BALANCE REPOSITORY
// =============================================================================

// BalanceRepository is the balances collection, keyed by user.
type BalanceRepository struct {
	store Store
	mu    sync.Mutex
}

func NewBalanceRepository(store Store) *BalanceRepository {
	return &BalanceRepository{store: store}
}

func (r *BalanceRepository) load(ctx context.Context) (map[UserID]Balance, error) {
	raw, found, err := r.store.Get(ctx, KeyBalances)
	if err != nil {
		return nil, StorageError("load balances", err)
	}
	balances := make(map[UserID]Balance)
	if !found || len(raw) == 0 {
		return balances, nil
	}
	if err := json.Unmarshal(raw, &balances); err != nil {
		return nil, StorageError("decode balances", err)
	}
	return balances, nil
}

// Get returns the user's aggregate; found is false for users never seen.
func (r *BalanceRepository) Get(ctx context.Context, userID UserID) (Balance, bool, error) {
	balances, err := r.load(ctx)
	if err != nil {
		return Balance{}, false, err
	}
	b, ok := balances[userID]
	return b, ok, nil
}

// All returns every aggregate sorted by user.
func (r *BalanceRepository) All(ctx context.Context) ([]Balance, error) {
	balances, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(balances))
	for _, b := range balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Put writes one aggregate.
func (r *BalanceRepository) Put(ctx context.Context, b Balance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	balances, err := r.load(ctx)
	if err != nil {
		return err
	}
	balances[b.UserID] = b
	raw, err := json.Marshal(balances)
	if err != nil {
		return StorageError("encode balances", err)
	}
	return StorageError("save balances", r.store.Set(ctx, KeyBalances, raw))
}
