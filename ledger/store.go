/*
store.go - Key-value persistence contract

PURPOSE:
  The ledger persists three whole collections through an opaque key-value
  collaborator: all entries, all balances, all policies. The collaborator
  offers no transactions and no indexes, so every query is a full
  decode-and-filter in memory.

CONTRACT:
  Get returns (value, true, nil) when the key exists, (nil, false, nil) when
  it does not, and a non-nil error only for I/O failure.
  Set replaces the whole value stored under key.

IMPLEMENTATIONS:
  - store/memory:   in-process map (tests, dev)
  - store/sqlite:   single kv table (mattn/go-sqlite3)
  - store/postgres: single kv table (pgx)
  - store/redis:    plain string keys (go-redis)

SEE ALSO:
  - repository.go: typed collections on top of Store
*/
package ledger

import "context"

// Collection keys.
const (
	KeyEntries  = "points:entries"
	KeyBalances = "points:balances"
	KeyPolicies = "points:policies"
)

// Store is the key-value collaborator.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}
