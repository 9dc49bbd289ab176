package ledger

import "sync"

// userLocks hands out one mutex per user. Operations on different users
// never contend; the sweep takes the same locks as Spend and Cancel.
type userLocks struct {
	mu    sync.Mutex
	locks map[UserID]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[UserID]*sync.Mutex)}
}

func (l *userLocks) get(userID UserID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

// lock acquires the user's mutex and returns its release func.
func (l *userLocks) lock(userID UserID) func() {
	m := l.get(userID)
	m.Lock()
	return m.Unlock
}
