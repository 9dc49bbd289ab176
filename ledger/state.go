package ledger

// =============================================================================
// ENTRY STATE MACHINE
// =============================================================================
//
//   Pending ──► Available ──► Used
//      │            │  ▲ ──► Expired
//      │            │  │
//      │            ▼  │
//      │          Locked
//      │            │
//      └──► Cancelled ◄┘ (from Pending or Available only)
//
// Used, Expired and Cancelled are terminal.

var transitions = map[Status][]Status{
	StatusPending:   {StatusAvailable, StatusCancelled},
	StatusAvailable: {StatusUsed, StatusExpired, StatusLocked, StatusCancelled},
	StatusLocked:    {StatusAvailable},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool { return len(transitions[s]) == 0 }

// transition moves e to the target status or fails with
// INVALID_STATE_TRANSITION.
func (e *Entry) transition(to Status) error {
	if !CanTransition(e.Status, to) {
		return &Error{
			Code:    CodeInvalidStateTransition,
			Message: "entry " + string(e.ID) + ": cannot move from " + string(e.Status) + " to " + string(to),
		}
	}
	e.Status = to
	return nil
}
