package relay

import (
	"slices"

	"github.com/samber/lo"
)

// SessionRegistry maps a user id to the single transport currently bound to
// it. It is not safe for concurrent use; the Router serializes access.
type SessionRegistry struct {
	sessions map[string]Transport
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]Transport)}
}

// Register binds userID to t. When another transport held the binding it is
// returned with replaced set; the swap happens in one step so there is never
// a moment where both are bound.
func (r *SessionRegistry) Register(userID string, t Transport) (previous Transport, replaced bool) {
	prev, ok := r.sessions[userID]
	r.sessions[userID] = t
	if ok && prev != t {
		return prev, true
	}
	return nil, false
}

// Lookup returns the transport bound to userID.
func (r *SessionRegistry) Lookup(userID string) (Transport, bool) {
	t, ok := r.sessions[userID]
	return t, ok
}

// Online reports whether userID has a live session.
func (r *SessionRegistry) Online(userID string) bool {
	_, ok := r.sessions[userID]
	return ok
}

// Unregister removes the binding only when t is the transport currently
// bound to userID, so a superseded connection closing late cannot remove
// the session that replaced it.
func (r *SessionRegistry) Unregister(userID string, t Transport) bool {
	current, ok := r.sessions[userID]
	if !ok || current != t {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *SessionRegistry) Len() int {
	return len(r.sessions)
}

// UserIDs returns the registered user ids in sorted order.
func (r *SessionRegistry) UserIDs() []string {
	ids := lo.Keys(r.sessions)
	slices.Sort(ids)
	return ids
}
