package presence

import (
	"sort"
	"sync"
	"time"
)

// DefaultActivity is assigned to a user when they come online.
const DefaultActivity = "Idle"

// Conn is the transport handle of one live connection. Send must not block;
// a failed send is reported but never retried by the caller.
type Conn interface {
	ID() string
	Send(payload []byte) error
}

type entry struct {
	conn     Conn
	activity string
	since    time.Time
}

// Registry is the process-wide record of who is online. It maps each user id
// to the most recent connection registered for it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register binds userID to conn, replacing any earlier connection of the same
// user. becameOnline reports an Offline -> Online transition; previous is the
// connection that was replaced, if any.
func (r *Registry) Register(userID string, conn Conn) (becameOnline bool, previous Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[userID]; ok {
		previous = existing.conn
		existing.conn = conn
		return false, previous
	}

	r.entries[userID] = &entry{
		conn:     conn,
		activity: DefaultActivity,
		since:    r.now().UTC(),
	}
	return true, nil
}

// Unregister removes userID. It reports whether a mapping existed, so calling
// it twice is harmless.
func (r *Registry) Unregister(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[userID]; !ok {
		return false
	}
	delete(r.entries, userID)
	return true
}

// Release removes userID only while conn is still its registered connection.
// A superseded connection closing leaves the newer mapping in place.
func (r *Registry) Release(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[userID]
	if !ok || conn == nil || existing.conn.ID() != conn.ID() {
		return false
	}
	delete(r.entries, userID)
	return true
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// Lookup returns the live connection of userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return existing.conn, true
}

// OnlineSince returns when userID came online.
func (r *Registry) OnlineSince(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.entries[userID]
	if !ok {
		return time.Time{}, false
	}
	return existing.since, true
}

// Snapshot returns the online user ids in ascending order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.entries))
	for userID := range r.entries {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Connections returns the live connections of every online user except
// the one named by except. Pass "" to include everyone.
func (r *Registry) Connections(except string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.entries))
	for userID, existing := range r.entries {
		if userID == except {
			continue
		}
		conns = append(conns, existing.conn)
	}
	return conns
}

// SetActivity records what an online user is doing. Offline users are
// ignored and false is returned.
func (r *Registry) SetActivity(userID, activity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[userID]
	if !ok {
		return false
	}
	existing.activity = activity
	return true
}

// Activity returns the current activity of an online user.
func (r *Registry) Activity(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.entries[userID]
	if !ok {
		return "", false
	}
	return existing.activity, true
}

// Activities returns a copy of every online user's activity.
func (r *Registry) Activities() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	activities := make(map[string]string, len(r.entries))
	for userID, existing := range r.entries {
		activities[userID] = existing.activity
	}
	return activities
}
