package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
)

// ConnectedUser is one live registry entry.
type ConnectedUser struct {
	UserID      string
	DisplayName string
	ConnectedAt time.Time
	queue       *Queue
}

// Observer is notified of online/offline transitions. Replacing a live
// connection is not a transition. Callbacks run on the caller's goroutine
// after the registry lock is released, one transition at a time and in the
// order the transitions were applied, so the last callback for a user always
// matches the registry. A slow callback delays later transitions' callbacks
// (never lookups or delivery); callbacks must not call back into the Registry.
type Observer interface {
	UserOnline(userID, displayName string)
	UserOffline(userID string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize sets the per-user outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Registry maps user ids to their live connection. There is at most one
// entry per user; registering again replaces (and closes) the old queue.
type Registry struct {
	users     map[string]*ConnectedUser
	mu        sync.RWMutex
	queueSize int
	observers []Observer

	// Observer callbacks are ticketed under mu and run in ticket order.
	nextTicket uint64
	turnMu     sync.Mutex
	turn       *sync.Cond
	serving    uint64
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		users:     make(map[string]*ConnectedUser),
		queueSize: DefaultQueueSize,
	}
	r.turn = sync.NewCond(&r.turnMu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a fresh queue for userID and returns it. An existing
// entry for the same user is replaced and its queue closed, which ends the
// previous connection's writer.
func (r *Registry) Register(userID, displayName string) *Queue {
	q := newQueue(r.queueSize)

	r.mu.Lock()
	old := r.users[userID]
	r.users[userID] = &ConnectedUser{
		UserID:      userID,
		DisplayName: displayName,
		ConnectedAt: time.Now(),
		queue:       q,
	}
	var ticket uint64
	if old == nil {
		ticket = r.takeTicket()
	}
	r.mu.Unlock()

	l := log.L()
	if old != nil {
		old.queue.Close()
		l.Info().Str(log.FieldUserID, userID).Msg("connection replaced")
		return q
	}

	l.Debug().Str(log.FieldUserID, userID).Msg("user registered")
	r.inTurn(ticket, func() {
		for _, o := range r.observers {
			o.UserOnline(userID, displayName)
		}
	})
	return q
}

// Unregister removes userID if present. Calling it for an unknown user is a
// no-op.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	entry, ok := r.users[userID]
	var ticket uint64
	if ok {
		delete(r.users, userID)
		ticket = r.takeTicket()
	}
	r.mu.Unlock()

	if ok {
		r.removed(ticket, entry)
	}
}

// Release removes userID only while its entry still owns q. A session that
// has been replaced by a newer connection calls Release on the way out and
// leaves the newer entry in place.
func (r *Registry) Release(userID string, q *Queue) bool {
	r.mu.Lock()
	entry, ok := r.users[userID]
	var ticket uint64
	if ok && entry.queue == q {
		delete(r.users, userID)
		ticket = r.takeTicket()
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.removed(ticket, entry)
	}
	return ok
}

func (r *Registry) removed(ticket uint64, entries ...*ConnectedUser) {
	l := log.L()
	for _, entry := range entries {
		entry.queue.Close()
		l.Debug().Str(log.FieldUserID, entry.UserID).Msg("user unregistered")
	}

	r.inTurn(ticket, func() {
		for _, entry := range entries {
			for _, o := range r.observers {
				o.UserOffline(entry.UserID)
			}
		}
	})
}

// takeTicket reserves the next observer slot. Callers hold mu.
func (r *Registry) takeTicket() uint64 {
	t := r.nextTicket
	r.nextTicket++
	return t
}

// inTurn runs fn once the callbacks of every earlier ticket have returned.
func (r *Registry) inTurn(ticket uint64, fn func()) {
	r.turnMu.Lock()
	for r.serving != ticket {
		r.turn.Wait()
	}
	r.turnMu.Unlock()

	defer func() {
		r.turnMu.Lock()
		r.serving++
		r.turnMu.Unlock()
		r.turn.Broadcast()
	}()
	fn()
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// OnlineMembers returns the subset of candidates that are registered, in
// candidate order. Duplicates in candidates are reported once.
func (r *Registry) OnlineMembers(candidates []string) []string {
	online := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.users[id]; ok {
			online = append(online, id)
		}
	}
	return online
}

// Deliver enqueues env for userID without blocking. The lock is only held
// for the lookup.
func (r *Registry) Deliver(userID string, env domain.Envelope) error {
	r.mu.RLock()
	entry, ok := r.users[userID]
	r.mu.RUnlock()

	if !ok {
		return ErrOffline
	}
	if err := entry.queue.TryPush(env); err != nil {
		return fmt.Errorf("deliver to %s: %w", userID, err)
	}
	return nil
}

// DisplayName returns the display name userID registered with.
func (r *Registry) DisplayName(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.users[userID]
	if !ok {
		return "", false
	}
	return entry.DisplayName, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// CloseAll closes every queue and empties the registry. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*ConnectedUser, 0, len(r.users))
	for id, entry := range r.users {
		entries = append(entries, entry)
		delete(r.users, id)
	}
	ticket := r.takeTicket()
	r.mu.Unlock()

	r.removed(ticket, entries...)
}
