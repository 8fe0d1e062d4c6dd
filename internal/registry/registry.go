// Package registry tracks which identities have live transports
// attached. Removal after a transport closes is deferred by a grace
// window so a page refresh or flaky network does not flap presence;
// notifications fire only on a net state change.
package registry

import (
	"strings"
	"sync"
	"time"

	"wagerchess/internal/logging"
)

// Transport is one live client channel. The registry only fans bytes
// out to it; the wire encoding is the transport's business.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Notifier is the presence/friends collaborator: given an identity it
// returns the related identities to tell about a presence change. The
// registry only emits to addresses supplied by it.
type Notifier interface {
	Related(userID string) []string
}

// NoopNotifier relates nobody to anybody.
type NoopNotifier struct{}

func (NoopNotifier) Related(string) []string { return nil }

// ChangeFunc receives net presence changes along with the related
// identities to notify.
type ChangeFunc func(userID string, online bool, related []string)

// GuestPrefix marks ephemeral identities. Guests get in-memory presence
// like everyone else but are never persisted anywhere.
const GuestPrefix = "guest:"

// IsGuest reports whether an identity is ephemeral.
func IsGuest(userID string) bool {
	return strings.HasPrefix(userID, GuestPrefix)
}

type entry struct {
	conns      map[string]Transport
	lastSeen   time.Time
	graceTimer *time.Timer
}

// Registry maps identities to their live transports.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	grace    time.Duration
	notifier Notifier
	onChange ChangeFunc
}

// New creates a registry with the given reconnection grace window.
func New(grace time.Duration, notifier Notifier, onChange ChangeFunc) *Registry {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Registry{
		entries:  make(map[string]*entry),
		grace:    grace,
		notifier: notifier,
		onChange: onChange,
	}
}

// Register associates a live transport with an identity. Multiple
// transports per identity are fine (duplicate tabs). A register that
// lands inside the grace window of a recent disconnect is a reconnect
// blip and fires no notification.
func (r *Registry) Register(userID, connID string, t Transport) {
	r.mu.Lock()
	e, existed := r.entries[userID]
	if !existed {
		e = &entry{conns: make(map[string]Transport)}
		r.entries[userID] = e
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.conns[connID] = t
	e.lastSeen = time.Now()
	r.mu.Unlock()

	if !existed {
		logging.Debugf("presence: %s online", userID)
		r.notify(userID, true)
	}
}

// Unregister removes a transport. When the identity's last transport
// goes away, removal is deferred by the grace window; only if nothing
// reattaches does the identity go offline.
func (r *Registry) Unregister(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return
	}
	delete(e.conns, connID)
	e.lastSeen = time.Now()
	if len(e.conns) > 0 || e.graceTimer != nil {
		return
	}
	e.graceTimer = time.AfterFunc(r.grace, func() {
		r.expire(userID)
	})
}

func (r *Registry) expire(userID string) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || len(e.conns) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	logging.Debugf("presence: %s offline", userID)
	r.notify(userID, false)
}

func (r *Registry) notify(userID string, online bool) {
	if r.onChange == nil {
		return
	}
	r.onChange(userID, online, r.notifier.Related(userID))
}

// IsOnline reports presence. An identity inside its grace window still
// counts as online.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[userID]
	return ok
}

// LastSeen returns the identity's last transport activity.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		return e.lastSeen, true
	}
	return time.Time{}, false
}

// SendTo fans a payload out to every live transport of an identity.
func (r *Registry) SendTo(userID string, data []byte) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	var conns []Transport
	if ok {
		conns = make([]Transport, 0, len(e.conns))
		for _, t := range e.conns {
			conns = append(conns, t)
		}
	}
	r.mu.Unlock()

	for _, t := range conns {
		if err := t.Send(data); err != nil {
			logging.Debugf("presence send to %s failed: %v", userID, err)
		}
	}
}
