package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrFull      = errors.New("registry at capacity")
	ErrDraining  = errors.New("registry is draining")
	ErrDuplicate = errors.New("session already registered")
)

// Handle is the registry's non-owning reference to a live session: enough
// to route a forced close, never the session state itself.
type Handle struct {
	SessionID    string
	OwnerID      string
	RegisteredAt time.Time
	Close        func(reason string)
}

// Registry is the only structure shared across sessions. It maps session
// identifiers to connection handles under a mutex and force-closes every
// live session on shutdown.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	draining bool
	handles  map[string]Handle
}

func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 256
	}
	return &Registry{
		capacity: capacity,
		handles:  make(map[string]Handle),
	}
}

func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	if len(r.handles) >= r.capacity {
		return ErrFull
	}
	if _, ok := r.handles[h.SessionID]; ok {
		return ErrDuplicate
	}
	if h.RegisteredAt.IsZero() {
		h.RegisteredAt = time.Now().UTC()
	}
	r.handles[h.SessionID] = h
	return nil
}

func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, sessionID)
}

func (r *Registry) Lookup(sessionID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) Draining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}

// CloseAll marks the registry as draining and force-closes every live
// session so clients receive a terminal frame instead of a silent drop.
// Close callbacks run outside the lock; sessions unregister themselves.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	r.draining = true
	snapshot := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		if h.Close != nil {
			h.Close(reason)
		}
	}
}
