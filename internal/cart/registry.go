package cart

import (
	"errors"
	"sync"
	"time"

	"kasirinaja/pos/internal/xid"
)

var ErrSessionNotFound = errors.New("cart session not found")

type session struct {
	mu    sync.Mutex
	cart  *Cart
	owner string

	// guarded by Registry.mu
	touchedAt time.Time
}

// Registry keeps one Cart per open cashier session. Each session has its own
// lock; the registry lock only guards the map.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	idleTTL  time.Duration
	now      func() time.Time
}

func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Open starts an empty cart for storeID and returns its session id.
func (r *Registry) Open(storeID, owner string) string {
	id := xid.New("cart")
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	r.sessions[id] = &session{cart: New(storeID), owner: owner, touchedAt: now}
	return id
}

// With runs fn while holding the session lock.
func (r *Registry) With(id string, fn func(c *Cart) error) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.cart)
}

// Owner reports who opened the session.
func (r *Registry) Owner(id string) (string, error) {
	s, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return s.owner, nil
}

func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := r.now()
	if r.idleTTL > 0 && now.Sub(s.touchedAt) > r.idleTTL {
		delete(r.sessions, id)
		return nil, ErrSessionNotFound
	}
	s.touchedAt = now
	return s, nil
}

func (r *Registry) sweepLocked(now time.Time) {
	if r.idleTTL <= 0 {
		return
	}
	for id, s := range r.sessions {
		if now.Sub(s.touchedAt) > r.idleTTL {
			delete(r.sessions, id)
		}
	}
}
