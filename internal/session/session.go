// Package session holds the process-wide session credential.
//
// The Store is the only writer of the token. REST and push components read
// it at the moment they need it, so a login or logout takes effect on the
// next request or the next channel handshake.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultExpiry matches the browser deployment, where the token cookie lives
// for one hour.
const DefaultExpiry = time.Hour

// Backing persists the token. Implementations decide where the value lives
// and when it expires.
type Backing interface {
	Load() (string, bool)
	Save(token string) error
	Delete() error
}

// Transition describes one change of the session.
type Transition struct {
	Previous string
	Current  string
	Present  bool
}

// TokenSource is the read side of the store, used by the REST gateway and the
// push channel.
type TokenSource interface {
	Current() (string, bool)
}

type Store struct {
	backing Backing
	logger  *slog.Logger

	mu        sync.RWMutex
	listeners []func(Transition)
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(backing Backing, opts ...Option) *Store {
	if backing == nil {
		backing = NewMemoryBacking(0)
	}
	s := &Store{
		backing: backing,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the token, or false if there is none or it expired.
func (s *Store) Current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backing.Load()
}

// Set replaces the token as a whole.
func (s *Store) Set(token string) error {
	if token == "" {
		return s.Clear()
	}

	s.mu.Lock()
	prev, _ := s.backing.Load()
	if err := s.backing.Save(token); err != nil {
		s.mu.Unlock()
		return err
	}
	listeners := s.listeners
	s.mu.Unlock()

	s.notify(listeners, Transition{Previous: prev, Current: token, Present: true})
	return nil
}

// Clear removes the token, e.g. on logout.
func (s *Store) Clear() error {
	s.mu.Lock()
	prev, had := s.backing.Load()
	if err := s.backing.Delete(); err != nil {
		s.mu.Unlock()
		return err
	}
	listeners := s.listeners
	s.mu.Unlock()

	if had {
		s.notify(listeners, Transition{Previous: prev})
	}
	return nil
}

// Subscribe registers fn to be called after every session transition.
func (s *Store) Subscribe(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(listeners []func(Transition), t Transition) {
	s.logger.Debug("session transition", "present", t.Present)
	for _, fn := range listeners {
		fn(t)
	}
}
