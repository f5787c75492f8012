package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

const queryTimeout = 3 * time.Second

// Service answers login and register requests from a cache in front of
// a Store.
type Service struct {
	store Store
	cache *xsync.MapOf[string, string]
	log   zerolog.Logger

	// serializes the check-then-insert of Register
	mu sync.Mutex
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		cache: xsync.NewMapOf[string, string](),
		log:   log.With().Str("component", "auth").Logger(),
	}
}

// Preload copies every stored user into the cache.
func (s *Service) Preload(ctx context.Context) error {
	users, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for name, pass := range users {
		s.cache.Store(name, pass)
	}
	s.log.Info().Int("users", len(users)).Msg("user table loaded")
	return nil
}

// Login reports whether name exists with exactly this password.
func (s *Service) Login(name, password string) bool {
	if pass, ok := s.cache.Load(name); ok {
		return pass == password
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	pass, err := s.store.Lookup(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error().Err(err).Msg("lookup failed")
		}
		return false
	}
	s.cache.Store(name, pass)
	return pass == password
}

// Register adds a new user. Concurrent registrations of one name
// produce exactly one success.
func (s *Service) Register(name, password string) error {
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache.Load(name); ok {
		return ErrDuplicate
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := s.store.Insert(ctx, name, password); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// added behind our back, remember it
			if pass, lerr := s.store.Lookup(ctx, name); lerr == nil {
				s.cache.Store(name, pass)
			}
		}
		return err
	}
	s.cache.Store(name, password)
	return nil
}

// Close releases the store.
func (s *Service) Close() error { return s.store.Close() }
