package override

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/store"
)

// Store holds manual flag overrides keyed by full flag name. Writes to one key are
// serialized and are durable before they return; writes to different keys proceed
// independently.
type Store struct {
	backend store.Store
	values  sync.Map // full name -> raw string
	locks   sync.Map // full name -> *sync.Mutex
	logger  *log.Entry

	// OnChange is called after an override for key has been set or cleared.
	OnChange func(key string)
}

func New(backend store.Store, logger *log.Entry) *Store {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Store{
		backend: backend,
		logger:  logger.WithField("component", "overrides"),
	}
}

// Load replaces the in-memory view with the persisted overrides.
func (s *Store) Load(ctx context.Context) error {
	persisted, err := s.backend.ReadOverrides(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	s.values.Range(func(k, _ any) bool {
		if _, ok := persisted[k.(string)]; !ok {
			s.values.Delete(k)
		}
		return true
	})
	for k, v := range persisted {
		s.values.Store(k, v)
	}
	s.logger.Debug(fmt.Sprintf("loaded %d overrides", len(persisted)))
	return nil
}

// Set persists an override for the full flag name.
func (s *Store) Set(ctx context.Context, key, raw string) error {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := s.backend.WriteOverride(ctx, key, raw); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	s.values.Store(key, raw)
	s.logger.Debug(fmt.Sprintf("override set for %s", key))
	s.changed(key)
	return nil
}

// Clear removes the override for the full flag name, if any.
func (s *Store) Clear(ctx context.Context, key string) error {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := s.backend.DeleteOverride(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	s.values.Delete(key)
	s.logger.Debug(fmt.Sprintf("override cleared for %s", key))
	s.changed(key)
	return nil
}

// ClearAll removes every override. It stops at the first persistence failure.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, key := range s.Keys() {
		if err := s.Clear(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Has(key string) bool {
	_, ok := s.values.Load(key)
	return ok
}

func (s *Store) Get(key string) (string, bool) {
	v, ok := s.values.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Keys returns the full names of all overridden flags.
func (s *Store) Keys() []string {
	var keys []string
	s.values.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

func (s *Store) lock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) changed(key string) {
	if s.OnChange != nil {
		s.OnChange(key)
	}
}
