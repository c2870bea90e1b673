package display

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kite-terminal/internal/feed"
	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

// Subscriber is the part of the subscription registry a view needs.
type Subscriber interface {
	Subscribe(consumerID string, keys []string, mode models.Mode) error
	ReleaseConsumer(consumerID string) error
}

// Seeder loads an initial snapshot for freshly subscribed keys.
type Seeder interface {
	Load(ctx context.Context, keys []string) map[string]models.TickRecord
}

// View describes one on-screen consumer of live data.
type View struct {
	ID       string
	Keys     []string
	Mode     models.Mode
	Level    Criticality
	OnChange ChangeFunc
}

// Set owns the projectors of every open view. Opening a view subscribes
// its instruments, seeds them from a snapshot and starts its projector;
// closing it stops the projector and releases the subscriptions.
type Set struct {
	cache      feed.Reader
	subs       Subscriber
	seeder     Seeder
	cadences   Cadences
	staleAfter time.Duration
	logger     zerolog.Logger

	mu    sync.Mutex
	views map[string]*Projector
}

// NewSet creates an empty view set. seeder may be nil.
func NewSet(cache feed.Reader, subs Subscriber, seeder Seeder, cadences Cadences, staleAfter time.Duration, logger zerolog.Logger) *Set {
	return &Set{
		cache:      cache,
		subs:       subs,
		seeder:     seeder,
		cadences:   cadences,
		staleAfter: staleAfter,
		logger:     logging.WithComponent(logger, "display"),
		views:      make(map[string]*Projector),
	}
}

// Open starts a view. Transport failures while subscribing are logged and
// the request stays queued in the registry.
func (s *Set) Open(ctx context.Context, v View) (*Projector, error) {
	if v.ID == "" {
		return nil, fmt.Errorf("view id is required")
	}

	p, err := NewProjector(s.cache, ProjectorConfig{
		Keys:       v.Keys,
		Interval:   s.cadences.For(v.Level),
		StaleAfter: s.staleAfter,
		OnChange:   v.OnChange,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.views[v.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("view %s already open", v.ID)
	}
	s.views[v.ID] = p
	s.mu.Unlock()

	if err := s.subs.Subscribe(v.ID, v.Keys, v.Mode); err != nil {
		s.logger.Warn().Err(err).Str("view", v.ID).Msg("Subscribe deferred")
	}
	if s.seeder != nil {
		s.seeder.Load(ctx, v.Keys)
	}

	p.Start(ctx)
	s.logger.Debug().Str("view", v.ID).Int("instruments", len(v.Keys)).Dur("interval", p.interval).Msg("View opened")
	return p, nil
}

// Close stops the view's projector and releases its subscriptions.
func (s *Set) Close(viewID string) error {
	s.mu.Lock()
	p, ok := s.views[viewID]
	delete(s.views, viewID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	p.Stop()
	return s.subs.ReleaseConsumer(viewID)
}

// CloseAll tears down every open view.
func (s *Set) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Close(id); err != nil {
			s.logger.Warn().Err(err).Str("view", id).Msg("Release failed")
		}
	}
}

// State returns the derived state for key from any open view tracking it.
func (s *Set) State(key string) (models.DisplayState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.views {
		if st, ok := p.State(key); ok {
			return st, true
		}
	}
	return models.DisplayState{}, false
}

// Len returns the number of open views.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}
