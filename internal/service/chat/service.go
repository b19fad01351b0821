package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrPersonaRequired = errors.New("persona id is required")
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultIdleTTL is how long an unused session is kept.
const DefaultIdleTTL = 30 * time.Minute

// Service keeps the live sessions of the process.
type Service struct {
	deps    Deps
	idleTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*Coordinator

	cron *cron.Cron
}

// NewService bootstraps the in-memory session registry. A non-positive idleTTL
// uses DefaultIdleTTL.
func NewService(deps Deps, idleTTL time.Duration) *Service {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Service{
		deps:     deps,
		idleTTL:  idleTTL,
		sessions: make(map[string]*Coordinator),
	}
}

// CreateSession provisions an anonymous session bound to a persona. window 0
// picks the default context window.
func (s *Service) CreateSession(ctx context.Context, personaID string, window int) (*Coordinator, error) {
	if personaID == "" {
		return nil, ErrPersonaRequired
	}

	c, err := NewCoordinator(ctx, uuid.NewString(), s.deps, personaID, window)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[c.ID()] = c
	s.mu.Unlock()

	s.deps.Metrics.SessionOpened()
	log.Info().Str("session", c.ID()).Str("persona", personaID).Msg("session created")
	return c, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (*Coordinator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// EndSession cancels any in-flight reply and forgets the session. Stored memory
// is kept.
func (s *Service) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	c, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	c.Cancel()
	s.deps.Metrics.SessionClosed()
	log.Info().Str("session", sessionID).Msg("session ended")
	return nil
}

// Len returns the number of live sessions.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ExpireIdle ends sessions unused since before now-idleTTL and returns how many
// were removed. Sessions with a reply in flight are kept.
func (s *Service) ExpireIdle(now time.Time) int {
	cutoff := now.Add(-s.idleTTL)

	s.mu.RLock()
	var stale []string
	for id, c := range s.sessions {
		lastActive, streaming := c.idleSince()
		if !streaming && lastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		_ = s.EndSession(context.Background(), id)
	}
	if len(stale) > 0 {
		log.Info().Int("expired", len(stale)).Dur("ttl", s.idleTTL).Msg("idle sessions expired")
	}
	return len(stale)
}

// StartJanitor runs ExpireIdle on the given cron schedule, e.g. "@every 1m".
func (s *Service) StartJanitor(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.ExpireIdle(time.Now().UTC()) }); err != nil {
		return fmt.Errorf("schedule session janitor: %w", err)
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	log.Debug().Str("schedule", schedule).Msg("session janitor started")
	return nil
}

// Stop halts the janitor and cancels every in-flight reply.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	sessions := make([]*Coordinator, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, session := range sessions {
		session.Cancel()
	}
}
