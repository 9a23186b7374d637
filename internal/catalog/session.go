package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StoreFactory builds a fresh collection store for a session. Injected so
// the catalog core stays free of storage wiring.
type StoreFactory func() Store

// Session is one catalog run for a playlist: its store, its pipeline, and
// the run's lifecycle. Partial results stay readable after cancellation.
type Session struct {
	ID        string
	Store     Store
	Pipeline  *Pipeline
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mutex sync.Mutex
	err   error
}

// Done is closed when the run reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the pipeline is still processing entries.
func (s *Session) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err returns the fatal error of a finished run, if any.
func (s *Session) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// Cancel stops dispatch of new entries; in-flight lookups finish or time
// out and completed work is kept.
func (s *Session) Cancel() {
	s.cancel()
}

// SessionManager tracks at most one session per playlist ID. Completed
// sessions are kept so repeat requests reuse the built collection instead
// of re-running the pipeline.
type SessionManager struct {
	pipelineConfig *PipelineConfig
	factory        StoreFactory
	cache          CacheGateway
	enricher       EnrichmentClient
	logger         *zap.Logger

	mutex    sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(
	pipelineConfig *PipelineConfig,
	factory StoreFactory,
	cache CacheGateway,
	enricher EnrichmentClient,
	logger *zap.Logger,
) *SessionManager {
	return &SessionManager{
		pipelineConfig: pipelineConfig,
		factory:        factory,
		cache:          cache,
		enricher:       enricher,
		logger:         logger,
		sessions:       make(map[string]*Session),
	}
}

// Start begins processing a playlist unless a session for the ID already
// exists, in which case the existing session is returned. The bool reports
// whether a new run was started.
func (m *SessionManager) Start(id string, entries []PlaylistEntry) (*Session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if existing, ok := m.sessions[id]; ok {
		return existing, false
	}

	store := m.factory()
	pipeline := NewPipeline(m.pipelineConfig, store, m.cache, m.enricher,
		m.logger.Named("pipeline").With(zap.String("playlist", id)))

	runCtx, cancel := context.WithCancel(context.Background())
	session := &Session{
		ID:        id,
		Store:     store,
		Pipeline:  pipeline,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[id] = session

	go func() {
		defer close(session.done)
		defer cancel()

		_, err := pipeline.Process(runCtx, entries)
		if err != nil {
			session.mutex.Lock()
			session.err = err
			session.mutex.Unlock()
			m.logger.Error("Session failed",
				zap.String("playlist", id),
				zap.Error(err))
		}
	}()

	return session, true
}

// Get returns the session for a playlist ID.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, ok := m.sessions[id]
	return session, ok
}

// Drop cancels a session and forgets it, discarding its collection.
func (m *SessionManager) Drop(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return false
	}

	session.cancel()
	delete(m.sessions, id)
	return true
}

// Len returns the number of tracked sessions.
func (m *SessionManager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

// TrackTotal sums collection sizes across sessions, for metrics.
func (m *SessionManager) TrackTotal() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	total := 0
	for _, s := range m.sessions {
		total += s.Store.Len()
	}
	return total
}

// Shutdown cancels every running session.
func (m *SessionManager) Shutdown() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, s := range m.sessions {
		s.cancel()
	}
}
