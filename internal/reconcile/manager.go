package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var errMissingResolver = errors.New("reconcile: identity resolver is required")

// ManagerConfig describes how sessions are built for each identity.
type ManagerConfig struct {
	Resolver IdentityResolver
	Gateway  Gateway
	Loader   Loader
	Feed     Feed
	View     View
	Logger   *zap.Logger
}

// Manager ties the session lifecycle to the current identity: every identity change
// tears the old session down and seeds a new one.
type Manager struct {
	mu      sync.Mutex
	config  ManagerConfig
	current *Session
	logger  *zap.Logger
}

// NewManager validates the configuration and returns a manager without a session.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{config: cfg, logger: logger}, nil
}

// Sync resolves the current identity and makes the managed session match it. It is
// the handler for sign-in and sign-out notifications. When nobody is signed in the
// session is torn down and ErrNoIdentity is returned.
func (m *Manager) Sync(ctx context.Context) (*Session, error) {
	identity, err := m.config.Resolver.CurrentIdentity(ctx)
	if err != nil && !errors.Is(err, ErrNoIdentity) && !errors.Is(err, ErrUnauthorized) {
		return nil, fmt.Errorf("reconcile: resolve identity: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil || identity == "" {
		m.closeCurrentLocked()
		return nil, ErrNoIdentity
	}
	if m.current != nil && !m.current.Closed() && m.current.Identity() == identity {
		return m.current, nil
	}
	m.closeCurrentLocked()

	session, err := NewSession(SessionConfig{
		Identity: identity,
		Gateway:  m.config.Gateway,
		Loader:   m.config.Loader,
		Feed:     m.config.Feed,
		View:     m.config.View,
		Logger:   m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := session.Start(ctx); err != nil {
		session.Close()
		return nil, err
	}
	m.current = session
	m.logger.Info("session started", zap.String("identity", identity))
	return session, nil
}

// Current returns the active session, if any.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Closed() {
		return nil
	}
	return m.current
}

// Close tears down the active session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCurrentLocked()
}

func (m *Manager) closeCurrentLocked() {
	if m.current == nil {
		return
	}
	m.current.Close()
	m.logger.Info("session ended", zap.String("identity", m.current.Identity()))
	m.current = nil
}
