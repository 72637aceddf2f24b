package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"go.uber.org/zap"
)

const (
	operationCreate = "create"
	operationUpdate = "update"
	operationDelete = "delete"
)

var (
	errMissingIdentity = errors.New("reconcile: identity is required")
	errMissingGateway  = errors.New("reconcile: gateway is required")
	errMissingLoader   = errors.New("reconcile: loader is required")
	errMissingFeed     = errors.New("reconcile: feed is required")
	errAlreadyStarted  = errors.New("reconcile: session already started")
	errNotStarted      = errors.New("reconcile: session is not started")
	errNoUpdater       = errors.New("reconcile: gateway does not support updates")
)

// Gateway performs mutations against the store-of-record.
type Gateway interface {
	Create(ctx context.Context, title, url string) (bookmarks.Record, error)
	Delete(ctx context.Context, id string) error
}

// Updater is implemented by gateways that can edit a bookmark in place.
type Updater interface {
	Update(ctx context.Context, id, title, url string) (bookmarks.Record, error)
}

// Loader fetches the initial snapshot for the current identity.
type Loader interface {
	ListBookmarks(ctx context.Context) ([]bookmarks.Record, error)
}

// FeedHandlers receive change events in arrival order. OnLost is called at most once,
// when the feed ends for good without being unsubscribed.
type FeedHandlers struct {
	OnInsert func(record bookmarks.Record)
	OnUpdate func(record bookmarks.Record)
	OnDelete func(id string)
	OnLost   func(err error)
}

// Feed opens a push subscription scoped to one owner. The returned function closes
// the subscription; once it returns no handler is invoked again.
type Feed interface {
	Subscribe(ctx context.Context, owner string, handlers FeedHandlers) (func(), error)
}

// IdentityResolver returns the current principal, or ErrNoIdentity.
type IdentityResolver interface {
	CurrentIdentity(ctx context.Context) (string, error)
}

// SessionConfig describes the collaborators of a Session.
type SessionConfig struct {
	Identity string
	Gateway  Gateway
	Loader   Loader
	Feed     Feed
	View     View
	Logger   *zap.Logger
}

// Session owns the reconciliation store of one identity for its whole lifetime:
// seed, feed subscription, optimistic mutations, projection, and teardown.
type Session struct {
	mu          sync.Mutex
	identity    string
	store       *Store
	view        View
	gateway     Gateway
	loader      Loader
	feed        Feed
	logger      *zap.Logger
	started     bool
	ready       bool
	closed      bool
	unsubscribe func()
	changes     chan struct{}
}

// NewSession validates the configuration and returns an unstarted session.
func NewSession(cfg SessionConfig) (*Session, error) {
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		return nil, errMissingIdentity
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
	view := cfg.View
	if view.Sort == "" {
		view.Sort = SortNewest
	}
	return &Session{
		identity: identity,
		store:    NewStore(identity),
		view:     view,
		gateway:  cfg.Gateway,
		loader:   cfg.Loader,
		feed:     cfg.Feed,
		logger:   logger.With(zap.String("identity", identity)),
		changes:  make(chan struct{}, 1),
	}, nil
}

// Start seeds the store from the loader and then subscribes to the feed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrIdentityLost
	}
	if s.started {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	records, err := s.loader.ListBookmarks(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.expire(err)
			return fmt.Errorf("%w: %v", ErrIdentityLost, err)
		}
		return fmt.Errorf("reconcile: load snapshot: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrIdentityLost
	}
	if s.store.Seed(records) {
		s.signal()
	}
	s.ready = true
	s.mu.Unlock()
	s.logger.Debug("session seeded", zap.Int("records", len(records)))

	unsubscribe, err := s.feed.Subscribe(ctx, s.identity, FeedHandlers{
		OnInsert: s.handleInsert,
		OnUpdate: s.handleUpdate,
		OnDelete: s.handleDelete,
		OnLost:   s.handleLost,
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.expire(err)
			return fmt.Errorf("%w: %v", ErrIdentityLost, err)
		}
		return fmt.Errorf("reconcile: subscribe: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return ErrIdentityLost
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return nil
}

// Identity returns the principal the session is bound to.
func (s *Session) Identity() string {
	return s.identity
}

// Changes signals after every store or view change. Signals coalesce; the channel is
// closed when the session ends.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// View returns the current display sequence.
func (s *Session) View() []bookmarks.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Project(s.store.Snapshot(), s.view)
}

// Snapshot returns the raw store contents.
func (s *Session) Snapshot() []bookmarks.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot()
}

// SetSort changes the sort key.
func (s *Session) SetSort(key SortKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.Sort == key {
		return
	}
	s.view.Sort = key
	s.signal()
}

// SetSearch changes the search term.
func (s *Session) SetSearch(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.Search == term {
		return
	}
	s.view.Search = term
	s.signal()
}

// Create validates input locally, asks the gateway to create the bookmark and merges
// the acknowledged record. On failure the store is left untouched.
func (s *Session) Create(ctx context.Context, title, url string) (bookmarks.Record, error) {
	if err := s.usable(); err != nil {
		return bookmarks.Record{}, err
	}
	validTitle, validURL, err := bookmarks.ValidateInput(title, url)
	if err != nil {
		return bookmarks.Record{}, err
	}

	record, err := s.gateway.Create(ctx, validTitle.String(), validURL.String())
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.expire(err)
			return bookmarks.Record{}, fmt.Errorf("%w: %v", ErrIdentityLost, err)
		}
		s.logger.Warn("bookmark create failed", zap.Error(err))
		return bookmarks.Record{}, &MutationError{Operation: operationCreate, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return record, nil
	}
	if record.Owner != s.identity {
		s.logger.Warn("gateway returned bookmark of another owner",
			zap.String("bookmark_id", record.ID),
			zap.String("owner", record.Owner))
		return record, nil
	}
	if s.store.ApplyInsert(record) {
		s.signal()
	}
	return record, nil
}

// Update edits title and url through the gateway and merges the acknowledged record.
// Like Create it is not optimistic; on failure the store is left untouched.
func (s *Session) Update(ctx context.Context, id, title, url string) (bookmarks.Record, error) {
	if err := s.usable(); err != nil {
		return bookmarks.Record{}, err
	}
	updater, ok := s.gateway.(Updater)
	if !ok {
		return bookmarks.Record{}, errNoUpdater
	}
	bookmarkID, err := bookmarks.NewBookmarkID(id)
	if err != nil {
		return bookmarks.Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	validTitle, validURL, err := bookmarks.ValidateInput(title, url)
	if err != nil {
		return bookmarks.Record{}, err
	}

	record, err := updater.Update(ctx, bookmarkID.String(), validTitle.String(), validURL.String())
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.expire(err)
			return bookmarks.Record{}, fmt.Errorf("%w: %v", ErrIdentityLost, err)
		}
		s.logger.Warn("bookmark update failed", zap.String("bookmark_id", bookmarkID.String()), zap.Error(err))
		return bookmarks.Record{}, &MutationError{Operation: operationUpdate, BookmarkID: bookmarkID.String(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return record, nil
	}
	if record.Owner != s.identity {
		s.logger.Warn("gateway returned bookmark of another owner",
			zap.String("bookmark_id", record.ID),
			zap.String("owner", record.Owner))
		return record, nil
	}
	if s.store.ApplyUpdate(record) {
		s.signal()
	}
	return record, nil
}

// Delete removes the bookmark optimistically and rolls back when the gateway fails.
func (s *Session) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	_, removed := s.store.RemoveLocal(id)
	if removed {
		s.signal()
	}
	s.mu.Unlock()

	err := s.gateway.Delete(ctx, id)
	if err != nil && errors.Is(err, ErrUnauthorized) {
		s.expire(err)
		return fmt.Errorf("%w: %v", ErrIdentityLost, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if !s.closed && removed && s.store.RollbackRemove(id) {
			s.signal()
		}
		s.logger.Warn("bookmark delete failed", zap.String("bookmark_id", id), zap.Error(err))
		return &MutationError{Operation: operationDelete, BookmarkID: id, Err: err}
	}
	if !s.closed {
		s.store.ConfirmRemove(id)
	}
	return nil
}

// Close ends the session: the feed is unsubscribed and the state is discarded. It is
// safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.store = NewStore(s.identity)
	close(s.changes)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.logger.Debug("session closed")
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

// usableLocked rejects mutations on an ended session and before the snapshot is seeded.
func (s *Session) usableLocked() error {
	if s.closed {
		return ErrIdentityLost
	}
	if !s.ready {
		return errNotStarted
	}
	return nil
}

func (s *Session) expire(cause error) {
	s.logger.Info("session identity lost", zap.Error(cause))
	s.Close()
}

func (s *Session) handleInsert(record bookmarks.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptsFeedRecord(record) {
		return
	}
	if s.store.ApplyInsert(record) {
		s.signal()
	}
}

func (s *Session) handleUpdate(record bookmarks.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptsFeedRecord(record) {
		return
	}
	if s.store.ApplyUpdate(record) {
		s.signal()
	}
}

func (s *Session) handleDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.store.ApplyDelete(id) {
		s.signal()
	}
}

// handleLost ends the session once its feed has stopped for good.
func (s *Session) handleLost(err error) {
	if err == nil {
		err = ErrFeedLost
	}
	if errors.Is(err, ErrUnauthorized) {
		s.expire(err)
		return
	}
	s.logger.Warn("feed lost; ending session", zap.Error(err))
	s.Close()
}

func (s *Session) acceptsFeedRecord(record bookmarks.Record) bool {
	if s.closed {
		return false
	}
	if record.Owner != s.identity {
		s.logger.Warn("dropping feed event of another owner",
			zap.String("bookmark_id", record.ID),
			zap.String("owner", record.Owner))
		return false
	}
	return true
}

// signal must be called with mu held.
func (s *Session) signal() {
	if s.closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
