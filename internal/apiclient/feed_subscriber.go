package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/feed"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/reconcile"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

var errMissingClient = errors.New("apiclient: client is required")

// FeedSubscriberConfig controls the websocket feed subscription.
type FeedSubscriberConfig struct {
	Client         *Client
	Dialer         *websocket.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnReconnect runs after every successful redial. Events missed while the socket
	// was down are not replayed.
	OnReconnect func()
	Logger      *zap.Logger
}

// FeedSubscriber implements reconcile.Feed over the API's websocket feed.
type FeedSubscriber struct {
	client         *Client
	dialer         *websocket.Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	onReconnect    func()
	logger         *zap.Logger
}

// NewFeedSubscriber validates cfg and builds a subscriber.
func NewFeedSubscriber(cfg FeedSubscriberConfig) (*FeedSubscriber, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = max(defaultMaxBackoff, initialBackoff)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedSubscriber{
		client:         cfg.Client,
		dialer:         dialer,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		onReconnect:    cfg.OnReconnect,
		logger:         logger,
	}, nil
}

// Subscribe dials the feed and delivers owner's events to handlers from one goroutine.
// The first dial is synchronous so an unreachable or unauthorized feed fails the
// subscription; later disconnects are redialed with capped exponential backoff.
func (f *FeedSubscriber) Subscribe(ctx context.Context, owner string, handlers reconcile.FeedHandlers) (func(), error) {
	if owner == "" {
		return nil, errors.New("apiclient: owner is required")
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	subscription := &feedSubscription{
		subscriber: f,
		owner:      owner,
		handlers:   handlers,
		ctx:        subscriptionCtx,
		conn:       conn,
		done:       make(chan struct{}),
		logger:     f.logger.With(zap.String("owner", owner)),
	}
	go subscription.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			subscription.closeConn()
			<-subscription.done
		})
	}, nil
}

func (f *FeedSubscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, response, err := f.dialer.DialContext(ctx, f.client.FeedURL(), f.client.AuthHeader())
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, &APIError{Status: response.StatusCode, Code: "unauthorized"}
		}
		return nil, fmt.Errorf("apiclient: dial feed: %w", err)
	}
	return conn, nil
}

type feedSubscription struct {
	subscriber *FeedSubscriber
	owner      string
	handlers   reconcile.FeedHandlers
	ctx        context.Context
	done       chan struct{}
	logger     *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *feedSubscription) run() {
	lost := s.loop()
	close(s.done)
	// done is closed first: OnLost usually ends the session, which unsubscribes and
	// waits on done.
	if lost != nil && s.ctx.Err() == nil && s.handlers.OnLost != nil {
		s.handlers.OnLost(lost)
	}
}

// loop reads and redials until the subscription ends. It returns the terminal error
// when the feed gave up on its own, and nil when it was unsubscribed.
func (s *feedSubscription) loop() error {
	backoff := s.subscriber.initialBackoff
	for {
		s.read()
		s.closeConn()
		if s.ctx.Err() != nil {
			return nil
		}

		for {
			s.logger.Info("feed disconnected; reconnecting", zap.Duration("backoff", backoff))
			timer := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff = min(backoff*2, s.subscriber.maxBackoff)

			conn, err := s.subscriber.dial(s.ctx)
			if err == nil {
				if !s.setConn(conn) {
					return nil
				}
				backoff = s.subscriber.initialBackoff
				s.logger.Info("feed reconnected")
				if s.subscriber.onReconnect != nil {
					s.subscriber.onReconnect()
				}
				break
			}
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, reconcile.ErrUnauthorized) {
				s.logger.Warn("feed rejected the session; giving up", zap.Error(err))
				return err
			}
			s.logger.Warn("feed redial failed", zap.Error(err))
		}
	}
}

// read consumes frames until the connection fails or the subscription ends.
func (s *feedSubscription) read() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("feed read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		message, err := feed.DecodeMessage(payload, s.owner)
		if err != nil {
			s.logger.Warn("dropping feed frame", zap.Error(err))
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		message.Deliver(s.handlers)
	}
}

// setConn installs a redialed connection unless the subscription has ended.
func (s *feedSubscription) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *feedSubscription) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
