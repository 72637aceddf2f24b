package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix         = "bookmarks:feed:"
	defaultPublishTimeout = 2 * time.Second
)

var errMissingRedisClient = errors.New("feed: redis client is required")

// ChannelName returns the relay channel of owner.
func ChannelName(owner string) string {
	return channelPrefix + owner
}

// RedisOptions controls how ConnectRedis dials and retries.
type RedisOptions struct {
	Address        string
	Password       string
	DB             int
	ConnectTimeout time.Duration // total time allowed for connection attempts
	RetryInterval  time.Duration // initial wait, doubled after every failure
	MaxWait        time.Duration
	PingTimeout    time.Duration
	WarnThreshold  int
}

func (o RedisOptions) validate() error {
	if strings.TrimSpace(o.Address) == "" {
		return fmt.Errorf("feed: redis address is required")
	}
	if o.ConnectTimeout <= 0 {
		return fmt.Errorf("feed: ConnectTimeout must be > 0, got %v", o.ConnectTimeout)
	}
	if o.RetryInterval <= 0 {
		return fmt.Errorf("feed: RetryInterval must be > 0, got %v", o.RetryInterval)
	}
	if o.MaxWait <= 0 {
		return fmt.Errorf("feed: MaxWait must be > 0, got %v", o.MaxWait)
	}
	if o.PingTimeout <= 0 {
		return fmt.Errorf("feed: PingTimeout must be > 0, got %v", o.PingTimeout)
	}
	if o.WarnThreshold < 0 {
		return fmt.Errorf("feed: WarnThreshold must be >= 0, got %d", o.WarnThreshold)
	}
	return nil
}

// ConnectRedis dials Redis and pings it with capped exponential backoff until
// ConnectTimeout elapses.
func ConnectRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	logger.Info("connecting to redis", zap.String("addr", opts.Address), zap.Duration("timeout", opts.ConnectTimeout))

	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(connectCtx, opts.PingTimeout)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			if attempt > 1 {
				logger.Warn("connected to redis after retry", zap.String("addr", opts.Address), zap.Int("attempts", attempt))
			} else {
				logger.Info("connected to redis", zap.String("addr", opts.Address))
			}
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-connectCtx.Done():
			timer.Stop()
			_ = client.Close()
			logger.Error("redis unavailable", zap.String("addr", opts.Address), zap.Int("attempts", attempt), zap.Error(err))
			return nil, fmt.Errorf("feed: redis unavailable at %s after %d attempts: %w", opts.Address, attempt, err)
		case <-timer.C:
			if attempt <= opts.WarnThreshold {
				logger.Warn("redis connection failed, retrying", zap.String("addr", opts.Address), zap.Int("attempt", attempt), zap.Duration("next_retry_in", wait), zap.Error(err))
			} else {
				logger.Error("redis still unavailable", zap.String("addr", opts.Address), zap.Int("attempt", attempt), zap.Duration("next_retry_in", wait), zap.Error(err))
			}
			wait *= 2
			if wait > opts.MaxWait {
				wait = opts.MaxWait
			}
		}
	}
}

// RedisRelay publishes committed changes to Redis and relays every owner channel
// back into the local dispatcher, so all API replicas serve the same feed.
type RedisRelay struct {
	client         redis.UniversalClient
	local          *Dispatcher
	logger         *zap.Logger
	publishTimeout time.Duration
}

// NewRedisRelay builds a relay in front of local.
func NewRedisRelay(client redis.UniversalClient, local *Dispatcher, logger *zap.Logger) (*RedisRelay, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if local == nil {
		return nil, errors.New("feed: local dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, local: local, logger: logger, publishTimeout: defaultPublishTimeout}, nil
}

// Publish sends change to the owner channel. When Redis rejects it the change is still
// delivered to this replica's subscribers.
func (r *RedisRelay) Publish(change bookmarks.Change) {
	if change.Owner == "" || change.Type == "" {
		return
	}
	payload, err := NewMessage(change).Encode()
	if err != nil {
		r.logger.Error("encode relay message", zap.String("owner", change.Owner), zap.Error(err))
		r.local.Publish(change)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, ChannelName(change.Owner), payload).Err(); err != nil {
		r.logger.Warn("redis publish failed; delivering locally",
			zap.String("owner", change.Owner),
			zap.String("bookmark_id", change.ID),
			zap.Error(err))
		r.local.Publish(change)
	}
}

// Run relays Redis messages into the local dispatcher until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("feed: subscribe relay channels: %w", err)
	}
	r.logger.Info("feed relay subscribed", zap.String("pattern", channelPrefix+"*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return errors.New("feed: relay subscription closed")
			}
			r.relay(message.Channel, message.Payload)
		}
	}
}

func (r *RedisRelay) relay(channel, payload string) bool {
	owner, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || owner == "" {
		r.logger.Warn("ignoring relay message on unexpected channel", zap.String("channel", channel))
		return false
	}
	message, err := DecodeMessage([]byte(payload), owner)
	if err != nil {
		r.logger.Warn("ignoring invalid relay message", zap.String("channel", channel), zap.Error(err))
		return false
	}
	r.local.Publish(message.Change())
	return true
}
