package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/config"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/database"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/feed"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/logging"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/server"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout     = 10 * time.Second
	redisConnectTimeout = 30 * time.Second
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bookmarks API and change feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().String("redis-address", "", "Redis address used to share the feed across replicas")
	bindLocalFlag(cmd, "http.address", "http-address")
	bindLocalFlag(cmd, "database.path", "database-path")
	bindLocalFlag(cmd, "redis.address", "redis-address")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := feed.NewDispatcher(appConfig.FeedBufferSize, logger)
	var publisher bookmarks.ChangePublisher = dispatcher
	errCh := make(chan error, 2)

	if appConfig.RedisEnabled() {
		redisClient, err := feed.ConnectRedis(signalCtx, feed.RedisOptions{
			Address:        appConfig.RedisAddress,
			Password:       appConfig.RedisPassword,
			DB:             appConfig.RedisDB,
			ConnectTimeout: redisConnectTimeout,
			RetryInterval:  250 * time.Millisecond,
			MaxWait:        5 * time.Second,
			PingTimeout:    2 * time.Second,
			WarnThreshold:  3,
		}, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		relay, err := feed.NewRedisRelay(redisClient, dispatcher, logger)
		if err != nil {
			return err
		}
		publisher = relay
		go func() {
			if err := relay.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	bookmarksService, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: bookmarks.NewUUIDProvider(),
		Publisher:  publisher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:        db,
		Clock:           time.Now,
		Logger:          logger,
		PrimaryProvider: appConfig.PrimaryProvider,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Profiles:         usersService,
		BookmarksService: bookmarksService,
		Dispatcher:       dispatcher,
		AllowedOrigins:   appConfig.AllowedOrigins,
		FeedPingInterval: appConfig.FeedPingInterval,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("redis_feed", appConfig.RedisEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
