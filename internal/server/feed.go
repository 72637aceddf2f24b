package server

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/feed"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultFeedPingInterval = 30 * time.Second
	feedWriteTimeout        = 10 * time.Second
)

func newFeedUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients do not send an Origin header.
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return slices.ContainsFunc(allowedOrigins, func(allowed string) bool {
				return strings.EqualFold(strings.TrimRight(allowed, "/"), parsed.Scheme+"://"+parsed.Host)
			})
		},
	}
}

// handleFeed streams the caller's committed changes as text frames until the client
// goes away or falls too far behind.
func (h *httpHandler) handleFeed(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	requestID := c.GetString(requestIDContextKey)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("feed upgrade failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.dispatcher.Subscribe(ctx, owner.String())
	defer cleanup()

	logger := h.logger.With(zap.String("owner", owner.String()), zap.String("request_id", requestID))
	logger.Debug("feed subscriber connected")

	// Client frames are ignored; reading keeps control frames flowing and notices
	// the close handshake.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("feed subscriber disconnected")
			return
		case change, ok := <-stream:
			if !ok {
				if ctx.Err() == nil {
					logger.Warn("feed subscriber fell behind; closing")
					_ = conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed overflow"),
						time.Now().Add(feedWriteTimeout),
					)
				}
				return
			}
			payload, err := feed.NewMessage(change).Encode()
			if err != nil {
				logger.Error("failed to encode feed message", zap.String("bookmark_id", change.ID), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Info("feed write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				logger.Info("feed ping failed", zap.Error(err))
				return
			}
		}
	}
}
