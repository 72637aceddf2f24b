package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/feed"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey   = "bookmarks_owner_id"
	profileContextKey   = "bookmarks_profile"
	requestIDContextKey = "bookmarks_request_id"
	requestIDHeader     = "X-Request-ID"
	maxRequestIDLength  = 128
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingBookmarksService = errors.New("bookmarks service dependency required")
	errMissingDispatcher       = errors.New("feed dispatcher dependency required")
)

// SessionValidator authenticates requests by bearer token or session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps session claims onto the canonical owner.
type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

// BookmarkService is the store-of-record used by the handlers.
type BookmarkService interface {
	ListBookmarks(ctx context.Context, owner bookmarks.OwnerID) ([]bookmarks.Record, error)
	CreateBookmark(ctx context.Context, owner bookmarks.OwnerID, title bookmarks.Title, location bookmarks.URL) (bookmarks.Record, error)
	UpdateBookmark(ctx context.Context, owner bookmarks.OwnerID, id bookmarks.BookmarkID, title bookmarks.Title, location bookmarks.URL) (bookmarks.Record, error)
	DeleteBookmark(ctx context.Context, owner bookmarks.OwnerID, id bookmarks.BookmarkID) error
}

type Dependencies struct {
	SessionValidator SessionValidator
	Profiles         ProfileResolver
	BookmarksService BookmarkService
	Dispatcher       *feed.Dispatcher
	AllowedOrigins   []string
	FeedPingInterval time.Duration
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.BookmarksService == nil {
		return nil, errMissingBookmarksService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pingInterval := deps.FeedPingInterval
	if pingInterval <= 0 {
		pingInterval = defaultFeedPingInterval
	}

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		profiles:     deps.Profiles,
		bookmarks:    deps.BookmarksService,
		dispatcher:   deps.Dispatcher,
		upgrader:     newFeedUpgrader(deps.AllowedOrigins),
		pingInterval: pingInterval,
		logger:       logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.GET("/bookmarks", handler.handleListBookmarks)
	protected.POST("/bookmarks", handler.handleCreateBookmark)
	protected.GET("/bookmarks/feed", handler.handleFeed)
	protected.PATCH("/bookmarks/:id", handler.handleUpdateBookmark)
	protected.DELETE("/bookmarks/:id", handler.handleDeleteBookmark)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = ulid.Make().String()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

type httpHandler struct {
	sessions     SessionValidator
	profiles     ProfileResolver
	bookmarks    BookmarkService
	dispatcher   *feed.Dispatcher
	upgrader     *websocket.Upgrader
	pingInterval time.Duration
	logger       *zap.Logger
}

type bookmarkRequestPayload struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type bookmarkListPayload struct {
	Bookmarks []bookmarks.Record `json:"bookmarks"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	profile, ok := c.Get(profileContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleListBookmarks(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	records, err := h.bookmarks.ListBookmarks(c.Request.Context(), owner)
	if err != nil {
		h.respondServiceError(c, "failed to list bookmarks", err)
		return
	}
	if records == nil {
		records = []bookmarks.Record{}
	}
	c.JSON(http.StatusOK, bookmarkListPayload{Bookmarks: records})
}

func (h *httpHandler) handleCreateBookmark(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	title, location, ok := bindBookmarkInput(c)
	if !ok {
		return
	}
	record, err := h.bookmarks.CreateBookmark(c.Request.Context(), owner, title, location)
	if err != nil {
		h.respondServiceError(c, "failed to create bookmark", err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleUpdateBookmark(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := bookmarkIDFromPath(c)
	if !ok {
		return
	}
	title, location, ok := bindBookmarkInput(c)
	if !ok {
		return
	}
	record, err := h.bookmarks.UpdateBookmark(c.Request.Context(), owner, id, title, location)
	if err != nil {
		h.respondServiceError(c, "failed to update bookmark", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteBookmark(c *gin.Context) {
	owner, ok := h.ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := bookmarkIDFromPath(c)
	if !ok {
		return
	}
	if err := h.bookmarks.DeleteBookmark(c.Request.Context(), owner, id); err != nil {
		h.respondServiceError(c, "failed to delete bookmark", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		logFn := h.logger.Warn
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			logFn = h.logger.Info
		}
		logFn("session validation failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.ResolveProfile(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve user identity",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Set(ownerIDContextKey, profile.UserID)
	c.Next()
}

func (h *httpHandler) ownerFromContext(c *gin.Context) (bookmarks.OwnerID, bool) {
	owner, err := bookmarks.NewOwnerID(c.GetString(ownerIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return owner, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	if errors.Is(err, bookmarks.ErrBookmarkNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	fields := []zap.Field{
		zap.String("request_id", c.GetString(requestIDContextKey)),
		zap.Error(err),
	}
	response := gin.H{"error": "internal_error"}
	var serviceErr *bookmarks.ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
		fields = append(fields, zap.String("code", serviceErr.Code()))
	}
	h.logger.Error(message, fields...)
	c.JSON(http.StatusInternalServerError, response)
}

func bindBookmarkInput(c *gin.Context) (bookmarks.Title, bookmarks.URL, bool) {
	var request bookmarkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", "", false
	}
	title, location, err := bookmarks.ValidateInput(request.Title, request.URL)
	switch {
	case errors.Is(err, bookmarks.ErrInvalidTitle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		return "", "", false
	case errors.Is(err, bookmarks.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url"})
		return "", "", false
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", "", false
	}
	return title, location, true
}

func bookmarkIDFromPath(c *gin.Context) (bookmarks.BookmarkID, bool) {
	id, err := bookmarks.NewBookmarkID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bookmark_id"})
		return "", false
	}
	return id, true
}
