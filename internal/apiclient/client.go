package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/reconcile"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	requestIDHeader       = "X-Request-ID"
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 4096
)

var errMissingBaseURL = errors.New("apiclient: base url is required")

// APIError is a non-2xx response of the bookmarks API.
type APIError struct {
	Status    int
	Code      string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("apiclient: http %d", e.Status)
	}
	return fmt.Sprintf("apiclient: http %d: %s", e.Status, e.Code)
}

// Is maps 401 responses onto reconcile.ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	return target == reconcile.ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Profile is the identity returned by GET /me.
type Profile struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Config describes how the client reaches the API.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

var _ reconcile.Updater = (*Client)(nil)

// Client talks to the bookmarks API on behalf of one bearer token. It implements
// reconcile.Gateway, reconcile.Updater, reconcile.Loader and reconcile.IdentityResolver.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || baseURL.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", cfg.BaseURL)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: unsupported scheme %q", baseURL.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		token:      strings.TrimSpace(cfg.Token),
	}, nil
}

// SetToken swaps the bearer token; an empty token signs the client out.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FeedURL returns the websocket address of the change feed.
func (c *Client) FeedURL() string {
	feedURL := *c.baseURL
	if feedURL.Scheme == "https" {
		feedURL.Scheme = "wss"
	} else {
		feedURL.Scheme = "ws"
	}
	feedURL.Path = strings.TrimRight(feedURL.Path, "/") + "/bookmarks/feed"
	return feedURL.String()
}

// AuthHeader returns the headers that authenticate a request as the current token.
func (c *Client) AuthHeader() http.Header {
	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set(requestIDHeader, ulid.Make().String())
	return header
}

// Me returns the profile of the signed in user.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var profile Profile
	if err := c.do(ctx, http.MethodGet, "/me", nil, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// CurrentIdentity resolves the canonical owner id, or reconcile.ErrNoIdentity when no
// token is configured.
func (c *Client) CurrentIdentity(ctx context.Context) (string, error) {
	if c.Token() == "" {
		return "", reconcile.ErrNoIdentity
	}
	profile, err := c.Me(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(profile.UserID) == "" {
		return "", reconcile.ErrNoIdentity
	}
	return profile.UserID, nil
}

// ListBookmarks loads the snapshot of the signed in user.
func (c *Client) ListBookmarks(ctx context.Context) ([]bookmarks.Record, error) {
	var payload struct {
		Bookmarks []bookmarks.Record `json:"bookmarks"`
	}
	if err := c.do(ctx, http.MethodGet, "/bookmarks", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Bookmarks, nil
}

// Create asks the service to create a bookmark and returns the stored record.
func (c *Client) Create(ctx context.Context, title, location string) (bookmarks.Record, error) {
	var record bookmarks.Record
	body := map[string]string{"title": title, "url": location}
	if err := c.do(ctx, http.MethodPost, "/bookmarks", body, &record); err != nil {
		return bookmarks.Record{}, err
	}
	return record, nil
}

// Update replaces the title and url of a bookmark.
func (c *Client) Update(ctx context.Context, id, title, location string) (bookmarks.Record, error) {
	var record bookmarks.Record
	body := map[string]string{"title": title, "url": location}
	if err := c.do(ctx, http.MethodPatch, "/bookmarks/"+url.PathEscape(id), body, &record); err != nil {
		return bookmarks.Record{}, err
	}
	return record, nil
}

// Delete removes a bookmark.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/bookmarks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	for key, values := range c.AuthHeader() {
		request.Header[key] = values
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	requestID := request.Header.Get(requestIDHeader)

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiErr := &APIError{Status: response.StatusCode, RequestID: requestID}
		var errorPayload struct {
			Error string `json:"error"`
		}
		if raw, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes)); readErr == nil {
			if json.Unmarshal(raw, &errorPayload) == nil {
				apiErr.Code = errorPayload.Error
			}
		}
		c.logger.Debug("api request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("code", apiErr.Code),
			zap.String("request_id", requestID))
		return apiErr
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}
