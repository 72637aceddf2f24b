package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/feed"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	jsonContentType   = "application/json"
)

type testHarness struct {
	server     *httptest.Server
	issuer     *auth.SessionIssuer
	dispatcher *feed.Dispatcher
}

func newTestHarness(testContext *testing.T) *testHarness {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&bookmarks.Bookmark{}, &users.Identity{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	dispatcher := feed.NewDispatcher(16, zap.NewNop())
	bookmarksService, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		IDProvider: bookmarks.NewUUIDProvider(),
		Publisher:  dispatcher,
	})
	if err != nil {
		testContext.Fatalf("failed to build bookmarks service: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret), TTL: time.Hour})
	if err != nil {
		testContext.Fatalf("failed to build session issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Profiles:         usersService,
		BookmarksService: bookmarksService,
		Dispatcher:       dispatcher,
		FeedPingInterval: 50 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return &testHarness{server: testServer, issuer: issuer, dispatcher: dispatcher}
}

func (h *testHarness) token(testContext *testing.T, userID string) string {
	testContext.Helper()
	token, _, err := h.issuer.Issue(auth.SessionIdentity{UserID: userID, Email: userID + "@example.com"})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h *testHarness) do(testContext *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read response: %v", err)
	}
	return response, payload
}

func decodeJSON[T any](testContext *testing.T, payload []byte) T {
	testContext.Helper()
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		testContext.Fatalf("failed to decode %s: %v", payload, err)
	}
	return value
}
