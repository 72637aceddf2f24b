package server

import (
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/users"
)

func TestHealthIsPublic(testContext *testing.T) {
	harness := newTestHarness(testContext)
	response, payload := harness.do(testContext, http.MethodGet, "/healthz", "", nil)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d", response.StatusCode)
	}
	if body := decodeJSON[map[string]string](testContext, payload); body["status"] != "ok" {
		testContext.Fatalf("unexpected health payload %s", payload)
	}
	if response.Header.Get(requestIDHeader) == "" {
		testContext.Fatalf("expected generated request id")
	}
}

func TestRequestIDIsEchoed(testContext *testing.T) {
	harness := newTestHarness(testContext)
	request, err := http.NewRequest(http.MethodGet, harness.server.URL+"/healthz", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set(requestIDHeader, "req-123")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.Header.Get(requestIDHeader) != "req-123" {
		testContext.Fatalf("expected request id to be echoed, got %q", response.Header.Get(requestIDHeader))
	}
}

func TestProtectedRoutesRequireSession(testContext *testing.T) {
	harness := newTestHarness(testContext)
	for _, path := range []string{"/me", "/bookmarks", "/bookmarks/feed"} {
		response, payload := harness.do(testContext, http.MethodGet, path, "", nil)
		if response.StatusCode != http.StatusUnauthorized {
			testContext.Fatalf("%s: expected 401, got %d", path, response.StatusCode)
		}
		if body := decodeJSON[map[string]string](testContext, payload); body["error"] != "unauthorized" {
			testContext.Fatalf("%s: unexpected error payload %s", path, payload)
		}
	}
	response, _ := harness.do(testContext, http.MethodGet, "/bookmarks", "not-a-token", nil)
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 for invalid token, got %d", response.StatusCode)
	}
}

func TestSessionCookieAuthenticates(testContext *testing.T) {
	harness := newTestHarness(testContext)
	request, err := http.NewRequest(http.MethodGet, harness.server.URL+"/me", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.AddCookie(&http.Cookie{Name: "app_session", Value: harness.token(testContext, "google:cookie-user")})
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected cookie session to be accepted, got %d", response.StatusCode)
	}
}

func TestMeReturnsCanonicalProfile(testContext *testing.T) {
	harness := newTestHarness(testContext)
	response, payload := harness.do(testContext, http.MethodGet, "/me", harness.token(testContext, "google:abc"), nil)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	profile := decodeJSON[users.Profile](testContext, payload)
	if profile.UserID != "abc" {
		testContext.Fatalf("expected provider prefix to be stripped, got %q", profile.UserID)
	}
	if profile.Email != "google:abc@example.com" {
		testContext.Fatalf("unexpected email %q", profile.Email)
	}
}

func TestBookmarkLifecycle(testContext *testing.T) {
	harness := newTestHarness(testContext)
	token := harness.token(testContext, "user-1")

	response, payload := harness.do(testContext, http.MethodPost, "/bookmarks", token, map[string]string{
		"title": "  Google ",
		"url":   "https://google.com",
	})
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected create status %d: %s", response.StatusCode, payload)
	}
	created := decodeJSON[bookmarks.Record](testContext, payload)
	if created.ID == "" || created.Owner != "user-1" || created.Title != "Google" || created.CreatedAt.IsZero() {
		testContext.Fatalf("unexpected created record %#v", created)
	}

	response, payload = harness.do(testContext, http.MethodPatch, "/bookmarks/"+created.ID, token, map[string]string{
		"title": "Google Search",
		"url":   "https://www.google.com",
	})
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected update status %d: %s", response.StatusCode, payload)
	}
	if updated := decodeJSON[bookmarks.Record](testContext, payload); updated.Title != "Google Search" {
		testContext.Fatalf("unexpected updated record %#v", updated)
	}

	response, payload = harness.do(testContext, http.MethodGet, "/bookmarks", token, nil)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected list status %d", response.StatusCode)
	}
	list := decodeJSON[bookmarkListPayload](testContext, payload)
	if len(list.Bookmarks) != 1 || list.Bookmarks[0].ID != created.ID {
		testContext.Fatalf("unexpected list %#v", list)
	}

	response, _ = harness.do(testContext, http.MethodDelete, "/bookmarks/"+created.ID, token, nil)
	if response.StatusCode != http.StatusNoContent {
		testContext.Fatalf("unexpected delete status %d", response.StatusCode)
	}
	response, payload = harness.do(testContext, http.MethodDelete, "/bookmarks/"+created.ID, token, nil)
	if response.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected 404 for repeated delete, got %d", response.StatusCode)
	}
	if body := decodeJSON[map[string]string](testContext, payload); body["error"] != "not_found" {
		testContext.Fatalf("unexpected not found payload %s", payload)
	}
}

func TestBookmarksAreScopedToOwner(testContext *testing.T) {
	harness := newTestHarness(testContext)
	ownerToken := harness.token(testContext, "user-1")
	otherToken := harness.token(testContext, "user-2")

	_, payload := harness.do(testContext, http.MethodPost, "/bookmarks", ownerToken, map[string]string{
		"title": "Private",
		"url":   "https://private.example.com",
	})
	created := decodeJSON[bookmarks.Record](testContext, payload)

	_, payload = harness.do(testContext, http.MethodGet, "/bookmarks", otherToken, nil)
	if list := decodeJSON[bookmarkListPayload](testContext, payload); len(list.Bookmarks) != 0 {
		testContext.Fatalf("expected other owner to see nothing, got %#v", list)
	}
	response, _ := harness.do(testContext, http.MethodDelete, "/bookmarks/"+created.ID, otherToken, nil)
	if response.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected foreign delete to be not found, got %d", response.StatusCode)
	}
	response, _ = harness.do(testContext, http.MethodPatch, "/bookmarks/"+created.ID, otherToken, map[string]string{
		"title": "Hijacked",
		"url":   "https://evil.example.com",
	})
	if response.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected foreign update to be not found, got %d", response.StatusCode)
	}
}

func TestCreateBookmarkValidation(testContext *testing.T) {
	harness := newTestHarness(testContext)
	token := harness.token(testContext, "user-1")

	testCases := []struct {
		name     string
		body     any
		expected string
	}{
		{name: "empty-title", body: map[string]string{"title": " ", "url": "https://example.com"}, expected: "invalid_title"},
		{name: "bad-url", body: map[string]string{"title": "Example", "url": "example.com"}, expected: "invalid_url"},
		{name: "wrong-shape", body: []string{"nope"}, expected: "invalid_request"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			response, payload := harness.do(t, http.MethodPost, "/bookmarks", token, testCase.body)
			if response.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", response.StatusCode)
			}
			if body := decodeJSON[map[string]string](t, payload); body["error"] != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, payload)
			}
		})
	}
}
