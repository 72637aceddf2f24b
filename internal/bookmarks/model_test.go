package bookmarks

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateInput(t *testing.T) {
	testCases := []struct {
		name      string
		title     string
		url       string
		wantError error
	}{
		{name: "valid", title: "Google", url: "https://google.com"},
		{name: "trimmed", title: "  Bing  ", url: " https://bing.com/search?q=go "},
		{name: "max-length-title", title: strings.Repeat("a", MaxTitleLength), url: "https://example.com"},
		{name: "empty-title", title: "   ", url: "https://example.com", wantError: ErrInvalidTitle},
		{name: "long-title", title: strings.Repeat("a", MaxTitleLength+1), url: "https://example.com", wantError: ErrInvalidTitle},
		{name: "empty-url", title: "Example", url: "", wantError: ErrInvalidURL},
		{name: "relative-url", title: "Example", url: "/relative/path", wantError: ErrInvalidURL},
		{name: "missing-scheme", title: "Example", url: "example.com", wantError: ErrInvalidURL},
		{name: "missing-host", title: "Example", url: "https://", wantError: ErrInvalidURL},
		{name: "malformed", title: "Example", url: "http://[::1", wantError: ErrInvalidURL},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			title, location, err := ValidateInput(testCase.title, testCase.url)
			if testCase.wantError != nil {
				if !errors.Is(err, testCase.wantError) {
					t.Fatalf("expected %v, got %v", testCase.wantError, err)
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if title.String() != strings.TrimSpace(testCase.title) {
				t.Fatalf("unexpected title %q", title)
			}
			if location.String() != strings.TrimSpace(testCase.url) {
				t.Fatalf("unexpected url %q", location)
			}
		})
	}
}

func TestTitleLengthCountsCharacters(t *testing.T) {
	title := strings.Repeat("é", MaxTitleLength)
	if _, err := NewTitle(title); err != nil {
		t.Fatalf("expected %d multi-byte characters to be accepted: %v", MaxTitleLength, err)
	}
}

func TestRecordValidate(t *testing.T) {
	record := Record{ID: "1", Owner: "user-1", Title: "Google", URL: "https://google.com"}
	if err := record.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record.Owner = ""
	if err := record.Validate(); !errors.Is(err, ErrInvalidOwnerID) {
		t.Fatalf("expected owner error, got %v", err)
	}

	record.Owner = "user-1"
	record.ID = " "
	if err := record.Validate(); !errors.Is(err, ErrInvalidBookmarkID) {
		t.Fatalf("expected id error, got %v", err)
	}
}
