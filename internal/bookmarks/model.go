package bookmarks

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleLength bounds bookmark titles in characters.
	MaxTitleLength      = 100
	maxURLLength        = 2048
	maxIdentifierLength = 190
)

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("bookmarks: validation failed")
	// ErrInvalidTitle indicates that a title is empty or too long.
	ErrInvalidTitle = fmt.Errorf("%w: invalid title", ErrValidation)
	// ErrInvalidURL indicates that a url is not a well-formed absolute url.
	ErrInvalidURL = fmt.Errorf("%w: invalid url", ErrValidation)
	// ErrInvalidBookmarkID indicates that a bookmark identifier is empty or exceeds storage bounds.
	ErrInvalidBookmarkID = errors.New("bookmarks: invalid bookmark id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("bookmarks: invalid owner id")
)

// Record is a bookmark as seen by clients.
type Record struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate reports whether the record has the shape every stored bookmark must have.
func (r Record) Validate() error {
	if _, err := NewBookmarkID(r.ID); err != nil {
		return err
	}
	if _, err := NewOwnerID(r.Owner); err != nil {
		return err
	}
	if _, err := NewTitle(r.Title); err != nil {
		return err
	}
	if _, err := NewURL(r.URL); err != nil {
		return err
	}
	return nil
}

// BookmarkID represents a validated bookmark identifier.
type BookmarkID string

// NewBookmarkID validates raw input and returns a BookmarkID.
func NewBookmarkID(rawInput string) (BookmarkID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBookmarkID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBookmarkID, maxIdentifierLength)
	}
	return BookmarkID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BookmarkID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Title represents a validated bookmark title.
type Title string

// NewTitle trims raw input and checks it is non-empty and at most MaxTitleLength characters.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(trimmed) > MaxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, MaxTitleLength)
	}
	return Title(trimmed), nil
}

// String returns the title text.
func (t Title) String() string {
	return string(t)
}

// URL represents a validated absolute url.
type URL string

// NewURL trims raw input and checks it parses as an absolute url with a scheme and host.
func NewURL(rawInput string) (URL, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if len(trimmed) > maxURLLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidURL, maxURLLength)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("%w: scheme and host required", ErrInvalidURL)
	}
	return URL(trimmed), nil
}

// String returns the url text.
func (u URL) String() string {
	return string(u)
}

// ValidateInput checks user supplied create/update input.
func ValidateInput(rawTitle, rawURL string) (Title, URL, error) {
	title, err := NewTitle(rawTitle)
	if err != nil {
		return "", "", err
	}
	location, err := NewURL(rawURL)
	if err != nil {
		return "", "", err
	}
	return title, location, nil
}

// Bookmark is the persisted form of a bookmark.
type Bookmark struct {
	BookmarkID      string `gorm:"column:bookmark_id;primaryKey;size:190;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index:idx_bookmarks_owner_created,priority:1"`
	Title           string `gorm:"column:title;size:100;not null"`
	URL             string `gorm:"column:url;size:2048;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_bookmarks_owner_created,priority:2"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Bookmark) TableName() string {
	return "bookmarks"
}

// Record converts the persisted row into its client form.
func (b Bookmark) Record() Record {
	return Record{
		ID:        b.BookmarkID,
		Owner:     b.OwnerID,
		Title:     b.Title,
		URL:       b.URL,
		CreatedAt: time.UnixMilli(b.CreatedAtMillis).UTC(),
	}
}
