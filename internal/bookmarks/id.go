package bookmarks

import (
	"fmt"

	"github.com/google/uuid"
)

// IDProvider issues the ids of new bookmarks.
type IDProvider interface {
	NewBookmarkID() (BookmarkID, error)
}

// IDProviderFunc adapts a plain function to IDProvider.
type IDProviderFunc func() (BookmarkID, error)

// NewBookmarkID calls f.
func (f IDProviderFunc) NewBookmarkID() (BookmarkID, error) {
	return f()
}

// NewUUIDProvider issues time ordered UUIDv7 bookmark ids, so ids created later in a
// process also sort later.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(newUUIDBookmarkID)
}

func newUUIDBookmarkID() (BookmarkID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("bookmarks: generate id: %w", err)
	}
	return NewBookmarkID(value.String())
}
