package reconcile

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
)

var (
	// ErrValidation marks input rejected before any remote call.
	ErrValidation = bookmarks.ErrValidation
	// ErrMutationFailed marks a create, update or delete the gateway rejected or could not deliver.
	ErrMutationFailed = errors.New("reconcile: mutation failed")
	// ErrIdentityLost marks a session that ended; its state has been discarded.
	ErrIdentityLost = errors.New("reconcile: identity lost")
	// ErrUnauthorized is returned by gateways and loaders when the identity is no longer accepted.
	ErrUnauthorized = errors.New("reconcile: unauthorized")
	// ErrFeedLost is reported to FeedHandlers.OnLost when a feed ends without a more specific cause.
	ErrFeedLost = errors.New("reconcile: feed lost")
	// ErrNoIdentity is returned by identity resolvers when nobody is signed in.
	ErrNoIdentity = errors.New("reconcile: no identity")
)

// MutationError describes a failed mutation. The store has already been
// rolled back or left untouched when it is returned, so the operation can be retried.
type MutationError struct {
	Operation  string
	BookmarkID string
	Err        error
}

func (e *MutationError) Error() string {
	if e.BookmarkID == "" {
		return fmt.Sprintf("reconcile: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("reconcile: %s %s failed: %v", e.Operation, e.BookmarkID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Is matches ErrMutationFailed.
func (e *MutationError) Is(target error) bool {
	return target == ErrMutationFailed
}
