package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/reconcile"
)

var (
	// ErrMalformedMessage marks a frame that does not describe a valid change.
	ErrMalformedMessage = errors.New("feed: malformed message")
	// ErrForeignOwner marks a well-formed change addressed to another owner.
	ErrForeignOwner = errors.New("feed: message for another owner")
)

// Message is the wire form of a change: {"type","owner","id","record","ts"}.
type Message struct {
	Type      bookmarks.ChangeType `json:"type"`
	Owner     string               `json:"owner"`
	ID        string               `json:"id"`
	Record    *bookmarks.Record    `json:"record,omitempty"`
	Timestamp time.Time            `json:"ts"`
}

// NewMessage converts a committed change into its wire form.
func NewMessage(change bookmarks.Change) Message {
	message := Message{
		Type:      change.Type,
		Owner:     change.Owner,
		ID:        change.ID,
		Timestamp: change.Timestamp.UTC(),
	}
	if change.Record != nil && change.Type != bookmarks.ChangeDelete {
		record := *change.Record
		message.Record = &record
	}
	return message
}

// Encode marshals the message for a text frame or a relay payload.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses one frame and narrows it to a change for owner. Unknown
// fields, unknown types and records that fail validation are rejected.
func DecodeMessage(data []byte, owner string) (Message, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var message Message
	if err := decoder.Decode(&message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if decoder.More() {
		return Message{}, fmt.Errorf("%w: trailing data", ErrMalformedMessage)
	}
	if err := message.Validate(owner); err != nil {
		return Message{}, err
	}
	return message, nil
}

// Validate checks that the message is a complete change addressed to owner.
func (m Message) Validate(owner string) error {
	switch m.Type {
	case bookmarks.ChangeInsert, bookmarks.ChangeUpdate, bookmarks.ChangeDelete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	if m.Owner == "" {
		return fmt.Errorf("%w: missing owner", ErrMalformedMessage)
	}
	if m.Owner != owner {
		return ErrForeignOwner
	}
	if _, err := bookmarks.NewBookmarkID(m.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedMessage)
	}
	if m.Type == bookmarks.ChangeDelete {
		if m.Record != nil {
			return fmt.Errorf("%w: delete carries a record", ErrMalformedMessage)
		}
		return nil
	}
	if m.Record == nil {
		return fmt.Errorf("%w: missing record", ErrMalformedMessage)
	}
	if m.Record.ID != m.ID {
		return fmt.Errorf("%w: record id %q does not match %q", ErrMalformedMessage, m.Record.ID, m.ID)
	}
	if m.Record.Owner != m.Owner {
		return ErrForeignOwner
	}
	if m.Record.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrMalformedMessage)
	}
	if err := m.Record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Change converts the message back into a change.
func (m Message) Change() bookmarks.Change {
	change := bookmarks.Change{
		Type:      m.Type,
		Owner:     m.Owner,
		ID:        m.ID,
		Timestamp: m.Timestamp,
	}
	if m.Record != nil {
		record := *m.Record
		change.Record = &record
	}
	return change
}

// Deliver invokes the handler matching the message type. The message must already
// be validated.
func (m Message) Deliver(handlers reconcile.FeedHandlers) {
	switch m.Type {
	case bookmarks.ChangeInsert:
		if handlers.OnInsert != nil && m.Record != nil {
			handlers.OnInsert(*m.Record)
		}
	case bookmarks.ChangeUpdate:
		if handlers.OnUpdate != nil && m.Record != nil {
			handlers.OnUpdate(*m.Record)
		}
	case bookmarks.ChangeDelete:
		if handlers.OnDelete != nil {
			handlers.OnDelete(m.ID)
		}
	}
}
