package reconcile

import (
	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
)

// Store is the authoritative in-memory set of bookmarks for one owner.
//
// Every merge is idempotent and safe to apply in any relative order with respect to
// feed and direct-call origin. Store is not safe for concurrent use; Session
// serializes all access to it.
type Store struct {
	owner      string
	records    map[string]bookmarks.Record
	pending    map[string]bookmarks.Record
	tombstones map[string]struct{}
	seeded     bool
	touched    bool
}

// NewStore returns an empty store admitting only records of owner.
func NewStore(owner string) *Store {
	return &Store{
		owner:      owner,
		records:    make(map[string]bookmarks.Record),
		pending:    make(map[string]bookmarks.Record),
		tombstones: make(map[string]struct{}),
	}
}

// Owner returns the identity the store is bound to.
func (s *Store) Owner() string {
	return s.owner
}

// Seed replaces the content with an initial snapshot. It applies only while the store
// is pristine: once seeded, or once any event has been applied, it reports false and
// leaves newer state alone.
func (s *Store) Seed(records []bookmarks.Record) bool {
	if s.seeded || s.touched {
		return false
	}
	s.seeded = true
	s.records = make(map[string]bookmarks.Record, len(records))
	for _, record := range records {
		if !s.admits(record) {
			continue
		}
		if _, exists := s.records[record.ID]; exists {
			continue
		}
		s.records[record.ID] = record
	}
	return true
}

// ApplyInsert adds the record when its id is absent. Duplicate deliveries leave the
// existing entry untouched.
func (s *Store) ApplyInsert(record bookmarks.Record) bool {
	if !s.admits(record) {
		return false
	}
	s.touched = true
	if s.isGone(record.ID) {
		return false
	}
	if _, exists := s.records[record.ID]; exists {
		return false
	}
	s.records[record.ID] = record
	return true
}

// ApplyUpdate replaces the record wholesale, inserting it when unseen.
func (s *Store) ApplyUpdate(record bookmarks.Record) bool {
	if !s.admits(record) {
		return false
	}
	s.touched = true
	if _, deleted := s.tombstones[record.ID]; deleted {
		return false
	}
	if _, removing := s.pending[record.ID]; removing {
		s.pending[record.ID] = record
		return false
	}
	if existing, exists := s.records[record.ID]; exists && existing == record {
		return false
	}
	s.records[record.ID] = record
	return true
}

// ApplyDelete removes the record when present. Unknown ids are not an error.
func (s *Store) ApplyDelete(id string) bool {
	if id == "" {
		return false
	}
	s.touched = true
	s.tombstones[id] = struct{}{}
	if _, exists := s.records[id]; !exists {
		return false
	}
	delete(s.records, id)
	return true
}

// RemoveLocal removes the record ahead of remote confirmation and keeps the prior
// version for RollbackRemove.
func (s *Store) RemoveLocal(id string) (bookmarks.Record, bool) {
	record, exists := s.records[id]
	if !exists {
		return bookmarks.Record{}, false
	}
	s.touched = true
	delete(s.records, id)
	s.pending[id] = record
	return record, true
}

// ConfirmRemove finalizes an optimistic removal.
func (s *Store) ConfirmRemove(id string) {
	if id == "" {
		return
	}
	s.touched = true
	delete(s.pending, id)
	s.tombstones[id] = struct{}{}
}

// RollbackRemove restores the record taken out by RemoveLocal, unless a delete for the
// same id was observed meanwhile.
func (s *Store) RollbackRemove(id string) bool {
	record, removing := s.pending[id]
	if !removing {
		return false
	}
	delete(s.pending, id)
	if _, deleted := s.tombstones[id]; deleted {
		return false
	}
	if _, exists := s.records[id]; exists {
		return false
	}
	s.records[id] = record
	return true
}

// Get returns the record with id.
func (s *Store) Get(id string) (bookmarks.Record, bool) {
	record, exists := s.records[id]
	return record, exists
}

// Len returns the number of visible records.
func (s *Store) Len() int {
	return len(s.records)
}

// Snapshot returns every visible record. Order is not meaningful.
func (s *Store) Snapshot() []bookmarks.Record {
	records := make([]bookmarks.Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	return records
}

func (s *Store) admits(record bookmarks.Record) bool {
	if record.Owner != s.owner || s.owner == "" {
		return false
	}
	return record.Validate() == nil
}

func (s *Store) isGone(id string) bool {
	if _, deleted := s.tombstones[id]; deleted {
		return true
	}
	_, removing := s.pending[id]
	return removing
}
