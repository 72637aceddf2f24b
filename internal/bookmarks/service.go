package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBookmarkNotFound indicates that no bookmark with the id exists for the owner.
	ErrBookmarkNotFound = errors.New("bookmarks: bookmark not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "bookmarks.service.new"
	opListBookmarks   = "bookmarks.list"
	opCreateBookmark  = "bookmarks.create"
	opUpdateBookmark  = "bookmarks.update"
	opDeleteBookmark  = "bookmarks.delete"
	fieldOwnerID      = "owner_id"
	fieldBookmarkID   = "bookmark_id"
	queryOwner        = fieldOwnerID + " = ?"
	queryOwnerID      = fieldOwnerID + " = ? AND " + fieldBookmarkID + " = ?"
	orderNewestFirst  = "created_at_ms DESC, bookmark_id ASC"
	reasonMissingDB   = "missing_database"
	reasonQueryFailed = "query_failed"
	reasonIDFailed    = "id_generation_failed"
	reasonInsert      = "insert_failed"
	reasonSave        = "save_failed"
	reasonRemove      = "delete_failed"
	reasonNotFound    = "not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ChangeType enumerates the kinds of change published to the feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change describes one committed mutation. Record is nil for deletes.
type Change struct {
	Type      ChangeType
	Owner     string
	ID        string
	Record    *Record
	Timestamp time.Time
}

// ChangePublisher receives every committed change.
type ChangePublisher interface {
	Publish(change Change)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  ChangePublisher
	Logger     *zap.Logger
}

// Service is the store-of-record for bookmarks and the only authority for their ids.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  ChangePublisher
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// ListBookmarks returns every bookmark of the owner, newest first.
func (s *Service) ListBookmarks(ctx context.Context, owner OwnerID) ([]Record, error) {
	if s.db == nil {
		s.logError(opListBookmarks, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListBookmarks, reasonMissingDB, errMissingDatabase)
	}

	var rows []Bookmark
	if err := s.db.WithContext(ctx).
		Where(queryOwner, owner.String()).
		Order(orderNewestFirst).
		Find(&rows).Error; err != nil {
		s.logError(opListBookmarks, reasonQueryFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opListBookmarks, reasonQueryFailed, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.Record())
	}
	return records, nil
}

// CreateBookmark assigns an id, persists the bookmark, and publishes an insert.
func (s *Service) CreateBookmark(ctx context.Context, owner OwnerID, title Title, location URL) (Record, error) {
	if s.db == nil {
		s.logError(opCreateBookmark, reasonMissingDB, errMissingDatabase)
		return Record{}, newServiceError(opCreateBookmark, reasonMissingDB, errMissingDatabase)
	}

	bookmarkID, err := s.idProvider.NewBookmarkID()
	if err == nil {
		bookmarkID, err = NewBookmarkID(bookmarkID.String())
	}
	if err != nil {
		s.logError(opCreateBookmark, reasonIDFailed, err, zap.String(fieldOwnerID, owner.String()))
		return Record{}, newServiceError(opCreateBookmark, reasonIDFailed, err)
	}

	now := s.clock().UTC().UnixMilli()
	row := Bookmark{
		BookmarkID:      bookmarkID.String(),
		OwnerID:         owner.String(),
		Title:           title.String(),
		URL:             location.String(),
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateBookmark, reasonInsert, err,
			zap.String(fieldOwnerID, owner.String()),
			zap.String(fieldBookmarkID, bookmarkID.String()))
		return Record{}, newServiceError(opCreateBookmark, reasonInsert, err)
	}

	record := row.Record()
	s.publish(ChangeInsert, owner.String(), record.ID, &record)
	return record, nil
}

// UpdateBookmark replaces title and url of an existing bookmark and publishes an update.
func (s *Service) UpdateBookmark(ctx context.Context, owner OwnerID, id BookmarkID, title Title, location URL) (Record, error) {
	if s.db == nil {
		s.logError(opUpdateBookmark, reasonMissingDB, errMissingDatabase)
		return Record{}, newServiceError(opUpdateBookmark, reasonMissingDB, errMissingDatabase)
	}

	var row Bookmark
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryOwnerID, owner.String(), id.String()).Take(&row).Error; err != nil {
			return err
		}
		row.Title = title.String()
		row.URL = location.String()
		row.UpdatedAtMillis = s.clock().UTC().UnixMilli()
		return tx.Save(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opUpdateBookmark, reasonNotFound, ErrBookmarkNotFound)
	}
	if err != nil {
		s.logError(opUpdateBookmark, reasonSave, err,
			zap.String(fieldOwnerID, owner.String()),
			zap.String(fieldBookmarkID, id.String()))
		return Record{}, newServiceError(opUpdateBookmark, reasonSave, err)
	}

	record := row.Record()
	s.publish(ChangeUpdate, owner.String(), record.ID, &record)
	return record, nil
}

// DeleteBookmark removes the bookmark and publishes a delete.
func (s *Service) DeleteBookmark(ctx context.Context, owner OwnerID, id BookmarkID) error {
	if s.db == nil {
		s.logError(opDeleteBookmark, reasonMissingDB, errMissingDatabase)
		return newServiceError(opDeleteBookmark, reasonMissingDB, errMissingDatabase)
	}

	result := s.db.WithContext(ctx).
		Where(queryOwnerID, owner.String(), id.String()).
		Delete(&Bookmark{})
	if result.Error != nil {
		s.logError(opDeleteBookmark, reasonRemove, result.Error,
			zap.String(fieldOwnerID, owner.String()),
			zap.String(fieldBookmarkID, id.String()))
		return newServiceError(opDeleteBookmark, reasonRemove, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteBookmark, reasonNotFound, ErrBookmarkNotFound)
	}

	s.publish(ChangeDelete, owner.String(), id.String(), nil)
	return nil
}

func (s *Service) publish(changeType ChangeType, owner, id string, record *Record) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(Change{
		Type:      changeType,
		Owner:     owner,
		ID:        id,
		Record:    record,
		Timestamp: s.clock().UTC(),
	})
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("bookmarks service error", attrs...)
}
