package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
}

func (p *recordingPublisher) Publish(change Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *recordingPublisher) all() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Change(nil), p.changes...)
}

type sequenceProvider struct {
	next int
}

func (p *sequenceProvider) NewBookmarkID() (BookmarkID, error) {
	p.next++
	return BookmarkID(fmt.Sprintf("bookmark-%d", p.next)), nil
}

func failingProvider() IDProvider {
	return IDProviderFunc(func() (BookmarkID, error) {
		return "", errors.New("entropy exhausted")
	})
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "bookmarks.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Bookmark{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, publisher ChangePublisher) *Service {
	t.Helper()
	clock := &steppingClock{current: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.now,
		IDProvider: &sequenceProvider{},
		Publisher:  publisher,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustInput(t *testing.T, rawTitle, rawURL string) (Title, URL) {
	t.Helper()
	title, location, err := ValidateInput(rawTitle, rawURL)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	return title, location
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: &sequenceProvider{}}); err == nil {
		t.Fatalf("expected missing database error")
	}
	_, err := NewService(ServiceConfig{Database: openTestDatabase(t)})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "bookmarks.service.new.missing_id_provider" {
		t.Fatalf("expected missing id provider code, got %v", err)
	}
}

func TestCreateBookmarkAssignsIDAndPublishesInsert(t *testing.T) {
	publisher := &recordingPublisher{}
	service := newTestService(t, publisher)
	title, location := mustInput(t, "Google", "https://google.com")

	record, err := service.CreateBookmark(context.Background(), OwnerID("user-1"), title, location)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.ID != "bookmark-1" || record.Owner != "user-1" || record.Title != "Google" {
		t.Fatalf("unexpected record %#v", record)
	}
	if record.CreatedAt.IsZero() {
		t.Fatalf("expected created at to be set")
	}

	changes := publisher.all()
	if len(changes) != 1 {
		t.Fatalf("expected one published change, got %d", len(changes))
	}
	if changes[0].Type != ChangeInsert || changes[0].Owner != "user-1" || changes[0].Record == nil || changes[0].Record.ID != record.ID {
		t.Fatalf("unexpected change %#v", changes[0])
	}
}

func TestListBookmarksScopesByOwnerNewestFirst(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	for _, input := range []struct{ owner, title, url string }{
		{"user-1", "Google", "https://google.com"},
		{"user-2", "Other", "https://other.example.com"},
		{"user-1", "Bing", "https://bing.com"},
	} {
		title, location := mustInput(t, input.title, input.url)
		if _, err := service.CreateBookmark(ctx, OwnerID(input.owner), title, location); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	records, err := service.ListBookmarks(ctx, OwnerID("user-1"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Title != "Bing" || records[1].Title != "Google" {
		t.Fatalf("expected newest first, got %q then %q", records[0].Title, records[1].Title)
	}
	for _, record := range records {
		if record.Owner != "user-1" {
			t.Fatalf("unexpected owner %q", record.Owner)
		}
	}
}

func TestUpdateBookmarkReplacesFieldsAndPublishesUpdate(t *testing.T) {
	publisher := &recordingPublisher{}
	service := newTestService(t, publisher)
	ctx := context.Background()
	title, location := mustInput(t, "Google", "https://google.com")
	created, err := service.CreateBookmark(ctx, OwnerID("user-1"), title, location)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	newTitle, newLocation := mustInput(t, "Google Search", "https://www.google.com")
	updated, err := service.UpdateBookmark(ctx, OwnerID("user-1"), BookmarkID(created.ID), newTitle, newLocation)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Title != "Google Search" || updated.URL != "https://www.google.com" {
		t.Fatalf("unexpected updated record %#v", updated)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected created at to be preserved")
	}

	changes := publisher.all()
	if len(changes) != 2 || changes[1].Type != ChangeUpdate {
		t.Fatalf("expected update change, got %#v", changes)
	}

	_, err = service.UpdateBookmark(ctx, OwnerID("user-2"), BookmarkID(created.ID), newTitle, newLocation)
	if !errors.Is(err, ErrBookmarkNotFound) {
		t.Fatalf("expected not found for foreign owner, got %v", err)
	}
}

func TestDeleteBookmark(t *testing.T) {
	publisher := &recordingPublisher{}
	service := newTestService(t, publisher)
	ctx := context.Background()
	title, location := mustInput(t, "Google", "https://google.com")
	created, err := service.CreateBookmark(ctx, OwnerID("user-1"), title, location)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.DeleteBookmark(ctx, OwnerID("user-2"), BookmarkID(created.ID)); !errors.Is(err, ErrBookmarkNotFound) {
		t.Fatalf("expected foreign owner delete to be not found, got %v", err)
	}
	if err := service.DeleteBookmark(ctx, OwnerID("user-1"), BookmarkID(created.ID)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := service.DeleteBookmark(ctx, OwnerID("user-1"), BookmarkID(created.ID)); !errors.Is(err, ErrBookmarkNotFound) {
		t.Fatalf("expected second delete to be not found, got %v", err)
	}

	changes := publisher.all()
	if len(changes) != 2 {
		t.Fatalf("expected insert and delete changes, got %d", len(changes))
	}
	if changes[1].Type != ChangeDelete || changes[1].ID != created.ID || changes[1].Record != nil {
		t.Fatalf("unexpected delete change %#v", changes[1])
	}

	records, err := service.ListBookmarks(ctx, OwnerID("user-1"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestCreateBookmarkLogsIDFailure(t *testing.T) {
	testCases := []struct {
		name     string
		provider IDProvider
	}{
		{name: "provider-error", provider: failingProvider()},
		{name: "empty-id", provider: IDProviderFunc(func() (BookmarkID, error) { return "", nil })},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			service, err := NewService(ServiceConfig{
				Database:   openTestDatabase(t),
				IDProvider: testCase.provider,
				Logger:     zap.New(core),
			})
			if err != nil {
				t.Fatalf("failed to build service: %v", err)
			}
			title, location := mustInput(t, "Google", "https://google.com")

			_, err = service.CreateBookmark(context.Background(), OwnerID("user-1"), title, location)
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != "bookmarks.create.id_generation_failed" {
				t.Fatalf("expected id generation failure code, got %v", err)
			}
			entries := logs.FilterMessage("bookmarks service error").All()
			if len(entries) != 1 {
				t.Fatalf("expected one error log entry, got %d", len(entries))
			}
		})
	}
}

func TestServiceWithoutDatabaseReportsCode(t *testing.T) {
	service := &Service{}
	_, err := service.ListBookmarks(context.Background(), OwnerID("user-1"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "bookmarks.list.missing_database" {
		t.Fatalf("expected missing database code, got %v", err)
	}
}
