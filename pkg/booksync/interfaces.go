package booksync

import (
	"context"
	"io"

	"github.com/tendant/booksync/pkg/booksync/events"
)

// AuthoritativeStore is the relational source of truth. It owns view counts.
type AuthoritativeStore interface {
	// ListBooks returns every book.
	ListBooks(ctx context.Context) ([]Book, error)

	// GetBook returns ErrBookNotFound when id is absent.
	GetBook(ctx context.Context, id string) (*Book, error)

	// PutBook inserts or fully overwrites a book, view count included.
	PutBook(ctx context.Context, book Book) error

	// UpdateBookDetails overwrites title, author and publication year of an
	// existing book and leaves its view count alone.
	UpdateBookDetails(ctx context.Context, book Book) error

	// IncrementViews adds one view and returns the new count.
	IncrementViews(ctx context.Context, id string) (int, error)

	// DeleteBook removes a book. Deleting a missing book is not an error.
	DeleteBook(ctx context.Context, id string) error
}

// SecondaryStore is the low-latency key/value replica serving reads.
type SecondaryStore interface {
	// ListBooks returns every book, paging through the backend as needed.
	ListBooks(ctx context.Context) ([]Book, error)

	// GetBook returns ErrBookNotFound when id is absent.
	GetBook(ctx context.Context, id string) (*Book, error)

	// PutBook inserts or fully overwrites a book.
	PutBook(ctx context.Context, book Book) error

	// DeleteBook removes a book. Deleting a missing book is not an error.
	DeleteBook(ctx context.Context, id string) error

	// BatchGetBooks returns the books found among ids. Missing ids are skipped.
	BatchGetBooks(ctx context.Context, ids []string) ([]Book, error)

	// BatchPutBooks writes all books.
	BatchPutBooks(ctx context.Context, books []Book) error

	// FindByAuthorAndYear returns books by author published in year.
	FindByAuthorAndYear(ctx context.Context, author string, year int) ([]Book, error)
}

// AuditLog is the append-only operation history, kept with the authoritative store.
type AuditLog interface {
	// AppendLog stores entry.
	AppendLog(ctx context.Context, entry AuditLogEntry) error

	// HasLogs reports whether any entry exists for bookID.
	HasLogs(ctx context.Context, bookID string) (bool, error)

	// ListLogs returns entries for bookID, newest first.
	ListLogs(ctx context.Context, bookID string, page LogPage) ([]AuditLogEntry, error)
}

// EventPublisher emits domain events. Implementations must not block and must
// not report failures to the caller.
type EventPublisher interface {
	BookCreated(ctx context.Context, payload events.Payload) events.DomainEvent
	BookUpdated(ctx context.Context, payload events.Payload) events.DomainEvent
	BookDeleted(ctx context.Context, payload events.Payload) events.DomainEvent
	BatchCreated(ctx context.Context, payload events.Payload) events.DomainEvent
	BatchViewed(ctx context.Context, payload events.Payload) events.DomainEvent
	BookViewed(ctx context.Context, payload events.Payload) events.DomainEvent
	ViewsUpdated(ctx context.Context, payload events.Payload) events.DomainEvent
	BooksListed(ctx context.Context, payload events.Payload) events.DomainEvent
	AuthorSearched(ctx context.Context, payload events.Payload) events.DomainEvent
	SyncStarted(ctx context.Context, payload events.Payload) events.DomainEvent
	SyncCompleted(ctx context.Context, payload events.Payload) events.DomainEvent
}

// ReportStore archives reconciliation reports.
type ReportStore interface {
	SaveReport(ctx context.Context, key string, r io.Reader) error
}

// TrendingBook is a leaderboard entry.
type TrendingBook struct {
	BookID string  `json:"bookId"`
	Score  float64 `json:"score"`
}

// Service is the book catalog API.
type Service interface {
	CreateBook(ctx context.Context, req CreateBookRequest) (*Book, error)
	BatchCreateBooks(ctx context.Context, reqs []CreateBookRequest) ([]Book, error)
	GetBook(ctx context.Context, id string) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	BatchGetBooks(ctx context.Context, ids []string) ([]Book, error)
	FindByAuthorAndYear(ctx context.Context, author string, year int) ([]Book, error)
	UpdateBook(ctx context.Context, id string, req UpdateBookRequest) (*Book, error)
	RecordView(ctx context.Context, id, userID string) (*Book, error)
	DeleteBook(ctx context.Context, id string) error
	GetLogsForBook(ctx context.Context, id string, page LogPage) ([]AuditLogEntry, error)
	Trending(ctx context.Context, limit int) []TrendingBook
}
