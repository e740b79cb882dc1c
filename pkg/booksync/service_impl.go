package booksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tendant/booksync/pkg/booksync/cache"
	"github.com/tendant/booksync/pkg/booksync/events"
)

// service implements the Service interface
type service struct {
	authoritative AuthoritativeStore
	secondary     SecondaryStore
	audit         AuditLog
	events        EventPublisher
	cache         *cache.Service
	logger        *slog.Logger
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithAuthoritativeStore sets the relational source of truth
func WithAuthoritativeStore(store AuthoritativeStore) Option {
	return func(s *service) {
		s.authoritative = store
	}
}

// WithSecondaryStore sets the key/value replica
func WithSecondaryStore(store SecondaryStore) Option {
	return func(s *service) {
		s.secondary = store
	}
}

// WithAuditLog sets the audit log
func WithAuditLog(log AuditLog) Option {
	return func(s *service) {
		s.audit = log
	}
}

// WithEventPublisher sets the event publisher
func WithEventPublisher(p EventPublisher) Option {
	return func(s *service) {
		s.events = p
	}
}

// WithCache enables read-through caching of single books and the trending board
func WithCache(c *cache.Service) Option {
	return func(s *service) {
		s.cache = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		events: NewNoopEventPublisher(),
		logger: slog.Default(),
	}

	for _, option := range options {
		option(s)
	}

	if s.authoritative == nil {
		return nil, fmt.Errorf("authoritative store is required")
	}
	if s.secondary == nil {
		return nil, fmt.Errorf("secondary store is required")
	}
	if s.audit == nil {
		return nil, fmt.Errorf("audit log is required")
	}
	s.logger = s.logger.With("component", "book-service")

	return s, nil
}

func payloadOf(b Book) events.Payload {
	return events.Payload{
		BookID:          b.ID,
		Title:           b.Title,
		Author:          b.Author,
		PublicationYear: b.PublicationYear,
		Views:           b.ViewCount,
	}
}

func snapshotOf(b Book) *events.BookData {
	return &events.BookData{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		PublicationYear: b.PublicationYear,
		Views:           b.ViewCount,
	}
}

// logOperation appends an audit entry. Failures are logged and never fail the operation.
func (s *service) logOperation(ctx context.Context, op Operation, b Book) {
	if err := s.audit.AppendLog(ctx, NewAuditLogEntry(op, b)); err != nil {
		auditFailures.Inc()
		s.logger.Error("Failed to write audit log", "book_id", b.ID, "operation", op, "err", err)
	}
}

func newBook(req CreateBookRequest) Book {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Book{
		ID:              id,
		Title:           req.Title,
		Author:          req.Author,
		PublicationYear: req.PublicationYear,
	}
}

// Book operations

func (s *service) CreateBook(ctx context.Context, req CreateBookRequest) (*Book, error) {
	book := newBook(req)
	if err := book.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.authoritative.GetBook(ctx, book.ID); err == nil {
		return nil, &BookError{BookID: book.ID, Op: "create", Err: ErrBookExists}
	} else if !errors.Is(err, ErrBookNotFound) {
		return nil, &BookError{BookID: book.ID, Op: "create", Err: err}
	}

	if err := s.secondary.PutBook(ctx, book); err != nil {
		return nil, &BookError{BookID: book.ID, Op: "create", Err: err}
	}
	if err := s.authoritative.PutBook(ctx, book); err != nil {
		// the replica now holds a row the source of truth lacks; the next
		// secondary-to-authoritative pass restores it
		s.logger.Error("Book written to replica only", "book_id", book.ID, "err", err)
		return nil, &BookError{BookID: book.ID, Op: "create", Err: err}
	}

	s.logOperation(ctx, OperationCreate, book)
	s.events.BookCreated(ctx, payloadOf(book))

	return &book, nil
}

func (s *service) BatchCreateBooks(ctx context.Context, reqs []CreateBookRequest) ([]Book, error) {
	books := make([]Book, 0, len(reqs))
	ids := make([]string, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		book := newBook(req)
		if err := book.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[book.ID]; dup {
			return nil, &BookError{BookID: book.ID, Op: "batch_create", Err: fmt.Errorf("%w: duplicate id in batch", ErrInvalidBook)}
		}
		seen[book.ID] = struct{}{}
		books = append(books, book)
		ids = append(ids, book.ID)
	}
	if len(books) == 0 {
		return books, nil
	}

	// batch writes are upserts, so existing ids must be refused up front
	for _, book := range books {
		if _, err := s.authoritative.GetBook(ctx, book.ID); err == nil {
			return nil, &BookError{BookID: book.ID, Op: "batch_create", Err: ErrBookExists}
		} else if !errors.Is(err, ErrBookNotFound) {
			return nil, &BookError{BookID: book.ID, Op: "batch_create", Err: err}
		}
	}

	if err := s.secondary.BatchPutBooks(ctx, books); err != nil {
		return nil, &StoreError{Store: "secondary", Op: "batch_create", Err: err}
	}
	for _, book := range books {
		if err := s.authoritative.PutBook(ctx, book); err != nil {
			return nil, &BookError{BookID: book.ID, Op: "batch_create", Err: err}
		}
		s.logOperation(ctx, OperationCreate, book)
	}

	s.events.BatchCreated(ctx, events.Payload{BookIDs: ids})
	return books, nil
}

func (s *service) loadBook(ctx context.Context, id string) (*Book, error) {
	book, err := s.secondary.GetBook(ctx, id)
	if err != nil {
		return nil, &BookError{BookID: id, Op: "get", Err: err}
	}
	return book, nil
}

// GetBook reads from the replica through the cache.
func (s *service) GetBook(ctx context.Context, id string) (*Book, error) {
	var (
		book *Book
		err  error
	)
	if s.cache != nil {
		book, err = cache.GetOrSet(ctx, s.cache, cache.BookKey(id), func(ctx context.Context) (*Book, error) {
			return s.loadBook(ctx, id)
		})
	} else {
		book, err = s.loadBook(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	s.logOperation(ctx, OperationRead, *book)
	return book, nil
}

func (s *service) ListBooks(ctx context.Context) ([]Book, error) {
	books, err := s.secondary.ListBooks(ctx)
	if err != nil {
		return nil, &StoreError{Store: "secondary", Op: "list", Err: err}
	}
	s.events.BooksListed(ctx, events.Payload{Changes: map[string]any{"count": len(books)}})
	return books, nil
}

func (s *service) BatchGetBooks(ctx context.Context, ids []string) ([]Book, error) {
	if len(ids) == 0 {
		return []Book{}, nil
	}
	books, err := s.secondary.BatchGetBooks(ctx, ids)
	if err != nil {
		return nil, &StoreError{Store: "secondary", Op: "batch_get", Err: err}
	}
	s.events.BatchViewed(ctx, events.Payload{BookIDs: ids})
	return books, nil
}

func (s *service) FindByAuthorAndYear(ctx context.Context, author string, year int) ([]Book, error) {
	books, err := s.secondary.FindByAuthorAndYear(ctx, author, year)
	if err != nil {
		return nil, &StoreError{Store: "secondary", Op: "find_by_author", Err: err}
	}
	s.events.AuthorSearched(ctx, events.Payload{Author: author, PublicationYear: year})
	return books, nil
}

func (s *service) UpdateBook(ctx context.Context, id string, req UpdateBookRequest) (*Book, error) {
	previous, err := s.authoritative.GetBook(ctx, id)
	if err != nil {
		return nil, &BookError{BookID: id, Op: "update", Err: err}
	}

	updated := *previous
	changes := map[string]any{}
	if req.Title != nil && *req.Title != previous.Title {
		updated.Title = *req.Title
		changes["title"] = updated.Title
	}
	if req.Author != nil && *req.Author != previous.Author {
		updated.Author = *req.Author
		changes["author"] = updated.Author
	}
	if req.PublicationYear != nil && *req.PublicationYear != previous.PublicationYear {
		updated.PublicationYear = *req.PublicationYear
		changes["publicationYear"] = updated.PublicationYear
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	if err := s.secondary.PutBook(ctx, updated); err != nil {
		return nil, &BookError{BookID: id, Op: "update", Err: err}
	}
	if err := s.authoritative.UpdateBookDetails(ctx, updated); err != nil {
		return nil, &BookError{BookID: id, Op: "update", Err: err}
	}

	s.logOperation(ctx, OperationUpdate, updated)
	payload := payloadOf(updated)
	payload.PreviousData = snapshotOf(*previous)
	payload.Changes = changes
	s.events.BookUpdated(ctx, payload)

	return &updated, nil
}

// RecordView counts a view in the authoritative store and mirrors the new
// count to the replica.
func (s *service) RecordView(ctx context.Context, id, userID string) (*Book, error) {
	views, err := s.authoritative.IncrementViews(ctx, id)
	if err != nil {
		return nil, &BookError{BookID: id, Op: "view", Err: err}
	}
	book, err := s.authoritative.GetBook(ctx, id)
	if err != nil {
		return nil, &BookError{BookID: id, Op: "view", Err: err}
	}
	book.ViewCount = views

	if err := s.secondary.PutBook(ctx, *book); err != nil {
		// reconciliation copies the count over on the next pass
		s.logger.Warn("Failed to mirror view count", "book_id", id, "err", err)
	}

	s.events.BookViewed(ctx, events.Payload{BookID: id, UserID: userID})
	s.events.ViewsUpdated(ctx, events.Payload{BookID: id, Views: views})

	return book, nil
}

func (s *service) DeleteBook(ctx context.Context, id string) error {
	previous, err := s.authoritative.GetBook(ctx, id)
	if err != nil {
		return &BookError{BookID: id, Op: "delete", Err: err}
	}

	if err := s.secondary.DeleteBook(ctx, id); err != nil {
		return &BookError{BookID: id, Op: "delete", Err: err}
	}
	if err := s.authoritative.DeleteBook(ctx, id); err != nil {
		return &BookError{BookID: id, Op: "delete", Err: err}
	}

	s.logOperation(ctx, OperationDelete, *previous)
	s.events.BookDeleted(ctx, events.Payload{BookID: id, PreviousData: snapshotOf(*previous)})
	return nil
}

func (s *service) GetLogsForBook(ctx context.Context, id string, page LogPage) ([]AuditLogEntry, error) {
	if _, err := s.authoritative.GetBook(ctx, id); err != nil {
		return nil, &BookError{BookID: id, Op: "logs", Err: err}
	}
	entries, err := s.audit.ListLogs(ctx, id, page.Normalize())
	if err != nil {
		return nil, &BookError{BookID: id, Op: "logs", Err: err}
	}
	return entries, nil
}

func (s *service) Trending(ctx context.Context, limit int) []TrendingBook {
	if s.cache == nil {
		return []TrendingBook{}
	}
	entries := s.cache.TrendingWithScores(ctx, limit)
	out := make([]TrendingBook, len(entries))
	for i, e := range entries {
		out[i] = TrendingBook{BookID: e.Member, Score: e.Score}
	}
	return out
}
