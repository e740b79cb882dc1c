package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tendant/booksync/pkg/booksync"
)

// BookStore implements both booksync.AuthoritativeStore and
// booksync.SecondaryStore using in-memory storage. Use two instances to model
// the two stores.
type BookStore struct {
	mu    sync.RWMutex
	books map[string]*booksync.Book
}

// NewBookStore creates a new in-memory book store
func NewBookStore() *BookStore {
	return &BookStore{
		books: make(map[string]*booksync.Book),
	}
}

var (
	_ booksync.AuthoritativeStore = (*BookStore)(nil)
	_ booksync.SecondaryStore     = (*BookStore)(nil)
)

// sortedBooks returns copies ordered by id. Caller holds the lock.
func (r *BookStore) sortedBooks(keep func(*booksync.Book) bool) []booksync.Book {
	out := make([]booksync.Book, 0, len(r.books))
	for _, b := range r.books {
		if keep == nil || keep(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *BookStore) ListBooks(ctx context.Context) ([]booksync.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedBooks(nil), nil
}

func (r *BookStore) GetBook(ctx context.Context, id string) (*booksync.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	book, exists := r.books[id]
	if !exists {
		return nil, booksync.ErrBookNotFound
	}
	// Return a copy to prevent external modifications
	bookCopy := *book
	return &bookCopy, nil
}

func (r *BookStore) PutBook(ctx context.Context, book booksync.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.books[book.ID] = &book
	return nil
}

func (r *BookStore) UpdateBookDetails(ctx context.Context, book booksync.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.books[book.ID]
	if !exists {
		return booksync.ErrBookNotFound
	}
	existing.Title = book.Title
	existing.Author = book.Author
	existing.PublicationYear = book.PublicationYear
	return nil
}

func (r *BookStore) IncrementViews(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.books[id]
	if !exists {
		return 0, booksync.ErrBookNotFound
	}
	existing.ViewCount++
	return existing.ViewCount, nil
}

func (r *BookStore) DeleteBook(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.books, id)
	return nil
}

func (r *BookStore) BatchGetBooks(ctx context.Context, ids []string) ([]booksync.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]booksync.Book, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if b, ok := r.books[id]; ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *BookStore) BatchPutBooks(ctx context.Context, books []booksync.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range books {
		b := books[i]
		r.books[b.ID] = &b
	}
	return nil
}

func (r *BookStore) FindByAuthorAndYear(ctx context.Context, author string, year int) ([]booksync.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedBooks(func(b *booksync.Book) bool {
		return b.Author == author && b.PublicationYear == year
	}), nil
}

// AuditLog implements booksync.AuditLog using in-memory storage
type AuditLog struct {
	mu      sync.RWMutex
	entries map[string][]booksync.AuditLogEntry
}

// NewAuditLog creates a new in-memory audit log
func NewAuditLog() *AuditLog {
	return &AuditLog{
		entries: make(map[string][]booksync.AuditLogEntry),
	}
}

var _ booksync.AuditLog = (*AuditLog)(nil)

func (l *AuditLog) AppendLog(ctx context.Context, entry booksync.AuditLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[entry.BookID] = append(l.entries[entry.BookID], entry)
	return nil
}

func (l *AuditLog) HasLogs(ctx context.Context, bookID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[bookID]) > 0, nil
}

// ListLogs orders by timestamp descending; entries with equal timestamps keep
// the most recently appended first.
func (l *AuditLog) ListLogs(ctx context.Context, bookID string, page booksync.LogPage) ([]booksync.AuditLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	page = page.Normalize()
	src := l.entries[bookID]
	sorted := make([]booksync.AuditLogEntry, len(src))
	for i := range src {
		sorted[len(src)-1-i] = src[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	if page.Offset >= len(sorted) {
		return []booksync.AuditLogEntry{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[page.Offset:end], nil
}

// Count returns the number of entries for bookID, mainly for tests.
func (l *AuditLog) Count(bookID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[bookID])
}
