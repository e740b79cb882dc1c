package booksync

import (
	"time"

	"github.com/google/uuid"
)

// Book is the replicated record. ID is the join key between the stores.
type Book struct {
	ID              string `json:"bookId"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publicationYear"`
	ViewCount       int    `json:"views"`
}

// SameDetails reports whether b and other agree on title, author and year.
func (b Book) SameDetails(other Book) bool {
	return b.Title == other.Title &&
		b.Author == other.Author &&
		b.PublicationYear == other.PublicationYear
}

// Same reports whether b and other agree on every replicated field.
func (b Book) Same(other Book) bool {
	return b.SameDetails(other) && b.ViewCount == other.ViewCount
}

// Operation is the kind of audit log entry.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
	OperationRead   Operation = "READ"
	OperationSync   Operation = "SYNC"
)

// AuditLogEntry is an append-only record of an operation on a book.
type AuditLogEntry struct {
	ID        uuid.UUID `json:"id"`
	BookID    string    `json:"bookId"`
	Operation Operation `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Author    *string   `json:"author,omitempty"`
	Title     *string   `json:"title,omitempty"`
}

// NewAuditLogEntry builds an entry for op on b, stamped now.
func NewAuditLogEntry(op Operation, b Book) AuditLogEntry {
	entry := AuditLogEntry{
		ID:        uuid.New(),
		BookID:    b.ID,
		Operation: op,
		Timestamp: time.Now().UTC(),
	}
	if b.Author != "" {
		author := b.Author
		entry.Author = &author
	}
	if b.Title != "" {
		title := b.Title
		entry.Title = &title
	}
	return entry
}

// LogPage bounds an audit log read.
type LogPage struct {
	Limit  int
	Offset int
}

const DefaultLogLimit = 10

// Normalize applies the default limit and clamps negative values.
func (p LogPage) Normalize() LogPage {
	if p.Limit <= 0 {
		p.Limit = DefaultLogLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Direction of a reconciliation pass.
type Direction string

const (
	AuthoritativeToSecondary Direction = "authoritative_to_secondary"
	SecondaryToAuthoritative Direction = "secondary_to_authoritative"
)

// SyncResult summarizes one reconciliation pass. Failed counts records whose
// read or write failed; they are neither synced nor skipped.
type SyncResult struct {
	Direction  Direction `json:"direction"`
	Synced     int       `json:"synced"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// CreateBookRequest is the input for creating a book.
type CreateBookRequest struct {
	ID              string `json:"bookId"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publicationYear"`
}

// UpdateBookRequest carries the fields to change. Nil fields are left alone.
type UpdateBookRequest struct {
	Title           *string `json:"title,omitempty"`
	Author          *string `json:"author,omitempty"`
	PublicationYear *int    `json:"publicationYear,omitempty"`
}
