// Package events defines the book domain events and moves them over kv pub/sub.
package events

import (
	"context"
	"time"
)

// EventType names a domain event.
type EventType string

const (
	BookCreated      EventType = "book.created"
	BookUpdated      EventType = "book.updated"
	BookDeleted      EventType = "book.deleted"
	BookViewed       EventType = "book.viewed"
	BookBatchCreated EventType = "book.batch_created"
	BookBatchViewed  EventType = "book.batch_viewed"
	BookViewsUpdated EventType = "book.views.updated"
	BookListed       EventType = "book.listed"
	AuthorSearched   EventType = "book.author_searched"
	SyncStarted      EventType = "book.sync.started"
	SyncCompleted    EventType = "book.sync.completed"
)

// Source identifies where an event originated.
type Source string

const (
	SourceAPI    Source = "api"
	SourceSync   Source = "sync"
	SourceAdmin  Source = "admin"
	SourceSystem Source = "system"
	SourceCron   Source = "cron"
)

// Version of the event envelope.
const Version = "1.0.0"

// Pub/sub channels.
const (
	ChannelEvents    = "books:events"
	ChannelViews     = "books:views"
	ChannelSync      = "books:sync"
	ChannelAnalytics = "books:analytics"
)

// BookData is a snapshot of a book carried inside an event. Its JSON shape
// matches the cached book representation.
type BookData struct {
	ID              string `json:"bookId"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publicationYear"`
	Views           int    `json:"views"`
}

// Payload is the event body. Which fields are set depends on the event type.
type Payload struct {
	BookID          string         `json:"bookId,omitempty"`
	BookIDs         []string       `json:"bookIds,omitempty"`
	Title           string         `json:"title,omitempty"`
	Author          string         `json:"author,omitempty"`
	PublicationYear int            `json:"publicationYear,omitempty"`
	Views           int            `json:"views,omitempty"`
	PreviousData    *BookData      `json:"previousData,omitempty"`
	Changes         map[string]any `json:"changes,omitempty"`
	UserID          string         `json:"userId,omitempty"`
}

// Book returns the payload's book fields as a snapshot.
func (p Payload) Book() BookData {
	return BookData{
		ID:              p.BookID,
		Title:           p.Title,
		Author:          p.Author,
		PublicationYear: p.PublicationYear,
		Views:           p.Views,
	}
}

// ChangedAuthor returns the new author when the payload records an author change.
func (p Payload) ChangedAuthor() (string, bool) {
	v, ok := p.Changes["author"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Metadata describes the origin of an event.
type Metadata struct {
	Source        Source `json:"source"`
	Version       string `json:"version"`
	CorrelationID string `json:"correlationId"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
}

// DomainEvent is immutable once built by a Publisher.
type DomainEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
	Metadata  Metadata  `json:"metadata"`
}

// Channels returns every channel ev is published on.
func (ev DomainEvent) Channels() []string {
	switch ev.Type {
	case BookViewed:
		return []string{ChannelEvents, ChannelViews}
	case BookBatchViewed, BookViewsUpdated:
		return []string{ChannelEvents, ChannelAnalytics}
	case SyncStarted, SyncCompleted:
		return []string{ChannelEvents, ChannelSync}
	}
	return []string{ChannelEvents}
}

type metadataKey struct{}

// WithMetadata attaches request metadata to ctx. Events published with that
// context inherit the non-empty fields.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns metadata attached by WithMetadata.
func MetadataFromContext(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}
