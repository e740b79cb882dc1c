package booksync

import (
	"context"
	"io"

	"github.com/tendant/booksync/pkg/booksync/events"
)

// NoopEventPublisher discards events. It still returns well-formed events with
// the type and payload set.
type NoopEventPublisher struct{}

// NewNoopEventPublisher creates a publisher that sends nothing
func NewNoopEventPublisher() EventPublisher {
	return NoopEventPublisher{}
}

func noop(t events.EventType, p events.Payload) events.DomainEvent {
	return events.DomainEvent{Type: t, Payload: p}
}

func (NoopEventPublisher) BookCreated(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookCreated, p)
}

func (NoopEventPublisher) BookUpdated(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookUpdated, p)
}

func (NoopEventPublisher) BookDeleted(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookDeleted, p)
}

func (NoopEventPublisher) BatchCreated(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookBatchCreated, p)
}

func (NoopEventPublisher) BatchViewed(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookBatchViewed, p)
}

func (NoopEventPublisher) BookViewed(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookViewed, p)
}

func (NoopEventPublisher) ViewsUpdated(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookViewsUpdated, p)
}

func (NoopEventPublisher) BooksListed(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.BookListed, p)
}

func (NoopEventPublisher) AuthorSearched(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.AuthorSearched, p)
}

func (NoopEventPublisher) SyncStarted(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.SyncStarted, p)
}

func (NoopEventPublisher) SyncCompleted(_ context.Context, p events.Payload) events.DomainEvent {
	return noop(events.SyncCompleted, p)
}

// NoopReportStore discards reports
type NoopReportStore struct{}

func (NoopReportStore) SaveReport(context.Context, string, io.Reader) error {
	return nil
}

var (
	_ EventPublisher = (*events.Publisher)(nil)
	_ EventPublisher = NoopEventPublisher{}
	_ ReportStore    = NoopReportStore{}
)
