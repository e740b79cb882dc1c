package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tendant/booksync/pkg/booksync/cache"
	"github.com/tendant/booksync/pkg/booksync/kv"
)

// HandlerFunc reacts to one event. Handlers must be idempotent: the bus
// delivers at least once within a session.
type HandlerFunc func(ctx context.Context, ev DomainEvent)

// Subscriber keeps the cache coherent with domain events. Its dispatch table is
// fixed at construction; event types without an entry are ignored.
type Subscriber struct {
	cache    *cache.Service
	source   kv.Subscriber
	handlers map[EventType]HandlerFunc
	logger   *slog.Logger
}

// NewSubscriber builds the dispatch table over c. source may be nil when events
// are fed through HandleEvent directly.
func NewSubscriber(c *cache.Service, source kv.Subscriber, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cache:  c,
		source: source,
		logger: logger.With("component", "cache-invalidation"),
	}
	s.handlers = map[EventType]HandlerFunc{
		BookCreated:      s.onCreated,
		BookUpdated:      s.onUpdated,
		BookDeleted:      s.onDeleted,
		BookBatchCreated: s.onBatchCreated,
		BookViewsUpdated: s.onViewsUpdated,
		SyncCompleted:    s.onSyncCompleted,
	}
	return s
}

// Handles reports whether t has an entry in the dispatch table.
func (s *Subscriber) Handles(t EventType) bool {
	_, ok := s.handlers[t]
	return ok
}

// HandleEvent dispatches an event received on the events channel.
func (s *Subscriber) HandleEvent(ctx context.Context, ev DomainEvent) {
	h, ok := s.handlers[ev.Type]
	if !ok {
		return
	}
	h(ctx, ev)
	eventsHandled.WithLabelValues(ChannelEvents, string(ev.Type)).Inc()
}

// HandleViewEvent records a single view received on the views channel: it
// bumps trending, counts the view and tracks the viewer.
func (s *Subscriber) HandleViewEvent(ctx context.Context, ev DomainEvent) {
	id := ev.Payload.BookID
	if id == "" {
		s.logger.Warn("View event without book id", "event_id", ev.ID)
		return
	}
	s.cache.BumpTrending(ctx, id)
	s.cache.Increment(ctx, cache.ViewsKey(id), 1)
	s.cache.TrackViewer(ctx, id, ev.Payload.UserID)
	eventsHandled.WithLabelValues(ChannelViews, string(ev.Type)).Inc()
}

// HandleMessage decodes a raw pub/sub message and routes it by channel.
// Malformed messages are logged and skipped.
func (s *Subscriber) HandleMessage(ctx context.Context, msg kv.Message) {
	var ev DomainEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		s.logger.Error("Failed to decode event", "channel", msg.Channel, "err", err)
		return
	}
	switch msg.Channel {
	case ChannelEvents:
		s.HandleEvent(ctx, ev)
	case ChannelViews:
		s.HandleViewEvent(ctx, ev)
	}
}

// Run subscribes to the events and views channels and handles messages one at
// a time until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("subscriber has no message source")
	}
	sub, err := s.source.Subscribe(ctx, ChannelEvents, ChannelViews)
	if err != nil {
		return err
	}
	defer sub.Close()
	s.logger.Info("Subscribed to event channels", "channels", []string{ChannelEvents, ChannelViews})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			s.HandleMessage(ctx, msg)
		}
	}
}

func (s *Subscriber) onCreated(ctx context.Context, ev DomainEvent) {
	p := ev.Payload
	s.cache.InvalidateListCaches(ctx)
	s.cache.InvalidateAuthorCache(ctx, p.Author)
	if p.BookID != "" {
		s.cache.Set(ctx, cache.BookKey(p.BookID), p.Book())
	}
}

func (s *Subscriber) onUpdated(ctx context.Context, ev DomainEvent) {
	p := ev.Payload
	s.cache.InvalidateBook(ctx, p.BookID)
	if author, changed := p.ChangedAuthor(); changed {
		if p.PreviousData != nil {
			s.cache.InvalidateAuthorCache(ctx, p.PreviousData.Author)
		}
		s.cache.InvalidateAuthorCache(ctx, author)
	}
}

func (s *Subscriber) onDeleted(ctx context.Context, ev DomainEvent) {
	p := ev.Payload
	s.cache.InvalidateBook(ctx, p.BookID)
	author := p.Author
	if p.PreviousData != nil && p.PreviousData.Author != "" {
		author = p.PreviousData.Author
	}
	s.cache.InvalidateAuthorCache(ctx, author)
	s.cache.RemoveFromTrending(ctx, p.BookID)
}

func (s *Subscriber) onBatchCreated(ctx context.Context, ev DomainEvent) {
	s.cache.InvalidateListCaches(ctx)
}

// onViewsUpdated deletes rather than refreshes the entry; the next read
// repopulates it from the store.
func (s *Subscriber) onViewsUpdated(ctx context.Context, ev DomainEvent) {
	p := ev.Payload
	s.cache.Delete(ctx, cache.BookKey(p.BookID))
	if p.Views > 0 {
		s.cache.AddToTrending(ctx, p.BookID, float64(p.Views))
	}
}

func (s *Subscriber) onSyncCompleted(ctx context.Context, ev DomainEvent) {
	s.cache.InvalidateListCaches(ctx)
	s.cache.DeletePattern(ctx, "book:*")
}
