package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/booksync/pkg/booksync/kv"
)

const (
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 2 * time.Second
)

type outbound struct {
	channel string
	data    string
}

// Publisher builds domain events and hands them to a bounded outbound queue.
// Building never blocks and never fails: a full queue drops the message, and
// Run makes exactly one publish attempt per message, logging failures.
type Publisher struct {
	store   kv.Store
	queue   chan outbound
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	queueSize int
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// WithQueueSize bounds the outbound queue.
func WithQueueSize(n int) PublisherOption {
	return func(c *publisherConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithPublishTimeout bounds each publish attempt.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(c *publisherConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(c *publisherConfig) {
		c.logger = logger
	}
}

// WithPublisherClock overrides the event timestamp source.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(c *publisherConfig) {
		c.now = now
	}
}

// NewPublisher creates a publisher that sends over store.
func NewPublisher(store kv.Store, opts ...PublisherOption) *Publisher {
	cfg := publisherConfig{
		queueSize: DefaultQueueSize,
		timeout:   DefaultPublishTimeout,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Publisher{
		store:   store,
		queue:   make(chan outbound, cfg.queueSize),
		timeout: cfg.timeout,
		logger:  cfg.logger.With("component", "event-publisher"),
		now:     cfg.now,
	}
}

// BookCreated publishes book.created after a single create.
func (p *Publisher) BookCreated(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookCreated, payload)
}

// BookUpdated publishes book.updated; payload carries previousData and changes.
func (p *Publisher) BookUpdated(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookUpdated, payload)
}

// BookDeleted publishes book.deleted with the removed record as previousData.
func (p *Publisher) BookDeleted(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookDeleted, payload)
}

// BatchCreated publishes book.batch_created with the new ids in bookIds.
func (p *Publisher) BatchCreated(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookBatchCreated, payload)
}

// BatchViewed publishes book.batch_viewed, also fanned out to books:analytics.
func (p *Publisher) BatchViewed(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookBatchViewed, payload)
}

// BookViewed publishes book.viewed on books:events and books:views.
func (p *Publisher) BookViewed(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookViewed, payload)
}

// ViewsUpdated publishes book.views.updated with the new count.
func (p *Publisher) ViewsUpdated(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookViewsUpdated, payload)
}

// BooksListed publishes book.listed.
func (p *Publisher) BooksListed(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, BookListed, payload)
}

// AuthorSearched publishes book.author_searched.
func (p *Publisher) AuthorSearched(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, AuthorSearched, payload)
}

// SyncStarted publishes book.sync.started. Sync events always carry the cron source.
func (p *Publisher) SyncStarted(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, SyncStarted, payload)
}

// SyncCompleted publishes book.sync.completed with the pass counters in changes.
func (p *Publisher) SyncCompleted(ctx context.Context, payload Payload) DomainEvent {
	return p.Emit(ctx, SyncCompleted, payload)
}

// Build constructs an event of type t without publishing it.
func (p *Publisher) Build(ctx context.Context, t EventType, payload Payload) DomainEvent {
	md, _ := MetadataFromContext(ctx)
	if md.Source == "" {
		md.Source = SourceAPI
	}
	if t == SyncStarted || t == SyncCompleted {
		md.Source = SourceCron
	}
	if md.CorrelationID == "" {
		md.CorrelationID = uuid.NewString()
	}
	md.Version = Version

	return DomainEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: p.now().UTC(),
		Payload:   payload,
		Metadata:  md,
	}
}

// Emit builds an event of type t and queues it on every channel it fans out to.
func (p *Publisher) Emit(ctx context.Context, t EventType, payload Payload) DomainEvent {
	ev := p.Build(ctx, t, payload)

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode event", "type", t, "event_id", ev.ID, "err", err)
		return ev
	}
	for _, channel := range ev.Channels() {
		p.enqueue(outbound{channel: channel, data: string(data)}, ev)
	}
	return ev
}

func (p *Publisher) enqueue(msg outbound, ev DomainEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		eventsPublished.WithLabelValues(msg.channel, "dropped").Inc()
		p.logger.Warn("Publisher closed, dropping event", "type", ev.Type, "event_id", ev.ID, "channel", msg.channel)
		return
	}
	select {
	case p.queue <- msg:
	default:
		eventsPublished.WithLabelValues(msg.channel, "dropped").Inc()
		p.logger.Warn("Event queue full, dropping event", "type", ev.Type, "event_id", ev.ID, "channel", msg.channel)
	}
}

// Run publishes queued messages until ctx is cancelled or the publisher is
// closed. Whatever is still queued at that point is published before returning.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.send(msg)
		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				return
			}
			p.send(msg)
		default:
			return
		}
	}
}

// send makes a single attempt. It detaches from the caller's context so a
// shutdown still flushes, bounded by the publish timeout.
func (p *Publisher) send(msg outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	err := p.store.Publish(ctx, msg.channel, msg.data)
	publishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		eventsPublished.WithLabelValues(msg.channel, "error").Inc()
		p.logger.Error("Failed to publish event", "channel", msg.channel, "err", err)
		return
	}
	eventsPublished.WithLabelValues(msg.channel, "ok").Inc()
}

// Close stops accepting events. A running Run publishes what is queued and returns.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}
