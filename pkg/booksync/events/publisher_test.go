package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/booksync/pkg/booksync/events"
	"github.com/tendant/booksync/pkg/booksync/kv"
	"github.com/tendant/booksync/pkg/booksync/kv/memory"
)

var allChannels = []string{
	events.ChannelEvents,
	events.ChannelViews,
	events.ChannelSync,
	events.ChannelAnalytics,
}

// collect returns every message already delivered to sub.
func collect(sub kv.Subscription) []kv.Message {
	var out []kv.Message
	for {
		select {
		case msg := <-sub.Messages():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func countByChannel(msgs []kv.Message) map[string]int {
	counts := map[string]int{}
	for _, m := range msgs {
		counts[m.Channel]++
	}
	return counts
}

func TestPublisher_BuildDefaults(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := events.NewPublisher(memory.New(), events.WithPublisherClock(func() time.Time { return fixed }))

	a := p.Build(context.Background(), events.BookCreated, events.Payload{BookID: "b1"})
	b := p.Build(context.Background(), events.BookCreated, events.Payload{BookID: "b1"})

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, fixed, a.Timestamp)
	assert.Equal(t, events.SourceAPI, a.Metadata.Source)
	assert.Equal(t, events.Version, a.Metadata.Version)
	assert.NotEmpty(t, a.Metadata.CorrelationID)
	assert.NotEqual(t, a.Metadata.CorrelationID, b.Metadata.CorrelationID)
}

func TestPublisher_BuildFromContext(t *testing.T) {
	p := events.NewPublisher(memory.New())
	ctx := events.WithMetadata(context.Background(), events.Metadata{
		Source:        events.SourceAdmin,
		CorrelationID: "corr-1",
		IP:            "10.0.0.1",
		UserAgent:     "curl",
	})

	ev := p.Build(ctx, events.BookUpdated, events.Payload{BookID: "b1"})
	assert.Equal(t, events.SourceAdmin, ev.Metadata.Source)
	assert.Equal(t, "corr-1", ev.Metadata.CorrelationID)
	assert.Equal(t, "10.0.0.1", ev.Metadata.IP)

	sync := p.Build(ctx, events.SyncCompleted, events.Payload{})
	assert.Equal(t, events.SourceCron, sync.Metadata.Source)
	assert.Equal(t, "corr-1", sync.Metadata.CorrelationID)
}

func TestPublisher_FanOut(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sub, err := store.Subscribe(ctx, allChannels...)
	require.NoError(t, err)
	defer sub.Close()

	p := events.NewPublisher(store)
	created := p.BookCreated(ctx, events.Payload{BookID: "b1", Title: "T"})
	p.BookViewed(ctx, events.Payload{BookID: "b1"})
	p.ViewsUpdated(ctx, events.Payload{BookID: "b1", Views: 3})
	p.BatchViewed(ctx, events.Payload{BookIDs: []string{"b1"}})
	p.SyncStarted(ctx, events.Payload{})
	p.SyncCompleted(ctx, events.Payload{})
	p.BooksListed(ctx, events.Payload{})
	p.AuthorSearched(ctx, events.Payload{Author: "A"})

	p.Close()
	require.NoError(t, p.Run(ctx))

	msgs := collect(sub)
	assert.Equal(t, map[string]int{
		events.ChannelEvents:    8,
		events.ChannelViews:     1,
		events.ChannelAnalytics: 2,
		events.ChannelSync:      2,
	}, countByChannel(msgs))

	var decoded events.DomainEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &decoded))
	assert.Equal(t, created.ID, decoded.ID)
	assert.Equal(t, events.BookCreated, decoded.Type)
	assert.Equal(t, "T", decoded.Payload.Title)
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sub, err := store.Subscribe(ctx, events.ChannelEvents)
	require.NoError(t, err)
	defer sub.Close()

	p := events.NewPublisher(store, events.WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		p.BookCreated(ctx, events.Payload{BookID: "b1"})
		p.BookCreated(ctx, events.Payload{BookID: "b2"})
		p.BookCreated(ctx, events.Payload{BookID: "b3"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing blocked the caller")
	}

	p.Close()
	require.NoError(t, p.Run(ctx))
	assert.Len(t, collect(sub), 1)

	assert.NotPanics(t, func() {
		p.BookDeleted(ctx, events.Payload{BookID: "b1"})
	}, "emitting after close is dropped")
}

type brokenStore struct {
	kv.Store
	calls int
}

func (b *brokenStore) Publish(context.Context, string, string) error {
	b.calls++
	return errors.New("connection refused")
}

func TestPublisher_FailuresAreNotRetried(t *testing.T) {
	ctx := context.Background()
	store := &brokenStore{}
	p := events.NewPublisher(store)

	ev := p.BookCreated(ctx, events.Payload{BookID: "b1"})
	assert.Equal(t, events.BookCreated, ev.Type)

	p.Close()
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 1, store.calls)
}

func TestPublisher_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := events.NewPublisher(memory.New())

	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
