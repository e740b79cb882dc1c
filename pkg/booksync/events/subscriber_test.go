package events_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/booksync/pkg/booksync/cache"
	"github.com/tendant/booksync/pkg/booksync/events"
	"github.com/tendant/booksync/pkg/booksync/kv"
	"github.com/tendant/booksync/pkg/booksync/kv/memory"
)

func newSubscriber(t *testing.T) (*events.Subscriber, *cache.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	c := cache.New(store)
	return events.NewSubscriber(c, store, nil), c, store
}

// snapshot returns every key with its value, for comparing whole cache states.
func snapshot(t *testing.T, store *memory.Store) map[string]string {
	t.Helper()
	ctx := context.Background()
	keys, err := store.Scan(ctx, "*")
	require.NoError(t, err)
	out := map[string]string{}
	for _, k := range keys {
		v, found, err := store.Get(ctx, k)
		if err != nil {
			out[k] = "<non-string>"
			continue
		}
		if found {
			out[k] = v
		}
	}
	return out
}

func seed(ctx context.Context, c *cache.Service, keys ...string) {
	for _, k := range keys {
		c.Set(ctx, k, "x")
	}
}

func TestSubscriber_DispatchTable(t *testing.T) {
	s, _, _ := newSubscriber(t)

	for _, tt := range []struct {
		t    events.EventType
		want bool
	}{
		{events.BookCreated, true},
		{events.BookUpdated, true},
		{events.BookDeleted, true},
		{events.BookBatchCreated, true},
		{events.BookViewsUpdated, true},
		{events.SyncCompleted, true},
		{events.BookViewed, false},
		{events.BookListed, false},
		{events.SyncStarted, false},
	} {
		assert.Equal(t, tt.want, s.Handles(tt.t), string(tt.t))
	}
}

func TestSubscriber_Deleted(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)

	seed(ctx, c,
		"book:b1",
		"books:author:A:GET:/books/author/A/year/2020",
		"books:author:B:GET:/books/author/B/year/2020",
		"books:list:GET:/books",
		"books:all",
	)
	c.AddToTrending(ctx, "b1", 10)
	c.AddToTrending(ctx, "b2", 5)

	s.HandleEvent(ctx, events.DomainEvent{
		Type:    events.BookDeleted,
		Payload: events.Payload{BookID: "b1", PreviousData: &events.BookData{ID: "b1", Author: "A"}},
	})

	assert.False(t, c.Exists(ctx, "book:b1"))
	assert.False(t, c.Exists(ctx, "books:author:A:GET:/books/author/A/year/2020"))
	assert.False(t, c.Exists(ctx, "books:list:GET:/books"))
	assert.False(t, c.Exists(ctx, "books:all"))
	assert.Equal(t, []string{"b2"}, c.Trending(ctx, 10))
}

func TestSubscriber_CreatedPrewarms(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)
	seed(ctx, c, "books:list:GET:/books", "books:author:A:GET:/x")

	s.HandleEvent(ctx, events.DomainEvent{
		Type:    events.BookCreated,
		Payload: events.Payload{BookID: "b1", Title: "T", Author: "A", PublicationYear: 2020},
	})

	assert.False(t, c.Exists(ctx, "books:list:GET:/books"))
	assert.False(t, c.Exists(ctx, "books:author:A:GET:/x"))

	var got events.BookData
	require.True(t, c.Get(ctx, cache.BookKey("b1"), &got))
	assert.Equal(t, events.BookData{ID: "b1", Title: "T", Author: "A", PublicationYear: 2020}, got)
}

func TestSubscriber_UpdatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, c, store := newSubscriber(t)

	seed(ctx, c,
		"book:b1",
		"book:b2",
		"books:author:Old:GET:/x",
		"books:author:New:GET:/x",
		"books:author:Other:GET:/x",
		"books:list:GET:/books",
	)
	ev := events.DomainEvent{
		Type: events.BookUpdated,
		Payload: events.Payload{
			BookID:       "b1",
			PreviousData: &events.BookData{ID: "b1", Author: "Old"},
			Changes:      map[string]any{"author": "New"},
		},
	}

	s.HandleEvent(ctx, ev)
	once := snapshot(t, store)
	s.HandleEvent(ctx, ev)
	twice := snapshot(t, store)

	assert.Equal(t, once, twice)
	keys := make([]string, 0, len(twice))
	for k := range twice {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"cache:book:b2"}, keys)
}

func TestSubscriber_UpdatedWithoutAuthorChange(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)
	seed(ctx, c, "book:b1", "books:author:A:GET:/x")

	s.HandleEvent(ctx, events.DomainEvent{
		Type:    events.BookUpdated,
		Payload: events.Payload{BookID: "b1", Changes: map[string]any{"title": "New"}},
	})

	assert.False(t, c.Exists(ctx, "book:b1"))
	// author caches are list caches too, so they are dropped with the lists
	assert.False(t, c.Exists(ctx, "books:author:A:GET:/x"))
}

func TestSubscriber_ViewsUpdated(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)
	seed(ctx, c, "book:b1", "books:list:GET:/books")

	s.HandleEvent(ctx, events.DomainEvent{
		Type:    events.BookViewsUpdated,
		Payload: events.Payload{BookID: "b1", Views: 42},
	})

	assert.False(t, c.Exists(ctx, "book:b1"))
	assert.True(t, c.Exists(ctx, "books:list:GET:/books"), "only the book entry is dropped")
	scores := c.TrendingWithScores(ctx, 10)
	require.Len(t, scores, 1)
	assert.Equal(t, kv.ScoredMember{Member: "b1", Score: 42}, scores[0])

	s.HandleEvent(ctx, events.DomainEvent{
		Type:    events.BookViewsUpdated,
		Payload: events.Payload{BookID: "b2"},
	})
	assert.Equal(t, []string{"b1"}, c.Trending(ctx, 10), "zero views do not enter trending")
}

func TestSubscriber_SyncCompletedFlushes(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)
	seed(ctx, c, "book:b1", "book:b2:logs:GET:/x", "books:list:GET:/books", "books:recent", "unrelated")

	s.HandleEvent(ctx, events.DomainEvent{Type: events.SyncCompleted})

	for _, k := range []string{"book:b1", "book:b2:logs:GET:/x", "books:list:GET:/books", "books:recent"} {
		assert.False(t, c.Exists(ctx, k), k)
	}
	assert.True(t, c.Exists(ctx, "unrelated"))
}

func TestSubscriber_BatchCreatedAndIgnored(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)
	seed(ctx, c, "book:b1", "books:list:GET:/books")

	s.HandleEvent(ctx, events.DomainEvent{Type: events.BookListed})
	assert.True(t, c.Exists(ctx, "books:list:GET:/books"))

	s.HandleEvent(ctx, events.DomainEvent{Type: events.BookBatchCreated})
	assert.False(t, c.Exists(ctx, "books:list:GET:/books"))
	assert.True(t, c.Exists(ctx, "book:b1"))
}

func TestSubscriber_ViewChannel(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)

	ev := events.DomainEvent{Type: events.BookViewed, Payload: events.Payload{BookID: "b1", UserID: "u1"}}
	s.HandleViewEvent(ctx, ev)
	s.HandleViewEvent(ctx, ev)

	assert.Equal(t, []string{"b1"}, c.Trending(ctx, 10))
	assert.Equal(t, int64(3), c.Increment(ctx, cache.ViewsKey("b1"), 1))
	assert.Equal(t, []string{"u1"}, c.CurrentViewers(ctx, "b1"))

	s.HandleViewEvent(ctx, events.DomainEvent{Type: events.BookViewed})
	assert.Len(t, c.Trending(ctx, 10), 1)
}

func TestSubscriber_HandleMessage(t *testing.T) {
	ctx := context.Background()
	s, c, _ := newSubscriber(t)
	seed(ctx, c, "books:list:GET:/books")

	assert.NotPanics(t, func() {
		s.HandleMessage(ctx, kv.Message{Channel: events.ChannelEvents, Payload: "{broken"})
	})
	assert.True(t, c.Exists(ctx, "books:list:GET:/books"))

	data, err := json.Marshal(events.DomainEvent{Type: events.BookBatchCreated})
	require.NoError(t, err)
	s.HandleMessage(ctx, kv.Message{Channel: events.ChannelEvents, Payload: string(data)})
	assert.False(t, c.Exists(ctx, "books:list:GET:/books"))
}

func TestSubscriber_RunEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	c := cache.New(store)
	s := events.NewSubscriber(c, store, nil)
	p := events.NewPublisher(store)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	go p.Run(ctx)

	c.Set(ctx, "book:b1", "x")
	// wait for the subscription to be registered before publishing
	require.Eventually(t, func() bool {
		p.BookViewed(ctx, events.Payload{BookID: "b1"})
		return len(c.Trending(ctx, 10)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p.BookDeleted(ctx, events.Payload{BookID: "b1"})
	require.Eventually(t, func() bool {
		return !c.Exists(ctx, "book:b1") && len(c.Trending(ctx, 10)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
}
