package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/booksync/pkg/booksync/cache"
	"github.com/tendant/booksync/pkg/booksync/kv"
	"github.com/tendant/booksync/pkg/booksync/kv/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type book struct {
	ID    string `json:"bookId"`
	Title string `json:"title"`
}

func newService(t *testing.T) (*cache.Service, *memory.Store, *clock) {
	t.Helper()
	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	store := memory.New(memory.WithClock(c.Now))
	return cache.New(store, cache.WithClock(c.Now)), store, c
}

func TestService_SetGet(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	svc.Set(ctx, "book:1", book{ID: "1", Title: "T"})

	var got book
	require.True(t, svc.Get(ctx, "book:1", &got))
	assert.Equal(t, book{ID: "1", Title: "T"}, got)

	_, found, err := store.Get(ctx, "cache:book:1")
	require.NoError(t, err)
	assert.True(t, found, "logical keys are stored under the cache prefix")

	assert.Equal(t, int64(3600), svc.TTL(ctx, "book:1"))
	assert.False(t, svc.Get(ctx, "book:2", &got))
}

func TestService_GetUndecodable(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	require.NoError(t, store.Set(ctx, "cache:bad", "{not json", 0))
	var got book
	assert.False(t, svc.Get(ctx, "bad", &got))
}

func TestService_TTLRespected(t *testing.T) {
	ctx := context.Background()
	svc, _, c := newService(t)

	svc.Set(ctx, "short", "v", cache.TTL(5*time.Second))
	assert.Equal(t, int64(5), svc.TTL(ctx, "short"))

	c.Advance(6 * time.Second)
	var got string
	assert.False(t, svc.Get(ctx, "short", &got))
	assert.Equal(t, int64(-1), svc.TTL(ctx, "short"))
	assert.False(t, svc.Exists(ctx, "short"))
}

func TestService_SetPrefixOverride(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	svc.Set(ctx, "k", 1, cache.Prefix("other:"))
	ok, err := store.Exists(ctx, "other:k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_RefreshTTL(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	svc.Set(ctx, "k", 1, cache.TTL(10*time.Second))
	svc.RefreshTTL(ctx, "k", 0)
	assert.Equal(t, int64(3600), svc.TTL(ctx, "k"))
}

func TestGetOrSet(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	calls := 0
	factory := func(context.Context) (book, error) {
		calls++
		return book{ID: "1", Title: "T"}, nil
	}

	first, err := cache.GetOrSet(ctx, svc, "book:1", factory)
	require.NoError(t, err)
	second, err := cache.GetOrSet(ctx, svc, "book:1", factory)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = cache.GetOrSet(ctx, svc, "book:2", func(context.Context) (book, error) {
		return book{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, svc.Exists(ctx, "book:2"))
}

func TestService_Increment(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	assert.Equal(t, int64(1), svc.Increment(ctx, "views:1", 1))
	assert.Equal(t, int64(3), svc.Increment(ctx, "views:1", 2))
	assert.Equal(t, int64(3600), svc.TTL(ctx, "views:1"), "counter gets the default ttl")

	svc.RefreshTTL(ctx, "views:1", time.Minute)
	assert.Equal(t, int64(4), svc.Increment(ctx, "views:1", 1))
	assert.Equal(t, int64(60), svc.TTL(ctx, "views:1"), "an existing ttl is kept")
}

func TestService_InvalidateBook(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	for _, k := range []string{
		"book:1",
		"book:1:logs:GET:/api/v1/books/1/logs",
		"book:12",
		"books:all",
		"books:list:GET:/api/v1/books",
		"books:author:A:GET:/api/v1/books/author/A/year/2020",
		"books:trending",
		"books:recent",
	} {
		svc.Set(ctx, k, "x")
	}

	svc.InvalidateBook(ctx, "1")

	assert.True(t, svc.Exists(ctx, "book:12"), "other books are untouched")
	for _, k := range []string{"book:1", "book:1:logs:GET:/api/v1/books/1/logs", "books:all",
		"books:list:GET:/api/v1/books", "books:trending", "books:recent",
		"books:author:A:GET:/api/v1/books/author/A/year/2020"} {
		assert.False(t, svc.Exists(ctx, k), k)
	}
}

func TestService_InvalidateAuthorCache(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	svc.Set(ctx, "books:author:A:GET:/x", "x")
	svc.Set(ctx, "books:author:A*:GET:/x", "x")
	svc.Set(ctx, "books:author:B:GET:/x", "x")

	svc.InvalidateAuthorCache(ctx, "A*")
	assert.True(t, svc.Exists(ctx, "books:author:A:GET:/x"), "metacharacters in author are literal")
	assert.False(t, svc.Exists(ctx, "books:author:A*:GET:/x"))

	svc.InvalidateAuthorCache(ctx, "A")
	assert.False(t, svc.Exists(ctx, "books:author:A:GET:/x"))
	assert.True(t, svc.Exists(ctx, "books:author:B:GET:/x"))
}

func TestService_TrendingBound(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	for i := 0; i < 250; i++ {
		svc.AddToTrending(ctx, fmt.Sprintf("b%03d", i), float64(i))
	}

	got := svc.TrendingWithScores(ctx, 1000)
	require.Len(t, got, cache.TrendingCap)
	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("b%03d", 249-i), e.Member)
	}

	ttl, err := store.TTL(ctx, cache.TrendingKey)
	require.NoError(t, err)
	assert.Equal(t, cache.TrendingTTL, ttl)

	all, err := store.ZRevRangeWithScores(ctx, cache.TrendingKey, 0, -1)
	require.NoError(t, err)
	assert.Len(t, all, cache.TrendingCap)

	svc.RemoveFromTrending(ctx, "b249")
	assert.Equal(t, []string{"b248", "b247"}, svc.Trending(ctx, 2))
	assert.Empty(t, svc.Trending(ctx, 0))
}

func TestService_BumpTrendingUsesClock(t *testing.T) {
	ctx := context.Background()
	svc, store, c := newService(t)

	svc.BumpTrending(ctx, "old")
	c.Advance(time.Second)
	svc.BumpTrending(ctx, "new")

	assert.Equal(t, []string{"new", "old"}, svc.Trending(ctx, 10))
	score, ok := store.Score(cache.TrendingKey, "new")
	require.True(t, ok)
	assert.Equal(t, float64(c.Now().UnixMilli()), score)
}

func TestService_TrackViewer(t *testing.T) {
	ctx := context.Background()
	svc, store, c := newService(t)

	svc.TrackViewer(ctx, "b1", "u1")
	c.Advance(6 * time.Minute)
	svc.TrackViewer(ctx, "b1", "u2")
	svc.TrackViewer(ctx, "b1", "")

	assert.Equal(t, []string{"u2"}, svc.CurrentViewers(ctx, "b1"))
	_, stale := store.Score(cache.CurrentlyViewingKey("b1"), "u1")
	assert.False(t, stale, "viewers older than five minutes are pruned")

	ttl, err := store.TTL(ctx, cache.CurrentlyViewingKey("b1"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)
}

type failingStore struct {
	kv.Store
}

var errDown = errors.New("backend down")

func (failingStore) Get(context.Context, string) (string, bool, error) { return "", false, errDown }
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errDown
}
func (failingStore) Del(context.Context, ...string) (int64, error) { return 0, errDown }
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errDown }
func (failingStore) Scan(context.Context, string) ([]string, error) { return nil, errDown }
func (failingStore) TTL(context.Context, string) (time.Duration, error) { return 0, errDown }
func (failingStore) HIncrBy(context.Context, string, string, int64, time.Duration) (int64, error) {
	return 0, errDown
}
func (failingStore) ZAdd(context.Context, string, float64, string) error { return errDown }
func (failingStore) ZRem(context.Context, string, ...string) error { return errDown }
func (failingStore) ZRevRangeWithScores(context.Context, string, int64, int64) ([]kv.ScoredMember, error) {
	return nil, errDown
}

func TestService_BackendErrorsAreSwallowed(t *testing.T) {
	ctx := context.Background()
	svc := cache.New(failingStore{})

	var got book
	assert.False(t, svc.Get(ctx, "book:1", &got))
	assert.NotPanics(t, func() {
		svc.Set(ctx, "book:1", got)
		svc.Delete(ctx, "book:1")
		svc.InvalidateBook(ctx, "1")
		svc.InvalidateAuthorCache(ctx, "A")
		svc.AddToTrending(ctx, "1", 1)
		svc.RemoveFromTrending(ctx, "1")
	})
	assert.False(t, svc.Exists(ctx, "book:1"))
	assert.Equal(t, int64(-1), svc.TTL(ctx, "book:1"))
	assert.Zero(t, svc.Increment(ctx, "views:1", 1))
	assert.Nil(t, svc.Trending(ctx, 10))

	value, err := cache.GetOrSet(ctx, svc, "book:1", func(context.Context) (book, error) {
		return book{ID: "1"}, nil
	})
	require.NoError(t, err, "factory result is returned even when the cache is down")
	assert.Equal(t, "1", value.ID)
}
