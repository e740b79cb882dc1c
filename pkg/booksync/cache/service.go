// Package cache is the read-through cache and trending leaderboard built on a kv.Store.
//
// Every method degrades to a miss or a no-op when the backend fails: errors are
// logged and counted, never returned, so callers on the write path are unaffected.
// The one exception is GetOrSet, which propagates the factory's error.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/tendant/booksync/pkg/booksync/kv"
)

// Service is a JSON cache over a kv.Store.
type Service struct {
	store      kv.Store
	defaultTTL time.Duration
	prefix     string
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithDefaultTTL sets the TTL used when a call does not supply one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithPrefix sets the key prefix applied to logical keys.
func WithPrefix(prefix string) Option {
	return func(s *Service) {
		s.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for trending scores.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a cache service on store.
func New(store kv.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		defaultTTL: DefaultTTL,
		prefix:     DefaultPrefix,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache")
	return s
}

// SetOption adjusts a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl    time.Duration
	prefix *string
}

// TTL overrides the default TTL for one entry.
func TTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// Prefix overrides the key prefix for one entry.
func Prefix(prefix string) SetOption {
	return func(o *setOptions) {
		o.prefix = &prefix
	}
}

func (s *Service) resolve(opts []SetOption) setOptions {
	o := setOptions{ttl: s.defaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = s.defaultTTL
	}
	return o
}

// Key returns the physical key for a logical one.
func (s *Service) Key(key string) string {
	return s.prefix + key
}

// Get decodes the entry at key into dest. It reports false on a miss, a backend
// error or an undecodable value.
func (s *Service) Get(ctx context.Context, key string, dest any) bool {
	raw, found, err := s.store.Get(ctx, s.Key(key))
	if err != nil {
		cacheRequests.WithLabelValues("error").Inc()
		s.logger.Error("Failed to get cache entry", "key", key, "err", err)
		return false
	}
	if !found {
		cacheRequests.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		cacheRequests.WithLabelValues("error").Inc()
		s.logger.Warn("Discarding undecodable cache entry", "key", key, "err", err)
		return false
	}
	cacheRequests.WithLabelValues("hit").Inc()
	return true
}

// Set stores value as JSON.
func (s *Service) Set(ctx context.Context, key string, value any, opts ...SetOption) {
	o := s.resolve(opts)
	physical := s.Key(key)
	if o.prefix != nil {
		physical = *o.prefix + key
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to encode cache entry", "key", key, "err", err)
		return
	}
	if err := s.store.Set(ctx, physical, string(data), o.ttl); err != nil {
		s.logger.Error("Failed to set cache entry", "key", key, "err", err)
	}
}

// Delete removes the given logical keys.
func (s *Service) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	physical := make([]string, len(keys))
	for i, k := range keys {
		physical[i] = s.Key(k)
	}
	if _, err := s.store.Del(ctx, physical...); err != nil {
		s.logger.Error("Failed to delete cache entries", "keys", keys, "err", err)
	}
}

// DeletePattern removes every entry whose logical key matches the glob pattern.
func (s *Service) DeletePattern(ctx context.Context, pattern string) {
	s.deletePattern(ctx, pattern, "pattern")
}

func (s *Service) deletePattern(ctx context.Context, pattern, family string) {
	keys, err := s.store.Scan(ctx, s.Key(pattern))
	if err != nil {
		s.logger.Error("Failed to scan cache keys", "pattern", pattern, "err", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	n, err := s.store.Del(ctx, keys...)
	if err != nil {
		s.logger.Error("Failed to delete cache keys", "pattern", pattern, "err", err)
		return
	}
	cacheInvalidations.WithLabelValues(family).Add(float64(n))
	s.logger.Debug("Invalidated cache keys", "pattern", pattern, "count", n)
}

// Exists reports whether the logical key is cached.
func (s *Service) Exists(ctx context.Context, key string) bool {
	ok, err := s.store.Exists(ctx, s.Key(key))
	if err != nil {
		s.logger.Error("Failed to check cache entry", "key", key, "err", err)
		return false
	}
	return ok
}

// TTL returns the remaining lifetime of key in seconds, or -1 when the key is
// missing, has no expiry, or the backend failed.
func (s *Service) TTL(ctx context.Context, key string) int64 {
	d, err := s.store.TTL(ctx, s.Key(key))
	if err != nil {
		s.logger.Error("Failed to read cache ttl", "key", key, "err", err)
		return -1
	}
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}

// RefreshTTL resets the lifetime of key. A zero ttl means the default TTL.
func (s *Service) RefreshTTL(ctx context.Context, key string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.store.Expire(ctx, s.Key(key), ttl); err != nil {
		s.logger.Error("Failed to refresh cache ttl", "key", key, "err", err)
	}
}

// GetOrSet returns the cached value at key, or calls factory, caches and
// returns its result. Errors from factory are returned unchanged and nothing
// is cached.
func GetOrSet[T any](ctx context.Context, s *Service, key string, factory func(context.Context) (T, error), opts ...SetOption) (T, error) {
	var cached T
	if s.Get(ctx, key, &cached) {
		return cached, nil
	}
	value, err := factory(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	s.Set(ctx, key, value, opts...)
	return value, nil
}

const counterField = "value"

// Increment adds by to the counter at key and returns the new value, or 0 on
// failure. A counter without expiry is given the default TTL.
func (s *Service) Increment(ctx context.Context, key string, by int64) int64 {
	n, err := s.store.HIncrBy(ctx, s.Key(key), counterField, by, s.defaultTTL)
	if err != nil {
		s.logger.Error("Failed to increment counter", "key", key, "err", err)
		return 0
	}
	return n
}

// InvalidateBook drops the per-book entry, its sub-keys, and all list caches.
func (s *Service) InvalidateBook(ctx context.Context, id string) {
	s.deletePattern(ctx, EscapePattern(BookKey(id)), "book")
	s.deletePattern(ctx, EscapePattern(BookKey(id))+":*", "book")
	s.InvalidateListCaches(ctx)
}

// InvalidateListCaches drops every list-shaped entry.
func (s *Service) InvalidateListCaches(ctx context.Context) {
	for _, p := range listPatterns {
		s.deletePattern(ctx, p, "list")
	}
}

// InvalidateAuthorCache drops entries scoped to author.
func (s *Service) InvalidateAuthorCache(ctx context.Context, author string) {
	if author == "" {
		return
	}
	s.deletePattern(ctx, AuthorPattern(author), "author")
}

// BumpTrending scores id with the current time in milliseconds, so the most
// recently touched books rank highest.
func (s *Service) BumpTrending(ctx context.Context, id string) {
	s.AddToTrending(ctx, id, float64(s.now().UnixMilli()))
}

// AddToTrending sets the score of id, trims the set to TrendingCap members and
// refreshes its TTL.
func (s *Service) AddToTrending(ctx context.Context, id string, score float64) {
	if err := s.store.ZAdd(ctx, TrendingKey, score, id); err != nil {
		s.logger.Error("Failed to add to trending", "book_id", id, "err", err)
		return
	}
	if err := s.store.ZRemRangeByRank(ctx, TrendingKey, 0, -(TrendingCap + 1)); err != nil {
		s.logger.Error("Failed to trim trending", "err", err)
	}
	if err := s.store.Expire(ctx, TrendingKey, TrendingTTL); err != nil {
		s.logger.Error("Failed to refresh trending ttl", "err", err)
	}
}

// RemoveFromTrending drops id from the leaderboard.
func (s *Service) RemoveFromTrending(ctx context.Context, id string) {
	if err := s.store.ZRem(ctx, TrendingKey, id); err != nil {
		s.logger.Error("Failed to remove from trending", "book_id", id, "err", err)
	}
}

// Trending returns up to limit book ids, highest score first.
func (s *Service) Trending(ctx context.Context, limit int) []string {
	entries := s.TrendingWithScores(ctx, limit)
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Member
	}
	return ids
}

// TrendingWithScores returns up to limit members with their scores, highest first.
func (s *Service) TrendingWithScores(ctx context.Context, limit int) []kv.ScoredMember {
	if limit <= 0 {
		return nil
	}
	if limit > TrendingCap {
		limit = TrendingCap
	}
	entries, err := s.store.ZRevRangeWithScores(ctx, TrendingKey, 0, int64(limit-1))
	if err != nil {
		s.logger.Error("Failed to read trending", "err", err)
		return nil
	}
	return entries
}

// TrackViewer records userID as currently viewing book id and prunes viewers
// seen more than five minutes ago.
func (s *Service) TrackViewer(ctx context.Context, id, userID string) {
	if userID == "" {
		return
	}
	key := CurrentlyViewingKey(id)
	now := s.now()
	if err := s.store.ZAdd(ctx, key, float64(now.UnixMilli()), userID); err != nil {
		s.logger.Error("Failed to track viewer", "book_id", id, "err", err)
		return
	}
	cutoff := float64(now.Add(-viewerWindow).UnixMilli())
	if err := s.store.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
		s.logger.Error("Failed to prune viewers", "book_id", id, "err", err)
	}
	if err := s.store.Expire(ctx, key, viewerTTL); err != nil {
		s.logger.Error("Failed to set viewer ttl", "book_id", id, "err", err)
	}
}

// CurrentViewers returns the users who viewed book id within the last five minutes.
func (s *Service) CurrentViewers(ctx context.Context, id string) []string {
	entries, err := s.store.ZRevRangeWithScores(ctx, CurrentlyViewingKey(id), 0, -1)
	if err != nil {
		s.logger.Error("Failed to read viewers", "book_id", id, "err", err)
		return nil
	}
	cutoff := float64(s.now().Add(-viewerWindow).UnixMilli())
	var users []string
	for _, e := range entries {
		if e.Score > cutoff {
			users = append(users, e.Member)
		}
	}
	return users
}
