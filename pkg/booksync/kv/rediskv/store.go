// Package rediskv adapts go-redis to the kv interfaces.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/booksync/pkg/booksync/kv"
)

const scanCount = 100

// Connect parses a redis:// URL, opens a client and checks the connection.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Store implements kv.Store on a command connection.
type Store struct {
	Client redis.UniversalClient
}

// New wraps client as a kv.Store.
func New(client redis.UniversalClient) *Store {
	return &Store{Client: client}
}

var _ kv.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.Client.Del(ctx, keys...).Result()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.Client.Expire(ctx, key, ttl).Err()
}

// TTL relies on go-redis reporting -1 and -2 as raw durations, which match
// kv.NoExpiry and kv.Missing.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.Client.TTL(ctx, key).Result()
}

// Scan walks the keyspace with SCAN MATCH so the server is never blocked by KEYS.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.Client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// HIncrBy sends the increment and EXPIRE NX in one MULTI/EXEC round trip.
func (s *Store) HIncrBy(ctx context.Context, key, field string, by int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return s.Client.HIncrBy(ctx, key, field, by).Result()
	}
	var incr *redis.IntCmd
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, field, by)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.ScoredMember, error) {
	zs, err := s.Client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]kv.ScoredMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, kv.ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

func (s *Store) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return s.Client.ZRemRangeByRank(ctx, key, start, stop).Err()
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.Client.ZRemRangeByScore(ctx, key, scoreBound(min), scoreBound(max)).Err()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.Client.ZRem(ctx, key, args...).Err()
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.Client.Publish(ctx, channel, message).Err()
}

func scoreBound(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
