package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/tendant/booksync/pkg/booksync/kv"
)

// ErrWrongType mirrors the Redis WRONGTYPE error.
var ErrWrongType = errors.New("WRONGTYPE operation against a key holding the wrong kind of value")

const subscriptionBuffer = 256

type kind int

const (
	kindString kind = iota
	kindHash
	kindZSet
)

type entry struct {
	kind      kind
	str       string
	hash      map[string]int64
	zset      map[string]float64
	expiresAt time.Time
}

// Store is an in-memory implementation of kv.Store and kv.Subscriber.
type Store struct {
	mu   sync.Mutex
	data map[string]*entry
	subs map[string]map[*subscription]struct{}
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]*entry),
		subs: make(map[string]map[*subscription]struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ kv.Store      = (*Store)(nil)
	_ kv.Subscriber = (*Store)(nil)
)

// lookup returns the live entry for key, evicting it if expired. Caller holds mu.
func (s *Store) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.kind != kindString {
		return "", false, ErrWrongType
	}
	return e.str, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, key := range keys {
		if s.lookup(key) != nil {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key) != nil, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(s.data, key)
		return nil
	}
	e.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return kv.Missing, nil
	}
	if e.expiresAt.IsZero() {
		return kv.NoExpiry, nil
	}
	// Redis reports whole seconds.
	return e.expiresAt.Sub(s.now()).Round(time.Second), nil
}

func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.data {
		if s.lookup(key) == nil {
			continue
		}
		if g.Match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, by int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]int64)}
		s.data[key] = e
	}
	if e.kind != kindHash {
		return 0, ErrWrongType
	}
	e.hash[field] += by
	if ttl > 0 && e.expiresAt.IsZero() {
		e.expiresAt = s.now().Add(ttl)
	}
	return e.hash[field], nil
}

// zset returns the sorted set at key, creating it when create is true. Caller holds mu.
func (s *Store) zset(key string, create bool) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kindZSet, zset: make(map[string]float64)}
		s.data[key] = e
	}
	if e.kind != kindZSet {
		return nil, ErrWrongType
	}
	return e, nil
}

// ascending orders members the way Redis ranks them: by score, then lexically.
func ascending(z map[string]float64) []kv.ScoredMember {
	out := make([]kv.ScoredMember, 0, len(z))
	for m, sc := range z {
		out = append(out, kv.ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// rankRange normalizes Redis start/stop indices against n. ok is false for an empty range.
func rankRange(start, stop int64, n int) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop), true
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zset(key, true)
	if err != nil {
		return err
	}
	e.zset[member] = score
	return nil
}

func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zset(key, false)
	if err != nil || e == nil {
		return nil, err
	}
	asc := ascending(e.zset)
	desc := make([]kv.ScoredMember, len(asc))
	for i := range asc {
		desc[len(asc)-1-i] = asc[i]
	}
	from, to, ok := rankRange(start, stop, len(desc))
	if !ok {
		return nil, nil
	}
	out := make([]kv.ScoredMember, to-from+1)
	copy(out, desc[from:to+1])
	return out, nil
}

func (s *Store) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zset(key, false)
	if err != nil || e == nil {
		return err
	}
	asc := ascending(e.zset)
	from, to, ok := rankRange(start, stop, len(asc))
	if !ok {
		return nil
	}
	for _, m := range asc[from : to+1] {
		delete(e.zset, m.Member)
	}
	if len(e.zset) == 0 {
		delete(s.data, key)
	}
	return nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zset(key, false)
	if err != nil || e == nil {
		return err
	}
	for m, sc := range e.zset {
		if sc >= min && sc <= max {
			delete(e.zset, m)
		}
	}
	if len(e.zset) == 0 {
		delete(s.data, key)
	}
	return nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zset(key, false)
	if err != nil || e == nil {
		return err
	}
	for _, m := range members {
		delete(e.zset, m)
	}
	if len(e.zset) == 0 {
		delete(s.data, key)
	}
	return nil
}

// Score returns the score of member, mainly for tests.
func (s *Store) Score(key, member string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.zset(key, false)
	if err != nil || e == nil {
		return math.NaN(), false
	}
	sc, ok := e.zset[member]
	return sc, ok
}

// HGet returns a hash field as a string, mainly for tests.
func (s *Store) HGet(key, field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.kind != kindHash {
		return "", false
	}
	v, ok := e.hash[field]
	if !ok {
		return "", false
	}
	return strconv.FormatInt(v, 10), true
}

// Publish delivers message to every current subscriber of channel. Slow
// subscribers whose buffer is full miss the message.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs[channel] {
		select {
		case sub.ch <- kv.Message{Channel: channel, Payload: message}:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channels ...string) (kv.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscription{
		store:    s,
		channels: channels,
		ch:       make(chan kv.Message, subscriptionBuffer),
	}
	for _, c := range channels {
		if s.subs[c] == nil {
			s.subs[c] = make(map[*subscription]struct{})
		}
		s.subs[c][sub] = struct{}{}
	}
	return sub, nil
}

type subscription struct {
	store    *Store
	channels []string
	ch       chan kv.Message
	once     sync.Once
}

func (sub *subscription) Messages() <-chan kv.Message {
	return sub.ch
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		defer sub.store.mu.Unlock()
		for _, c := range sub.channels {
			delete(sub.store.subs[c], sub)
		}
		close(sub.ch)
	})
	return nil
}
