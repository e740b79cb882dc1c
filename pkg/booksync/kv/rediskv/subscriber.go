package rediskv

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/booksync/pkg/booksync/kv"
)

// Subscriber implements kv.Subscriber. Give it its own client: a connection in
// subscribe mode cannot serve the commands a Store issues.
type Subscriber struct {
	Client redis.UniversalClient
}

// NewSubscriber wraps client as a kv.Subscriber.
func NewSubscriber(client redis.UniversalClient) *Subscriber {
	return &Subscriber{Client: client}
}

var _ kv.Subscriber = (*Subscriber)(nil)

// Subscribe waits for the server to confirm the subscription before returning,
// so messages published afterwards are not missed.
func (s *Subscriber) Subscribe(ctx context.Context, channels ...string) (kv.Subscription, error) {
	ps := s.Client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan kv.Message),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan kv.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- kv.Message{Channel: msg.Channel, Payload: msg.Payload}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan kv.Message {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
