// Package notify wakes idle workers when jobs become ready, using Redis
// pub/sub. Notifications are hints: workers still poll, so a lost message
// only delays a job until the next poll.
package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"durable-job-queue/internal/queue"
)

const DefaultChannel = "queue:ready"

var _ queue.Notifier = (*RedisNotifier)(nil)

// RedisNotifier publishes the name of each queue that received ready jobs.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// NotifyReady publishes one message per queue.
func (n *RedisNotifier) NotifyReady(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		return nil
	}
	pipe := n.client.Pipeline()
	for _, q := range queues {
		pipe.Publish(ctx, n.channel, q)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish ready queues: %w", err)
	}
	return nil
}

// Subscription delivers a wake signal whenever one of its queues is announced.
// Signals coalesce: a pending wake absorbs later ones.
type Subscription struct {
	pubsub *redis.PubSub
	wake   chan struct{}
	done   chan struct{}
}

// Subscribe listens for announcements of queues; an empty list or "*"
// matches every queue.
func (n *RedisNotifier) Subscribe(ctx context.Context, queues []string) (*Subscription, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", n.channel, err)
	}

	s := &Subscription{
		pubsub: pubsub,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop(matcher(queues))
	return s, nil
}

// C returns the wake channel.
func (s *Subscription) C() <-chan struct{} {
	return s.wake
}

func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

func (s *Subscription) loop(match func(string) bool) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		if !match(msg.Payload) {
			continue
		}
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func matcher(queues []string) func(string) bool {
	wanted := make(map[string]bool, len(queues))
	for _, q := range queues {
		if q == queue.AllQueues {
			return func(string) bool { return true }
		}
		wanted[q] = true
	}
	if len(wanted) == 0 {
		return func(string) bool { return true }
	}
	return func(name string) bool { return wanted[name] }
}
