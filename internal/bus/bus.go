// Package bus fans an event published on a topic out to every queue
// subscribed to that topic.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gas/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Publisher is what pipeline stages use to announce events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Sender delivers one body to several queues atomically. queue.RedisQueue
// satisfies it.
type Sender interface {
	SendAll(ctx context.Context, queues []string, body []byte) ([]string, error)
}

// Subscription binds a queue to a topic.
type Subscription struct {
	Topic string
	Queue string
}

// RedisBus keeps each topic's subscriber queues in a Redis set and wraps every
// payload in a models.Envelope before delivery.
type RedisBus struct {
	client redis.UniversalClient
	sender Sender
	now    func() time.Time
}

func NewRedisBus(client redis.UniversalClient, sender Sender) *RedisBus {
	return &RedisBus{client: client, sender: sender, now: time.Now}
}

func subscribersKey(topic string) string {
	return fmt.Sprintf("gas:topic:%s:subscribers", topic)
}

// Subscribe registers queue as a subscriber of topic. Repeating it is harmless.
func (b *RedisBus) Subscribe(ctx context.Context, subs ...Subscription) error {
	for _, s := range subs {
		if err := b.client.SAdd(ctx, subscribersKey(s.Topic), s.Queue).Err(); err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", s.Queue, s.Topic, err)
		}
	}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, s Subscription) error {
	if err := b.client.SRem(ctx, subscribersKey(s.Topic), s.Queue).Err(); err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", s.Queue, s.Topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribers(ctx context.Context, topic string) ([]string, error) {
	queues, err := b.client.SMembers(ctx, subscribersKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscribers of %s: %w", topic, err)
	}
	return queues, nil
}

// Publish encodes payload as JSON and delivers it to every subscriber. It
// returns the envelope's message id. A topic with no subscribers drops the
// event. Delivery is all or nothing, so a failed publish can be retried
// without leaving some subscribers with a copy and others without.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	env := models.Envelope{
		Type:      "Notification",
		MessageID: uuid.NewString(),
		Topic:     topic,
		Message:   string(raw),
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope for %s: %w", topic, err)
	}

	queues, err := b.Subscribers(ctx, topic)
	if err != nil {
		return "", err
	}
	if len(queues) == 0 {
		return env.MessageID, nil
	}
	sort.Strings(queues)
	if _, err := b.sender.SendAll(ctx, queues, body); err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return env.MessageID, nil
}
