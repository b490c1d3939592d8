package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	pkglog "division-chat/internal/log"
)

const DefaultChannelPrefix = "chat:group:"

// RedisBroker fans events out across processes. Publish goes to the Redis
// channel <prefix><group>; Run holds one pattern subscription per process and
// hands every message to the local Hub, which owns the memberships.
type RedisBroker struct {
	hub    *Hub
	client *redis.Client
	prefix string

	readyOnce sync.Once
	ready     chan struct{}
	doneCh    chan struct{}
}

func NewRedisBroker(client *redis.Client, hub *Hub, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBroker{
		hub:    hub,
		client: client,
		prefix: prefix,
		ready:  make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (b *RedisBroker) Join(ctx context.Context, group string, sub *Subscriber) error {
	return b.hub.Join(ctx, group, sub)
}

func (b *RedisBroker) Leave(ctx context.Context, group string, sub *Subscriber) error {
	return b.hub.Leave(ctx, group, sub)
}

func (b *RedisBroker) Publish(ctx context.Context, group string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+group, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", group, err)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed by Redis.
func (b *RedisBroker) Ready() <-chan struct{} { return b.ready }

// Done is closed when Run returns.
func (b *RedisBroker) Done() <-chan struct{} { return b.doneCh }

// Run relays Redis messages into the hub until ctx is done, reconnecting on errors.
func (b *RedisBroker) Run(ctx context.Context) {
	defer close(b.doneCh)
	l := pkglog.L()

	for {
		err := b.runSubscription(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.Warn().Err(err).Msg("broker subscription error, reconnecting in 2s")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *RedisBroker) runSubscription(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *RedisBroker) handleMessage(ctx context.Context, msg *redis.Message) {
	l := pkglog.L()

	group := strings.TrimPrefix(msg.Channel, b.prefix)
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		l.Warn().Err(err).Str(pkglog.FieldGroup, group).Msg("broker: invalid payload")
		return
	}
	if err := b.hub.Publish(ctx, group, ev); err != nil {
		l.Error().Err(err).Str(pkglog.FieldGroup, group).Msg("broker: local delivery failed")
	}
}
