package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"division-chat/internal/broker"
)

type published struct {
	group string
	ev    broker.Event
}

// recordingBroker records every call and forwards to an optional inner broker.
type recordingBroker struct {
	inner      broker.Broker
	publishErr error

	mu        sync.Mutex
	joins     []string
	leaves    []string
	published []published
}

func (b *recordingBroker) Join(ctx context.Context, group string, sub *broker.Subscriber) error {
	b.mu.Lock()
	b.joins = append(b.joins, group)
	b.mu.Unlock()
	if b.inner == nil {
		return nil
	}
	return b.inner.Join(ctx, group, sub)
}

func (b *recordingBroker) Leave(ctx context.Context, group string, sub *broker.Subscriber) error {
	b.mu.Lock()
	b.leaves = append(b.leaves, group)
	b.mu.Unlock()
	if b.inner == nil {
		return nil
	}
	return b.inner.Leave(ctx, group, sub)
}

func (b *recordingBroker) Publish(ctx context.Context, group string, ev broker.Event) error {
	b.mu.Lock()
	b.published = append(b.published, published{group: group, ev: ev})
	b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	if b.inner == nil {
		return nil
	}
	return b.inner.Publish(ctx, group, ev)
}

func (b *recordingBroker) snapshot() (joins, leaves []string, pubs []published) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.joins...),
		append([]string(nil), b.leaves...),
		append([]published(nil), b.published...)
}

func (b *recordingBroker) publishedGroups() []string {
	_, _, pubs := b.snapshot()
	groups := make([]string, 0, len(pubs))
	for _, p := range pubs {
		groups = append(groups, p.group)
	}
	sort.Strings(groups)
	return groups
}

var errStoreDown = errors.New("store down")

// memStore is an in-memory MessageStore.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	msgs   []*Message
	err    error
}

func (s *memStore) Create(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.nextID++
	msg.ID = s.nextID
	cp := *msg
	s.msgs = append(s.msgs, &cp)
	return nil
}

func (s *memStore) ListRecent(ctx context.Context, room string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*Message
	for _, m := range s.msgs {
		if m.ConversationID == room {
			cp := *m
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) DeleteByRoom(ctx context.Context, room string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var kept []*Message
	var n int64
	for _, m := range s.msgs {
		if m.ConversationID == room {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	return n, nil
}

func (s *memStore) count(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.ConversationID == room {
			n++
		}
	}
	return n
}
