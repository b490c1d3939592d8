package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"division-chat/internal/broker"
)

type published struct {
	group string
	ev    broker.Event
}

type recordingBroker struct {
	inner broker.Broker

	mu        sync.Mutex
	published []published
}

func (b *recordingBroker) Join(ctx context.Context, group string, sub *broker.Subscriber) error {
	if b.inner == nil {
		return nil
	}
	return b.inner.Join(ctx, group, sub)
}

func (b *recordingBroker) Leave(ctx context.Context, group string, sub *broker.Subscriber) error {
	if b.inner == nil {
		return nil
	}
	return b.inner.Leave(ctx, group, sub)
}

func (b *recordingBroker) Publish(ctx context.Context, group string, ev broker.Event) error {
	b.mu.Lock()
	b.published = append(b.published, published{group: group, ev: ev})
	b.mu.Unlock()
	if b.inner == nil {
		return nil
	}
	return b.inner.Publish(ctx, group, ev)
}

func (b *recordingBroker) all() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

type failingStore struct{ err error }

func (s failingStore) SetOnline(ctx context.Context, userID int64) error  { return s.err }
func (s failingStore) SetOffline(ctx context.Context, userID int64) error { return s.err }
func (s failingStore) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return false, s.err
}
func (s failingStore) OnlineUsers(ctx context.Context) ([]int64, error) { return nil, s.err }

func TestServiceAnnouncesToPresenceAndUserGroups(t *testing.T) {
	store, _ := newTestStore(t, 0)
	rb := &recordingBroker{}
	svc := NewService(store, rb)
	ctx := context.Background()

	if err := svc.MarkOnline(ctx, 3); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if err := svc.MarkOffline(ctx, 3); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	pubs := rb.all()
	if len(pubs) != 4 {
		t.Fatalf("published %d events, want 4", len(pubs))
	}

	var groups []string
	statuses := map[string]int{}
	for _, p := range pubs {
		if p.ev.Kind != broker.KindPresence {
			t.Fatalf("kind = %q", p.ev.Kind)
		}
		var u Update
		if err := json.Unmarshal(p.ev.Payload, &u); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if u.Event != "presence" || u.UserID != 3 {
			t.Fatalf("update = %+v", u)
		}
		statuses[u.Status]++
		groups = append(groups, p.group)
	}
	sort.Strings(groups)
	want := []string{"presence", "presence", "user_3", "user_3"}
	for i := range want {
		if groups[i] != want[i] {
			t.Fatalf("groups = %v, want %v", groups, want)
		}
	}
	if statuses[StatusOnline] != 2 || statuses[StatusOffline] != 2 {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestServiceOfflineIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, 0)
	svc := NewService(store, &recordingBroker{})
	ctx := context.Background()

	svc.MarkOnline(ctx, 9)
	for i := 0; i < 2; i++ {
		if err := svc.MarkOffline(ctx, 9); err != nil {
			t.Fatalf("mark offline #%d: %v", i, err)
		}
	}
	if online, _ := svc.IsOnline(ctx, 9); online {
		t.Fatal("user 9 still online")
	}
}

func TestServiceStoreFailurePublishesNothing(t *testing.T) {
	rb := &recordingBroker{}
	storeErr := errors.New("redis down")
	svc := NewService(failingStore{err: storeErr}, rb)

	if err := svc.MarkOnline(context.Background(), 3); !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want store error", err)
	}
	if err := svc.MarkOffline(context.Background(), 3); !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want store error", err)
	}
	if pubs := rb.all(); len(pubs) != 0 {
		t.Fatalf("published %d events after store failure", len(pubs))
	}
}
