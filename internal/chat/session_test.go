package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"division-chat/internal/auth"
	"division-chat/internal/broker"
)

type stubAuth map[string]auth.Identity

func (a stubAuth) Authenticate(ctx context.Context, raw string) (auth.Identity, bool) {
	id, ok := a[raw]
	return id, ok
}

type fakeTransport struct {
	frames chan []byte
	sent   chan []byte
	full   bool

	started    chan struct{}
	finished   chan struct{}
	rejectCode int
	closeCode  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:   make(chan []byte, 8),
		sent:     make(chan []byte, 64),
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (f *fakeTransport) Start()                { close(f.started) }
func (f *fakeTransport) Frames() <-chan []byte { return f.frames }

func (f *fakeTransport) Send(msg []byte) bool {
	if f.full {
		return false
	}
	f.sent <- msg
	return true
}

func (f *fakeTransport) Reject(code int, reason string) {
	f.rejectCode = code
	close(f.finished)
}

func (f *fakeTransport) Close(code int, reason string) {
	f.closeCode = code
	close(f.finished)
}

func (f *fakeTransport) next(t *testing.T) MessageView {
	t.Helper()
	select {
	case data := <-f.sent:
		var v MessageView
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("sent frame %s: %v", data, err)
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
	}
	return MessageView{}
}

func (f *fakeTransport) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed the transport")
	}
}

var testUsers = stubAuth{
	"tok-3": {UserID: 3, Email: "three@example.com"},
	"tok-5": {UserID: 5, Email: "five@example.com"},
	"tok-9": {UserID: 9, Email: "nine@example.com"},
}

func newSessionHub(t *testing.T) *broker.Hub {
	t.Helper()
	h := broker.NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func runSession(ctx context.Context, s *Session) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return done
}

func TestSessionRejectsBadToken(t *testing.T) {
	store := &memStore{}
	rb := &recordingBroker{}
	tr := newFakeTransport()
	s := NewSession("3_9", "nope", tr, testUsers, rb, NewService(store, rb, 0), 8)

	s.Run(context.Background())

	if tr.rejectCode != CloseAuthFailed {
		t.Fatalf("reject code = %d, want %d", tr.rejectCode, CloseAuthFailed)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	joins, _, pubs := rb.snapshot()
	if len(joins) != 0 || len(pubs) != 0 {
		t.Fatalf("joins=%v publishes=%d after auth failure", joins, len(pubs))
	}
}

func TestSessionRejectsNonMember(t *testing.T) {
	rb := &recordingBroker{}
	tr := newFakeTransport()
	s := NewSession("3_9", "tok-5", tr, testUsers, rb, NewService(&memStore{}, rb, 0), 8)

	s.Run(context.Background())

	if tr.rejectCode != CloseForbidden {
		t.Fatalf("reject code = %d, want %d", tr.rejectCode, CloseForbidden)
	}
	if joins, _, _ := rb.snapshot(); len(joins) != 0 {
		t.Fatalf("joined %v as a non-member", joins)
	}
}

func TestSessionJoinFailureLeavesJoinedGroups(t *testing.T) {
	hub := newSessionHub(t)
	rb := &failingJoinBroker{recordingBroker: recordingBroker{inner: hub}, failOn: "user_3"}
	tr := newFakeTransport()
	s := NewSession("3_9", "tok-3", tr, testUsers, rb, NewService(&memStore{}, rb, 0), 8)

	s.Run(context.Background())

	if tr.rejectCode != websocket.CloseInternalServerErr {
		t.Fatalf("reject code = %d, want %d", tr.rejectCode, websocket.CloseInternalServerErr)
	}
	if n, _ := hub.GroupSize(context.Background(), "chat_3_9"); n != 0 {
		t.Fatalf("room group size = %d after failed join, want 0", n)
	}
}

type failingJoinBroker struct {
	recordingBroker
	failOn string
}

func (b *failingJoinBroker) Join(ctx context.Context, group string, sub *broker.Subscriber) error {
	if group == b.failOn {
		return errors.New("join refused")
	}
	return b.recordingBroker.Join(ctx, group, sub)
}

func TestSessionReplaysHistoryThenRelaysLiveMessages(t *testing.T) {
	hub := newSessionHub(t)
	store := &memStore{}
	svc := NewService(store, hub, 2)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		svc.Send(ctx, "3_9", auth.Identity{UserID: 9}, text)
	}

	tr := newFakeTransport()
	s := NewSession("3_9", "tok-3", tr, testUsers, hub, svc, 8)
	done := runSession(ctx, s)

	if got := tr.next(t).Text; got != "two" {
		t.Fatalf("first replayed = %q, want two", got)
	}
	if got := tr.next(t).Text; got != "three" {
		t.Fatalf("second replayed = %q, want three", got)
	}

	tr.frames <- []byte(`not json`)
	tr.frames <- []byte(`{"text":"   "}`)
	tr.frames <- []byte(`{"text":"  hi there  "}`)

	live := tr.next(t)
	if live.Text != "hi there" || live.SenderID != 3 || live.SenderName != "three@example.com" {
		t.Fatalf("live message = %+v", live)
	}
	if store.count("3_9") != 4 {
		t.Fatalf("stored %d messages, want 4", store.count("3_9"))
	}

	close(tr.frames)
	<-done
	tr.wait(t)
	if tr.closeCode != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want %d", tr.closeCode, websocket.CloseNormalClosure)
	}
	for _, g := range []string{"chat_3_9", "user_3"} {
		if n, _ := hub.GroupSize(ctx, g); n != 0 {
			t.Fatalf("group %s still has %d members", g, n)
		}
	}
}

func TestSessionRelaysUserGroupEvents(t *testing.T) {
	hub := newSessionHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newFakeTransport()
	s := NewSession("3_9", "tok-9", tr, testUsers, hub, NewService(&memStore{}, hub, 0), 8)
	done := runSession(ctx, s)
	<-tr.started

	ev, _ := broker.NewEvent(broker.KindChatDeletion, DeletionNotice{Event: "chat_deleted", Room: "3_9", By: 3, Deleted: 2})
	hub.Publish(ctx, "user_9", ev)

	select {
	case data := <-tr.sent:
		var notice DeletionNotice
		json.Unmarshal(data, &notice)
		if notice.Event != "chat_deleted" || notice.Deleted != 2 {
			t.Fatalf("notice = %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("deletion notice not relayed")
	}

	// unknown kinds are dropped
	hub.Publish(ctx, "user_9", broker.Event{Kind: "mystery", Payload: json.RawMessage(`{}`)})
	select {
	case data := <-tr.sent:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	<-done
	if tr.closeCode != websocket.CloseGoingAway {
		t.Fatalf("close code = %d, want %d", tr.closeCode, websocket.CloseGoingAway)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestSessionClosesSlowClient(t *testing.T) {
	hub := newSessionHub(t)
	store := &memStore{}
	svc := NewService(store, hub, 0)
	svc.Send(context.Background(), "3_9", auth.Identity{UserID: 9}, "backlog")

	tr := newFakeTransport()
	tr.full = true
	s := NewSession("3_9", "tok-3", tr, testUsers, hub, svc, 8)
	s.Run(context.Background())

	if tr.closeCode != websocket.CloseTryAgainLater {
		t.Fatalf("close code = %d, want %d", tr.closeCode, websocket.CloseTryAgainLater)
	}
}

func TestSessionClosesWhenHubStops(t *testing.T) {
	hub := broker.NewHub()
	go hub.Run()

	tr := newFakeTransport()
	s := NewSession("3_9", "tok-3", tr, testUsers, hub, NewService(&memStore{}, hub, 0), 8)
	done := runSession(context.Background(), s)
	<-tr.started

	hub.Stop()
	<-done
	if tr.closeCode != websocket.CloseGoingAway {
		t.Fatalf("close code = %d, want %d", tr.closeCode, websocket.CloseGoingAway)
	}
}

func TestStateString(t *testing.T) {
	if StateActive.String() != "active" || State(99).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
