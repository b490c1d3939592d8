package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func serve(t *testing.T, handle func(c *Client)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(NewClient(conn, DefaultConfig()))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != code {
		t.Fatalf("read err = %v, want close %d", err, code)
	}
}

func TestClientEchoAndNormalClose(t *testing.T) {
	done := make(chan struct{})
	url := serve(t, func(c *Client) {
		defer close(done)
		c.Start()
		for frame := range c.Frames() {
			c.Send(append([]byte("echo:"), frame...))
		}
		c.Close(websocket.CloseNormalClosure, "")
	})

	conn := dial(t, url)
	conn.WriteMessage(websocket.TextMessage, []byte("hi"))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "echo:hi" {
		t.Fatalf("read = %q, %v", msg, err)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never saw the peer leave")
	}
}

func TestClientCloseFlushesQueuedMessages(t *testing.T) {
	url := serve(t, func(c *Client) {
		c.Start()
		c.Send([]byte("one"))
		c.Send([]byte("two"))
		c.Close(4003, "not authorized for this room")
		if c.Send([]byte("late")) {
			t.Error("send after close should report false")
		}
	})

	conn := dial(t, url)
	for _, want := range []string{"one", "two"} {
		_, msg, err := conn.ReadMessage()
		if err != nil || string(msg) != want {
			t.Fatalf("read = %q, %v; want %q", msg, err, want)
		}
	}
	expectClose(t, conn, 4003)
}

func TestClientReject(t *testing.T) {
	url := serve(t, func(c *Client) {
		c.Reject(4001, "authentication failed")
	})

	conn := dial(t, url)
	expectClose(t, conn, 4001)
}

func TestClientSendReportsFullBuffer(t *testing.T) {
	c := NewClient(nil, Config{SendBuffer: 1})
	if !c.Send([]byte("a")) {
		t.Fatal("first send should fit")
	}
	if c.Send([]byte("b")) {
		t.Fatal("second send should report a full buffer")
	}
}
