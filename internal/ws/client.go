// Package ws wraps a gorilla websocket connection with the read/write pumps
// every socket endpoint in the service shares.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pkglog "division-chat/internal/log"
)

type Config struct {
	WriteWait      time.Duration // time allowed to write a message to the peer
	PongWait       time.Duration // time allowed to read the next pong from the peer
	PingPeriod     time.Duration // must be less than PongWait
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     256,
	}
}

// Upgrader allows every origin; the token gate is the access control.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is a middleman between the websocket connection and its session.
type Client struct {
	conn *websocket.Conn
	cfg  Config

	send   chan []byte
	frames chan []byte

	quit        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	writerDone  chan struct{}
}

func NewClient(conn *websocket.Conn, cfg Config) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Client{
		conn:       conn,
		cfg:        cfg,
		send:       make(chan []byte, cfg.SendBuffer),
		frames:     make(chan []byte, 16),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Start runs the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Frames yields inbound text frames. It is closed once the peer is gone.
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// Send queues msg for the peer. It reports false if the client is closing or
// its outbound buffer is full.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Reject closes a connection whose pumps were never started.
func (c *Client) Reject(code int, reason string) {
	deadline := time.Now().Add(c.cfg.WriteWait)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.conn.Close()
}

// Close flushes queued messages, sends a close frame with code and tears the
// connection down. Safe to call more than once; the first code wins.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.quit)
	})
	<-c.writerDone
	c.conn.Close()
}

// readPump pumps frames from the websocket connection to the session.
func (c *Client) readPump() {
	defer close(c.frames)

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := pkglog.L()
				l.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		select {
		case c.frames <- message:
		case <-c.quit:
			return
		}
	}
}

// writePump pumps messages to the websocket connection and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.abort()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort()
				return
			}

		case <-c.quit:
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
					return
				}
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// abort unblocks the reader after a write failure so the session notices.
func (c *Client) abort() {
	c.conn.Close()
}
