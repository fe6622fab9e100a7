package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	}
	return "closed"
}

type enqueueResult int

const (
	queued enqueueResult = iota
	bufferFull
	alreadyClosed
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID     int64
	UserID uuid.UUID
	// token is revalidated before every mutating command.
	token string

	conn *websocket.Conn

	// Buffered channel of outbound frames. Never closed; writePump stops
	// on done.
	send chan []byte

	// guarded by Hub.mu
	rooms map[uuid.UUID]struct{}

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	log *slog.Logger
}

func newClient(id int64, userID uuid.UUID, token string, conn *websocket.Conn, buffer int, log *slog.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		token:  token,
		conn:   conn,
		send:   make(chan []byte, buffer),
		rooms:  make(map[uuid.UUID]struct{}),
		done:   make(chan struct{}),
		log:    log.With("conn_id", id, "user_id", userID),
	}
}

func (c *Client) State() State { return State(c.state.Load()) }

// setState never leaves StateClosed.
func (c *Client) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed || c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *Client) enqueue(frame []byte) enqueueResult {
	select {
	case <-c.done:
		return alreadyClosed
	default:
	}
	select {
	case c.send <- frame:
		return queued
	default:
		return bufferFull
	}
}

// Close ends the connection normally. Safe to call from any goroutine and
// more than once.
func (c *Client) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Client) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		c.setState(StateClosed)
		close(c.done)
	})
}

// Done is closed once the connection is closing.
func (c *Client) Done() <-chan struct{} { return c.done }

// readPump pumps frames from the websocket connection to handle. It returns
// when the peer goes away, a read fails, or the client is closed.
func (c *Client) readPump(ctx context.Context, maxMessageSize int64, handle func(context.Context, *Client, []byte)) {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Info("connection read failed", "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", "type", mt)
			continue
		}
		handle(ctx, c, message)
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
// On close it flushes what is already queued and sends the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.send:
					if err := c.write(websocket.TextMessage, frame); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
