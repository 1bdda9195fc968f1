package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/pkg/protocol"
)

const (
	// sendQueueSize bounds envelopes pending delivery per client. When
	// full, the oldest pending envelope is evicted so slow readers lag
	// instead of stalling broadcasts.
	sendQueueSize = 100

	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
)

// TaskDispatcher handles send_message requests arriving over the socket.
type TaskDispatcher interface {
	HandleSendMessage(ctx context.Context, ident *auth.Identity, threadID uuid.UUID, content string) error
}

// Client is one WebSocket connection. A reader goroutine dispatches
// inbound envelopes; a writer goroutine owns all writes to the conn,
// including heartbeat pings.
type Client struct {
	id    string
	ident *auth.Identity
	conn  *websocket.Conn
	srv   *Server

	mu     sync.Mutex
	queue  []protocol.Envelope
	wake   chan struct{}
	closed bool

	done chan struct{}
}

func newClient(srv *Server, conn *websocket.Conn, ident *auth.Identity) *Client {
	return &Client{
		id:    uuid.NewString(),
		ident: ident,
		conn:  conn,
		srv:   srv,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (c *Client) ID() string               { return c.id }
func (c *Client) Identity() *auth.Identity { return c.ident }

// Enqueue appends the envelope to the client's bounded send queue,
// evicting the oldest pending envelope when full. Never blocks.
func (c *Client) Enqueue(env protocol.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= sendQueueSize {
		c.queue = c.queue[1:]
		slog.Debug("gateway.client_queue_evict", "client", c.id)
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return protocol.Envelope{}, false
	}
	env := c.queue[0]
	c.queue = c.queue[1:]
	return env, true
}

// run starts the writer, then reads until the connection drops.
func (c *Client) run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.close()
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
	c.srv.topics.Unregister(c.id)
	c.srv.forget(c.id)
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.srv.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.pongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway.read_error", "client", c.id, "err", err)
			}
			return
		}
		// Any traffic proves liveness, not just pong frames.
		c.conn.SetReadDeadline(time.Now().Add(c.srv.pongTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("", "malformed envelope")
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	if env.V != protocol.ProtocolVersion {
		c.sendError(env.ReqID, fmt.Sprintf("unsupported protocol version %d", env.V))
		return
	}
	switch env.Type {
	case protocol.MsgPing:
		c.Enqueue(protocol.New(protocol.MsgPong, "", protocol.PongPayload{TS: env.TS}))

	case protocol.MsgSubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || len(p.Topics) == 0 {
			c.sendError(env.ReqID, "subscribe requires topics")
			return
		}
		c.srv.topics.Subscribe(ctx, c, p.Topics, env.ReqID)

	case protocol.MsgUnsubscribe:
		var p protocol.SubscribePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.sendError(env.ReqID, "unsubscribe requires topics")
			return
		}
		c.srv.topics.Unsubscribe(c, p.Topics, env.ReqID)

	case protocol.MsgSendMessage:
		var p protocol.SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.sendError(env.ReqID, "malformed send_message")
			return
		}
		threadID, err := uuid.Parse(p.ThreadID)
		if err != nil {
			c.sendError(env.ReqID, "thread_id is not a uuid")
			return
		}
		if c.srv.dispatcher == nil {
			c.sendError(env.ReqID, "message dispatch unavailable")
			return
		}
		if err := c.srv.dispatcher.HandleSendMessage(ctx, c.ident, threadID, p.Content); err != nil {
			c.sendError(env.ReqID, err.Error())
		}

	default:
		c.sendError(env.ReqID, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (c *Client) sendError(reqID, msg string) {
	env := protocol.New(protocol.MsgError, "", protocol.ErrorPayload{Error: msg})
	env.ReqID = reqID
	c.Enqueue(env)
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.wake:
			for {
				env, ok := c.dequeue()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteJSON(env); err != nil {
					c.conn.Close()
					return
				}
			}
		}
	}
}
