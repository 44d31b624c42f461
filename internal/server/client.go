package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/messages"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is a single websocket connection. It moves from unjoined to joined
// on its first successful join and to left when it leaves or disconnects.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
	left       bool // guarded by chatServer.mu
}

func NewClient(id string, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("conn_id", id).Logger(),
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug().Err(err).Msg("error parsing message")
		c.queueMessage(ErrInvalidMessage(-1))
		return
	}

	msg.Timestamp = Now()

	switch {
	case msg.Join != nil:
		c.join(&msg)
	case msg.Leave != nil:
		c.chatServer.Leave(c)
		c.queueMessage(NoErrOK(msg.Id, nil))
	case msg.Publish != nil:
		c.publish(&msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) join(msg *ClientMessage) {
	err := c.chatServer.Join(c, msg.Join.UserId)
	switch {
	case err == nil:
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"user_id": msg.Join.UserId}))
	case errors.Is(err, ErrInvalidUserId):
		// ignored without a response
		c.log.Debug().Int("user_id", msg.Join.UserId).Msg("ignoring join with invalid user id")
	case errors.Is(err, ErrConnectionLeft):
		c.queueMessage(ErrConnectionGone(msg.Id))
	default:
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) publish(msg *ClientMessage) {
	created, err := c.chatServer.writer.CreateMessage(context.Background(), messages.CreateMessageParams{
		SenderId:      msg.Publish.SenderId,
		ReceiverId:    msg.Publish.ReceiverId,
		Content:       msg.Publish.Content,
		AttachmentUrl: msg.Publish.AttachmentUrl,
	})
	if err != nil {
		var vErr *messages.ValidationError
		if errors.As(err, &vErr) {
			c.queueMessage(ErrBadRequest(msg.Id, vErr.Error()))
			return
		}

		c.log.Error().Err(err).Msg("failed to publish message")
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrCreated(msg.Id, map[string]any{"message_id": created.Id}))
	c.chatServer.Deliver(created)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.UnregisterClient(c)
	c.stopClient()
}
