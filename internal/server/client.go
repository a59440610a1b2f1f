package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupchat/internal/apperror"
	"github.com/npezzotti/go-groupchat/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	postTimeout    = 5 * time.Second
	sendBufferSize = 256
)

// Client is one websocket connection attached to one group's channel.
type Client struct {
	conn     *websocket.Conn
	cs       *ChatServer
	poster   MessagePoster
	log      *zap.Logger
	user     types.User
	groupId  string
	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, groupId string, conn *websocket.Conn, cs *ChatServer, poster MessagePoster, l *zap.Logger) *Client {
	return &Client{
		conn:    conn,
		cs:      cs,
		poster:  poster,
		log:     l.With(zap.String("group_id", groupId), zap.Int("user_id", user.Id)),
		user:    user,
		groupId: groupId,
		send:    make(chan *ServerMessage, sendBufferSize),
		stop:    make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeJSON(msg) {
				return
			}
		case <-c.stop:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever is still queued without blocking.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeJSON(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.cs.Detach(c)
		c.close(nil)
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Info("dropping malformed frame", zap.Error(err))
			continue
		}
		if msg.Type != TypeMessage {
			c.log.Info("dropping frame with unknown type", zap.String("type", msg.Type))
			continue
		}

		c.post(msg.Content)
	}
}

func (c *Client) post(content string) {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	if _, err := c.poster.PostMessage(ctx, c.groupId, c.user.Id, content); err != nil {
		appErr := apperror.From(err)
		if appErr.Kind == apperror.KindInternal {
			c.log.Error("failed to post message", zap.Error(err))
		}
		c.queueMessage(ErrResponse(apperror.StatusCode(appErr), appErr.Message))
	}
}

// reject closes a connection that was never admitted. Domain errors close with
// a policy violation, anything else with an internal error.
func (c *Client) reject(err error) {
	appErr := apperror.From(err)
	code := websocket.ClosePolicyViolation
	if appErr.Kind == apperror.KindInternal {
		code = websocket.CloseInternalServerErr
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, appErr.Message))
	c.conn.Close()
}

// close stops the connection once. A non-nil notice is queued ahead of the
// close frame.
func (c *Client) close(notice *ServerMessage) {
	c.stopOnce.Do(func() {
		if notice != nil {
			c.queueMessage(notice)
		}
		close(c.stop)
	})
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	if c.stopped() {
		return false
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) writeJSON(msg *ServerMessage) bool {
	bytes, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to serialize message", zap.Error(err))
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message failed", zap.Error(err))
		}
		return false
	}

	return true
}
