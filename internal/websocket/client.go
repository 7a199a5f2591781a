package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/scoreguard/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Scores are public; any page may watch them
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client is one live-update connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage is a request sent by a client
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// ServeWs upgrades the request and attaches the connection to hub
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
	if !hub.register(c) {
		conn.Close()
		return
	}
	logger.Debug("websocket connected", "client_id", c.id, "remote", r.RemoteAddr)

	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.logger.Debug("websocket disconnected", "client_id", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		topic, ok := c.resolve(msg.Topic)
		if !ok {
			return
		}
		if !c.hub.setSubscription(c, topic, true) {
			return
		}
		c.reply(Message{Type: MessageTypeSubscribed, Topic: topic})
		c.sendSnapshot(topic)

	case MessageTypeUnsubscribe:
		topic, ok := c.resolve(msg.Topic)
		if !ok {
			return
		}
		if c.hub.setSubscription(c, topic, false) {
			c.reply(Message{Type: MessageTypeUnsubscribed, Topic: topic})
		}

	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	default:
		c.sendError("unknown message type")
	}
}

// resolve maps a requested topic onto the topic broadcasts use, so
// "player: Alice" and "player:alice" are the same subscription
func (c *Client) resolve(topic string) (string, bool) {
	if topic == TopicTop {
		return topic, true
	}
	handle, ok := strings.CutPrefix(topic, topicPlayerPrefix)
	if !ok {
		c.sendError(`topic must be "top" or "player:<handle>"`)
		return "", false
	}
	if c.hub.standings != nil {
		canonical, err := c.hub.standings.CanonicalHandle(handle)
		if err != nil {
			c.sendError(string(domain.ReasonInvalidHandle))
			return "", false
		}
		handle = canonical
	}
	if handle == "" {
		c.sendError(string(domain.ReasonInvalidHandle))
		return "", false
	}
	return PlayerTopic(handle), true
}

// sendSnapshot pushes the current standing for topic right after a
// subscribe. A player with no accepted run gets nothing until their first.
func (c *Client) sendSnapshot(topic string) {
	if c.hub.standings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	if topic == TopicTop {
		entries, total, err := c.hub.standings.Standings(ctx)
		if err != nil {
			c.logger.Warn("failed to load top snapshot", "client_id", c.id, "error", err)
			return
		}
		c.reply(Message{
			Type:  MessageTypeLeaderboardUpdate,
			Topic: topic,
			Data:  LeaderboardUpdate{Entries: entries, TotalPlayers: total},
		})
		return
	}

	handle := strings.TrimPrefix(topic, topicPlayerPrefix)
	entry, err := c.hub.standings.Player(ctx, handle)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		c.logger.Warn("failed to load player snapshot", "client_id", c.id, "handle", handle, "error", err)
	default:
		c.reply(Message{Type: MessageTypePlayerUpdate, Topic: topic, Data: entry})
	}
}

// reply queues a message for this client alone through the hub
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	c.hub.post(outbound{client: c, data: data})
}

func (c *Client) sendError(reason string) {
	c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": reason}})
}

// writeLoop sends each queued message as its own frame and keeps the
// connection alive with pings. It ends when the hub closes send.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
