package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/scoreguard/internal/domain"
)

// Message types
const (
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypePlayerUpdate      = "player_update"
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypeSubscribed        = "subscribed"
	MessageTypeUnsubscribed      = "unsubscribed"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Topics clients can subscribe to
const (
	TopicTop          = "top"
	topicPlayerPrefix = "player:"
)

const snapshotTimeout = 3 * time.Second

// PlayerTopic is the topic carrying updates for one handle
func PlayerTopic(handle string) string {
	return topicPlayerPrefix + handle
}

// Message is the envelope of everything sent to a client
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// LeaderboardUpdate carries the current top entries
type LeaderboardUpdate struct {
	Entries      []domain.LeaderboardEntry `json:"entries"`
	TotalPlayers int64                     `json:"totalPlayers"`
}

// Standings answers what a new subscriber sees before the next live update
type Standings interface {
	// CanonicalHandle normalizes a handle the way accepted runs store it.
	CanonicalHandle(input string) (string, error)
	Standings(ctx context.Context) ([]domain.LeaderboardEntry, int64, error)
	// Player returns domain.ErrNotFound for a handle with no accepted run.
	Player(ctx context.Context, handle string) (domain.LeaderboardEntry, error)
}

type subscription struct {
	client *Client
	topic  string
	on     bool
	done   chan bool
}

type outbound struct {
	topic  string
	client *Client
	data   []byte
}

type countQuery struct {
	topic string
	reply chan int
}

// Hub routes encoded messages to clients by topic. The Run loop is the only
// goroutine that touches subscriptions or writes to a client's send buffer,
// so a buffer is never written after it is closed.
type Hub struct {
	standings Standings
	logger    *slog.Logger

	join     chan *Client
	leave    chan *Client
	changes  chan subscription
	outgoing chan outbound
	counts   chan countQuery
	done     chan struct{}
	stop     sync.Once
}

// NewHub creates a hub. A nil standings disables subscribe snapshots.
func NewHub(standings Standings, logger *slog.Logger) *Hub {
	return &Hub{
		standings: standings,
		logger:    logger,
		join:      make(chan *Client),
		leave:     make(chan *Client),
		changes:   make(chan subscription),
		outgoing:  make(chan outbound, 256),
		counts:    make(chan countQuery),
		done:      make(chan struct{}),
	}
}

// Run serves the hub until Stop is called
func (h *Hub) Run() {
	topics := make(map[string]map[*Client]struct{})
	members := make(map[*Client]map[string]struct{})

	drop := func(c *Client) {
		subscribed, ok := members[c]
		if !ok {
			return
		}
		for topic := range subscribed {
			delete(topics[topic], c)
			if len(topics[topic]) == 0 {
				delete(topics, topic)
			}
		}
		delete(members, c)
		close(c.send)
	}

	deliver := func(c *Client, data []byte) {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client too slow, disconnecting", "client_id", c.id)
			drop(c)
		}
	}

	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.done:
			for c := range members {
				drop(c)
			}
			h.logger.Info("WebSocket hub stopped")
			return

		case c := <-h.join:
			members[c] = make(map[string]struct{})

		case c := <-h.leave:
			drop(c)

		case s := <-h.changes:
			subscribed, ok := members[s.client]
			switch {
			case !ok:
			case s.on:
				if topics[s.topic] == nil {
					topics[s.topic] = make(map[*Client]struct{})
				}
				topics[s.topic][s.client] = struct{}{}
				subscribed[s.topic] = struct{}{}
			default:
				delete(subscribed, s.topic)
				delete(topics[s.topic], s.client)
				if len(topics[s.topic]) == 0 {
					delete(topics, s.topic)
				}
			}
			s.done <- ok

		case out := <-h.outgoing:
			if out.client != nil {
				if _, ok := members[out.client]; ok {
					deliver(out.client, out.data)
				}
				continue
			}
			for c := range topics[out.topic] {
				deliver(c, out.data)
			}

		case q := <-h.counts:
			if q.topic == "" {
				q.reply <- len(members)
			} else {
				q.reply <- len(topics[q.topic])
			}
		}
	}
}

// Stop ends Run and closes every client's send buffer
func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

func (h *Hub) post(out outbound) {
	select {
	case h.outgoing <- out:
	case <-h.done:
	default:
		h.logger.Warn("hub queue full, dropping message", "topic", out.topic)
	}
}

func (h *Hub) publish(topic, msgType string, data interface{}) {
	encoded, err := json.Marshal(Message{Type: msgType, Topic: topic, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("failed to encode message", "type", msgType, "error", err)
		return
	}
	h.post(outbound{topic: topic, data: encoded})
}

// BroadcastLeaderboardUpdate sends the top entries to subscribers of the top topic
func (h *Hub) BroadcastLeaderboardUpdate(entries []domain.LeaderboardEntry, totalPlayers int64) {
	h.publish(TopicTop, MessageTypeLeaderboardUpdate, LeaderboardUpdate{
		Entries:      entries,
		TotalPlayers: totalPlayers,
	})
}

// BroadcastPlayerUpdate sends a player's new standing to subscribers of its topic
func (h *Hub) BroadcastPlayerUpdate(entry domain.LeaderboardEntry) {
	h.publish(PlayerTopic(entry.Handle), MessageTypePlayerUpdate, entry)
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.join <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.leave <- c:
	case <-h.done:
	}
}

// setSubscription applies a change and returns once the hub has seen it,
// so no broadcast after an ack can miss the subscriber
func (h *Hub) setSubscription(c *Client, topic string, on bool) bool {
	s := subscription{client: c, topic: topic, on: on, done: make(chan bool, 1)}
	select {
	case h.changes <- s:
		return <-s.done
	case <-h.done:
		return false
	}
}

func (h *Hub) count(topic string) int {
	q := countQuery{topic: topic, reply: make(chan int, 1)}
	select {
	case h.counts <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

// Subscribers returns the number of clients subscribed to topic
func (h *Hub) Subscribers(topic string) int {
	if topic == "" {
		return 0
	}
	return h.count(topic)
}

// Connections returns the number of connected clients
func (h *Hub) Connections() int {
	return h.count("")
}
