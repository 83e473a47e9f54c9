// Package broadcast fans metric updates, alerts, and patterns out to
// WebSocket subscribers. Each subscriber has an independent writer and a
// bounded queue, so the publishing side never blocks on a slow client.
package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Topics a subscriber may select.
const (
	TopicMetricsLive   = "metrics.live"
	TopicMetricsTrends = "metrics.trends"
	TopicAlerts        = "alerts"
	TopicPatterns      = "patterns"
	TopicSystem        = "system"
)

// ValidTopics enumerates the subscribable topics.
var ValidTopics = map[string]bool{
	TopicMetricsLive:   true,
	TopicMetricsTrends: true,
	TopicAlerts:        true,
	TopicPatterns:      true,
	TopicSystem:        true,
}

const (
	// DefaultQueueSize bounds each subscriber's outgoing queue.
	DefaultQueueSize = 1024

	heartbeatInterval = 30 * time.Second
	silenceTimeout    = 90 * time.Second
	writeTimeout      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one server frame.
type Message struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SnapshotProvider supplies the initial state pushed on subscribe.
type SnapshotProvider interface {
	LiveSnapshot() any
	TrendSnapshot() any
	ActiveAlerts() any
	RecentPatterns() any
}

// Hub maintains active subscribers and routes published messages by topic.
type Hub struct {
	snapshots SnapshotProvider
	queueSize int

	register   chan *Subscriber
	unregister chan *Subscriber
	publish    chan Message

	mu          sync.RWMutex
	subscribers map[*Subscriber]bool

	dropped atomic.Uint64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. queueSize <= 0 selects DefaultQueueSize.
func NewHub(snapshots SnapshotProvider, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		snapshots:   snapshots,
		queueSize:   queueSize,
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		publish:     make(chan Message, 256),
		subscribers: make(map[*Subscriber]bool),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetSnapshots installs the snapshot provider. Must be called before Run
// when the hub was constructed ahead of its provider.
func (h *Hub) SetSnapshots(snapshots SnapshotProvider) {
	h.snapshots = snapshots
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	defer close(h.doneCh)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = true
			h.mu.Unlock()
			log.Info().Str("subscriber", sub.id).Msg("Subscriber connected")

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
			}
			h.mu.Unlock()
			sub.shutdown()
			log.Info().Str("subscriber", sub.id).Str("reason", sub.CloseReason()).Msg("Subscriber disconnected")

		case msg := <-h.publish:
			h.fanOut(msg)

		case <-heartbeat.C:
			h.fanOut(Message{Topic: TopicSystem, Event: "ping", Data: map[string]int64{"timestamp": time.Now().Unix()}})
			h.reapSilent()

		case <-h.stopCh:
			h.mu.Lock()
			for sub := range h.subscribers {
				sub.shutdown()
			}
			h.subscribers = make(map[*Subscriber]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop terminates the hub loop and disconnects all subscribers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// Publish routes a message to subscribers of its topic. It never blocks:
// when the hub's inbox is full the message is dropped and counted.
func (h *Hub) Publish(topic, event string, data any) {
	msg := Message{Topic: topic, Event: event, Data: data}
	select {
	case h.publish <- msg:
	default:
		h.dropped.Add(1)
		log.Warn().Str("topic", topic).Str("event", event).Msg("Broadcast inbox full; dropping message")
	}
}

// Dropped reports how many messages were discarded because the inbox or a
// subscriber queue overflowed.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// HandleWebSocket upgrades the connection and starts the subscriber pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := newSubscriber(h, conn, h.queueSize)
	h.register <- sub

	go sub.writePump()
	go sub.readPump()
}

func (h *Hub) fanOut(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to marshal broadcast message")
		return
	}
	isAlert := msg.Topic == TopicAlerts

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.subscribedTo(msg.Topic) {
			continue
		}
		if !sub.enqueue(data, isAlert) {
			// Alert-saturated queue: the subscriber cannot keep up.
			h.dropped.Add(1)
			sub.close("too-slow")
			h.drop(sub)
		}
	}
}

func (h *Hub) reapSilent() {
	cutoff := time.Now().Add(-silenceTimeout)

	h.mu.RLock()
	var silent []*Subscriber
	for sub := range h.subscribers {
		if sub.lastSeenBefore(cutoff) {
			silent = append(silent, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range silent {
		sub.close("silent")
		h.drop(sub)
	}
}

// drop removes a subscriber outside the Run select to avoid self-deadlock.
func (h *Hub) drop(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.shutdown()
}

// snapshotFor builds the initial messages pushed on subscribe.
func (h *Hub) snapshotFor(topics []string) []Message {
	if h.snapshots == nil {
		return nil
	}
	var out []Message
	for _, topic := range topics {
		switch topic {
		case TopicMetricsLive:
			out = append(out, Message{Topic: topic, Event: "snapshot", Data: h.snapshots.LiveSnapshot()})
		case TopicMetricsTrends:
			out = append(out, Message{Topic: topic, Event: "snapshot", Data: h.snapshots.TrendSnapshot()})
		case TopicAlerts:
			out = append(out, Message{Topic: topic, Event: "snapshot", Data: h.snapshots.ActiveAlerts()})
		case TopicPatterns:
			out = append(out, Message{Topic: topic, Event: "snapshot", Data: h.snapshots.RecentPatterns()})
		}
	}
	return out
}

func generateSubscriberID() string {
	return fmt.Sprintf("sub-%d", time.Now().UnixNano())
}
