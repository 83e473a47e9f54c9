package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type queuedMessage struct {
	data    []byte
	isAlert bool
}

// clientOp is a message from the subscriber to the server.
type clientOp struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics,omitempty"`
}

// Subscriber is one connected observer. Its writer goroutine is independent
// of the hub loop, so a stalled connection never backs up the fan-out.
type Subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	mu           sync.Mutex
	queue        []queuedMessage
	queueCap     int
	topics       map[string]bool
	subscribedAt time.Time
	lastSeen     time.Time
	closed       bool
	closeReason  string

	notify chan struct{}
	done   chan struct{}
}

func newSubscriber(hub *Hub, conn *websocket.Conn, queueCap int) *Subscriber {
	now := time.Now()
	return &Subscriber{
		hub:          hub,
		conn:         conn,
		id:           generateSubscriberID(),
		queueCap:     queueCap,
		topics:       map[string]bool{TopicSystem: true},
		subscribedAt: now,
		lastSeen:     now,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// enqueue queues a frame, applying the overflow policy: drop the oldest
// non-alert first; keep alerts until the queue holds nothing else. Returns
// false when the queue is alert-saturated and cannot take more.
func (s *Subscriber) enqueue(data []byte, isAlert bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= s.queueCap {
		dropped := false
		for i, queued := range s.queue {
			if !queued.isAlert {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			s.mu.Unlock()
			return false
		}
	}
	s.queue = append(s.queue, queuedMessage{data: data, isAlert: isAlert})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscriber) dequeue() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg.data, true
}

// QueueLen returns the number of queued frames.
func (s *Subscriber) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) subscribedTo(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[topic]
}

func (s *Subscriber) setTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics = map[string]bool{TopicSystem: true}
	for _, topic := range topics {
		if ValidTopics[topic] {
			s.topics[topic] = true
		}
	}
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) lastSeenBefore(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(cutoff)
}

func (s *Subscriber) close(reason string) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.closeReason = reason
	}
	s.mu.Unlock()
}

// CloseReason returns why the subscriber was disconnected.
func (s *Subscriber) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// shutdown stops the pumps. Safe to call more than once.
func (s *Subscriber) shutdown() {
	s.close("closed")
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// readPump consumes subscribe ops and pings from the client.
func (s *Subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(silenceTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(silenceTimeout))
		s.touch()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("subscriber", s.id).Msg("WebSocket read error")
			}
			return
		}
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(silenceTimeout))

		var op clientOp
		if err := json.Unmarshal(raw, &op); err != nil {
			log.Debug().Err(err).Str("subscriber", s.id).Msg("Ignoring malformed client message")
			continue
		}

		switch op.Op {
		case "subscribe":
			s.setTopics(op.Topics)
			for _, msg := range s.hub.snapshotFor(op.Topics) {
				if data, err := json.Marshal(msg); err == nil {
					s.enqueue(data, msg.Topic == TopicAlerts)
				}
			}
			log.Debug().Str("subscriber", s.id).Strs("topics", op.Topics).Msg("Subscription updated")
		case "ping":
			pong := Message{Topic: TopicSystem, Event: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}}
			if data, err := json.Marshal(pong); err == nil {
				s.enqueue(data, false)
			}
		default:
			log.Debug().Str("subscriber", s.id).Str("op", op.Op).Msg("Unknown client op")
		}
	}
}

// writePump drains the queue onto the wire.
func (s *Subscriber) writePump() {
	defer s.conn.Close()

	for {
		select {
		case <-s.notify:
			for {
				data, ok := s.dequeue()
				if !ok {
					break
				}
				s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Debug().Err(err).Str("subscriber", s.id).Msg("WebSocket write failed")
					return
				}
			}
		case <-s.done:
			reason := s.CloseReason()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			return
		}
	}
}
