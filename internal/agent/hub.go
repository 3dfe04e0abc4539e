package agent

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultReplaySize     = 100
	defaultSubscriberSize = 64
)

// SSEMessageQueue buffers events for reconnecting clients, sharded per session.
// Each session gets its own bounded list so one learner's burst cannot evict
// events belonging to another.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewSSEMessageQueue creates a per-session queue keeping maxSize events each.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	return &SSEMessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to its session queue.
func (q *SSEMessageQueue) Enqueue(msg *QueuedMessage) {
	key := sessionKey(msg.Event.UserID, msg.Event.SessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(msg)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages returns the session's events after afterEventID.
func (q *SSEMessageQueue) GetMissedMessages(userID, sessionID string, afterEventID int64) []*QueuedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[sessionKey(userID, sessionID)]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		if msg := e.Value.(*QueuedMessage); msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune drops the queue of a session.
func (q *SSEMessageQueue) Prune(userID, sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, sessionKey(userID, sessionID))
}

// Subscription receives the events of one session.
type Subscription struct {
	ID   int64
	C    <-chan *QueuedMessage
	ch   chan *QueuedMessage
	key  string
	hub  *Hub
	once sync.Once
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub numbers published events, keeps them for replay and fans them out to
// the subscribers of their session. A single loop preserves publish order.
type Hub struct {
	in      chan *Event
	queue   *SSEMessageQueue
	logger  *slog.Logger
	subSize int

	mu      sync.Mutex
	subs    map[string]map[int64]*Subscription
	eventID int64
	subID   int64

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewHub starts a hub. replaySize bounds the per-session replay queue.
func NewHub(replaySize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		in:      make(chan *Event, 100),
		queue:   NewSSEMessageQueue(replaySize),
		logger:  logger,
		subSize: defaultSubscriberSize,
		subs:    make(map[string]map[int64]*Subscription),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// Publish queues ev for broadcast. It is dropped once the hub is closed.
func (h *Hub) Publish(ev *Event) {
	if ev == nil {
		return
	}
	select {
	case h.in <- ev:
	case <-h.done:
	}
}

// Subscribe registers a subscriber for a session and returns the events it
// missed after lastEventID. Registration and replay happen atomically with
// respect to broadcasting, so no event is lost or repeated.
func (h *Hub) Subscribe(userID, sessionID string, lastEventID int64) (*Subscription, []*QueuedMessage) {
	key := sessionKey(userID, sessionID)
	ch := make(chan *QueuedMessage, h.subSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subID++
	sub := &Subscription{ID: h.subID, C: ch, ch: ch, key: key, hub: h}
	if _, ok := h.subs[key]; !ok {
		h.subs[key] = make(map[int64]*Subscription)
	}
	h.subs[key][sub.ID] = sub

	var missed []*QueuedMessage
	if lastEventID > 0 {
		missed = h.queue.GetMissedMessages(userID, sessionID, lastEventID)
	}
	return sub, missed
}

// Subscribers returns how many subscribers a session has.
func (h *Hub) Subscribers(userID, sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionKey(userID, sessionID)])
}

// Prune drops the replay queue of a session.
func (h *Hub) Prune(userID, sessionID string) {
	h.queue.Prune(userID, sessionID)
}

// NextEventID reserves an event ID outside the broadcast stream, for
// per-connection events such as the SSE "connected" notice.
func (h *Hub) NextEventID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventID++
	return h.eventID
}

// Close stops the broadcast loop. Pending events are discarded.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
	<-h.stopped
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[s.key]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.subs, s.key)
		}
	}
}

func (h *Hub) broadcastLoop() {
	defer close(h.stopped)
	h.logger.Debug("Broadcast loop started")
	for {
		select {
		case <-h.done:
			h.logger.Debug("Broadcast loop shutting down")
			return
		case ev := <-h.in:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev *Event) {
	h.mu.Lock()
	h.eventID++
	msg := &QueuedMessage{EventID: h.eventID, Event: ev, Timestamp: time.Now()}
	h.queue.Enqueue(msg)
	// Sends happen under mu so a concurrent Subscribe sees either the replay
	// or the live event, never both.
	for _, s := range h.subs[sessionKey(ev.UserID, ev.SessionID)] {
		select {
		case s.ch <- msg:
		default:
			h.logger.Warn("Subscriber buffer full, dropping event",
				"user_id", ev.UserID, "session_id", ev.SessionID, "sub_id", s.ID, "event_id", msg.EventID)
		}
	}
	h.mu.Unlock()
}
