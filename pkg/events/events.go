package events

import (
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/log"
)

// ServerEventType represents the type of a server lifecycle event
type ServerEventType string

const (
	ServerStarting ServerEventType = "starting"
	ServerStarted  ServerEventType = "started"
	ServerStopped  ServerEventType = "stopped"
	ServerError    ServerEventType = "error"
	ServerLog      ServerEventType = "log"
)

// ServerEvent is emitted on every instance state transition and for each
// line of child stdio
type ServerEvent struct {
	Type        ServerEventType `json:"type"`
	ServerID    string          `json:"serverId"`
	WorkspaceID string          `json:"workspaceId"`
	Timestamp   time.Time       `json:"timestamp"`
	Port        int             `json:"port,omitempty"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
	Level       string          `json:"level,omitempty"`
}

// AppEventType represents the type of an application-level event
type AppEventType string

const (
	WorkspaceCreated    AppEventType = "workspace-created"
	WorkspaceUpdated    AppEventType = "workspace-updated"
	WorkspaceDeleted    AppEventType = "workspace-deleted"
	SessionConnected    AppEventType = "session-connected"
	SessionDisconnected AppEventType = "session-disconnected"
	ProfileUpdated      AppEventType = "profile-updated"
)

// AppEvent covers workspace, session and profile changes
type AppEvent struct {
	Type        AppEventType   `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// maxQueue bounds each subscriber's pending event queue. When the bound
// is hit the oldest log event is evicted; lifecycle events are never
// dropped.
const maxQueue = 256

type queued struct {
	deliver   func()
	droppable bool
}

// subscriber owns a bounded queue drained by a dedicated worker
// goroutine, so a slow handler never blocks Emit or other subscribers.
type subscriber struct {
	mu     sync.Mutex
	queue  []queued
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, q := range pending {
			q.deliver()
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) push(q queued) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxQueue {
		if i := firstDroppable(s.queue); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
		} else {
			// Queue full of lifecycle events. Keep them all; the bound
			// is advisory for lifecycle traffic.
			log.Warn("event subscriber backlogged with lifecycle events")
		}
	}
	s.queue = append(s.queue, q)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func firstDroppable(queue []queued) int {
	for i, q := range queue {
		if q.droppable {
			return i
		}
	}
	return -1
}

type serverSub struct {
	*subscriber
	handler func(ServerEvent)
}

type appSub struct {
	*subscriber
	handler func(AppEvent)
}

// Bus fans lifecycle and log events out to subscribers. Delivery is
// best-effort and in-process; events for a single emitter are delivered
// in the order Emit was called.
type Bus struct {
	mu         sync.Mutex
	nextID     int
	serverSubs map[int]*serverSub
	appSubs    map[int]*appSub
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		serverSubs: make(map[int]*serverSub),
		appSubs:    make(map[int]*appSub),
	}
}

// SubscribeServer registers a handler for server lifecycle and log
// events and returns an unsubscribe function
func (b *Bus) SubscribeServer(handler func(ServerEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &serverSub{subscriber: newSubscriber(), handler: handler}
	b.serverSubs[id] = sub

	return func() {
		b.mu.Lock()
		delete(b.serverSubs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

// SubscribeApp registers a handler for application events and returns an
// unsubscribe function
func (b *Bus) SubscribeApp(handler func(AppEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &appSub{subscriber: newSubscriber(), handler: handler}
	b.appSubs[id] = sub

	return func() {
		b.mu.Lock()
		delete(b.appSubs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

// EmitServer stamps the event with the current time and enqueues it for
// every server-channel subscriber. Never blocks.
func (b *Bus) EmitServer(ev ServerEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.serverSubs {
		handler := sub.handler
		sub.push(queued{
			droppable: ev.Type == ServerLog,
			deliver:   func() { handler(ev) },
		})
	}
}

// EmitApp stamps the event with the current time and enqueues it for
// every app-channel subscriber. Never blocks.
func (b *Bus) EmitApp(ev AppEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.appSubs {
		handler := sub.handler
		sub.push(queued{deliver: func() { handler(ev) }})
	}
}

// Close stops all subscriber workers
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.serverSubs {
		sub.stop()
		delete(b.serverSubs, id)
	}
	for id, sub := range b.appSubs {
		sub.stop()
		delete(b.appSubs, id)
	}
}

// SubscriberCount returns the number of active subscribers on both
// channels
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.serverSubs) + len(b.appSubs)
}
