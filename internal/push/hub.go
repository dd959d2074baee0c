// Package push delivers per-user job notifications to connected clients.
// Delivery is best-effort: slow subscribers drop messages.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

const DefaultSubscriberBuffer = 16

var ErrHubClosed = errors.New("push hub closed")

// Message is one job notification.
type Message struct {
	JobID  uuid.UUID        `json:"job_id"`
	ToolID string           `json:"tool_id"`
	Status models.JobStatus `json:"status"`
	Output json.RawMessage  `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Publisher broadcasts a message to every subscriber of a user.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, msg Message) error
}

// Hub fans messages out to in-process subscribers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[uuid.UUID]*stream
	subscriberBuffer int
	closed           bool
}

type stream struct {
	mu     sync.Mutex
	subs   map[uint64]chan Message
	nextID uint64
}

// Subscription receives messages for one user until Close.
type Subscription struct {
	hub    *Hub
	userID uuid.UUID
	id     uint64
	ch     chan Message
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[uuid.UUID]*stream),
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish never blocks; a full subscriber buffer drops the message.
func (h *Hub) Publish(_ context.Context, userID uuid.UUID, msg Message) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	st := h.streams[userID]
	h.mu.RUnlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	subs := make([]chan Message, 0, len(st.subs))
	for _, ch := range st.subs {
		subs = append(subs, ch)
	}
	st.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(userID uuid.UUID) (*Subscription, error) {
	if h == nil {
		return nil, ErrHubClosed
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	st := h.streams[userID]
	if st == nil {
		st = &stream{subs: make(map[uint64]chan Message)}
		h.streams[userID] = st
	}
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	ch := make(chan Message, h.subscriberBuffer)
	st.subs[id] = ch
	st.mu.Unlock()
	h.mu.Unlock()

	return &Subscription{hub: h, userID: userID, id: id, ch: ch}, nil
}

// Subscribers reports how many live subscriptions a user has.
func (h *Hub) Subscribers(userID uuid.UUID) int {
	h.mu.RLock()
	st := h.streams[userID]
	h.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// Close rejects further publishes and subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *Hub) unsubscribe(userID uuid.UUID, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.streams[userID]
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.subs, id)
	empty := len(st.subs) == 0
	st.mu.Unlock()
	if empty {
		delete(h.streams, userID)
	}
}

func (s *Subscription) Messages() <-chan Message {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.userID, s.id)
	})
}
