// Package events fans job lifecycle events out to the subscribers of each job.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
)

// ErrSubscriberFull is returned by a subscriber that cannot accept an event
// without blocking. The event is dropped for that subscriber only.
var ErrSubscriberFull = errors.New("subscriber buffer full")

// Subscriber receives events for the rooms it joined. Deliver must not block.
type Subscriber interface {
	Deliver(ev models.Event) error
}

// Publisher is what the engine emits events through.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	jobID uuid.UUID
	sub   Subscriber
}

// JobID is the room this subscription belongs to.
func (s *Subscription) JobID() uuid.UUID {
	return s.jobID
}

// Hub is the in-process room registry. Delivery is best effort and at most
// once: subscribers that join after an event was published never see it.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*Subscription]struct{}
	active atomic.Int64
	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[uuid.UUID]map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe adds sub to the room of jobID.
func (h *Hub) Subscribe(jobID uuid.UUID, sub Subscriber) *Subscription {
	s := &Subscription{jobID: jobID, sub: sub}

	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[jobID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[jobID] = room
	}
	room[s] = struct{}{}
	return s
}

// Unsubscribe removes the subscription. Calling it twice is harmless.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[s.jobID]
	if !ok {
		return
	}
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, s.jobID)
	}
}

// Publish delivers ev to every current subscriber of ev.JobID.
func (h *Hub) Publish(_ context.Context, ev models.Event) error {
	h.Broadcast(ev)
	return nil
}

// Broadcast delivers ev to the room and returns how many subscribers accepted it.
func (h *Hub) Broadcast(ev models.Event) int {
	h.mu.RLock()
	room := h.rooms[ev.JobID]
	targets := make([]Subscriber, 0, len(room))
	for s := range room {
		targets = append(targets, s.sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.Deliver(ev); err != nil {
			h.logger.Warn("event dropped",
				"job_id", ev.JobID,
				"type", ev.Type,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Connect records a new transport-level connection for the active users metric.
func (h *Hub) Connect() int64 {
	return h.active.Add(1)
}

// Disconnect reverses Connect. The count never goes below zero.
func (h *Hub) Disconnect() int64 {
	for {
		cur := h.active.Load()
		if cur <= 0 {
			return 0
		}
		if h.active.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// ActiveUsers is the number of connected clients, regardless of room membership.
func (h *Hub) ActiveUsers() int64 {
	return h.active.Load()
}

// RoomSize is the number of subscribers currently in jobID's room.
func (h *Hub) RoomSize(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[jobID])
}
