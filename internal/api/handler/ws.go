package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cleanwave/pipeline/internal/events"
	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 64
)

// Client message types.
const (
	MessageJoinRoom  = "join-room"
	MessageLeaveRoom = "leave-room"
)

// Server-only message types. Job events use models.EventType values.
const (
	MessageJoined    = "joined"
	MessageLeft      = "left"
	MessageJoinError = "join-error"
)

// Rooms is the room registry the websocket endpoint joins clients to.
type Rooms interface {
	Subscribe(jobID uuid.UUID, sub events.Subscriber) *events.Subscription
	Unsubscribe(s *events.Subscription)
	Connect() int64
	Disconnect() int64
}

// JobReader loads the current state of a job for the join snapshot.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type controlMessage struct {
	Type    string    `json:"type"`
	JobID   uuid.UUID `json:"job_id,omitempty"`
	Message string    `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketHandler returns an http.HandlerFunc for GET /api/v1/ws. Each
// connection counts as one active user; joining a room subscribes the
// connection to that job's events and sends the current job as a snapshot.
func NewWebSocketHandler(rooms Rooms, jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		c := &wsClient{
			conn:  conn,
			rooms: rooms,
			jobs:  jobs,
			send:  make(chan any, wsSendBuffer),
			done:  make(chan struct{}),
			subs:  make(map[uuid.UUID]*roomFeed),
		}
		active := rooms.Connect()
		slog.Info("websocket client connected", "active_users", active)

		go c.writePump()
		c.readPump(r.Context())

		c.close()
		active = rooms.Disconnect()
		slog.Info("websocket client disconnected", "active_users", active)
	}
}

// wsClient is one websocket connection. readPump owns the room map; all
// writes go through writePump.
type wsClient struct {
	conn  *websocket.Conn
	rooms Rooms
	jobs  JobReader
	send  chan any
	done  chan struct{}
	once  sync.Once
	subs  map[uuid.UUID]*roomFeed
}

// roomFeed is the hub subscriber for one joined room. While a snapshot is
// being read it holds incoming events and replays them after the snapshot,
// so nothing published during the read is lost.
type roomFeed struct {
	client *wsClient
	sub    *events.Subscription

	mu      sync.Mutex
	holding bool
	held    []models.Event
}

// Deliver implements events.Subscriber without blocking the hub.
func (f *roomFeed) Deliver(ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holding {
		if len(f.held) >= wsSendBuffer {
			return events.ErrSubscriberFull
		}
		f.held = append(f.held, ev)
		return nil
	}
	return f.client.enqueue(ev)
}

func (f *roomFeed) hold() {
	f.mu.Lock()
	f.holding = true
	f.mu.Unlock()
}

// release sends first, then every held event, then resumes live delivery.
func (f *roomFeed) release(first ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range first {
		f.client.enqueue(msg)
	}
	for _, ev := range f.held {
		f.client.enqueue(ev)
	}
	f.held = nil
	f.holding = false
}

func (c *wsClient) enqueue(msg any) error {
	select {
	case <-c.done:
		return errors.New("websocket client closed")
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return events.ErrSubscriberFull
	}
}

func (c *wsClient) readPump(ctx context.Context) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(controlMessage{Type: MessageJoinError, Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case MessageJoinRoom:
			c.join(ctx, msg.JobID)
		case MessageLeaveRoom:
			c.leave(msg.JobID)
		default:
			c.enqueue(controlMessage{Type: MessageJoinError, Message: "unknown message type " + msg.Type})
		}
	}
}

func (c *wsClient) join(ctx context.Context, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		c.enqueue(controlMessage{Type: MessageJoinError, Message: "job_id must be a valid UUID"})
		return
	}

	// Subscribe before reading the snapshot so events published in between
	// are held rather than missed.
	feed, joined := c.subs[id]
	if !joined {
		feed = &roomFeed{client: c, holding: true}
		feed.sub = c.rooms.Subscribe(id, feed)
	} else {
		feed.hold()
	}

	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		if joined {
			feed.release()
		} else {
			c.rooms.Unsubscribe(feed.sub)
		}
		c.enqueue(controlMessage{Type: MessageJoinError, JobID: id, Message: "job not found"})
		return
	}

	c.subs[id] = feed
	feed.release(
		controlMessage{Type: MessageJoined, JobID: id},
		models.Event{
			Type:      models.EventSnapshot,
			JobID:     id,
			Progress:  job.OverallProgress,
			Job:       job,
			Timestamp: time.Now().UTC(),
		},
	)
}

func (c *wsClient) leave(rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return
	}
	if feed, ok := c.subs[id]; ok {
		c.rooms.Unsubscribe(feed.sub)
		delete(c.subs, id)
	}
	c.enqueue(controlMessage{Type: MessageLeft, JobID: id})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				slog.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close leaves every room and stops the writer.
func (c *wsClient) close() {
	c.once.Do(func() {
		for id, feed := range c.subs {
			c.rooms.Unsubscribe(feed.sub)
			delete(c.subs, id)
		}
		close(c.done)
	})
}
