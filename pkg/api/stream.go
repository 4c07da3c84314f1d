package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/memory"
)

// catchupLimit is the maximum number of journaled events returned in one
// catch-up pass. Clients that missed more reload through the REST surface.
const catchupLimit = 200

// writeTimeout bounds a single WebSocket send so one stalled client cannot
// pin a pump goroutine.
const writeTimeout = 5 * time.Second

// clientMessage is the client → server protocol.
type clientMessage struct {
	Action  string  `json:"action"` // "subscribe", "unsubscribe", "catchup", "ping"
	Topic   string  `json:"topic,omitempty"`
	LastSeq *uint64 `json:"last_seq,omitempty"`
}

// streamHub fans bus events out to WebSocket clients. Each connection owns
// its subscriptions; a late subscriber catches up from the durable journal
// by sequence number.
type streamHub struct {
	eventBus *bus.Bus
	store    *memory.Store
	log      *slog.Logger
}

func newStreamHub(eventBus *bus.Bus, store *memory.Store) *streamHub {
	return &streamHub{
		eventBus: eventBus,
		store:    store,
		log:      slog.Default().With("component", "api-stream"),
	}
}

// connection is one WebSocket client.
//
// subs is accessed only from the connection's read loop and its deferred
// cleanup, so it needs no lock; sends are serialized by writeMu.
type connection struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	writeMu sync.Mutex
	subs    map[string]*bus.Subscription
	pumps   sync.WaitGroup
}

func (h *streamHub) handleWS(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn := &connection{
		id:   uuid.New().String(),
		conn: ws,
		ctx:  ctx,
		subs: make(map[string]*bus.Subscription),
	}
	defer h.teardown(conn)

	h.send(conn, map[string]any{"type": "connection.established", "connection_id": conn.id})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("Invalid WebSocket message", "connection_id", conn.id, "error", err)
			continue
		}
		h.handleMessage(conn, &msg)
	}
}

func (h *streamHub) handleMessage(conn *connection, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Topic == "" {
			h.send(conn, map[string]any{"type": "error", "message": "topic is required for subscribe"})
			return
		}
		h.subscribe(conn, msg.Topic)
		h.send(conn, map[string]any{"type": "subscription.confirmed", "topic": msg.Topic})
		// Auto catch-up from the journal so late subscribers see the full
		// decision history.
		h.catchup(conn, msg.Topic, 0)

	case "unsubscribe":
		if sub, ok := conn.subs[msg.Topic]; ok {
			delete(conn.subs, msg.Topic)
			h.eventBus.Unsubscribe(sub)
		}

	case "catchup":
		if msg.Topic != "" && msg.LastSeq != nil {
			h.catchup(conn, msg.Topic, *msg.LastSeq)
		}

	case "ping":
		h.send(conn, map[string]any{"type": "pong"})
	}
}

// subscribe attaches the connection to a bus topic and starts its pump.
func (h *streamHub) subscribe(conn *connection, topic string) {
	if _, dup := conn.subs[topic]; dup {
		return
	}
	sub := h.eventBus.Subscribe(topic, bus.StreamTelemetry)
	conn.subs[topic] = sub

	conn.pumps.Add(1)
	go func() {
		defer conn.pumps.Done()
		for {
			select {
			case <-conn.ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				h.send(conn, map[string]any{
					"type":    "event",
					"topic":   ev.Topic,
					"seq":     ev.Seq,
					"id":      ev.ID,
					"ts":      ev.TS.Format(time.RFC3339Nano),
					"payload": ev.Payload,
				})
			}
		}
	}()
}

// catchup replays journaled events for topic after lastSeq.
func (h *streamHub) catchup(conn *connection, topic string, lastSeq uint64) {
	entries, err := h.store.RangeEvents(topic, lastSeq, catchupLimit+1)
	if err != nil {
		h.log.Error("Catch-up query failed", "topic", topic, "error", err)
		return
	}
	hasMore := len(entries) > catchupLimit
	if hasMore {
		entries = entries[:catchupLimit]
	}

	for _, entry := range entries {
		h.send(conn, map[string]any{
			"type":    "event",
			"topic":   entry.Topic,
			"seq":     entry.Seq,
			"id":      entry.ID,
			"ts":      entry.TS.Format(time.RFC3339Nano),
			"payload": entry.Payload,
		})
	}
	if hasMore {
		h.send(conn, map[string]any{"type": "catchup.overflow", "topic": topic, "has_more": true})
	}
}

func (h *streamHub) send(conn *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("WebSocket marshal failed", "connection_id", conn.id, "error", err)
		return
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(conn.ctx, writeTimeout)
	defer cancel()
	if err := conn.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.log.Warn("WebSocket send failed", "connection_id", conn.id, "error", err)
	}
}

func (h *streamHub) teardown(conn *connection) {
	for _, sub := range conn.subs {
		h.eventBus.Unsubscribe(sub)
	}
	conn.pumps.Wait()
	_ = conn.conn.Close(websocket.StatusNormalClosure, "")
}
