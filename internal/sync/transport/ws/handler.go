package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aopopov01/TailTracker-sub009/internal/ids"
	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// Handler upgrades HTTP requests and serves a Backend over each connection.
// Every connection gets its own Backend from newBackend, so subscriptions
// never leak between clients.
type Handler struct {
	newBackend func() Backend
	upgrader   websocket.Upgrader
	timeout    time.Duration
}

// NewHandler creates a Handler. A nil CheckOrigin on the upgrader rejects
// cross-origin browser requests; non-browser clients send no Origin.
func NewHandler(newBackend func() Backend) *Handler {
	return &Handler{
		newBackend: newBackend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		timeout: 30 * time.Second,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	s := &session{
		id:      ids.NewEntityID(),
		conn:    conn,
		backend: h.newBackend(),
		timeout: h.timeout,
		send:    make(chan []byte, sendBuffer),
		subs:    make(map[string]uint64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel

	logging.Info("Sync client connected", map[string]interface{}{"session": s.id})
	go s.writePump()
	s.readPump()
}

// session is one client connection.
type session struct {
	id      string
	conn    *websocket.Conn
	backend Backend
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc

	send      chan []byte
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	subs    map[string]uint64 // entity -> subscription generation
	nextGen uint64
	done    bool
}

// readPump reads requests until the connection fails. Subscription changes
// are handled in order; pushes and snapshots run concurrently.
func (s *session) readPump() {
	defer s.shutdown()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req Envelope
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Sync client read error", map[string]interface{}{"session": s.id, "error": err.Error()})
			}
			return
		}

		switch req.Type {
		case MsgSubscribe:
			s.subscribe(req)
		case MsgUnsubscribe:
			s.unsubscribe(req)
		case MsgPush, MsgSnapshot:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(req)
			}()
		default:
			s.reply(Envelope{Type: MsgError, ID: req.ID, Error: "unknown message type " + req.Type})
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) handle(req Envelope) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	switch req.Type {
	case MsgPush:
		if req.Record == nil {
			s.reply(Envelope{Type: MsgError, ID: req.ID, Error: "push without record"})
			return
		}
		res, err := s.backend.Push(ctx, *req.Record)
		if err != nil {
			s.reply(Envelope{Type: MsgError, ID: req.ID, Error: err.Error()})
			return
		}
		s.reply(Envelope{Type: MsgPushResult, ID: req.ID, Result: &res})

	case MsgSnapshot:
		snap, err := s.backend.FullSnapshot(ctx, req.EntityID)
		if err != nil {
			s.reply(Envelope{Type: MsgError, ID: req.ID, Error: err.Error()})
			return
		}
		s.reply(Envelope{Type: MsgSnapshotResult, ID: req.ID, EntityID: req.EntityID, Snapshot: snap})
	}
}

func (s *session) subscribe(req Envelope) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	events, err := s.backend.Subscribe(ctx, req.EntityID)
	if err != nil {
		s.reply(Envelope{Type: MsgError, ID: req.ID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.nextGen++
	gen := s.nextGen
	s.subs[req.EntityID] = gen
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forward(req.EntityID, gen, events)
	s.reply(Envelope{Type: MsgAck, ID: req.ID, EntityID: req.EntityID})
}

func (s *session) unsubscribe(req Envelope) {
	s.mu.Lock()
	delete(s.subs, req.EntityID)
	s.mu.Unlock()

	if err := s.backend.Unsubscribe(req.EntityID); err != nil {
		s.reply(Envelope{Type: MsgError, ID: req.ID, Error: err.Error()})
		return
	}
	s.reply(Envelope{Type: MsgAck, ID: req.ID, EntityID: req.EntityID})
}

// forward relays a backend stream. If the stream ends while still
// subscribed, the client is told so it can resubscribe.
func (s *session) forward(entityID string, gen uint64, events <-chan models.RemoteChangeEvent) {
	defer s.wg.Done()
	for ev := range events {
		s.reply(Envelope{Type: MsgEvent, EntityID: entityID, Event: &ev})
	}

	s.mu.Lock()
	active := s.subs[entityID] == gen
	if active {
		delete(s.subs, entityID)
	}
	s.mu.Unlock()
	if active {
		s.reply(Envelope{Type: MsgClosed, EntityID: entityID})
	}
}

// reply queues a message. A client that cannot keep up is disconnected.
func (s *session) reply(env Envelope) {
	env.Timestamp = time.Now().Unix()
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error("Failed to marshal message", err, map[string]interface{}{"type": env.Type})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.send <- data:
	default:
		logging.Warn("Sync client send buffer full, closing connection", map[string]interface{}{"session": s.id})
		s.done = true
		close(s.send)
	}
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		entities := make([]string, 0, len(s.subs))
		for id := range s.subs {
			entities = append(entities, id)
		}
		s.subs = make(map[string]uint64)
		s.mu.Unlock()

		for _, id := range entities {
			_ = s.backend.Unsubscribe(id)
		}
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		if !s.done {
			s.done = true
			close(s.send)
		}
		s.mu.Unlock()
		s.conn.Close()
		logging.Info("Sync client disconnected", map[string]interface{}{"session": s.id})
	})
}
