package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
	"github.com/aopopov01/TailTracker-sub009/internal/logging"
	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/notify"
)

// Client is a TransportClient over one WebSocket connection. It dials on
// first use and again after the connection is lost. Losing the connection
// fails every outstanding call with a network error and closes every
// subscription stream.
type Client struct {
	url     string
	dialer  *websocket.Dialer
	timeout time.Duration
	nextID  atomic.Uint64

	mu     sync.Mutex
	conn   *conn
	events *notify.Broadcaster[models.RemoteChangeEvent]
	subs   map[string]func()
	closed bool

	notifyMu sync.Mutex
	onChange func(connected bool)
}

// conn is one dialed connection and the calls waiting on it.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	calls  map[uint64]chan Envelope
	closed bool
}

// NewClient creates a client for a ws:// or wss:// URL.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		timeout: writeWait,
		events:  notify.NewBroadcaster[models.RemoteChangeEvent](),
		subs:    make(map[string]func()),
	}
}

func networkError(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrSyncNetwork, op, err)
}

func (c *Client) connect(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncNetwork, "client closed")
	}
	if c.conn != nil {
		cc := c.conn
		c.mu.Unlock()
		return cc, nil
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, networkError("dial "+c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil, apperrors.New(apperrors.ErrSyncNetwork, "client closed")
	}
	if c.conn != nil {
		// Another caller connected first.
		cc := c.conn
		c.mu.Unlock()
		ws.Close()
		return cc, nil
	}
	cc := &conn{ws: ws, calls: make(map[uint64]chan Envelope)}
	c.conn = cc
	go c.readLoop(cc)
	c.mu.Unlock()

	logging.Debug("Sync transport connected", map[string]interface{}{"url": c.url})
	c.notifyChange()
	return cc, nil
}

// OnConnectionChange registers fn to run after the client connects and
// after it loses its connection. fn receives the connection state at the
// time of the call, so the last call always reports the current state.
// Calls are serialized and fn must not block.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Client) notifyChange() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	fn := c.onChange
	connected := c.conn != nil && !c.closed
	c.mu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func (c *Client) readLoop(cc *conn) {
	for {
		var env Envelope
		if err := cc.ws.ReadJSON(&env); err != nil {
			c.drop(cc, err)
			return
		}

		switch env.Type {
		case MsgEvent:
			if env.Event != nil {
				c.events.Publish(*env.Event)
			}
		case MsgClosed:
			c.closeSub(env.EntityID)
		default:
			cc.mu.Lock()
			ch, ok := cc.calls[env.ID]
			delete(cc.calls, env.ID)
			cc.mu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

// drop tears down a failed connection.
func (c *Client) drop(cc *conn, cause error) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	calls := cc.calls
	cc.calls = nil
	cc.mu.Unlock()

	cc.ws.Close()
	for _, ch := range calls {
		close(ch)
	}

	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	subs := c.subs
	c.subs = make(map[string]func())
	closed := c.closed
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	if !closed {
		logging.Warn("Sync transport connection lost", map[string]interface{}{"error": cause.Error()})
		c.notifyChange()
	}
}

func (c *Client) closeSub(entityID string) {
	c.mu.Lock()
	cancel, ok := c.subs[entityID]
	delete(c.subs, entityID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, req Envelope) (Envelope, error) {
	cc, err := c.connect(ctx)
	if err != nil {
		return Envelope{}, err
	}

	req.ID = c.nextID.Add(1)
	req.Timestamp = time.Now().Unix()
	ch := make(chan Envelope, 1)

	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return Envelope{}, apperrors.New(apperrors.ErrSyncNetwork, "connection lost")
	}
	cc.calls[req.ID] = ch
	cc.mu.Unlock()

	if err := c.write(ctx, cc, req); err != nil {
		c.drop(cc, err)
		return Envelope{}, networkError("write "+req.Type, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Envelope{}, apperrors.New(apperrors.ErrSyncNetwork, "connection lost")
		}
		if resp.Type == MsgError {
			return Envelope{}, apperrors.New(apperrors.ErrSyncNetwork, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		cc.mu.Lock()
		if cc.calls != nil {
			delete(cc.calls, req.ID)
		}
		cc.mu.Unlock()
		return Envelope{}, networkError(req.Type, ctx.Err())
	}
}

func (c *Client) write(ctx context.Context, cc *conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.ws.SetWriteDeadline(deadline)
	return cc.ws.WriteMessage(websocket.TextMessage, data)
}

// Push sends one change record.
func (c *Client) Push(ctx context.Context, rec models.ChangeRecord) (models.PushResult, error) {
	resp, err := c.call(ctx, Envelope{Type: MsgPush, EntityID: rec.EntityID, Record: &rec})
	if err != nil {
		return models.PushResult{}, err
	}
	if resp.Result == nil {
		return models.PushResult{}, apperrors.New(apperrors.ErrSyncNetwork, "push response without result")
	}
	return *resp.Result, nil
}

// FullSnapshot fetches every field of an entity.
func (c *Client) FullSnapshot(ctx context.Context, entityID string) (models.Snapshot, error) {
	resp, err := c.call(ctx, Envelope{Type: MsgSnapshot, EntityID: entityID})
	if err != nil {
		return nil, err
	}
	if resp.Snapshot == nil {
		return models.Snapshot{}, nil
	}
	return resp.Snapshot, nil
}

// Subscribe opens a stream of remote changes. ctx bounds the request only;
// the stream lives until Unsubscribe or connection loss.
func (c *Client) Subscribe(ctx context.Context, entityID string) (<-chan models.RemoteChangeEvent, error) {
	// Register locally first: the server may send events before its ack.
	ch, cancel := c.events.Subscribe(func(ev models.RemoteChangeEvent) bool {
		return ev.EntityID == entityID
	})

	c.mu.Lock()
	if old, ok := c.subs[entityID]; ok {
		old()
	}
	c.subs[entityID] = cancel
	c.mu.Unlock()

	if _, err := c.call(ctx, Envelope{Type: MsgSubscribe, EntityID: entityID}); err != nil {
		c.mu.Lock()
		delete(c.subs, entityID)
		c.mu.Unlock()
		cancel()
		return nil, err
	}
	return ch, nil
}

// Unsubscribe closes the entity's stream and tells the server.
func (c *Client) Unsubscribe(entityID string) error {
	c.mu.Lock()
	cancel, ok := c.subs[entityID]
	delete(c.subs, entityID)
	connected := c.conn != nil
	c.mu.Unlock()

	if !ok {
		return nil
	}
	cancel()
	if !connected {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), c.timeout)
	defer done()
	if _, err := c.call(ctx, Envelope{Type: MsgUnsubscribe, EntityID: entityID}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", entityID, err)
	}
	return nil
}

// Close closes the connection and every stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cc := c.conn
	c.mu.Unlock()

	if cc != nil {
		cc.writeMu.Lock()
		cc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		cc.writeMu.Unlock()
		c.drop(cc, websocket.ErrCloseSent)
	}
	c.events.Close()
	return nil
}
