// Package ws carries the sync transport over a WebSocket connection.
// Client implements the engine's TransportClient; Handler serves any
// Backend to remote clients.
package ws

import (
	"context"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// Message types.
const (
	MsgPush           = "push"
	MsgPushResult     = "push_result"
	MsgSnapshot       = "snapshot"
	MsgSnapshotResult = "snapshot_result"
	MsgSubscribe      = "subscribe"
	MsgUnsubscribe    = "unsubscribe"
	MsgAck            = "ack"
	MsgEvent          = "event"
	MsgClosed         = "subscription_closed"
	MsgError          = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Envelope wraps all WebSocket messages. ID pairs a response with its
// request; events carry no ID.
type Envelope struct {
	Type      string                    `json:"type"`
	ID        uint64                    `json:"id,omitempty"`
	EntityID  string                    `json:"entity_id,omitempty"`
	Record    *models.ChangeRecord      `json:"record,omitempty"`
	Result    *models.PushResult        `json:"result,omitempty"`
	Snapshot  models.Snapshot           `json:"snapshot,omitempty"`
	Event     *models.RemoteChangeEvent `json:"event,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Timestamp int64                     `json:"timestamp"`
}

// Backend is the remote store a Handler exposes. It has the same shape as
// the engine's TransportClient, so an in-process client can be served.
type Backend interface {
	Push(ctx context.Context, rec models.ChangeRecord) (models.PushResult, error)
	Subscribe(ctx context.Context, entityID string) (<-chan models.RemoteChangeEvent, error)
	Unsubscribe(entityID string) error
	FullSnapshot(ctx context.Context, entityID string) (models.Snapshot, error)
}
