package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/changestore"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/conflict"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/debounce"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/retry"
	"github.com/aopopov01/TailTracker-sub009/internal/sync/transport/memory"
)

var _ TransportClient = (*memory.Client)(nil)

const (
	testDelay = 20 * time.Millisecond
	waitFor   = 3 * time.Second
	tick      = 5 * time.Millisecond
)

func testConfig(policy conflict.Policy) Config {
	return Config{
		Policy: policy,
		Delays: debounce.Delays{
			Text:    testDelay,
			Numeric: testDelay,
			List:    testDelay,
			Blob:    testDelay,
		},
		Retry: retry.Policy{
			Base:        5 * time.Millisecond,
			Cap:         20 * time.Millisecond,
			MaxAttempts: 3,
		},
		PushTimeout:     time.Second,
		SnapshotTimeout: time.Second,
	}
}

// device is one client of a shared memory server with its own local store.
type device struct {
	t       *testing.T
	server  *memory.Server
	client  *memory.Client
	backend changestore.Backend
	cfg     Config
}

func newDevice(t *testing.T, server *memory.Server, policy conflict.Policy) *device {
	t.Helper()
	backend, err := changestore.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return &device{
		t:       t,
		server:  server,
		client:  memory.NewClient(server),
		backend: backend,
		cfg:     testConfig(policy),
	}
}

// open creates an engine for entityID over the device's backend. The engine
// is disposed when the test ends.
func (d *device) open(entityID string) *EntityEngine {
	d.t.Helper()
	store, err := changestore.Open(context.Background(), d.backend, entityID)
	require.NoError(d.t, err)
	e := NewEntityEngine(store, d.client, d.cfg)
	d.t.Cleanup(e.Dispose)
	return e
}

func val(v interface{}) models.Value {
	return models.MustValue(v)
}

func fieldStatus(e *EntityEngine, field models.FieldName) models.Status {
	st, _ := e.Field(field)
	return st.Status
}

func waitStatus(t *testing.T, e *EntityEngine, field models.FieldName, want models.Status) models.FieldState {
	t.Helper()
	assert.Eventually(t, func() bool { return fieldStatus(e, field) == want }, waitFor, tick,
		"field %s never reached %s", field, want)
	st, _ := e.Field(field)
	return st
}

func assertValue(t *testing.T, want interface{}, got models.Value) {
	t.Helper()
	assert.True(t, val(want).Equal(got), "want %s, got %s", val(want), got)
}
