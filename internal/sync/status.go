package sync

import (
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// StatusEvent reports a field's sync state after a transition.
type StatusEvent struct {
	EntityID      string           `json:"entity_id"`
	Field         models.FieldName `json:"field"`
	Status        models.Status    `json:"status"`
	Value         models.Value     `json:"value"`
	LocalVersion  int64            `json:"local_version"`
	RemoteVersion int64            `json:"remote_version"`
	Error         string           `json:"error,omitempty"`
	// Conflict is set for conflict transitions, including conflicts that a
	// policy resolved straight away.
	Conflict *models.Conflict `json:"conflict,omitempty"`
	At       time.Time        `json:"at"`
}

type publishedState struct {
	status        models.Status
	localVersion  int64
	remoteVersion int64
	err           string
}

// Watch streams status events for every field of the entity. The channel is
// closed by the returned cancel func or when the engine is disposed.
func (e *EntityEngine) Watch() (<-chan StatusEvent, func()) {
	return e.events.Subscribe(nil)
}

// WatchField streams status events for one field.
func (e *EntityEngine) WatchField(field models.FieldName) (<-chan StatusEvent, func()) {
	return e.events.Subscribe(func(ev StatusEvent) bool {
		return ev.Field == field
	})
}

// publishFieldLocked emits the field's current state if it differs from
// the last one emitted.
func (e *EntityEngine) publishFieldLocked(field models.FieldName) {
	st, ok := e.store.Field(field)
	if !ok {
		return
	}

	ps := publishedState{
		status:        st.Status,
		localVersion:  st.LocalVersion,
		remoteVersion: st.RemoteVersion,
		err:           st.LastError,
	}
	if last, seen := e.published[field]; seen && last == ps {
		return
	}
	e.published[field] = ps

	ev := StatusEvent{
		EntityID:      e.entityID,
		Field:         field,
		Status:        st.Status,
		Value:         st.Value,
		LocalVersion:  st.LocalVersion,
		RemoteVersion: st.RemoteVersion,
		Error:         st.LastError,
		At:            e.now(),
	}
	if st.Status == models.StatusConflict {
		if c, ok := e.store.Conflict(field); ok {
			ev.Conflict = &c
		}
	}
	e.events.Publish(ev)
}
