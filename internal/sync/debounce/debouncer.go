// Package debounce coalesces rapid edits to the same field into a single
// delivery of the latest value.
package debounce

import (
	"sort"
	"sync"
	"time"

	"github.com/aopopov01/TailTracker-sub009/internal/models"
)

// Func receives the latest value once a field's quiet period has elapsed.
type Func func(entityID string, field models.FieldName, value models.Value)

// Delays holds the quiet period per field class.
type Delays struct {
	Text    time.Duration
	Numeric time.Duration
	List    time.Duration
	Blob    time.Duration
}

// DefaultDelays returns the delays used for interactive editing.
func DefaultDelays() Delays {
	return Delays{
		Text:    750 * time.Millisecond,
		Numeric: 400 * time.Millisecond,
		List:    500 * time.Millisecond,
		Blob:    1500 * time.Millisecond,
	}
}

// For returns the delay for a field class.
func (d Delays) For(class models.FieldClass) time.Duration {
	switch class {
	case models.ClassNumeric:
		return d.Numeric
	case models.ClassList:
		return d.List
	case models.ClassBlob:
		return d.Blob
	default:
		return d.Text
	}
}

// ForField returns the delay for a field via its class.
func (d Delays) ForField(field models.FieldName) time.Duration {
	return d.For(models.ClassOf(field))
}

type key struct {
	entityID string
	field    models.FieldName
}

type entry struct {
	value models.Value
	timer *time.Timer
	gen   uint64
}

// Debouncer keeps at most one timer per (entity, field).
type Debouncer struct {
	mu      sync.Mutex
	fire    Func
	entries map[key]*entry
	gen     uint64
}

// New creates a Debouncer that calls fire on expiry.
// fire runs on a timer goroutine.
func New(fire Func) *Debouncer {
	return &Debouncer{
		fire:    fire,
		entries: make(map[key]*entry),
	}
}

// Schedule (re)starts the quiet period for a field. Any earlier value still
// waiting is replaced and will never be delivered.
func (d *Debouncer) Schedule(entityID string, field models.FieldName, value models.Value, delay time.Duration) {
	k := key{entityID, field}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[k]; ok {
		e.timer.Stop()
	}
	d.gen++
	gen := d.gen
	e := &entry{value: value.Clone(), gen: gen}
	e.timer = time.AfterFunc(delay, func() { d.expire(k, gen) })
	d.entries[k] = e
}

func (d *Debouncer) expire(k key, gen uint64) {
	d.mu.Lock()
	e, ok := d.entries[k]
	if !ok || e.gen != gen {
		// Replaced or cancelled after the timer had already fired.
		d.mu.Unlock()
		return
	}
	delete(d.entries, k)
	d.mu.Unlock()

	d.fire(k.entityID, k.field, e.value)
}

// Cancel drops a pending value without delivering it.
func (d *Debouncer) Cancel(entityID string, field models.FieldName) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{entityID, field}
	if e, ok := d.entries[k]; ok {
		e.timer.Stop()
		delete(d.entries, k)
	}
}

// CancelAll drops every pending value for an entity.
func (d *Debouncer) CancelAll(entityID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, e := range d.entries {
		if k.entityID == entityID {
			e.timer.Stop()
			delete(d.entries, k)
		}
	}
}

// Flush delivers every pending value for an entity immediately, in field order.
func (d *Debouncer) Flush(entityID string) {
	type fired struct {
		field models.FieldName
		value models.Value
	}

	d.mu.Lock()
	var due []fired
	for k, e := range d.entries {
		if k.entityID == entityID {
			e.timer.Stop()
			delete(d.entries, k)
			due = append(due, fired{k.field, e.value})
		}
	}
	d.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].field < due[j].field })
	for _, f := range due {
		d.fire(entityID, f.field, f.value)
	}
}

// Pending returns the fields with a running timer for an entity, sorted.
func (d *Debouncer) Pending(entityID string) []models.FieldName {
	d.mu.Lock()
	defer d.mu.Unlock()

	var fields []models.FieldName
	for k := range d.entries {
		if k.entityID == entityID {
			fields = append(fields, k.field)
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}
