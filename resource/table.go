package resource

import (
	"sync"
)

// Table registers live values under non-owning handles and tells observers
// about their lifecycle. It never decides when a value dies: owners call
// Release when they are done, and Close only sweeps up what was left.
type Table struct {
	store     *store
	observers []Observer
	obsMu     sync.RWMutex
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{store: newStore()}
}

// Register adds value and returns its handle. It returns 0 once the table is
// closed.
func (t *Table) Register(kind string, value any) Handle {
	h, err := t.store.create(kind, value)
	if err != nil {
		return 0
	}

	t.notify(Event{
		Type:   EventRegistered,
		Handle: h,
		Kind:   kind,
		Value:  value,
	})
	return h
}

// Get resolves a handle. Stale and released handles do not resolve.
func (t *Table) Get(h Handle) (any, bool) {
	v, _, ok := t.store.get(h)
	return v, ok
}

// Kind returns the kind a handle was registered with.
func (t *Table) Kind(h Handle) (string, bool) {
	_, k, ok := t.store.get(h)
	return k, ok
}

// Release removes a value without closing it. It reports false when the
// handle was already released, which makes repeated releases harmless.
func (t *Table) Release(h Handle) (any, bool) {
	value, kind, ok := t.store.drop(h)
	if !ok {
		return nil, false
	}

	t.notify(Event{
		Type:   EventReleased,
		Handle: h,
		Kind:   kind,
		Value:  value,
	})
	return value, true
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered values.
func (t *Table) Len() int {
	return t.store.len()
}

// Each calls fn for every registered value until fn returns false. fn must
// not call Register or Release.
func (t *Table) Each(fn func(h Handle, kind string, value any) bool) {
	t.store.each(fn)
}

// Close stops registration, reports every value still registered as leaked
// and closes it if it implements Closer. It returns the leaked events; a
// second call returns nil.
func (t *Table) Close() []Event {
	leaked := t.store.drain()
	for _, e := range leaked {
		t.notify(e)
		if c, ok := e.Value.(Closer); ok {
			c.Close()
		}
	}
	return leaked
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
