package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("resource table closed")
	ErrFull   = errors.New("resource table full")
)

// store is the slot storage behind a Table: a slice of entries with a free
// list, guarded by one lock.
type store struct {
	entries  []entry
	freeList []int
	live     int
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value any
	kind  string
	gen   uint8
	valid bool
}

func newStore() *store {
	return &store{
		entries:  make([]entry, 0, 64),
		freeList: make([]int, 0, 16),
	}
}

func (s *store) create(kind string, value any) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if n := len(s.freeList); n > 0 {
		slot := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		e := &s.entries[slot]
		e.value = value
		e.kind = kind
		e.valid = true
		s.live++
		return makeHandle(slot, e.gen), nil
	}

	if len(s.entries) >= maxSlots {
		return 0, ErrFull
	}
	s.entries = append(s.entries, entry{value: value, kind: kind, valid: true})
	s.live++
	return makeHandle(len(s.entries)-1, 0), nil
}

// lookup returns the entry for h. Called with s.mu held.
func (s *store) lookup(h Handle) *entry {
	if h == 0 {
		return nil
	}
	slot := h.slot()
	if slot < 0 || slot >= len(s.entries) {
		return nil
	}
	e := &s.entries[slot]
	if !e.valid || e.gen != h.gen() {
		return nil
	}
	return e
}

func (s *store) get(h Handle) (any, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.lookup(h)
	if e == nil {
		return nil, "", false
	}
	return e.value, e.kind, true
}

func (s *store) drop(h Handle) (any, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(h)
	if e == nil {
		return nil, "", false
	}

	value, kind := e.value, e.kind
	e.value = nil
	e.valid = false
	e.gen++
	s.live--
	s.freeList = append(s.freeList, h.slot())
	return value, kind, true
}

// drain marks the store closed and returns every live entry.
func (s *store) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var out []Event
	for i := range s.entries {
		e := &s.entries[i]
		if !e.valid {
			continue
		}
		out = append(out, Event{
			Value:  e.value,
			Kind:   e.kind,
			Handle: makeHandle(i, e.gen),
			Type:   EventLeaked,
		})
		e.value = nil
		e.valid = false
	}
	s.entries = nil
	s.freeList = nil
	s.live = 0
	return out
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

func (s *store) each(fn func(Handle, string, any) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.entries {
		e := &s.entries[i]
		if e.valid {
			if !fn(makeHandle(i, e.gen), e.kind, e.value) {
				return
			}
		}
	}
}
