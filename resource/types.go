package resource

// Handle is a non-owning reference to an entry in a Table. The low 24 bits
// hold the slot index plus one, the high 8 bits a generation that changes
// every time the slot is reused, so a stale handle never resolves to a
// newer entry. Handle 0 is always invalid.
type Handle uint32

const (
	indexBits = 24
	indexMask = 1<<indexBits - 1
	maxSlots  = indexMask
)

func makeHandle(slot int, gen uint8) Handle {
	return Handle(uint32(gen)<<indexBits | uint32(slot+1))
}

func (h Handle) slot() int { return int(h&indexMask) - 1 }

func (h Handle) gen() uint8 { return uint8(h >> indexBits) }

// EventType identifies a lifecycle notification.
type EventType uint8

const (
	// EventRegistered fires when a value enters the table.
	EventRegistered EventType = iota
	// EventReleased fires when the owner removes its value.
	EventReleased
	// EventLeaked fires when the table is closed while the value is still
	// registered. The table closes the value right after notifying.
	EventLeaked
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventReleased:
		return "released"
	case EventLeaked:
		return "leaked"
	}
	return "unknown"
}

// Event describes a lifecycle change of a table entry.
type Event struct {
	Value  any
	Kind   string
	Handle Handle
	Type   EventType
}

// Observer receives lifecycle events. Observers are called synchronously
// and must not call back into the table.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Closer is implemented by values the table closes when they leak.
type Closer interface {
	Close()
}
