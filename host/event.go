package host

import (
	"slices"
	"sync"
	"sync/atomic"
)

type (
	// EventType names a kind of host event.
	EventType string

	// Event is a notification dispatched by the host on the tick thread.
	Event interface {
		EventType() EventType
	}

	// Cancellable is implemented by events that handlers may cancel.
	// Handlers registered with ignoreCancelled set do not receive
	// cancelled events.
	Cancellable interface {
		Event
		Cancelled() bool
		SetCancelled(cancelled bool)
	}

	// Priority orders handlers for the same event type, with lower
	// priorities dispatched first. Handlers of equal priority are dispatched
	// in registration order.
	Priority int
)

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
	// PriorityMonitor handlers run last, and should observe only.
	PriorityMonitor
)

func (x Priority) String() string {
	switch x {
	case PriorityLowest:
		return `lowest`
	case PriorityLow:
		return `low`
	case PriorityNormal:
		return `normal`
	case PriorityHigh:
		return `high`
	case PriorityHighest:
		return `highest`
	case PriorityMonitor:
		return `monitor`
	default:
		return `unknown`
	}
}

// handlerEntry is a registered handler, and its Registration.
type handlerEntry struct {
	handler         Handler
	registry        *handlerRegistry
	eventType       EventType
	id              uint64
	priority        Priority
	ignoreCancelled bool
	active          atomic.Bool
}

func (x *handlerEntry) Unregister() bool {
	if !x.active.CompareAndSwap(true, false) {
		return false
	}
	x.registry.remove(x)
	return true
}

// handlerRegistry maps event types to handlers, sorted by priority. Each
// slice is copy-on-write, so dispatch may iterate a snapshot without holding
// the lock.
type handlerRegistry struct {
	byType map[EventType][]*handlerEntry
	nextID uint64
	mu     sync.Mutex
}

func (x *handlerRegistry) add(eventType EventType, priority Priority, ignoreCancelled bool, handler Handler) *handlerEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.byType == nil {
		x.byType = make(map[EventType][]*handlerEntry)
	}
	x.nextID++
	entry := &handlerEntry{
		handler:         handler,
		registry:        x,
		eventType:       eventType,
		id:              x.nextID,
		priority:        priority,
		ignoreCancelled: ignoreCancelled,
	}
	entry.active.Store(true)
	old := x.byType[eventType]
	i, _ := slices.BinarySearchFunc(old, priority+1, func(e *handlerEntry, p Priority) int {
		if e.priority < p {
			return -1
		}
		return 1
	})
	x.byType[eventType] = slices.Insert(slices.Clone(old), i, entry)
	return entry
}

func (x *handlerRegistry) remove(entry *handlerEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	old := x.byType[entry.eventType]
	i := slices.Index(old, entry)
	if i < 0 {
		return
	}
	if len(old) == 1 {
		delete(x.byType, entry.eventType)
		return
	}
	x.byType[entry.eventType] = slices.Delete(slices.Clone(old), i, i+1)
}

func (x *handlerRegistry) snapshot(eventType EventType) []*handlerEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.byType[eventType]
}

func (x *handlerRegistry) count() (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, v := range x.byType {
		n += len(v)
	}
	return
}

// hookEntry is a shutdown listener, and its Registration.
type hookEntry struct {
	fn     func()
	hooks  *hookRegistry
	active atomic.Bool
}

func (x *hookEntry) Unregister() bool {
	if !x.active.CompareAndSwap(true, false) {
		return false
	}
	x.hooks.mu.Lock()
	defer x.hooks.mu.Unlock()
	if i := slices.Index(x.hooks.entries, x); i >= 0 {
		x.hooks.entries = slices.Delete(x.hooks.entries, i, i+1)
	}
	return true
}

type hookRegistry struct {
	entries []*hookEntry
	mu      sync.Mutex
	fired   bool
}

// add returns nil if the hooks have already fired.
func (x *hookRegistry) add(fn func()) *hookEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fired {
		return nil
	}
	entry := &hookEntry{fn: fn, hooks: x}
	entry.active.Store(true)
	x.entries = append(x.entries, entry)
	return entry
}

// take marks the hooks as fired, returning those still registered, in
// registration order.
func (x *hookRegistry) take() []*hookEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fired = true
	entries := x.entries
	x.entries = nil
	return entries
}

// noRegistration is returned where there is nothing to unregister.
type noRegistration struct{}

func (noRegistration) Unregister() bool { return false }
