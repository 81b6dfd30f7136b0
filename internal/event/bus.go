package event

import (
	"sync"

	"github.com/oeway/kernel-engine/internal/logging"
)

// WildcardKernel subscribes a handler to events from every kernel.
// Process-wide sinks (redis publisher, history store) use it.
const WildcardKernel = "*"

// DefaultHandlerCap bounds how many handlers may be registered per
// (kernel, type) pair. A runaway subscriber loop is a bug; cap it loudly
// instead of growing without bound.
const DefaultHandlerCap = 128

// Handler receives a single event record. Handlers run synchronously on
// the publishing goroutine and must not block.
type Handler func(Record)

// Subscription identifies a registered handler so it can be removed in
// O(1). Integer handles stand in for closure identity, which Go does not
// define equality for.
type Subscription struct {
	kernelID string
	typ      Type
	id       uint64
}

// Bus routes kernel events to subscribed handlers. The subscription table
// is a three-level map keyed by (kernelID, type, handle); all of a
// kernel's handlers can be dropped in one call when the kernel is
// destroyed.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string]map[Type]map[uint64]Handler
	nextID     uint64
	handlerCap int
}

// NewBus creates an event bus. handlerCap <= 0 selects DefaultHandlerCap.
func NewBus(handlerCap int) *Bus {
	if handlerCap <= 0 {
		handlerCap = DefaultHandlerCap
	}
	return &Bus{
		handlers:   make(map[string]map[Type]map[uint64]Handler),
		handlerCap: handlerCap,
	}
}

// Subscribe registers a handler for one event type on one kernel (or
// WildcardKernel). Returns a subscription handle for Unsubscribe. When the
// per-type cap is reached the subscription is refused and a zero handle is
// returned.
func (b *Bus) Subscribe(kernelID string, typ Type, h Handler) (Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byType, ok := b.handlers[kernelID]
	if !ok {
		byType = make(map[Type]map[uint64]Handler)
		b.handlers[kernelID] = byType
	}
	byID, ok := byType[typ]
	if !ok {
		byID = make(map[uint64]Handler)
		byType[typ] = byID
	}
	if len(byID) >= b.handlerCap {
		logging.Op().Warn("event handler cap reached, refusing subscription",
			"kernel_id", kernelID, "type", string(typ), "cap", b.handlerCap)
		return Subscription{}, false
	}

	b.nextID++
	id := b.nextID
	byID[id] = h
	return Subscription{kernelID: kernelID, typ: typ, id: id}, true
}

// SubscribeTypes registers one handler for several event types at once.
func (b *Bus) SubscribeTypes(kernelID string, types []Type, h Handler) []Subscription {
	subs := make([]Subscription, 0, len(types))
	for _, t := range types {
		if s, ok := b.Subscribe(kernelID, t, h); ok {
			subs = append(subs, s)
		}
	}
	return subs
}

// Unsubscribe removes a previously registered handler. Removing a handler
// twice, or one refused at subscribe time, is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	byType, ok := b.handlers[sub.kernelID]
	if !ok {
		return
	}
	byID, ok := byType[sub.typ]
	if !ok {
		return
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(byType, sub.typ)
	}
	if len(byType) == 0 {
		delete(b.handlers, sub.kernelID)
	}
}

// UnsubscribeAll removes a batch of subscriptions.
func (b *Bus) UnsubscribeAll(subs []Subscription) {
	for _, s := range subs {
		b.Unsubscribe(s)
	}
}

// DropKernel removes every handler registered on a kernel. Called before
// the kernel's record leaves the live map so no event can reach a handler
// for a kernel that no longer exists.
func (b *Bus) DropKernel(kernelID string) {
	b.mu.Lock()
	delete(b.handlers, kernelID)
	b.mu.Unlock()
}

// ListenerCount reports how many handlers are registered for a
// (kernel, type) pair, excluding wildcard handlers.
func (b *Bus) ListenerCount(kernelID string, typ Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if byType, ok := b.handlers[kernelID]; ok {
		return len(byType[typ])
	}
	return 0
}

// Publish delivers a record to the handlers registered for its kernel and
// type, then to wildcard handlers. Delivery within one kernel is FIFO
// because publishers for a kernel are serialized upstream.
func (b *Bus) Publish(rec Record) {
	b.mu.RLock()
	var targets []Handler
	if byType, ok := b.handlers[rec.KernelID]; ok {
		for _, h := range byType[rec.Type] {
			targets = append(targets, h)
		}
	}
	if rec.KernelID != WildcardKernel {
		if byType, ok := b.handlers[WildcardKernel]; ok {
			for _, h := range byType[rec.Type] {
				targets = append(targets, h)
			}
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(rec)
	}
}
