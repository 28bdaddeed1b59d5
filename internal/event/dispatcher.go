// Package event implements the typed publish/subscribe registry that
// decouples transport framing from application semantics. Dispatch is a
// synchronous fan-out in registration order with no queuing.
package event

import (
	"sync"

	"github.com/roomsync/internal/logger"
)

// Handler receives the payload published under an event name.
type Handler func(payload any)

type subscription struct {
	id int
	fn Handler
}

// Dispatcher routes published payloads to subscribed handlers. Safe for
// concurrent use; handlers for one event run in registration order.
type Dispatcher struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event name and returns its disposer.
// Calling the disposer more than once is a no-op.
func (d *Dispatcher) Subscribe(name string, fn Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[name] = append(d.subs[name], subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(name, id) })
	}
}

func (d *Dispatcher) remove(name string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[name]
	for i, s := range subs {
		if s.id == id {
			d.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.subs[name]) == 0 {
		delete(d.subs, name)
	}
}

// Publish invokes every handler registered for name, in registration order.
// Publishing with no subscribers is a no-op. A panicking handler is logged
// and does not prevent the remaining handlers from running.
func (d *Dispatcher) Publish(name string, payload any) {
	d.mu.Lock()
	subs := d.subs[name]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	d.mu.Unlock()

	for _, s := range snapshot {
		invoke(name, s.fn, payload)
	}
}

func invoke(name string, fn Handler, payload any) {
	defer func() {
		if err := recover(); err != nil {
			logger.Errorf("event handler panic event=%s: %v", name, err)
		}
	}()
	fn(payload)
}

// UnsubscribeAll removes every handler for the given event names, or every
// handler outright when called with no arguments.
func (d *Dispatcher) UnsubscribeAll(names ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(names) == 0 {
		d.subs = make(map[string][]subscription)
		return
	}
	for _, name := range names {
		delete(d.subs, name)
	}
}

// SubscriberCount reports how many handlers are registered for name.
func (d *Dispatcher) SubscriberCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[name])
}
