// Package connectivity reports whether the notes API is reachable and
// announces offline→online transitions.
package connectivity

import (
	"sync"
)

// Oracle is the engine's view of connectivity.
type Oracle interface {
	IsOnline() bool
	// OnBecameOnline registers fn to run once per offline→online transition.
	// The returned func unregisters it.
	OnBecameOnline(fn func()) (cancel func())
}

// notifier tracks the online flag and fires listeners on the rising edge.
type notifier struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func()
}

func (n *notifier) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) OnBecameOnline(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]func())
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.listeners, id)
		})
	}
}

// set stores online and reports whether this was an offline→online edge.
// Listeners are called outside the lock.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	rising := online && !n.online
	n.online = online
	var fire []func()
	if rising {
		fire = make([]func(), 0, len(n.listeners))
		for _, fn := range n.listeners {
			fire = append(fire, fn)
		}
	}
	n.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	return rising
}

// Manual is an Oracle toggled explicitly, e.g. by a --offline flag or tests.
type Manual struct {
	notifier
}

var _ Oracle = (*Manual)(nil)

// NewManual creates an oracle in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// SetOnline changes the state, firing listeners on an offline→online edge.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}
