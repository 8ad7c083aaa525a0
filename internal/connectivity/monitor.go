// Package connectivity reports whether the remote store is reachable.
package connectivity

import "sync"

// Monitor exposes the reachability signal the sync coordinator follows.
type Monitor interface {
	// Reachable returns the current state.
	Reachable() bool
	// Subscribe returns a channel receiving every state transition and a
	// function that ends the subscription.
	Subscribe() (<-chan bool, func())
}

// broadcaster fans state transitions out to subscribers. A slow subscriber
// only ever sees the latest state; older undelivered values are replaced.
type broadcaster struct {
	mu        sync.Mutex
	reachable bool
	known     bool
	subs      map[int]chan bool
	nextID    int
}

func newBroadcaster(initial, known bool) *broadcaster {
	return &broadcaster{
		reachable: initial,
		known:     known,
		subs:      make(map[int]chan bool),
	}
}

func (b *broadcaster) Reachable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reachable
}

func (b *broadcaster) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan bool, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// set records the state and publishes it when it changed. It reports
// whether a transition happened.
func (b *broadcaster) set(reachable bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.known && b.reachable == reachable {
		return false
	}
	b.known = true
	b.reachable = reachable
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- reachable
	}
	return true
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Manual is a Monitor driven by explicit calls, used by tests and by hosts
// that learn about reachability from the platform.
type Manual struct {
	*broadcaster
}

// NewManual creates a Manual monitor in the given initial state.
func NewManual(reachable bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(reachable, true)}
}

// Set updates the state, notifying subscribers on a transition.
func (m *Manual) Set(reachable bool) {
	m.set(reachable)
}
