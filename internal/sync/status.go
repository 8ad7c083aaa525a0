package sync

import (
	"sort"
	stdsync "sync"
	"time"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
)

// Status is a point-in-time view of the coordinator for the UI.
type Status struct {
	State   State `json:"state"`
	Pending int   `json:"pending"`
	// Syncing is set while a replay cycle runs.
	Syncing       bool         `json:"syncing"`
	InFlight      []string     `json:"in_flight,omitempty"`
	LastSyncDate  *time.Time   `json:"last_sync_date,omitempty"`
	LastReconcile *time.Time   `json:"last_reconcile,omitempty"`
	Halted        string       `json:"halted,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastCycle     *CycleResult `json:"last_cycle,omitempty"`
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.cycleMu.Lock()
	syncing := c.cycleRunning
	c.cycleMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:     c.state,
		Pending:   c.queue.Count(),
		Syncing:   syncing,
		Halted:    c.halted,
		LastError: c.lastError,
	}
	for key := range c.inflight {
		s.InFlight = append(s.InFlight, key)
	}
	sort.Strings(s.InFlight)
	if !c.lastSync.IsZero() {
		t := c.lastSync
		s.LastSyncDate = &t
	}
	if !c.lastReconcile.IsZero() {
		t := c.lastReconcile
		s.LastReconcile = &t
	}
	if c.lastCycle != nil {
		cycle := *c.lastCycle
		s.LastCycle = &cycle
	}
	return s
}

// EventType discriminates coordinator events.
type EventType string

const (
	EventStatus           EventType = "status"
	EventMutationFailed   EventType = "mutation_failed"
	EventConflictResolved EventType = "conflict_resolved"
)

// FailureEvent describes a mutation that will never be applied.
type FailureEvent struct {
	MutationID string              `json:"mutation_id"`
	Kind       models.MutationKind `json:"kind"`
	EntityKey  string              `json:"entity_key"`
	Code       apperrors.ErrorCode `json:"code"`
	Message    string              `json:"message,omitempty"`
	RetryCount int                 `json:"retry_count"`
}

// Event is published to subscribers when status changes, a mutation fails
// for good or a conflict is resolved.
type Event struct {
	Type     EventType           `json:"type"`
	At       time.Time           `json:"at"`
	Status   *Status             `json:"status,omitempty"`
	Failure  *FailureEvent       `json:"failure,omitempty"`
	Conflict *models.ConflictLog `json:"conflict,omitempty"`
}

const eventBuffer = 32

// eventHub fans events out to subscribers. Slow subscribers miss events
// rather than block the coordinator.
type eventHub struct {
	mu     stdsync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

func (h *eventHub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribe returns a channel of coordinator events and a function that
// cancels the subscription. The channel is closed by Stop.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

func (c *Coordinator) publishStatus() {
	s := c.Status()
	c.events.publish(Event{Type: EventStatus, At: c.now(), Status: &s})
}
