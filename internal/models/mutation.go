package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MutationKind discriminates the payload carried by a Mutation.
type MutationKind string

const (
	KindCreateOrder       MutationKind = "create_order"
	KindUpdateOrderStatus MutationKind = "update_order_status"
	KindUpdateProfile     MutationKind = "update_profile"
	KindSaveLocation      MutationKind = "save_location"
	KindSaveLocationBatch MutationKind = "save_location_batch"
	KindCompleteDelivery  MutationKind = "complete_delivery"
)

// MutationPayload is the closed set of write operations a Mutation can carry.
// Only types in this package implement it.
type MutationPayload interface {
	Kind() MutationKind
	TargetType() EntityType
	TargetID() string
	// Entities returns the snapshots written by this operation, in order.
	Entities() []Entity
	isMutationPayload()
}

// CreateOrder places a new order.
type CreateOrder struct {
	Order Order `json:"order"`
}

func (CreateOrder) Kind() MutationKind { return KindCreateOrder }
func (CreateOrder) TargetType() EntityType { return EntityOrder }
func (p CreateOrder) TargetID() string { return p.Order.ID }
func (p CreateOrder) Entities() []Entity { return []Entity{p.Order} }
func (CreateOrder) isMutationPayload() {}

// UpdateOrderStatus writes an order snapshot whose status has changed.
type UpdateOrderStatus struct {
	Order    Order       `json:"order"`
	Previous OrderStatus `json:"previous_status,omitempty"`
}

func (UpdateOrderStatus) Kind() MutationKind { return KindUpdateOrderStatus }
func (UpdateOrderStatus) TargetType() EntityType { return EntityOrder }
func (p UpdateOrderStatus) TargetID() string { return p.Order.ID }
func (p UpdateOrderStatus) Entities() []Entity { return []Entity{p.Order} }
func (UpdateOrderStatus) isMutationPayload() {}

// UpdateProfile writes a user profile snapshot.
type UpdateProfile struct {
	Profile UserProfile `json:"profile"`
}

func (UpdateProfile) Kind() MutationKind { return KindUpdateProfile }
func (UpdateProfile) TargetType() EntityType { return EntityUserProfile }
func (p UpdateProfile) TargetID() string { return p.Profile.ID }
func (p UpdateProfile) Entities() []Entity { return []Entity{p.Profile} }
func (UpdateProfile) isMutationPayload() {}

// SaveLocation records a single driver position.
type SaveLocation struct {
	Location DriverLocation `json:"location"`
}

func (SaveLocation) Kind() MutationKind { return KindSaveLocation }
func (SaveLocation) TargetType() EntityType { return EntityDriverLocation }
func (p SaveLocation) TargetID() string { return p.Location.ID }
func (p SaveLocation) Entities() []Entity { return []Entity{p.Location} }
func (SaveLocation) isMutationPayload() {}

// SaveLocationBatch uploads a trail of positions recorded for one driver while
// offline. Items are addressed by their index in Locations.
type SaveLocationBatch struct {
	DriverID  string           `json:"driver_id"`
	Locations []DriverLocation `json:"locations"`
}

func (SaveLocationBatch) Kind() MutationKind { return KindSaveLocationBatch }
func (SaveLocationBatch) TargetType() EntityType { return EntityDriverLocation }
func (p SaveLocationBatch) TargetID() string { return p.DriverID }
func (SaveLocationBatch) isMutationPayload() {}

func (p SaveLocationBatch) Entities() []Entity {
	out := make([]Entity, len(p.Locations))
	for i, loc := range p.Locations {
		out[i] = loc
	}
	return out
}

// BatchItemKey returns the key a batch item failure is reported under.
func BatchItemKey(index int) string {
	return strconv.Itoa(index)
}

// CompleteDelivery submits proof of delivery for an order.
type CompleteDelivery struct {
	Completion DeliveryCompletion `json:"completion"`
}

func (CompleteDelivery) Kind() MutationKind { return KindCompleteDelivery }
func (CompleteDelivery) TargetType() EntityType { return EntityDeliveryCompletion }
func (p CompleteDelivery) TargetID() string { return p.Completion.ID }
func (p CompleteDelivery) Entities() []Entity { return []Entity{p.Completion} }
func (CompleteDelivery) isMutationPayload() {}

// ReplacePayloadEntity returns a copy of p carrying e instead of its current
// snapshot. Batches cannot be rewritten as a whole.
func ReplacePayloadEntity(p MutationPayload, e Entity) (MutationPayload, error) {
	switch v := p.(type) {
	case CreateOrder:
		o, ok := e.(Order)
		if !ok {
			return nil, fmt.Errorf("replace %s payload: got %T", v.Kind(), e)
		}
		v.Order = o
		return v, nil
	case UpdateOrderStatus:
		o, ok := e.(Order)
		if !ok {
			return nil, fmt.Errorf("replace %s payload: got %T", v.Kind(), e)
		}
		v.Order = o
		return v, nil
	case UpdateProfile:
		pr, ok := e.(UserProfile)
		if !ok {
			return nil, fmt.Errorf("replace %s payload: got %T", v.Kind(), e)
		}
		v.Profile = pr
		return v, nil
	case SaveLocation:
		l, ok := e.(DriverLocation)
		if !ok {
			return nil, fmt.Errorf("replace %s payload: got %T", v.Kind(), e)
		}
		v.Location = l
		return v, nil
	case CompleteDelivery:
		d, ok := e.(DeliveryCompletion)
		if !ok {
			return nil, fmt.Errorf("replace %s payload: got %T", v.Kind(), e)
		}
		v.Completion = d
		return v, nil
	case SaveLocationBatch:
		return nil, fmt.Errorf("replace %s payload: batches are not rewritable", v.Kind())
	default:
		return nil, fmt.Errorf("replace payload: unknown payload %T", p)
	}
}

// Mutation is a pending write awaiting transmission to the remote store.
type Mutation struct {
	ID         string
	Payload    MutationPayload
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	// NotBefore holds back the next attempt until the retry delay has elapsed.
	NotBefore time.Time
	// Recheck is set after a lost response; the next attempt reads the remote first.
	Recheck   bool
	LastError string
}

// NewMutation wraps a payload. The queue assigns ID and EnqueuedAt.
func NewMutation(p MutationPayload, maxRetries int) Mutation {
	return Mutation{Payload: p, MaxRetries: maxRetries}
}

// Kind returns the payload kind, or "" when no payload is set.
func (m Mutation) Kind() MutationKind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// EntityKey returns the key same-entity mutations are serialized on.
func (m Mutation) EntityKey() string {
	if m.Payload == nil {
		return ""
	}
	return EntityKey(m.Payload.TargetType(), m.Payload.TargetID())
}

// Due reports whether the mutation may be attempted at now.
func (m Mutation) Due(now time.Time) bool {
	return m.NotBefore.IsZero() || !now.Before(m.NotBefore)
}

// Exhausted reports whether the mutation has used up its retries.
func (m Mutation) Exhausted() bool {
	return m.RetryCount >= m.MaxRetries
}

// Validate checks that the mutation can be queued.
func (m Mutation) Validate() error {
	if m.Payload == nil {
		return fmt.Errorf("mutation %s: missing payload", m.ID)
	}
	if m.Payload.TargetID() == "" {
		return fmt.Errorf("mutation %s: %s payload has no target id", m.ID, m.Payload.Kind())
	}
	if m.MaxRetries < 0 {
		return fmt.Errorf("mutation %s: negative max retries", m.ID)
	}
	if b, ok := m.Payload.(SaveLocationBatch); ok {
		if len(b.Locations) == 0 {
			return fmt.Errorf("mutation %s: empty location batch", m.ID)
		}
		for i, loc := range b.Locations {
			if loc.ID != b.DriverID {
				return fmt.Errorf("mutation %s: batch item %d belongs to driver %q", m.ID, i, loc.ID)
			}
		}
	}
	return nil
}

// ===== JSON =====

type mutationWire struct {
	ID         string          `json:"id"`
	Kind       MutationKind    `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
	Recheck    bool            `json:"recheck,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// MarshalJSON encodes the mutation with a kind discriminator.
func (m Mutation) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("marshal mutation %s: missing payload", m.ID)
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal mutation %s payload: %w", m.ID, err)
	}
	return json.Marshal(mutationWire{
		ID:         m.ID,
		Kind:       m.Payload.Kind(),
		Payload:    payload,
		EnqueuedAt: m.EnqueuedAt,
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		NotBefore:  m.NotBefore,
		Recheck:    m.Recheck,
		LastError:  m.LastError,
	})
}

// UnmarshalJSON decodes a mutation produced by MarshalJSON.
func (m *Mutation) UnmarshalJSON(data []byte) error {
	var w mutationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal mutation: %w", err)
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return fmt.Errorf("unmarshal mutation %s: %w", w.ID, err)
	}
	*m = Mutation{
		ID:         w.ID,
		Payload:    payload,
		EnqueuedAt: w.EnqueuedAt,
		RetryCount: w.RetryCount,
		MaxRetries: w.MaxRetries,
		NotBefore:  w.NotBefore,
		Recheck:    w.Recheck,
		LastError:  w.LastError,
	}
	return nil
}

func decodePayload(kind MutationKind, raw []byte) (MutationPayload, error) {
	switch kind {
	case KindCreateOrder:
		return unmarshalPayload[CreateOrder](raw)
	case KindUpdateOrderStatus:
		return unmarshalPayload[UpdateOrderStatus](raw)
	case KindUpdateProfile:
		return unmarshalPayload[UpdateProfile](raw)
	case KindSaveLocation:
		return unmarshalPayload[SaveLocation](raw)
	case KindSaveLocationBatch:
		return unmarshalPayload[SaveLocationBatch](raw)
	case KindCompleteDelivery:
		return unmarshalPayload[CompleteDelivery](raw)
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", kind)
	}
}

func unmarshalPayload[T MutationPayload](raw []byte) (MutationPayload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
