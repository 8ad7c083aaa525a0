package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Envelope is the self-describing wire form of an entity.
type Envelope struct {
	Type EntityType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEntity serializes e together with its type tag.
func EncodeEntity(e Entity) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode entity: nil entity")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entity %s: %w", KeyOf(e), err)
	}
	return json.Marshal(Envelope{Type: e.EntityType(), Data: data})
}

// DecodeEntity parses an envelope produced by EncodeEntity.
func DecodeEntity(raw []byte) (Entity, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode entity envelope: %w", err)
	}
	return decodeAs(env.Type, env.Data)
}

func decodeAs(t EntityType, data []byte) (Entity, error) {
	var (
		entity Entity
		err    error
	)
	switch t {
	case EntityOrder:
		var v Order
		err = json.Unmarshal(data, &v)
		entity = v
	case EntityUserProfile:
		var v UserProfile
		err = json.Unmarshal(data, &v)
		entity = v
	case EntityDriverLocation:
		var v DriverLocation
		err = json.Unmarshal(data, &v)
		entity = v
	case EntityDeliveryCompletion:
		var v DeliveryCompletion
		err = json.Unmarshal(data, &v)
		entity = v
	case EntityPartner:
		var v Partner
		err = json.Unmarshal(data, &v)
		entity = v
	case EntityProduct:
		var v Product
		err = json.Unmarshal(data, &v)
		entity = v
	default:
		return nil, fmt.Errorf("decode entity: unknown type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return entity, nil
}

// Fingerprint returns a content hash of e. Two snapshots with equal fingerprints
// carry identical data.
func Fingerprint(e Entity) (string, error) {
	raw, err := EncodeEntity(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SameContent reports whether a and b carry identical data.
func SameContent(a, b Entity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, errA := Fingerprint(a)
	fb, errB := Fingerprint(b)
	return errA == nil && errB == nil && fa == fb
}
