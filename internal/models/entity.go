// Package models provides data model definitions for the sync core.
package models

import (
	"fmt"
	"time"
)

// EntityType tags a syncable entity and selects its merge and cache policy.
type EntityType string

const (
	EntityOrder              EntityType = "order"
	EntityUserProfile        EntityType = "user_profile"
	EntityDriverLocation     EntityType = "driver_location"
	EntityDeliveryCompletion EntityType = "delivery_completion"
	EntityPartner            EntityType = "partner"
	EntityProduct            EntityType = "product"
)

// EntityTypes returns every known entity type.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityOrder,
		EntityUserProfile,
		EntityDriverLocation,
		EntityDeliveryCompletion,
		EntityPartner,
		EntityProduct,
	}
}

// Category returns the cache category entities of this type are stored under.
func (t EntityType) Category() CacheCategory {
	switch t {
	case EntityOrder, EntityDeliveryCompletion:
		return CategoryOrders
	case EntityUserProfile, EntityDriverLocation:
		return CategoryUsers
	case EntityPartner:
		return CategoryPartners
	case EntityProduct:
		return CategoryProducts
	default:
		return CategoryAnalytics
	}
}

// Entity is an immutable snapshot of a syncable domain object.
// Implementations are value types; updates produce a new value.
type Entity interface {
	EntityID() string
	EntityType() EntityType
	ModifiedAt() time.Time
	VersionMarker() int64
}

// EntityKey returns the key that identifies an entity across types, e.g. "order:42".
func EntityKey(t EntityType, id string) string {
	return fmt.Sprintf("%s:%s", t, id)
}

// KeyOf returns the cross-type key of e.
func KeyOf(e Entity) string {
	return EntityKey(e.EntityType(), e.EntityID())
}

// WithVersion returns a copy of e carrying the given version marker.
// Unknown implementations are returned unchanged.
func WithVersion(e Entity, version int64) Entity {
	switch v := e.(type) {
	case Order:
		v = v.Clone()
		v.Version = version
		return v
	case UserProfile:
		v.Version = version
		return v
	case DriverLocation:
		v.Version = version
		return v
	case DeliveryCompletion:
		v.Version = version
		return v
	case Partner:
		v.Version = version
		return v
	case Product:
		v.Version = version
		return v
	}
	return e
}
