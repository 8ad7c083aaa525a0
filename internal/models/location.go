package models

import "time"

// DriverLocation is a single GPS fix for a driver. ID is the driver id, so the
// latest fix replaces earlier ones.
type DriverLocation struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	Accuracy   float64   `json:"accuracy"`
	Version    int64     `json:"version"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (l DriverLocation) EntityID() string { return l.ID }
func (l DriverLocation) EntityType() EntityType { return EntityDriverLocation }
func (l DriverLocation) ModifiedAt() time.Time { return l.RecordedAt }
func (l DriverLocation) VersionMarker() int64 { return l.Version }

// DeliveryCompletion records proof of delivery for an order. ID is the order id.
type DeliveryCompletion struct {
	ID          string    `json:"id"`
	DriverID    string    `json:"driver_id"`
	PhotoKey    string    `json:"photo_key,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Version     int64     `json:"version"`
	CompletedAt time.Time `json:"completed_at"`
}

func (d DeliveryCompletion) EntityID() string { return d.ID }
func (d DeliveryCompletion) EntityType() EntityType { return EntityDeliveryCompletion }
func (d DeliveryCompletion) ModifiedAt() time.Time { return d.CompletedAt }
func (d DeliveryCompletion) VersionMarker() int64 { return d.Version }
